package testlog

import (
	"testing"

	"github.com/danmuck/trilink/internal/logging"
	"github.com/rs/zerolog"
)

// Start returns a debug logger that writes through t.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	cfg := logging.DefaultConfig(logging.ProfileTest)
	logging.ApplyEnvOverrides(&cfg)
	sink := logging.New(cfg, zerolog.NewTestWriter(t))
	logger := sink.Logger.With().Str("test", t.Name()).Logger()
	logger.Info().Msg("test start")
	return logger
}
