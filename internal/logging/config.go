package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "TRILINK_LOG_LEVEL"
	EnvLogTimestamp = "TRILINK_LOG_TIMESTAMP"
	EnvLogNoColor   = "TRILINK_LOG_NOCOLOR"
	EnvLogBacklog   = "TRILINK_LOG_BACKLOG"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config selects the sink's level filter, console format and backlog size.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	// Backlog is the number of recent entries retained in memory; 0 disables it.
	Backlog int
}

func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Timestamp: false, NoColor: true, Backlog: 256}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true, Backlog: 1000}
	}
}

// Sink is an injected logger plus the backlog it feeds.
type Sink struct {
	Logger  zerolog.Logger
	Backlog *Backlog
}

// New builds a console sink writing to out.
func New(cfg Config, out io.Writer) Sink {
	writer := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		writer.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	backlog := NewBacklog(cfg.Backlog)
	logger := zerolog.New(writer).Level(cfg.Level).Hook(backlog).With().Timestamp().Logger()
	return Sink{Logger: logger, Backlog: backlog}
}

// Runtime builds the process sink for app, honoring env overrides.
func Runtime(app string) Sink {
	cfg := DefaultConfig(ProfileRuntime)
	ApplyEnvOverrides(&cfg)
	sink := New(cfg, os.Stdout)
	sink.Logger = sink.Logger.With().Str("app", app).Logger()
	return sink
}

func ApplyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(EnvLogBacklog))); err == nil && n >= 0 {
		cfg.Backlog = n
	}
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
