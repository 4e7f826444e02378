package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/trilink/internal/client"
	"github.com/danmuck/trilink/internal/logging"
	"github.com/danmuck/trilink/internal/protocol/session"
)

// linkctl config.toml key mapping to client runtime settings.
type fileConfig struct {
	Node              string              `toml:"node"`
	ServerAddr        string              `toml:"server_addr"`
	TempDir           string              `toml:"temp_dir"`
	HeartbeatInterval string              `toml:"heartbeat_interval"`
	IdleTimeout       string              `toml:"idle_timeout"`
	DialTimeout       string              `toml:"dial_timeout"`
	BootstrapWait     string              `toml:"bootstrap_wait"`
	PendingTTL        string              `toml:"pending_ttl"`
	Reconnect         reconnectFileConfig `toml:"reconnect"`
	Log               logFileConfig       `toml:"log"`
}

type reconnectFileConfig struct {
	Attempts int    `toml:"attempts"`
	Delay    string `toml:"delay"`
}

type logFileConfig struct {
	Level     string `toml:"level"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
	Backlog   int    `toml:"backlog"`
}

type runtimeConfig struct {
	Client client.Config
	Log    logging.Config
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Client: client.DefaultConfig(),
		Log:    logging.DefaultConfig(logging.ProfileRuntime),
	}
}

// linkctl loader for TOML config with default overlay.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	out := defaultRuntimeConfig()
	cfg, logCfg := &out.Client, &out.Log

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load linkctl config: %w", err)
	}

	if meta.IsDefined("node") {
		if node := strings.TrimSpace(raw.Node); node != "" {
			cfg.Node = node
		}
	}
	if meta.IsDefined("server_addr") {
		cfg.ServerAddr = strings.TrimSpace(raw.ServerAddr)
	}
	if meta.IsDefined("temp_dir") {
		cfg.Session.TempDir = strings.TrimSpace(raw.TempDir)
	}

	// one reactor carries every role, so liveness settings apply to all of them
	var heartbeat, idle time.Duration
	if err := overlayDuration(meta.IsDefined("heartbeat_interval"), "heartbeat_interval", raw.HeartbeatInterval, &heartbeat); err != nil {
		return runtimeConfig{}, err
	}
	if err := overlayDuration(meta.IsDefined("idle_timeout"), "idle_timeout", raw.IdleTimeout, &idle); err != nil {
		return runtimeConfig{}, err
	}
	for _, rc := range []*session.RoleConfig{&cfg.Session.Command, &cfg.Session.Message, &cfg.Session.File} {
		if heartbeat > 0 {
			rc.HeartbeatInterval = heartbeat
		}
		if idle > 0 {
			rc.IdleTimeout = idle
		}
	}

	if err := overlayDuration(meta.IsDefined("dial_timeout"), "dial_timeout", raw.DialTimeout, &cfg.Session.DialTimeout); err != nil {
		return runtimeConfig{}, err
	}
	if err := overlayDuration(meta.IsDefined("bootstrap_wait"), "bootstrap_wait", raw.BootstrapWait, &cfg.Session.BootstrapWait); err != nil {
		return runtimeConfig{}, err
	}
	if err := overlayDuration(meta.IsDefined("pending_ttl"), "pending_ttl", raw.PendingTTL, &cfg.Session.PendingTTL); err != nil {
		return runtimeConfig{}, err
	}
	if meta.IsDefined("reconnect", "attempts") {
		cfg.Session.Reconnect.MaxAttempts = raw.Reconnect.Attempts
	}
	if err := overlayDuration(meta.IsDefined("reconnect", "delay"), "reconnect.delay", raw.Reconnect.Delay, &cfg.Session.Reconnect.Delay); err != nil {
		return runtimeConfig{}, err
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return runtimeConfig{}, fmt.Errorf("load linkctl config: unknown log level %q", raw.Log.Level)
		}
		logCfg.Level = lvl
	}
	if meta.IsDefined("log", "timestamp") {
		logCfg.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		logCfg.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "backlog") {
		logCfg.Backlog = raw.Log.Backlog
	}

	if strings.TrimSpace(cfg.ServerAddr) == "" {
		return runtimeConfig{}, fmt.Errorf("load linkctl config: server_addr required")
	}
	if err := cfg.Session.Validate(); err != nil {
		return runtimeConfig{}, fmt.Errorf("load linkctl config: %w", err)
	}
	return out, nil
}

func overlayDuration(defined bool, key, raw string, dst *time.Duration) error {
	if !defined || strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}
