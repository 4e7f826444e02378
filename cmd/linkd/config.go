package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/trilink/internal/logging"
	"github.com/danmuck/trilink/internal/protocol/session"
	"github.com/danmuck/trilink/internal/server"
)

// linkd config.toml key mapping to server runtime settings.
type fileConfig struct {
	Node             string         `toml:"node"`
	CommandAddr      string         `toml:"command_addr"`
	MessageAddr      string         `toml:"message_addr"`
	FileAddr         string         `toml:"file_addr"`
	AdvertiseMessage string         `toml:"advertise_message"`
	AdvertiseFile    string         `toml:"advertise_file"`
	HTTPAddr         string         `toml:"http_addr"`
	CORSOrigins      []string       `toml:"cors_origins"`
	TempDir          string         `toml:"temp_dir"`
	FileStore        string         `toml:"file_store"`
	PendingTTL       string         `toml:"pending_ttl"`
	ReconnectGrace   string         `toml:"reconnect_grace"`
	Accept           bucketConfig   `toml:"accept"`
	Command          roleFileConfig `toml:"command"`
	Message          roleFileConfig `toml:"message"`
	File             roleFileConfig `toml:"file"`
	Log              logFileConfig  `toml:"log"`
}

type bucketConfig struct {
	Capacity int64 `toml:"capacity"`
	Rate     int64 `toml:"rate"`
}

type roleFileConfig struct {
	MaxLinks          int    `toml:"max_links"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	IdleTimeout       string `toml:"idle_timeout"`
	BucketCapacity    int64  `toml:"bucket_capacity"`
	BucketRate        int64  `toml:"bucket_rate"`
	Workers           int    `toml:"workers"`
	QueueSize         int    `toml:"queue_size"`
}

type logFileConfig struct {
	Level     string `toml:"level"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
	Backlog   int    `toml:"backlog"`
}

// runtimeConfig is everything linkd needs to start.
type runtimeConfig struct {
	Service server.ServiceConfig
	Log     logging.Config
	// FileStore receives uploaded files; empty leaves them in the spool.
	FileStore string
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Service: server.DefaultServiceConfig(),
		Log:     logging.DefaultConfig(logging.ProfileRuntime),
	}
}

// linkd loader for TOML config with default overlay.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	out := defaultRuntimeConfig()
	cfg, logCfg := &out.Service, &out.Log

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load linkd config: %w", err)
	}

	if meta.IsDefined("node") {
		if node := strings.TrimSpace(raw.Node); node != "" {
			cfg.Node = node
		}
	}
	if meta.IsDefined("command_addr") {
		cfg.CommandAddr = strings.TrimSpace(raw.CommandAddr)
	}
	if meta.IsDefined("message_addr") {
		cfg.MessageAddr = strings.TrimSpace(raw.MessageAddr)
	}
	if meta.IsDefined("file_addr") {
		cfg.FileAddr = strings.TrimSpace(raw.FileAddr)
	}
	if meta.IsDefined("advertise_message") {
		cfg.AdvertiseMessage = strings.TrimSpace(raw.AdvertiseMessage)
	}
	if meta.IsDefined("advertise_file") {
		cfg.AdvertiseFile = strings.TrimSpace(raw.AdvertiseFile)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = nil
		for _, origin := range raw.CORSOrigins {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}
	if meta.IsDefined("temp_dir") {
		cfg.Session.TempDir = strings.TrimSpace(raw.TempDir)
	}
	if meta.IsDefined("file_store") {
		out.FileStore = strings.TrimSpace(raw.FileStore)
	}
	if err := overlayDuration(meta.IsDefined("pending_ttl"), "pending_ttl", raw.PendingTTL, &cfg.Session.PendingTTL); err != nil {
		return runtimeConfig{}, err
	}
	if err := overlayDuration(meta.IsDefined("reconnect_grace"), "reconnect_grace", raw.ReconnectGrace, &cfg.Session.ReconnectGrace); err != nil {
		return runtimeConfig{}, err
	}
	if meta.IsDefined("accept", "capacity") {
		cfg.Session.Accept.Capacity = raw.Accept.Capacity
	}
	if meta.IsDefined("accept", "rate") {
		cfg.Session.Accept.Rate = raw.Accept.Rate
	}

	roles := []struct {
		key string
		raw roleFileConfig
		dst *session.RoleConfig
	}{
		{"command", raw.Command, &cfg.Session.Command},
		{"message", raw.Message, &cfg.Session.Message},
		{"file", raw.File, &cfg.Session.File},
	}
	for _, r := range roles {
		if err := overlayRole(meta, r.key, r.raw, r.dst); err != nil {
			return runtimeConfig{}, err
		}
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return runtimeConfig{}, fmt.Errorf("load linkd config: unknown log level %q", raw.Log.Level)
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

	cfg.Session = cfg.Session.WithDefaults(session.DefaultServerConfig())
	if err := cfg.Session.Validate(); err != nil {
		return runtimeConfig{}, fmt.Errorf("load linkd config: %w", err)
	}
	return out, nil
}

func overlayRole(meta toml.MetaData, key string, raw roleFileConfig, dst *session.RoleConfig) error {
	if meta.IsDefined(key, "max_links") {
		dst.MaxLinks = raw.MaxLinks
	}
	if err := overlayDuration(meta.IsDefined(key, "heartbeat_interval"), key+".heartbeat_interval", raw.HeartbeatInterval, &dst.HeartbeatInterval); err != nil {
		return err
	}
	if err := overlayDuration(meta.IsDefined(key, "idle_timeout"), key+".idle_timeout", raw.IdleTimeout, &dst.IdleTimeout); err != nil {
		return err
	}
	if meta.IsDefined(key, "bucket_capacity") {
		dst.Bucket.Capacity = raw.BucketCapacity
	}
	if meta.IsDefined(key, "bucket_rate") {
		dst.Bucket.Rate = raw.BucketRate
	}
	if meta.IsDefined(key, "workers") {
		dst.Workers = raw.Workers
	}
	if meta.IsDefined(key, "queue_size") {
		dst.QueueSize = raw.QueueSize
	}
	return nil
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
