package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/trilink/internal/logging"
	"github.com/pelletier/go-toml/v2"
)

// LinkdConfig mirrors cmd/linkd/config.toml.
type LinkdConfig struct {
	Node             string       `toml:"node"`
	CommandAddr      string       `toml:"command_addr"`
	MessageAddr      string       `toml:"message_addr"`
	FileAddr         string       `toml:"file_addr"`
	AdvertiseMessage string       `toml:"advertise_message"`
	AdvertiseFile    string       `toml:"advertise_file"`
	HTTPAddr         string       `toml:"http_addr"`
	CORSOrigins      []string     `toml:"cors_origins"`
	TempDir          string       `toml:"temp_dir"`
	FileStore        string       `toml:"file_store"`
	PendingTTL       string       `toml:"pending_ttl"`
	ReconnectGrace   string       `toml:"reconnect_grace"`
	Accept           BucketConfig `toml:"accept"`
	Command          RoleConfig   `toml:"command"`
	Message          RoleConfig   `toml:"message"`
	File             RoleConfig   `toml:"file"`
	Log              LogConfig    `toml:"log"`
}

// LinkctlConfig mirrors cmd/linkctl/config.toml.
type LinkctlConfig struct {
	Node              string          `toml:"node"`
	ServerAddr        string          `toml:"server_addr"`
	TempDir           string          `toml:"temp_dir"`
	HeartbeatInterval string          `toml:"heartbeat_interval"`
	IdleTimeout       string          `toml:"idle_timeout"`
	DialTimeout       string          `toml:"dial_timeout"`
	BootstrapWait     string          `toml:"bootstrap_wait"`
	PendingTTL        string          `toml:"pending_ttl"`
	Reconnect         ReconnectConfig `toml:"reconnect"`
	Log               LogConfig       `toml:"log"`
}

type RoleConfig struct {
	MaxLinks          int    `toml:"max_links"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	IdleTimeout       string `toml:"idle_timeout"`
	BucketCapacity    int64  `toml:"bucket_capacity"`
	BucketRate        int64  `toml:"bucket_rate"`
	Workers           int    `toml:"workers"`
	QueueSize         int    `toml:"queue_size"`
}

type BucketConfig struct {
	Capacity int64 `toml:"capacity"`
	Rate     int64 `toml:"rate"`
}

type ReconnectConfig struct {
	Attempts int    `toml:"attempts"`
	Delay    string `toml:"delay"`
}

type LogConfig struct {
	Level     string `toml:"level"`
	Timestamp *bool  `toml:"timestamp"`
	NoColor   *bool  `toml:"no_color"`
	Backlog   *int   `toml:"backlog"`
}

func LoadLinkdConfig(path string) (LinkdConfig, error) {
	var cfg LinkdConfig
	if err := loadToml(path, &cfg); err != nil {
		return LinkdConfig{}, err
	}
	if err := ValidateLinkdConfig(cfg); err != nil {
		return LinkdConfig{}, err
	}
	return cfg, nil
}

func LoadLinkctlConfig(path string) (LinkctlConfig, error) {
	var cfg LinkctlConfig
	if err := loadToml(path, &cfg); err != nil {
		return LinkctlConfig{}, err
	}
	if err := ValidateLinkctlConfig(cfg); err != nil {
		return LinkctlConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateLinkdConfig(cfg LinkdConfig) error {
	addrs := map[string]string{
		"command_addr": cfg.CommandAddr,
		"message_addr": cfg.MessageAddr,
		"file_addr":    cfg.FileAddr,
	}
	seen := make(map[string]string, len(addrs))
	for key, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if other, dup := seen[addr]; dup {
			return fmt.Errorf("linkd config %s and %s share %s", other, key, addr)
		}
		seen[addr] = key
	}
	for key, raw := range map[string]string{
		"pending_ttl":     cfg.PendingTTL,
		"reconnect_grace": cfg.ReconnectGrace,
	} {
		if err := validateDuration(key, raw, true); err != nil {
			return fmt.Errorf("linkd config: %w", err)
		}
	}
	if cfg.Accept.Capacity < 0 || cfg.Accept.Rate < 0 {
		return fmt.Errorf("linkd config accept bucket must not be negative")
	}
	for name, role := range map[string]RoleConfig{"command": cfg.Command, "message": cfg.Message, "file": cfg.File} {
		if err := validateRole(role); err != nil {
			return fmt.Errorf("linkd config [%s] invalid: %w", name, err)
		}
	}
	return validateLog(cfg.Log)
}

func ValidateLinkctlConfig(cfg LinkctlConfig) error {
	if strings.TrimSpace(cfg.ServerAddr) == "" {
		return fmt.Errorf("linkctl config missing server_addr")
	}
	if strings.HasPrefix(strings.TrimSpace(cfg.ServerAddr), ":") {
		return fmt.Errorf("linkctl config server_addr needs a host")
	}
	for key, raw := range map[string]string{
		"heartbeat_interval": cfg.HeartbeatInterval,
		"idle_timeout":       cfg.IdleTimeout,
		"dial_timeout":       cfg.DialTimeout,
		"bootstrap_wait":     cfg.BootstrapWait,
		"pending_ttl":        cfg.PendingTTL,
		"reconnect.delay":    cfg.Reconnect.Delay,
	} {
		if err := validateDuration(key, raw, false); err != nil {
			return fmt.Errorf("linkctl config: %w", err)
		}
	}
	if cfg.Reconnect.Attempts < 0 {
		return fmt.Errorf("linkctl config reconnect.attempts must not be negative")
	}
	return validateLog(cfg.Log)
}

func validateRole(cfg RoleConfig) error {
	if cfg.MaxLinks < 0 {
		return fmt.Errorf("max_links must not be negative")
	}
	if cfg.Workers < 0 || cfg.QueueSize < 0 {
		return fmt.Errorf("workers and queue_size must not be negative")
	}
	if cfg.BucketCapacity < 0 || cfg.BucketRate < 0 {
		return fmt.Errorf("bucket_capacity and bucket_rate must not be negative")
	}
	if err := validateDuration("heartbeat_interval", cfg.HeartbeatInterval, false); err != nil {
		return err
	}
	return validateDuration("idle_timeout", cfg.IdleTimeout, false)
}

func validateLog(cfg LogConfig) error {
	if cfg.Backlog != nil && *cfg.Backlog < 0 {
		return fmt.Errorf("log backlog must not be negative")
	}
	if strings.TrimSpace(cfg.Level) == "" {
		return nil
	}
	if _, ok := logging.ParseLevel(cfg.Level); !ok {
		return fmt.Errorf("log level %q unknown", cfg.Level)
	}
	return nil
}

// validateDuration accepts an empty value (use the default). Negative values
// are only allowed where they carry a meaning.
func validateDuration(key, raw string, allowNegative bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 && !allowNegative {
		return fmt.Errorf("%s must not be negative", key)
	}
	return nil
}
