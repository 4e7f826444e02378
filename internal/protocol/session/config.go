package session

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
)

var (
	ErrInvalidRoleConfig   = errors.New("session: invalid role config")
	ErrInvalidBucketConfig = errors.New("session: invalid bucket config")
	ErrInvalidReconnect    = errors.New("session: invalid reconnect config")
)

// BucketConfig sizes one token bucket. A zero Capacity disables the bucket.
type BucketConfig struct {
	Capacity int64
	Rate     int64
}

func (b BucketConfig) Enabled() bool {
	return b.Capacity > 0
}

// RoleConfig sizes one reactor and its liveness policy.
type RoleConfig struct {
	// MaxLinks bounds concurrent links for the role; 0 means unbounded.
	MaxLinks int
	// HeartbeatInterval is the sweep period.
	HeartbeatInterval time.Duration
	// IdleTimeout is the silence allowed before a probe (client) or teardown (server).
	IdleTimeout time.Duration
	Bucket      BucketConfig
	Workers     int
	QueueSize   int
}

// ReconnectConfig bounds command link re-dial after abrupt loss.
type ReconnectConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// Config defines link reliability defaults for one endpoint.
type Config struct {
	Command RoleConfig
	Message RoleConfig
	File    RoleConfig
	// Accept gates new connections across every listener.
	Accept BucketConfig
	// PendingTTL bounds how long half of a split pair waits for its partner.
	PendingTTL time.Duration
	// TempDir receives inbound file payloads.
	TempDir string
	Limits  frame.Limits

	DialTimeout   time.Duration
	BootstrapWait time.Duration
	Reconnect     ReconnectConfig

	// ReconnectGrace is how long a server keeps a session whose command link
	// dropped without notice, so the client can re-authenticate. Negative
	// removes the session at once.
	ReconnectGrace time.Duration
}

// DefaultServerConfig returns server-side defaults.
func DefaultServerConfig() Config {
	workers := runtime.NumCPU()
	role := func(idle time.Duration) RoleConfig {
		return RoleConfig{
			MaxLinks:          1000,
			HeartbeatInterval: 10 * time.Second,
			IdleTimeout:       idle,
			Bucket:            BucketConfig{Capacity: 2000, Rate: 1000},
			Workers:           workers,
			QueueSize:         1024,
		}
	}
	return Config{
		Command:        role(90 * time.Second),
		Message:        role(300 * time.Second),
		File:           role(600 * time.Second),
		Accept:         BucketConfig{Capacity: 3000, Rate: 1000},
		PendingTTL:     2 * time.Minute,
		Limits:         frame.DefaultLimits(),
		DialTimeout:    5 * time.Second,
		BootstrapWait:  10 * time.Second,
		ReconnectGrace: 30 * time.Second,
	}
}

// DefaultClientConfig returns client-side defaults. The client runs one
// reactor for every role, sized by Command.
func DefaultClientConfig() Config {
	role := RoleConfig{
		HeartbeatInterval: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		Workers:           runtime.NumCPU(),
		QueueSize:         128,
	}
	return Config{
		Command:       role,
		Message:       role,
		File:          role,
		PendingTTL:    2 * time.Minute,
		Limits:        frame.DefaultLimits(),
		DialTimeout:   5 * time.Second,
		BootstrapWait: 10 * time.Second,
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			Delay:       4 * time.Second,
		},
	}
}

// Role returns the sizing for r.
func (c Config) Role(r protocol.Role) RoleConfig {
	switch r {
	case protocol.RoleMessage:
		return c.Message
	case protocol.RoleFile:
		return c.File
	default:
		return c.Command
	}
}

// WithDefaults fills zero durations and sizes from base.
func (c Config) WithDefaults(base Config) Config {
	c.Command = c.Command.withDefaults(base.Command)
	c.Message = c.Message.withDefaults(base.Message)
	c.File = c.File.withDefaults(base.File)
	if c.PendingTTL <= 0 {
		c.PendingTTL = base.PendingTTL
	}
	if c.Limits == (frame.Limits{}) {
		c.Limits = base.Limits
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = base.DialTimeout
	}
	if c.BootstrapWait <= 0 {
		c.BootstrapWait = base.BootstrapWait
	}
	if c.Reconnect.MaxAttempts == 0 && c.Reconnect.Delay == 0 {
		c.Reconnect = base.Reconnect
	}
	if c.ReconnectGrace == 0 {
		c.ReconnectGrace = base.ReconnectGrace
	}
	return c
}

func (r RoleConfig) withDefaults(base RoleConfig) RoleConfig {
	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = base.HeartbeatInterval
	}
	if r.IdleTimeout <= 0 {
		r.IdleTimeout = base.IdleTimeout
	}
	if r.Workers <= 0 {
		r.Workers = base.Workers
	}
	if r.QueueSize <= 0 {
		r.QueueSize = base.QueueSize
	}
	return r
}

// Validate rejects sizings the reactors cannot run with.
func (c Config) Validate() error {
	for _, r := range protocol.Roles {
		rc := c.Role(r)
		if rc.MaxLinks < 0 {
			return fmt.Errorf("%w: %s max_links=%d", ErrInvalidRoleConfig, r, rc.MaxLinks)
		}
		if rc.Workers <= 0 || rc.QueueSize <= 0 {
			return fmt.Errorf("%w: %s workers=%d queue=%d", ErrInvalidRoleConfig, r, rc.Workers, rc.QueueSize)
		}
		if rc.HeartbeatInterval <= 0 || rc.IdleTimeout <= 0 {
			return fmt.Errorf("%w: %s heartbeat=%s idle=%s", ErrInvalidRoleConfig, r, rc.HeartbeatInterval, rc.IdleTimeout)
		}
		if err := rc.Bucket.validate(); err != nil {
			return fmt.Errorf("%s: %w", r, err)
		}
	}
	if err := c.Accept.validate(); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	if c.Reconnect.MaxAttempts < 0 || c.Reconnect.Delay < 0 {
		return fmt.Errorf("%w: attempts=%d delay=%s", ErrInvalidReconnect, c.Reconnect.MaxAttempts, c.Reconnect.Delay)
	}
	return nil
}

func (b BucketConfig) validate() error {
	if b.Capacity < 0 || b.Rate < 0 {
		return fmt.Errorf("%w: capacity=%d rate=%d", ErrInvalidBucketConfig, b.Capacity, b.Rate)
	}
	return nil
}
