// Package heartbeat tracks per-link activity and acts on idle links.
package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// IdleFunc is called from the sweep for a link idle longer than the timeout.
// The link may have been closed concurrently; implementations treat an
// unknown id as a no-op.
type IdleFunc func(id uint64, idle time.Duration)

// Monitor holds last-activity times keyed by link id.
type Monitor struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	onIdle   IdleFunc
	now      func() time.Time
	log      zerolog.Logger

	mu   sync.Mutex
	last map[uint64]time.Time
}

type Option func(*Monitor)

// WithNow replaces the time source.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New returns a monitor sweeping every interval and reporting links idle
// for longer than timeout.
func New(name string, interval, timeout time.Duration, onIdle IdleFunc, log zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		name:     name,
		interval: interval,
		timeout:  timeout,
		onIdle:   onIdle,
		now:      time.Now,
		log:      log.With().Str("component", "heartbeat").Str("monitor", name).Logger(),
		last:     make(map[uint64]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track starts watching id from now.
func (m *Monitor) Track(id uint64) {
	m.mu.Lock()
	m.last[id] = m.now()
	m.mu.Unlock()
}

// Touch refreshes id. Unknown ids are ignored so a late completion cannot
// resurrect a forgotten link.
func (m *Monitor) Touch(id uint64) {
	m.mu.Lock()
	if _, ok := m.last[id]; ok {
		m.last[id] = m.now()
	}
	m.mu.Unlock()
}

func (m *Monitor) Forget(id uint64) {
	m.mu.Lock()
	delete(m.last, id)
	m.mu.Unlock()
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last)
}

// LastActivity returns the recorded time for id.
func (m *Monitor) LastActivity(id uint64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.last[id]
	return at, ok
}

// Sweep reports every link idle past the timeout and returns their ids.
func (m *Monitor) Sweep() []uint64 {
	now := m.now()
	type idleLink struct {
		id   uint64
		idle time.Duration
	}
	var idle []idleLink
	m.mu.Lock()
	for id, at := range m.last {
		if d := now.Sub(at); d > m.timeout {
			idle = append(idle, idleLink{id: id, idle: d})
		}
	}
	m.mu.Unlock()
	sort.Slice(idle, func(i, j int) bool { return idle[i].id < idle[j].id })

	out := make([]uint64, 0, len(idle))
	for _, l := range idle {
		m.mu.Lock()
		_, still := m.last[l.id]
		m.mu.Unlock()
		if !still {
			continue
		}
		m.log.Debug().Uint64("link", l.id).Dur("idle", l.idle).Msg("heartbeat.Monitor.Sweep idle link")
		if m.onIdle != nil {
			m.onIdle(l.id, l.idle)
		}
		out = append(out, l.id)
	}
	return out
}

// Run sweeps on a ticker until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}
