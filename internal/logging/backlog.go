package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one retained log line.
type Entry struct {
	Time    time.Time
	Level   zerolog.Level
	Message string
}

// Backlog is a zerolog hook that keeps the most recent entries. Once full,
// the oldest entry is overwritten.
type Backlog struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	dropped uint64
}

func NewBacklog(max int) *Backlog {
	if max < 0 {
		max = 0
	}
	return &Backlog{entries: make([]Entry, max)}
}

func (b *Backlog) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if b == nil || len(b.entries) == 0 || level == zerolog.NoLevel {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		b.dropped++
	}
	b.entries[b.next] = Entry{Time: time.Now(), Level: level, Message: message}
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// Entries returns retained entries oldest first.
func (b *Backlog) Entries() []Entry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]Entry(nil), b.entries[:b.next]...)
	}
	out := make([]Entry, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	return append(out, b.entries[:b.next]...)
}

// Dropped counts entries overwritten since creation.
func (b *Backlog) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
