package admission

import (
	"sync"
	"time"
)

// Bucket is a token bucket refilled at Rate tokens per second up to
// Capacity. Refill is computed lazily on Acquire in whole tokens; the
// refill timestamp only moves when at least one token was generated, so
// slow callers do not lose fractional credit.
type Bucket struct {
	mu       sync.Mutex
	capacity int64
	rate     int64
	tokens   int64
	last     time.Time
	clock    Clock
}

type BucketOption func(*Bucket)

func WithClock(c Clock) BucketOption {
	return func(b *Bucket) { b.clock = c }
}

// WithInitialTokens starts the bucket at n tokens instead of full.
func WithInitialTokens(n int64) BucketOption {
	return func(b *Bucket) { b.tokens = n }
}

func NewBucket(capacity, rate int64, opts ...BucketOption) *Bucket {
	b := &Bucket{
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
		clock:    SystemClock,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.last = b.clock.Now()
	return b
}

// Acquire takes one token if available.
func (b *Bucket) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Wait reports how long until the next token accrues; 0 when one is
// available now.
func (b *Bucket) Wait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens > 0 {
		return 0
	}
	if b.rate <= 0 || b.capacity <= 0 {
		return time.Second
	}
	perToken := time.Second / time.Duration(b.rate)
	if perToken <= 0 {
		perToken = time.Millisecond
	}
	wait := b.last.Add(perToken).Sub(b.clock.Now())
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// Tokens reports the current balance after refill.
func (b *Bucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *Bucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Milliseconds()
	generated := elapsed * b.rate / 1000
	if generated > 0 {
		b.tokens = min(b.capacity, b.tokens+generated)
		b.last = now
	}
}
