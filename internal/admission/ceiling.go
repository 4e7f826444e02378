package admission

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Ceiling bounds concurrently admitted links. A non-positive max is unbounded.
type Ceiling struct {
	max    int64
	sem    *semaphore.Weighted
	active atomic.Int64
}

func NewCeiling(max int) *Ceiling {
	c := &Ceiling{max: int64(max)}
	if max > 0 {
		c.sem = semaphore.NewWeighted(int64(max))
	}
	return c
}

// TryAcquire claims a slot without blocking.
func (c *Ceiling) TryAcquire() bool {
	if c.sem != nil && !c.sem.TryAcquire(1) {
		return false
	}
	c.active.Add(1)
	return true
}

// Acquire waits for a slot.
func (c *Ceiling) Acquire(ctx context.Context) error {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	c.active.Add(1)
	return nil
}

// Release returns a slot. Each successful acquire must be released once.
func (c *Ceiling) Release() {
	c.active.Add(-1)
	if c.sem != nil {
		c.sem.Release(1)
	}
}

func (c *Ceiling) Active() int64 {
	return c.active.Load()
}

func (c *Ceiling) Max() int64 {
	return c.max
}
