package reactor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs jobs on a fixed set of workers fed by a bounded queue.
type Pool struct {
	workers int
	jobs    chan func()
}

func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}
	return &Pool{workers: workers, jobs: make(chan func(), queue)}
}

// Submit queues job without blocking. It reports false when the queue is full.
func (p *Pool) Submit(job func()) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Pending reports queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Run starts the workers and blocks until ctx is done. Jobs still queued at
// that point are dropped.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-p.jobs:
					job()
				}
			}
		})
	}
	return g.Wait()
}
