package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Rendezvous hands inbound packages and session errors to the application.
// Split pairs are held until both halves arrived, from any link.
type Rendezvous struct {
	log     zerolog.Logger
	pending *session.PendingAppends

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*frame.Package
	errs   []error
	closed bool
}

// NewRendezvous returns a rendezvous whose unmatched halves expire after ttl.
func NewRendezvous(ttl time.Duration, log zerolog.Logger) *Rendezvous {
	r := &Rendezvous{
		log:     log.With().Str("component", "rendezvous").Logger(),
		pending: session.NewPendingAppends(ttl, nil),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Push offers an inbound package. Halves of a split pair are delivered once,
// merged, after the second half arrives.
func (r *Rendezvous) Push(pkg *frame.Package) error {
	merged, ok, err := r.pending.Join(pkg)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Debug().Str("cid", pkg.CorrelationID).Str("append", pkg.Append.String()).Msg("reactor.Rendezvous.Push holding half")
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRendezvousClosed
	}
	r.queue = append(r.queue, merged)
	r.cond.Signal()
	return nil
}

// Fail records err for the next Receive. Each recorded error is returned once.
func (r *Rendezvous) Fail(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.errs = append(r.errs, err)
	r.cond.Signal()
}

// Receive blocks until a package or a recorded error is available, ctx is
// done or the rendezvous is closed. Queued packages are returned before
// errors so traffic received ahead of a failure is not lost.
func (r *Rendezvous) Receive(ctx context.Context) (*frame.Package, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) == 0 && len(r.errs) == 0 && !r.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.cond.Wait()
	}
	if len(r.queue) > 0 {
		pkg := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		return pkg, nil
	}
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return nil, err
	}
	return nil, ErrRendezvousClosed
}

// Expire drops halves whose partner did not arrive in time.
func (r *Rendezvous) Expire() []session.PendingHalf {
	expired := r.pending.Expire()
	for _, half := range expired {
		r.log.Warn().
			Str("cid", half.Package.CorrelationID).
			Str("kind", half.Package.Kind.String()).
			Time("queued_at", half.QueuedAt).
			Msg("reactor.Rendezvous.Expire dropped unmatched half")
	}
	return expired
}

// Pending reports halves waiting for a partner.
func (r *Rendezvous) Pending() int {
	return r.pending.Len()
}

// Len reports packages ready for Receive.
func (r *Rendezvous) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close wakes every waiter; later Receive calls drain what is queued and
// then return ErrRendezvousClosed.
func (r *Rendezvous) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}
