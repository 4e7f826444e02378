// Package reactor drives framed links: it schedules reads and writes, hands
// decoded packages to a handler and tears links down exactly once.
//
// Ownership boundary:
// - per-link read/write scheduling and buffers
// - per-link outbound queues
// - link admission against the role ceiling
//
// Interest bits are changed only on the loop goroutine. Other goroutines
// post deferred actions and wake the loop. A poller goroutine per link
// blocks on the first byte of the next frame while read interest is armed
// and reports readiness; decoding, encoding and handler calls run on the
// bounded worker pool.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/trilink/internal/admission"
	"github.com/danmuck/trilink/internal/heartbeat"
	"github.com/danmuck/trilink/internal/observability"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrLinkClosed       = errors.New("reactor: link closed")
	ErrReactorClosed    = errors.New("reactor: reactor closed")
	ErrKindMismatch     = errors.New("reactor: package kind does not match link role")
	ErrRendezvousClosed = errors.New("reactor: rendezvous closed")
)

// poolRetry is the pause before revisiting events the pool refused.
const poolRetry = 10 * time.Millisecond

// Handler receives link traffic. Deliver runs on a worker; the next read on
// the same link is not dispatched until it returns. Closed is called once per
// link with the cancellation cause.
type Handler interface {
	Deliver(l *Link, pkg *frame.Package)
	Closed(l *Link, cause error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	OnDeliver func(l *Link, pkg *frame.Package)
	OnClosed  func(l *Link, cause error)
}

func (h HandlerFuncs) Deliver(l *Link, pkg *frame.Package) {
	if h.OnDeliver != nil {
		h.OnDeliver(l, pkg)
	}
}

func (h HandlerFuncs) Closed(l *Link, cause error) {
	if h.OnClosed != nil {
		h.OnClosed(l, cause)
	}
}

// Options size one reactor. Bucket, Ceiling and Monitor are optional.
type Options struct {
	// Name labels logs and metrics.
	Name      string
	Workers   int
	QueueSize int
	Limits    frame.Limits
	TempDir   string

	// Ceiling bounds concurrently registered links.
	Ceiling *admission.Ceiling
	// Bucket is charged one token per dispatched read or write.
	Bucket *admission.Bucket
	// Monitor is touched on every completed read and write.
	Monitor *heartbeat.Monitor
}

type op uint8

const (
	opRead op = iota
	opWrite
)

func (o op) String() string {
	if o == opWrite {
		return "write"
	}
	return "read"
}

func (o op) bit() uint32 {
	if o == opWrite {
		return InterestWrite
	}
	return InterestRead
}

type event struct {
	link *Link
	op   op
	// err is the poller's peek failure, reported by the read dispatch.
	err error
}

// Reactor is safe for concurrent use.
type Reactor struct {
	opts    Options
	handler Handler
	log     zerolog.Logger
	pool    *Pool

	links sync.Map // id -> *Link

	events  chan event
	wake    chan struct{}
	stopped chan struct{}
	stop    sync.Once

	mu       sync.Mutex
	deferred []func()

	// loop-owned
	ready []event
}

func New(opts Options, handler Handler, log zerolog.Logger) *Reactor {
	if opts.Name == "" {
		opts.Name = "reactor"
	}
	if opts.Limits == (frame.Limits{}) {
		opts.Limits = frame.DefaultLimits()
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Reactor{
		opts:    opts,
		handler: handler,
		log:     log.With().Str("component", "reactor").Str("reactor", opts.Name).Logger(),
		pool:    NewPool(opts.Workers, opts.QueueSize),
		events:  make(chan event, 64),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (r *Reactor) Name() string {
	return r.opts.Name
}

// Run drives the loop and the worker pool until ctx is done, then cancels
// every remaining link with ErrReactorClosed.
func (r *Reactor) Run(ctx context.Context) error {
	if err := (frame.Spool{Dir: r.opts.TempDir}).Ensure(); err != nil {
		return fmt.Errorf("reactor: temp dir: %w", err)
	}
	r.log.Info().Int("workers", r.pool.workers).Int("queue", cap(r.pool.jobs)).Msg("reactor.Run started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pool.Run(gctx) })
	g.Go(func() error { return r.loop(gctx) })
	err := g.Wait()

	r.stop.Do(func() { close(r.stopped) })
	for _, l := range r.Links() {
		r.Cancel(l, ErrReactorClosed)
	}
	r.log.Info().Msg("reactor.Run stopped")
	return err
}

// Register adopts conn as a link for role and arms it for reading. When the
// role ceiling is reached conn is closed and ErrAdmissionRejected returned.
func (r *Reactor) Register(conn net.Conn, role protocol.Role) (*Link, error) {
	kind, err := frame.KindFor(role)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	select {
	case <-r.stopped:
		_ = conn.Close()
		return nil, ErrReactorClosed
	default:
	}
	if c := r.opts.Ceiling; c != nil && !c.TryAcquire() {
		_ = conn.Close()
		observability.RecordAdmissionRejected(r.opts.Name, "ceiling")
		r.log.Warn().
			Str("role", role.String()).
			Str("remote", remoteOf(conn)).
			Int64("max", c.Max()).
			Msg("reactor.Register rejected: link ceiling reached")
		return nil, fmt.Errorf("%w: %s link ceiling %d reached", protocol.ErrAdmissionRejected, role, c.Max())
	}

	l := newLink(r, conn, role, kind)
	r.links.Store(l.id, l)
	// Run may have taken its shutdown snapshot between the check above and
	// the store.
	select {
	case <-r.stopped:
		r.Cancel(l, ErrReactorClosed)
		return nil, ErrReactorClosed
	default:
	}
	if r.opts.Monitor != nil {
		r.opts.Monitor.Track(l.id)
	}
	observability.RecordLinkOpened(r.opts.Name, role.String())
	go r.poll(l)
	r.post(func() { r.armRead(l) })
	r.log.Info().Uint64("link", l.id).Str("role", role.String()).Str("remote", l.RemoteAddr()).Msg("reactor.Register")
	return l, nil
}

// Connect dials addr and registers the connection for role.
func (r *Reactor) Connect(ctx context.Context, addr string, role protocol.Role, timeout time.Duration) (*Link, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("reactor: dial %s %s: %w", role, addr, err)
	}
	return r.Register(conn, role)
}

// Enqueue appends pkg to the link's outbound queue, assigning a correlation
// id when absent. Write interest is armed only when no write is already
// armed or in flight.
func (r *Reactor) Enqueue(l *Link, pkg *frame.Package) error {
	if pkg.Kind != l.kind {
		return fmt.Errorf("%w: %s package on %s link", ErrKindMismatch, pkg.Kind, l.role)
	}
	pkg.EnsureCorrelationID()
	l.mu.Lock()
	if l.cancelled.Load() {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.out = append(l.out, pkg)
	l.mu.Unlock()
	if l.inflight.CompareAndSwap(false, true) {
		r.post(func() { r.armWrite(l) })
	}
	return nil
}

// Cancel tears l down. Only the first call for a link has any effect: it
// closes the socket, releases the ceiling slot, heartbeat entry and outbound
// queue, and reports cause to the handler.
func (r *Reactor) Cancel(l *Link, cause error) {
	if _, ok := r.links.LoadAndDelete(l.id); !ok {
		return
	}
	l.mu.Lock()
	l.cancelled.Store(true)
	dropped := len(l.out)
	l.out = nil
	l.mu.Unlock()
	close(l.done)
	_ = l.conn.Close()
	if r.opts.Ceiling != nil {
		r.opts.Ceiling.Release()
	}
	if r.opts.Monitor != nil {
		r.opts.Monitor.Forget(l.id)
	}
	r.post(func() { l.interest.Store(0) })

	observability.RecordLinkClosed(r.opts.Name, l.role.String(), causeLabel(cause))
	event := r.log.Info()
	if causeLabel(cause) == "error" {
		event = r.log.Warn()
	}
	event.
		Uint64("link", l.id).
		Str("role", l.role.String()).
		Int("dropped", dropped).
		AnErr("cause", cause).
		Msg("reactor.Cancel")
	r.handler.Closed(l, cause)
}

// Link returns the registered link with id.
func (r *Reactor) Link(id uint64) (*Link, bool) {
	v, ok := r.links.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Link), true
}

// Links returns every registered link.
func (r *Reactor) Links() []*Link {
	var out []*Link
	r.links.Range(func(_, v any) bool {
		out = append(out, v.(*Link))
		return true
	})
	return out
}

func (r *Reactor) Len() int {
	n := 0
	r.links.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// post schedules fn on the loop goroutine.
func (r *Reactor) post(fn func()) {
	r.mu.Lock()
	r.deferred = append(r.deferred, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) runDeferred() {
	r.mu.Lock()
	fns := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *Reactor) loop(ctx context.Context) error {
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.onReadable(ev)
		case <-r.wake:
		case <-retry:
			retry = nil
		}
		r.runDeferred()
		if wait := r.dispatch(); wait > 0 && retry == nil {
			retry = time.After(wait)
		}
	}
}

// poll reports read readiness while read interest is armed.
func (r *Reactor) poll(l *Link) {
	for {
		select {
		case <-l.done:
			return
		case <-r.stopped:
			return
		case <-l.readArmed:
		}
		_, err := l.r.Peek(1)
		select {
		case r.events <- event{link: l, op: opRead, err: err}:
		case <-l.done:
			return
		case <-r.stopped:
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *Reactor) onReadable(ev event) {
	l := ev.link
	if l.cancelled.Load() || l.interest.Load()&InterestRead == 0 || l.queuedRead {
		return
	}
	l.queuedRead = true
	r.ready = append(r.ready, ev)
}

func (r *Reactor) armRead(l *Link) {
	if l.cancelled.Load() {
		return
	}
	l.interest.Or(InterestRead)
	select {
	case l.readArmed <- struct{}{}:
	default:
	}
}

func (r *Reactor) armWrite(l *Link) {
	if l.cancelled.Load() || l.queuedWrite {
		return
	}
	l.interest.Or(InterestWrite)
	l.queuedWrite = true
	r.ready = append(r.ready, event{link: l, op: opWrite})
}

// dispatch hands ready events to the pool in arrival order. It returns how
// long to wait before revisiting events left behind, or 0 when none are.
func (r *Reactor) dispatch() time.Duration {
	for len(r.ready) > 0 {
		ev := r.ready[0]
		l := ev.link
		if l.cancelled.Load() {
			r.popReady()
			continue
		}
		if b := r.opts.Bucket; b != nil && !b.Acquire() {
			observability.RecordAdmissionRejected(r.opts.Name, "dispatch_bucket")
			return b.Wait()
		}
		bit := ev.op.bit()
		l.interest.And(^bit)
		if !r.pool.Submit(func() { r.work(ev) }) {
			l.interest.Or(bit)
			observability.RecordAdmissionRejected(r.opts.Name, "pool_full")
			r.log.Warn().
				Uint64("link", l.id).
				Str("op", ev.op.String()).
				Int("pending", r.pool.Pending()).
				Msg("reactor.dispatch worker queue full")
			return poolRetry
		}
		r.popReady()
	}
	return 0
}

func (r *Reactor) popReady() {
	ev := r.ready[0]
	r.ready[0] = event{}
	r.ready = r.ready[1:]
	if ev.op == opWrite {
		ev.link.queuedWrite = false
	} else {
		ev.link.queuedRead = false
	}
}

func (r *Reactor) work(ev event) {
	start := time.Now()
	switch ev.op {
	case opRead:
		r.read(ev.link, ev.err)
	case opWrite:
		r.write(ev.link)
	}
	observability.RecordDispatch(r.opts.Name, ev.op.String(), time.Since(start))
}

func (r *Reactor) read(l *Link, peekErr error) {
	if peekErr != nil {
		r.Cancel(l, classify(peekErr))
		return
	}
	pkg, err := frame.ReadPackage(l.r, l.kind, r.opts.Limits, l.spool)
	if err != nil {
		r.Cancel(l, classify(err))
		return
	}
	pkg.Origin = l.id
	if r.opts.Monitor != nil {
		r.opts.Monitor.Touch(l.id)
	}
	observability.RecordPackage(r.opts.Name, l.kind.String(), "in", pkg.PayloadSize())
	r.log.Debug().Uint64("link", l.id).Str("pkg", pkg.String()).Msg("reactor.read")
	r.handler.Deliver(l, pkg)
	r.completeRead(l)
}

func (r *Reactor) write(l *Link) {
	pkg, ok := l.pop()
	if !ok {
		r.completeWrite(l)
		return
	}
	err := frame.WritePackage(l.w, pkg, r.opts.Limits)
	if err == nil {
		err = l.w.Flush()
	}
	if err != nil {
		if !errors.Is(err, protocol.ErrFrameIO) {
			err = fmt.Errorf("%w: write: %w", protocol.ErrFrameIO, err)
		}
		r.Cancel(l, classify(err))
		return
	}
	if r.opts.Monitor != nil {
		r.opts.Monitor.Touch(l.id)
	}
	observability.RecordPackage(r.opts.Name, l.kind.String(), "out", pkg.PayloadSize())
	r.log.Debug().Uint64("link", l.id).Str("pkg", pkg.String()).Msg("reactor.write")
	r.completeWrite(l)
}

// completeRead re-arms read interest unless the link was cancelled.
func (r *Reactor) completeRead(l *Link) {
	if l.cancelled.Load() {
		return
	}
	r.post(func() { r.armRead(l) })
}

// completeWrite re-arms write interest while the queue is non-empty and the
// link is live. With an empty queue the in-flight flag is cleared under the
// queue lock so a concurrent Enqueue re-arms instead.
func (r *Reactor) completeWrite(l *Link) {
	if l.cancelled.Load() {
		return
	}
	l.mu.Lock()
	if len(l.out) == 0 {
		l.inflight.Store(false)
		closing := l.closeAfterFlush
		l.mu.Unlock()
		if closing {
			r.Cancel(l, ErrLinkClosed)
		}
		return
	}
	l.mu.Unlock()
	r.post(func() { r.armWrite(l) })
}

// classify maps a link I/O error to its cancellation cause.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF) && !errors.Is(err, protocol.ErrFrameIO):
		return io.EOF
	case errors.Is(err, net.ErrClosed):
		return ErrLinkClosed
	case errors.Is(err, protocol.ErrFrameIO):
		return err
	case errors.Is(err, frame.ErrPayloadTooLarge), errors.Is(err, frame.ErrFieldTooLarge), errors.Is(err, frame.ErrUnknownKind):
		return err
	default:
		return fmt.Errorf("%w: %w", protocol.ErrFrameIO, err)
	}
}

func causeLabel(cause error) string {
	switch {
	case cause == nil, errors.Is(cause, ErrLinkClosed), errors.Is(cause, ErrReactorClosed):
		return "local"
	case errors.Is(cause, io.EOF):
		return "eof"
	default:
		return "error"
	}
}

func remoteOf(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
