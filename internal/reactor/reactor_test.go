package reactor

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/trilink/internal/admission"
	"github.com/danmuck/trilink/internal/heartbeat"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type recorder struct {
	delivered chan *frame.Package
	closes    atomic.Int32

	mu     sync.Mutex
	causes []error
}

func newRecorder() *recorder {
	return &recorder{delivered: make(chan *frame.Package, 64)}
}

func (h *recorder) Deliver(_ *Link, pkg *frame.Package) {
	h.delivered <- pkg
}

func (h *recorder) Closed(_ *Link, cause error) {
	h.closes.Add(1)
	h.mu.Lock()
	h.causes = append(h.causes, cause)
	h.mu.Unlock()
}

func (h *recorder) lastCause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.causes) == 0 {
		return nil
	}
	return h.causes[len(h.causes)-1]
}

func (h *recorder) next(t *testing.T) *frame.Package {
	t.Helper()
	select {
	case pkg := <-h.delivered:
		return pkg
	case <-time.After(waitFor):
		t.Fatalf("no package delivered")
		return nil
	}
}

func startReactor(t *testing.T, opts Options, h Handler) *Reactor {
	t.Helper()
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 16
	}
	r := New(opts, h, testlog.Start(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

// barrier returns once every action posted before it has run on the loop.
func barrier(t *testing.T, r *Reactor) {
	t.Helper()
	done := make(chan struct{})
	r.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("loop did not run posted action")
	}
}

func TestPipeRoundTripPerKind(t *testing.T) {
	cases := []struct {
		role protocol.Role
		pkg  func() *frame.Package
	}{
		{protocol.RoleCommand, func() *frame.Package {
			return frame.NewCommand(protocol.OpLogin, protocol.SubUser, []byte("alice"))
		}},
		{protocol.RoleMessage, func() *frame.Package {
			return frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte("hi"))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.role.String(), func(t *testing.T) {
			recvHandler := newRecorder()
			sender := startReactor(t, Options{Name: "sender"}, newRecorder())
			receiver := startReactor(t, Options{Name: "receiver"}, recvHandler)

			a, b := net.Pipe()
			la, err := sender.Register(a, tc.role)
			require.NoError(t, err)
			_, err = receiver.Register(b, tc.role)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				require.NoError(t, la.Send(tc.pkg()))
			}
			for i := 0; i < 3; i++ {
				got := recvHandler.next(t)
				assert.NotEmpty(t, got.CorrelationID)
				assert.Equal(t, tc.pkg().Content(), got.Content())
				assert.NotZero(t, got.Origin)
			}
		})
	}
}

func TestFileRoundTripSpoolsPayload(t *testing.T) {
	dir := t.TempDir()
	recvHandler := newRecorder()
	sender := startReactor(t, Options{Name: "sender"}, newRecorder())
	receiver := startReactor(t, Options{Name: "receiver", TempDir: dir}, recvHandler)

	a, b := net.Pipe()
	la, err := sender.Register(a, protocol.RoleFile)
	require.NoError(t, err)
	_, err = receiver.Register(b, protocol.RoleFile)
	require.NoError(t, err)

	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("file body"), 0o644))
	pkg, err := frame.NewFile(protocol.OpSendData, protocol.SubFile, src)
	require.NoError(t, err)
	require.NoError(t, la.Send(pkg))

	got := recvHandler.next(t)
	require.NotNil(t, got.File)
	assert.EqualValues(t, len("file body"), got.File.Size)
	assert.NotEqual(t, src, got.File.Path)
}

func TestSendRejectsKindMismatch(t *testing.T) {
	r := startReactor(t, Options{}, newRecorder())
	a, _ := net.Pipe()
	l, err := r.Register(a, protocol.RoleCommand)
	require.NoError(t, err)
	err = l.Send(frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "a", "b", nil))
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestPeerCloseReportsEOF(t *testing.T) {
	h := newRecorder()
	r := startReactor(t, Options{}, h)
	a, b := net.Pipe()
	l, err := r.Register(a, protocol.RoleCommand)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	select {
	case <-l.Done():
	case <-time.After(waitFor):
		t.Fatalf("link not cancelled after peer close")
	}
	require.Eventually(t, func() bool { return h.closes.Load() == 1 }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.lastCause(), io.EOF)
}

func TestMidFrameLossIsFrameError(t *testing.T) {
	h := newRecorder()
	r := startReactor(t, Options{}, h)
	a, b := net.Pipe()
	l, err := r.Register(a, protocol.RoleCommand)
	require.NoError(t, err)

	go func() {
		_, _ = b.Write([]byte{byte(protocol.OpHeartBeat), 0, 0})
		_ = b.Close()
	}()
	select {
	case <-l.Done():
	case <-time.After(waitFor):
		t.Fatalf("link not cancelled after truncated frame")
	}
	require.Eventually(t, func() bool { return h.closes.Load() == 1 }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.lastCause(), protocol.ErrFrameIO)
}

func TestCancelIsIdempotentAndReleases(t *testing.T) {
	h := newRecorder()
	ceiling := admission.NewCeiling(4)
	monitor := heartbeat.New("test", time.Hour, time.Hour, nil, testlog.Start(t))
	r := startReactor(t, Options{Ceiling: ceiling, Monitor: monitor}, h)

	a, _ := net.Pipe()
	l, err := r.Register(a, protocol.RoleMessage)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ceiling.Active())
	assert.Equal(t, 1, monitor.Len())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Cancel(l, ErrLinkClosed)
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	assert.EqualValues(t, 1, h.closes.Load())
	assert.Zero(t, ceiling.Active())
	assert.Zero(t, monitor.Len())
	assert.Zero(t, r.Len())
	assert.ErrorIs(t, l.Send(frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "a", "b", nil)), ErrLinkClosed)
}

func TestNoRearmAfterCancel(t *testing.T) {
	r := startReactor(t, Options{}, newRecorder())
	a, _ := net.Pipe()
	l, err := r.Register(a, protocol.RoleCommand)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.Interest()&InterestRead != 0 }, waitFor, time.Millisecond)

	r.Cancel(l, ErrLinkClosed)
	r.completeRead(l)
	l.inflight.Store(true)
	r.completeWrite(l)
	r.post(func() { r.armRead(l) })
	r.post(func() { r.armWrite(l) })
	barrier(t, r)

	assert.Zero(t, l.Interest())
	assert.True(t, l.Cancelled())
}

func TestCeilingRejectsRegistration(t *testing.T) {
	r := startReactor(t, Options{Ceiling: admission.NewCeiling(1)}, newRecorder())
	a, _ := net.Pipe()
	_, err := r.Register(a, protocol.RoleCommand)
	require.NoError(t, err)

	c, d := net.Pipe()
	_, err = r.Register(c, protocol.RoleCommand)
	assert.ErrorIs(t, err, protocol.ErrAdmissionRejected)
	_, err = d.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "rejected conn must be closed")
}

func TestRegisterDuringShutdownLeavesNoLink(t *testing.T) {
	for i := 0; i < 20; i++ {
		r := New(Options{Name: "shutdown", Workers: 1, QueueSize: 4}, newRecorder(), testlog.Start(t))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = r.Run(ctx)
		}()

		var wg sync.WaitGroup
		var peers []net.Conn
		for j := 0; j < 8; j++ {
			a, b := net.Pipe()
			peers = append(peers, b)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := r.Register(a, protocol.RoleCommand); err != nil {
					assert.ErrorIs(t, err, ErrReactorClosed)
				}
			}()
		}
		cancel()
		<-done
		wg.Wait()

		assert.Zero(t, r.Len(), "no link outlives Run")
		for _, b := range peers {
			_ = b.SetReadDeadline(time.Now().Add(waitFor))
			_, err := b.Read(make([]byte, 1))
			assert.ErrorIs(t, err, io.EOF, "peer sees the close")
			_ = b.Close()
		}
	}
}

func TestSendAndCloseDrainsFirst(t *testing.T) {
	recvHandler := newRecorder()
	sender := startReactor(t, Options{Name: "sender"}, newRecorder())
	receiver := startReactor(t, Options{Name: "receiver"}, recvHandler)
	a, b := net.Pipe()
	la, err := sender.Register(a, protocol.RoleCommand)
	require.NoError(t, err)
	lb, err := receiver.Register(b, protocol.RoleCommand)
	require.NoError(t, err)

	require.NoError(t, la.Send(frame.NewCommand(protocol.OpOK, protocol.SubNone, []byte("first"))))
	require.NoError(t, la.SendAndClose(frame.NewCommand(protocol.OpCancel, protocol.SubNone, nil)))

	assert.Equal(t, "first", recvHandler.next(t).Content())
	assert.Equal(t, protocol.OpCancel, recvHandler.next(t).Operation)
	select {
	case <-lb.Done():
	case <-time.After(waitFor):
		t.Fatalf("receiver did not observe close")
	}
	assert.True(t, la.Cancelled())
	assert.ErrorIs(t, recvHandler.lastCause(), io.EOF)
}

func TestDispatchWaitsForBucket(t *testing.T) {
	clock := admission.NewManualClock(time.Unix(1700000000, 0))
	bucket := admission.NewBucket(1, 1, admission.WithClock(clock), admission.WithInitialTokens(0))
	recvHandler := newRecorder()
	sender := startReactor(t, Options{Name: "sender"}, newRecorder())
	receiver := startReactor(t, Options{Name: "receiver", Bucket: bucket}, recvHandler)

	a, b := net.Pipe()
	la, err := sender.Register(a, protocol.RoleCommand)
	require.NoError(t, err)
	_, err = receiver.Register(b, protocol.RoleCommand)
	require.NoError(t, err)

	require.NoError(t, la.Send(frame.NewCommand(protocol.OpHeartBeat, protocol.SubNone, nil)))
	select {
	case <-recvHandler.delivered:
		t.Fatalf("dispatched without a token")
	case <-time.After(50 * time.Millisecond):
	}
	clock.Advance(time.Second)
	got := recvHandler.next(t)
	assert.Equal(t, protocol.OpHeartBeat, got.Operation)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1)
	assert.True(t, p.Submit(func() {}))
	assert.False(t, p.Submit(func() {}))
	assert.Equal(t, 1, p.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return p.Submit(func() { close(ran) }) }, waitFor, time.Millisecond)
	select {
	case <-ran:
	case <-time.After(waitFor):
		t.Fatalf("job did not run")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestRendezvousJoinsSplitPairOnce(t *testing.T) {
	rv := NewRendezvous(time.Minute, testlog.Start(t))
	primary := frame.NewMessage(protocol.OpSendMessage, protocol.SubFile, "a", "b", []byte("see file"))
	attached := frame.NewCommand(protocol.OpSendData, protocol.SubFile, []byte("meta"))
	primary.Attach(attached)

	require.NoError(t, rv.Push(attached))
	assert.Zero(t, rv.Len())
	assert.Equal(t, 1, rv.Pending())
	require.NoError(t, rv.Push(primary))

	got, err := rv.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.AppendPrimary, got.Append)
	require.NotNil(t, got.Attached)
	assert.Equal(t, "meta", got.Attached.Content())
	assert.Zero(t, rv.Len())
	assert.Zero(t, rv.Pending())
}

func TestRendezvousErrorsConsumedOnce(t *testing.T) {
	rv := NewRendezvous(time.Minute, testlog.Start(t))
	rv.Fail(protocol.ErrSessionUnrecoverable)

	_, err := rv.Receive(context.Background())
	assert.ErrorIs(t, err, protocol.ErrSessionUnrecoverable)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rv.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "error must not be returned twice")
}

func TestRendezvousWakesWaiter(t *testing.T) {
	rv := NewRendezvous(time.Minute, testlog.Start(t))
	got := make(chan *frame.Package, 1)
	go func() {
		pkg, err := rv.Receive(context.Background())
		if err == nil {
			got <- pkg
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rv.Push(frame.NewCommand(protocol.OpOK, protocol.SubNone, []byte("ok"))))
	select {
	case pkg := <-got:
		assert.Equal(t, "ok", pkg.Content())
	case <-time.After(waitFor):
		t.Fatalf("waiter not woken")
	}

	rv.Close()
	_, err := rv.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrRendezvousClosed))
}

func TestRendezvousExpiresUnmatchedHalves(t *testing.T) {
	rv := NewRendezvous(time.Nanosecond, testlog.Start(t))
	half := frame.NewCommand(protocol.OpSendData, protocol.SubFile, nil)
	half.CorrelationID, half.Append = "orphan", protocol.AppendPrimary
	require.NoError(t, rv.Push(half))
	time.Sleep(2 * time.Millisecond)
	expired := rv.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, "orphan", expired[0].Package.CorrelationID)
}
