package reactor

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
)

// Interest bits. Only the loop goroutine changes them.
const (
	InterestRead uint32 = 1 << iota
	InterestWrite
)

var linkSeq atomic.Uint64

// Link is one managed socket. Its id is unique across every reactor in the
// process.
type Link struct {
	id      uint64
	role    protocol.Role
	kind    frame.Kind
	conn    net.Conn
	reactor *Reactor
	spool   frame.Spool

	r *bufio.Reader
	w *bufio.Writer

	interest atomic.Uint32
	// inflight is set while a write is armed or dispatching.
	inflight  atomic.Bool
	cancelled atomic.Bool
	readArmed chan struct{}
	done      chan struct{}

	mu              sync.Mutex
	out             []*frame.Package
	closeAfterFlush bool

	// loop-owned
	queuedRead  bool
	queuedWrite bool
}

func newLink(r *Reactor, conn net.Conn, role protocol.Role, kind frame.Kind) *Link {
	id := linkSeq.Add(1)
	return &Link{
		id:        id,
		role:      role,
		kind:      kind,
		conn:      conn,
		reactor:   r,
		spool:     frame.Spool{Dir: r.opts.TempDir, Tag: strconv.FormatUint(id, 10)},
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		readArmed: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (l *Link) ID() uint64 {
	return l.id
}

func (l *Link) Role() protocol.Role {
	return l.role
}

func (l *Link) Kind() frame.Kind {
	return l.kind
}

func (l *Link) RemoteAddr() string {
	if addr := l.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send queues pkg for writing.
func (l *Link) Send(pkg *frame.Package) error {
	return l.reactor.Enqueue(l, pkg)
}

// SendAndClose queues pkg and cancels the link once the outbound queue has
// drained through it.
func (l *Link) SendAndClose(pkg *frame.Package) error {
	l.mu.Lock()
	l.closeAfterFlush = true
	l.mu.Unlock()
	return l.reactor.Enqueue(l, pkg)
}

// Close cancels the link with ErrLinkClosed.
func (l *Link) Close() error {
	l.reactor.Cancel(l, ErrLinkClosed)
	return nil
}

// Interest returns the armed interest bits.
func (l *Link) Interest() uint32 {
	return l.interest.Load()
}

func (l *Link) Cancelled() bool {
	return l.cancelled.Load()
}

// Done is closed once the link is cancelled.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Queued reports outbound packages not yet written.
func (l *Link) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.out)
}

func (l *Link) pop() (*frame.Package, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.out) == 0 {
		return nil, false
	}
	pkg := l.out[0]
	l.out[0] = nil
	l.out = l.out[1:]
	return pkg, true
}

func (l *Link) String() string {
	return l.role.String() + "#" + strconv.FormatUint(l.id, 10)
}
