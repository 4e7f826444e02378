// Package directory binds session tokens to live links and drives each
// auxiliary role through its bootstrap states.
//
// Ownership boundary:
// - role to socket bindings per session
// - bootstrap state per session and auxiliary role
// - outbound queues held while a role is not ready
//
// State and queues are guarded per session. Lookup indexes are sharded by
// key, so unrelated sessions never contend on one lock.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownSession = errors.New("directory: unknown session")
	ErrUnknownToken   = errors.New("directory: unknown token")
	ErrNoCommandLink  = errors.New("directory: session has no command link")
	ErrEmptyToken     = errors.New("directory: empty token")
)

// Socket is the directory's view of a live link. Send must only enqueue;
// Close must be idempotent.
type Socket interface {
	ID() uint64
	Role() protocol.Role
	Send(pkg *frame.Package) error
	Close() error
}

// State is the bootstrap state of one auxiliary role.
type State uint8

const (
	NotConnected State = iota
	Connecting
	AwaitingVerify
	Ready
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case AwaitingVerify:
		return "awaiting_verify"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Action tells the caller of Route what to do with a package.
type Action uint8

const (
	// Send: write the package on Decision.Socket now.
	Send Action = iota
	// Queued: the package is held until the role becomes ready.
	Queued
	// RequestLink: the package is held and the caller must start the
	// address exchange for the role.
	RequestLink
)

func (a Action) String() string {
	switch a {
	case Send:
		return "send"
	case Queued:
		return "queued"
	case RequestLink:
		return "request_link"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

type Decision struct {
	Action Action
	Socket Socket
}

// Options tune directory behavior per endpoint.
type Options struct {
	// CascadeOnCommandLoss removes the whole session, closing its auxiliary
	// links, when the command link is unbound. Without it the session stays
	// offline until re-bound or expired by ExpireOffline.
	CascadeOnCommandLoss bool
	Shards               int
}

type entry struct {
	id    string
	token string

	mu      sync.Mutex
	removed bool

	// offlineSince is set while the command link is unbound.
	offlineSince time.Time

	sockets [len(protocol.Roles)]Socket
	states  [len(protocol.Roles)]State
	queues  [len(protocol.Roles)][]*frame.Package
}

type binding struct {
	entry  *entry
	role   protocol.Role
	socket Socket
}

// Directory is safe for concurrent use.
type Directory struct {
	opts Options
	log  zerolog.Logger

	sessions *index[string, *entry]
	tokens   *index[string, *entry]
	sockets  *index[uint64, binding]
}

func New(opts Options, log zerolog.Logger) *Directory {
	return &Directory{
		opts:     opts,
		log:      log.With().Str("component", "directory").Logger(),
		sessions: newIndex[string, *entry](opts.Shards, stringHash),
		tokens:   newIndex[string, *entry](opts.Shards, stringHash),
		sockets:  newIndex[uint64, binding](opts.Shards, idHash),
	}
}

// Register creates a session bound to cmd with both auxiliary roles
// NOT_CONNECTED. A previous session with the same id is replaced and its
// links closed.
func (d *Directory) Register(token, sessionID string, cmd Socket) error {
	if token == "" {
		return ErrEmptyToken
	}
	e := &entry{id: sessionID, token: token}
	e.sockets[protocol.RoleCommand] = cmd
	d.sockets.put(cmd.ID(), binding{entry: e, role: protocol.RoleCommand, socket: cmd})
	d.tokens.put(token, e)
	if old, ok := d.sessions.swap(sessionID, e); ok && old != e {
		d.log.Warn().Str("session", sessionID).Msg("directory.Register replacing existing session")
		d.remove(old, cmd)
	}
	d.log.Debug().Str("session", sessionID).Uint64("link", cmd.ID()).Msg("directory.Register")
	return nil
}

// BindAuxiliary binds sock as the role link of the session owning token and
// moves the role to AWAITING_VERIFY. A link already bound for the role is
// unbound and closed; the newest handshake wins.
func (d *Directory) BindAuxiliary(role protocol.Role, token string, sock Socket) (string, error) {
	if !role.Auxiliary() {
		return "", fmt.Errorf("%w: %s is not auxiliary", protocol.ErrUnknownRole, role)
	}
	e, ok := d.tokens.get(token)
	if !ok {
		return "", ErrUnknownToken
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return "", ErrUnknownToken
	}
	old := e.sockets[role]
	e.sockets[role] = sock
	e.states[role] = AwaitingVerify
	d.sockets.put(sock.ID(), binding{entry: e, role: role, socket: sock})
	e.mu.Unlock()

	if old != nil && old.ID() != sock.ID() {
		d.sockets.takeIf(old.ID(), func(b binding) bool { return b.entry == e && b.socket == old })
		d.log.Warn().
			Str("session", e.id).
			Str("role", role.String()).
			Uint64("old_link", old.ID()).
			Uint64("new_link", sock.ID()).
			Msg("directory.BindAuxiliary replaced link")
		_ = old.Close()
	}
	return e.id, nil
}

// RebindCommand binds sock as the command link of the session owning
// token, used when a client re-authenticates after reconnecting.
func (d *Directory) RebindCommand(token string, sock Socket) (string, error) {
	e, ok := d.tokens.get(token)
	if !ok {
		return "", ErrUnknownToken
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return "", ErrUnknownToken
	}
	old := e.sockets[protocol.RoleCommand]
	e.sockets[protocol.RoleCommand] = sock
	e.offlineSince = time.Time{}
	d.sockets.put(sock.ID(), binding{entry: e, role: protocol.RoleCommand, socket: sock})
	e.mu.Unlock()

	if old != nil && old.ID() != sock.ID() {
		d.sockets.takeIf(old.ID(), func(b binding) bool { return b.entry == e && b.socket == old })
		_ = old.Close()
	}
	d.log.Info().Str("session", e.id).Uint64("link", sock.ID()).Msg("directory.RebindCommand")
	return e.id, nil
}

// Resolve returns the session and token a link is bound to.
func (d *Directory) Resolve(linkID uint64) (sessionID, token string, role protocol.Role, ok bool) {
	b, ok := d.sockets.get(linkID)
	if !ok {
		return "", "", 0, false
	}
	return b.entry.id, b.entry.token, b.role, true
}

// Token returns the token of sessionID.
func (d *Directory) Token(sessionID string) (string, bool) {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return "", false
	}
	return e.token, true
}

// Socket returns the link bound for role, if any.
func (d *Directory) Socket(sessionID string, role protocol.Role) (Socket, bool) {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sockets[role]
	return s, s != nil
}

func (d *Directory) State(sessionID string, role protocol.Role) (State, error) {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return NotConnected, ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[role], nil
}

func (d *Directory) SetState(sessionID string, role protocol.Role, state State) error {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	e.mu.Lock()
	e.states[role] = state
	e.mu.Unlock()
	return nil
}

// Enqueue holds pkg for role until the role is flushed.
func (d *Directory) Enqueue(sessionID string, role protocol.Role, pkg *frame.Package) error {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	e.mu.Lock()
	e.queues[role] = append(e.queues[role], pkg)
	e.mu.Unlock()
	return nil
}

// Dequeue pops the oldest held package for role.
func (d *Directory) Dequeue(sessionID string, role protocol.Role) (*frame.Package, bool) {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pop(role)
}

// Queued reports how many packages are held for role.
func (d *Directory) Queued(sessionID string, role protocol.Role) int {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[role])
}

func (e *entry) pop(role protocol.Role) (*frame.Package, bool) {
	q := e.queues[role]
	if len(q) == 0 {
		return nil, false
	}
	pkg := q[0]
	q[0] = nil
	e.queues[role] = q[1:]
	return pkg, true
}

// Route decides how pkg reaches role for sessionID. Only the first send to a
// NOT_CONNECTED role yields RequestLink; later sends queue behind it.
func (d *Directory) Route(sessionID string, role protocol.Role, pkg *frame.Package) (Decision, error) {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return Decision{}, ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if role == protocol.RoleCommand {
		s := e.sockets[protocol.RoleCommand]
		if s == nil {
			return Decision{}, ErrNoCommandLink
		}
		return Decision{Action: Send, Socket: s}, nil
	}
	switch e.states[role] {
	case Ready:
		if s := e.sockets[role]; s != nil {
			return Decision{Action: Send, Socket: s}, nil
		}
		e.states[role] = NotConnected
		fallthrough
	case NotConnected:
		e.queues[role] = append(e.queues[role], pkg)
		e.states[role] = Connecting
		return Decision{Action: RequestLink}, nil
	default:
		e.queues[role] = append(e.queues[role], pkg)
		return Decision{Action: Queued}, nil
	}
}

// Withdraw takes pkg back out of the role queue when its link request could
// not be sent, and returns an unbound CONNECTING role to NOT_CONNECTED so
// the next send asks again. A nil pkg only resets the state.
func (d *Directory) Withdraw(sessionID string, role protocol.Role, pkg *frame.Package) bool {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := false
	if pkg != nil {
		q := e.queues[role]
		for i, queued := range q {
			if queued == pkg {
				e.queues[role] = append(q[:i:i], q[i+1:]...)
				removed = true
				break
			}
		}
	}
	if e.sockets[role] == nil && e.states[role] == Connecting {
		e.states[role] = NotConnected
	}
	return removed
}

// Resume marks CONNECTING and returns the auxiliary roles of sessionID that
// have no bound socket but were waiting on a link request or still hold
// queued traffic. The caller asks for each role again.
func (d *Directory) Resume(sessionID string) []protocol.Role {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []protocol.Role
	for _, role := range protocol.Roles {
		if role == protocol.RoleCommand || e.sockets[role] != nil {
			continue
		}
		if e.states[role] == Connecting || len(e.queues[role]) > 0 {
			e.states[role] = Connecting
			out = append(out, role)
		}
	}
	return out
}

// Flush drains the role queue FIFO onto the bound socket and marks the role
// READY once empty. The session lock is held throughout, so a concurrent
// Route either queues ahead of the final check or observes READY after the
// last flushed package was handed to the socket.
func (d *Directory) Flush(sessionID string, role protocol.Role) (int, error) {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return 0, ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sock := e.sockets[role]
	if sock == nil {
		return 0, fmt.Errorf("%w: %s not bound", ErrUnknownSession, role)
	}
	n := 0
	for {
		pkg, ok := e.pop(role)
		if !ok {
			e.states[role] = Ready
			return n, nil
		}
		if err := sock.Send(pkg); err != nil {
			e.queues[role] = append([]*frame.Package{pkg}, e.queues[role]...)
			return n, err
		}
		n++
	}
}

// Unbind removes a closed link. Auxiliary roles fall back to NOT_CONNECTED
// with their queues kept. A command link loss removes the session when
// CascadeOnCommandLoss is set. It reports the session the link belonged to.
func (d *Directory) Unbind(sock Socket) (string, protocol.Role, bool) {
	b, ok := d.sockets.get(sock.ID())
	if !ok || b.socket != sock {
		return "", 0, false
	}
	if !d.sockets.takeIf(sock.ID(), func(cur binding) bool { return cur.socket == sock }) {
		return "", 0, false
	}
	e := b.entry
	e.mu.Lock()
	if e.sockets[b.role] == sock {
		e.sockets[b.role] = nil
		if b.role.Auxiliary() {
			e.states[b.role] = NotConnected
		} else {
			e.offlineSince = time.Now()
		}
	}
	e.mu.Unlock()

	if b.role == protocol.RoleCommand && d.opts.CascadeOnCommandLoss {
		d.remove(e, nil)
	}
	return e.id, b.role, true
}

// Unregister removes sessionID and closes every link bound to it.
func (d *Directory) Unregister(sessionID string) bool {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return false
	}
	d.remove(e, nil)
	return true
}

// Evict removes sessionID and closes its auxiliary links. The command link
// is returned open, or nil while offline, so the caller can notify the peer
// before closing it.
func (d *Directory) Evict(sessionID string) (Socket, bool) {
	e, ok := d.sessions.get(sessionID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	cmd := e.sockets[protocol.RoleCommand]
	e.mu.Unlock()
	d.remove(e, cmd)
	return cmd, true
}

// ExpireOffline removes sessions whose command link has been unbound since
// before cutoff and returns their ids.
func (d *Directory) ExpireOffline(cutoff time.Time) []string {
	var expired []string
	for _, e := range d.sessions.values() {
		e.mu.Lock()
		stale := !e.offlineSince.IsZero() && e.offlineSince.Before(cutoff)
		e.mu.Unlock()
		if stale {
			d.remove(e, nil)
			expired = append(expired, e.id)
		}
	}
	sort.Strings(expired)
	return expired
}

// remove drops e from every index and closes its links except keep.
func (d *Directory) remove(e *entry, keep Socket) {
	d.sessions.takeIf(e.id, func(cur *entry) bool { return cur == e })
	d.tokens.takeIf(e.token, func(cur *entry) bool { return cur == e })

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	e.removed = true
	var closing []Socket
	for i, s := range e.sockets {
		if s == nil {
			continue
		}
		e.sockets[i] = nil
		d.sockets.takeIf(s.ID(), func(cur binding) bool { return cur.entry == e })
		if keep != nil && s.ID() == keep.ID() {
			continue
		}
		closing = append(closing, s)
	}
	dropped := 0
	for i := range e.queues {
		dropped += len(e.queues[i])
		e.queues[i] = nil
	}
	e.mu.Unlock()

	d.log.Info().Str("session", e.id).Int("closing", len(closing)).Int("dropped", dropped).Msg("directory.remove session")
	for _, s := range closing {
		_ = s.Close()
	}
}

// IsOnline reports whether sessionID has a live command link.
func (d *Directory) IsOnline(sessionID string) bool {
	_, ok := d.Socket(sessionID, protocol.RoleCommand)
	return ok
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID     string            `json:"id"`
	Links  map[string]uint64 `json:"links"`
	States map[string]string `json:"states"`
	Queued map[string]int    `json:"queued"`
}

// Sessions returns every session sorted by id.
func (d *Directory) Sessions() []SessionInfo {
	entries := d.sessions.values()
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		info := SessionInfo{
			ID:     e.id,
			Links:  make(map[string]uint64),
			States: make(map[string]string),
			Queued: make(map[string]int),
		}
		e.mu.Lock()
		for _, r := range protocol.Roles {
			if s := e.sockets[r]; s != nil {
				info.Links[r.String()] = s.ID()
			}
			if r.Auxiliary() {
				info.States[r.String()] = e.states[r].String()
				info.Queued[r.String()] = len(e.queues[r])
			}
		}
		e.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Len() int {
	return d.sessions.len()
}
