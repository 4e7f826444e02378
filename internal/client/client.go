// Package client runs the dialing side of a trilink session: one reactor
// carrying the command link and any auxiliary links the server asks for.
//
// Ownership boundary:
// - the command link, its token and re-dial after abrupt loss
// - auxiliary link bootstrap on BUILD_LINK
// - routing of application sends by link readiness
package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/trilink/internal/admission"
	"github.com/danmuck/trilink/internal/directory"
	"github.com/danmuck/trilink/internal/heartbeat"
	"github.com/danmuck/trilink/internal/observability"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/protocol/session"
	"github.com/danmuck/trilink/internal/reactor"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected = errors.New("client: command link not connected")
	ErrNotRunning   = errors.New("client: not running")
	ErrClosed       = errors.New("client: closed")
	ErrNoServerAddr = errors.New("client: server address required")
)

// localSession keys the single session a client holds in its directory.
const localSession = "local"

type Config struct {
	Node       string
	ServerAddr string
	Session    session.Config
}

func DefaultConfig() Config {
	return Config{
		Node:       "linkctl",
		ServerAddr: "127.0.0.1:7100",
		Session:    session.DefaultClientConfig(),
	}
}

// Client is safe for concurrent use once Run has started.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	dir     *directory.Directory
	rv      *reactor.Rendezvous
	reactor *reactor.Reactor
	monitor *heartbeat.Monitor
	ready   chan struct{}

	mu           sync.Mutex
	ctx          context.Context
	cmd          *reactor.Link
	cmdReady     chan struct{}
	token        string
	tokenReady   chan struct{}
	serverClosed bool
	closing      bool
	dialing      [len(protocol.Roles)]bool
}

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Node) == "" {
		cfg.Node = def.Node
	}
	if strings.TrimSpace(cfg.ServerAddr) == "" {
		return nil, ErrNoServerAddr
	}
	cfg.Session = cfg.Session.WithDefaults(def.Session)
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	log = log.With().Str("node", cfg.Node).Logger()
	c := &Client{
		cfg:        cfg,
		log:        log.With().Str("component", "client").Logger(),
		dir:        directory.New(directory.Options{}, log),
		rv:         reactor.NewRendezvous(cfg.Session.PendingTTL, log),
		ready:      make(chan struct{}),
		cmdReady:   make(chan struct{}),
		tokenReady: make(chan struct{}),
	}
	rc := cfg.Session.Command
	c.monitor = heartbeat.New(cfg.Node, rc.HeartbeatInterval, rc.IdleTimeout, c.probe, log)
	opts := reactor.Options{
		Name:      cfg.Node,
		Workers:   rc.Workers,
		QueueSize: rc.QueueSize,
		Limits:    cfg.Session.Limits,
		TempDir:   cfg.Session.TempDir,
		Monitor:   c.monitor,
	}
	if rc.Bucket.Enabled() {
		opts.Bucket = admission.NewBucket(rc.Bucket.Capacity, rc.Bucket.Rate)
	}
	c.reactor = reactor.New(opts, &linkHandler{c: c}, log)
	return c, nil
}

// Run drives the reactor, heartbeat probes and pending expiry until ctx is
// done.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	close(c.ready)

	g.Go(func() error { return c.reactor.Run(ctx) })
	g.Go(func() error { return c.monitor.Run(ctx) })
	g.Go(func() error { return c.expireLoop(ctx) })
	err := g.Wait()

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.rv.Close()
	return err
}

// Ready is closed once Run has started.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Connect dials the server command address.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.runContext(); err != nil {
		return err
	}
	l, err := c.reactor.Connect(ctx, c.cfg.ServerAddr, protocol.RoleCommand, c.cfg.Session.DialTimeout)
	if err != nil {
		return err
	}
	if err := c.adoptCommand(l); err != nil {
		return err
	}
	c.log.Info().Str("addr", c.cfg.ServerAddr).Uint64("link", l.ID()).Msg("client.Connect")
	return nil
}

// Close ends the session deliberately: the server is sent CANCEL and no
// reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closing = true
	cmd := c.cmd
	c.mu.Unlock()

	c.dir.Unregister(localSession)
	if cmd == nil {
		return nil
	}
	return cmd.SendAndClose(frame.NewCommand(protocol.OpCancel, protocol.SubNone, nil))
}

// Receive blocks for the next inbound package or session failure.
func (c *Client) Receive(ctx context.Context) (*frame.Package, error) {
	return c.rv.Receive(ctx)
}

// Token returns the session token once issued.
func (c *Client) Token() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.token != ""
}

// Connected reports whether a command link is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// State returns the bootstrap state of an auxiliary role.
func (c *Client) State(role protocol.Role) directory.State {
	state, err := c.dir.State(localSession, role)
	if err != nil {
		return directory.NotConnected
	}
	return state
}

func (c *Client) runContext() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil, ErrNotRunning
	}
	if c.closing {
		return nil, ErrClosed
	}
	return c.ctx, nil
}

func (c *Client) setCommand(l *reactor.Link) {
	c.mu.Lock()
	c.cmd = l
	select {
	case <-c.cmdReady:
	default:
		close(c.cmdReady)
	}
	c.mu.Unlock()
}

// adoptCommand installs l as the command link and repeats link requests
// lost with the previous one. A link cancelled before it was installed is
// refused, since its close went unobserved.
func (c *Client) adoptCommand(l *reactor.Link) error {
	c.setCommand(l)
	if l.Cancelled() {
		c.dropCommand(l)
		return reactor.ErrLinkClosed
	}
	c.relink(l)
	return nil
}

// dropCommand forgets l as the command link. It reports false when l was
// already replaced.
func (c *Client) dropCommand(l *reactor.Link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != l {
		return false
	}
	c.cmd = nil
	c.cmdReady = make(chan struct{})
	return true
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	select {
	case <-c.tokenReady:
	default:
		close(c.tokenReady)
	}
	c.mu.Unlock()
}

// discard forgets the session: its token, auxiliary links and queues.
func (c *Client) discard() {
	c.mu.Lock()
	c.token = ""
	c.tokenReady = make(chan struct{})
	c.serverClosed = false
	c.mu.Unlock()
	c.dir.Unregister(localSession)
}

func (c *Client) expireLoop(ctx context.Context) error {
	interval := c.cfg.Session.PendingTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := len(c.rv.Expire()); n > 0 {
				observability.RecordPendingExpired(c.cfg.Node, n)
			}
		}
	}
}
