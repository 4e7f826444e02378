// Package server runs the listening side of a trilink session: one reactor
// and listener per link role, a session directory shared across them, and
// the token handshake that binds auxiliary links to a command link.
//
// Ownership boundary:
// - listeners and accept-time admission
// - per-role reactors and heartbeat monitors
// - session registration and routing for application sends
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/trilink/internal/admission"
	"github.com/danmuck/trilink/internal/auth"
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
	ErrUnknownLink = errors.New("server: unknown link")
	ErrNotBound    = errors.New("server: link has no session")
	ErrIdle        = errors.New("server: link idle past timeout")
	ErrKicked      = errors.New("server: session closed by server")
)

// ServiceConfig configures listeners, advertised addresses and link policy.
type ServiceConfig struct {
	Node        string
	CommandAddr string
	MessageAddr string
	FileAddr    string
	// AdvertiseMessage and AdvertiseFile are the host:port sent to clients in
	// BUILD_LINK replies. Empty means the bound listener address.
	AdvertiseMessage string
	AdvertiseFile    string
	// HTTPAddr serves the operator surface; empty disables it.
	HTTPAddr    string
	CORSOrigins []string
	Session     session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Node:        "linkd",
		CommandAddr: ":7100",
		MessageAddr: ":7101",
		FileAddr:    ":7102",
		HTTPAddr:    "",
		Session:     session.DefaultServerConfig(),
	}
}

// Service is safe for concurrent use once constructed.
type Service struct {
	cfg    ServiceConfig
	log    zerolog.Logger
	dir    *directory.Directory
	minter *auth.Minter
	rv     *reactor.Rendezvous
	accept admission.Gate

	reactors  [len(protocol.Roles)]*reactor.Reactor
	monitors  [len(protocol.Roles)]*heartbeat.Monitor
	addrs     [len(protocol.Roles)]string
	ready     chan struct{}
	startedAt time.Time
}

func NewService(cfg ServiceConfig, log zerolog.Logger) (*Service, error) {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.Node) == "" {
		cfg.Node = def.Node
	}
	cfg.Session = cfg.Session.WithDefaults(def.Session)
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	minter, err := auth.NewMinter()
	if err != nil {
		return nil, err
	}
	log = log.With().Str("node", cfg.Node).Logger()
	s := &Service{
		cfg:    cfg,
		log:    log.With().Str("component", "server").Logger(),
		dir:    directory.New(directory.Options{CascadeOnCommandLoss: cfg.Session.ReconnectGrace < 0}, log),
		minter: minter,
		rv:     reactor.NewRendezvous(cfg.Session.PendingTTL, log),
		ready:  make(chan struct{}),
	}
	if b := cfg.Session.Accept; b.Enabled() {
		s.accept.Bucket = admission.NewBucket(b.Capacity, b.Rate)
	}
	for _, role := range protocol.Roles {
		rc := cfg.Session.Role(role)
		name := cfg.Node + "." + role.String()
		s.monitors[role] = heartbeat.New(name, rc.HeartbeatInterval, rc.IdleTimeout, s.idleHandler(role), log)
		opts := reactor.Options{
			Name:      name,
			Workers:   rc.Workers,
			QueueSize: rc.QueueSize,
			Limits:    cfg.Session.Limits,
			TempDir:   cfg.Session.TempDir,
			Ceiling:   admission.NewCeiling(rc.MaxLinks),
			Monitor:   s.monitors[role],
		}
		if rc.Bucket.Enabled() {
			opts.Bucket = admission.NewBucket(rc.Bucket.Capacity, rc.Bucket.Rate)
		}
		s.reactors[role] = reactor.New(opts, &linkHandler{svc: s, role: role}, log)
	}
	return s, nil
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	var lns [len(protocol.Roles)]net.Listener
	for _, role := range protocol.Roles {
		ln, err := net.Listen("tcp", s.listenAddr(role))
		if err != nil {
			for _, open := range lns {
				if open != nil {
					_ = open.Close()
				}
			}
			return fmt.Errorf("server: listen %s: %w", role, err)
		}
		lns[role] = ln
	}
	return s.Serve(ctx, lns[protocol.RoleCommand], lns[protocol.RoleMessage], lns[protocol.RoleFile])
}

// Serve runs the reactors, heartbeat sweeps, pending expiry and accept loops
// on existing listeners until ctx is done.
func (s *Service) Serve(ctx context.Context, command, message, file net.Listener) error {
	lns := [len(protocol.Roles)]net.Listener{command, message, file}
	for _, role := range protocol.Roles {
		s.addrs[role] = lns[role].Addr().String()
	}
	s.startedAt = time.Now()
	close(s.ready)

	g, ctx := errgroup.WithContext(ctx)
	for _, role := range protocol.Roles {
		r, m, ln := s.reactors[role], s.monitors[role], lns[role]
		g.Go(func() error { return r.Run(ctx) })
		g.Go(func() error { return m.Run(ctx) })
		g.Go(func() error { return s.acceptLoop(ctx, ln, role) })
	}
	g.Go(func() error { return s.expireLoop(ctx) })
	if addr := strings.TrimSpace(s.cfg.HTTPAddr); addr != "" {
		g.Go(func() error { return s.serveHTTP(ctx, addr) })
	}
	s.log.Info().
		Str("command", s.addrs[protocol.RoleCommand]).
		Str("message", s.addrs[protocol.RoleMessage]).
		Str("file", s.addrs[protocol.RoleFile]).
		Msg("server.Service.Serve listening")

	err := g.Wait()
	s.rv.Close()
	return err
}

// Ready is closed once Serve has bound its listeners.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener, role protocol.Role) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.accept.Admit(); err != nil {
			_ = conn.Close()
			observability.RecordAdmissionRejected(s.cfg.Node, "accept_bucket")
			s.log.Warn().Str("role", role.String()).Str("remote", conn.RemoteAddr().String()).Err(err).Msg("server.acceptLoop rejected")
			continue
		}
		if _, err := s.reactors[role].Register(conn, role); err != nil {
			s.log.Warn().Str("role", role.String()).Err(err).Msg("server.acceptLoop register failed")
		}
	}
}

// expireLoop drops split halves past PendingTTL and sessions whose command
// link stayed away past ReconnectGrace.
func (s *Service) expireLoop(ctx context.Context) error {
	interval := s.cfg.Session.PendingTTL / 2
	if grace := s.cfg.Session.ReconnectGrace; grace > 0 && grace/2 < interval {
		interval = grace / 2
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

func (s *Service) expire(now time.Time) {
	if n := len(s.rv.Expire()); n > 0 {
		observability.RecordPendingExpired(s.cfg.Node, n)
	}
	if grace := s.cfg.Session.ReconnectGrace; grace > 0 {
		for _, id := range s.dir.ExpireOffline(now.Add(-grace)) {
			s.log.Info().Str("session", id).Dur("grace", grace).Msg("server.expire dropped offline session")
		}
	}
}

func (s *Service) serveHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("server.serveHTTP listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// idleHandler tears down links that stayed silent past the role timeout.
func (s *Service) idleHandler(role protocol.Role) heartbeat.IdleFunc {
	return func(id uint64, idle time.Duration) {
		l, ok := s.reactors[role].Link(id)
		if !ok {
			return
		}
		observability.RecordHeartbeatIdle(s.cfg.Node, role.String(), "teardown")
		s.log.Warn().Uint64("link", id).Str("role", role.String()).Dur("idle", idle).Msg("server.heartbeat tearing down idle link")
		s.reactors[role].Cancel(l, ErrIdle)
	}
}

func (s *Service) listenAddr(role protocol.Role) string {
	switch role {
	case protocol.RoleMessage:
		return s.cfg.MessageAddr
	case protocol.RoleFile:
		return s.cfg.FileAddr
	default:
		return s.cfg.CommandAddr
	}
}

// Addr returns the bound listener address for role once serving.
func (s *Service) Addr(role protocol.Role) string {
	return s.addrs[role]
}

// advertised is the address clients dial for an auxiliary role.
func (s *Service) advertised(role protocol.Role) string {
	var addr string
	switch role {
	case protocol.RoleMessage:
		addr = s.cfg.AdvertiseMessage
	case protocol.RoleFile:
		addr = s.cfg.AdvertiseFile
	}
	if strings.TrimSpace(addr) != "" {
		return addr
	}
	return s.addrs[role]
}

func (s *Service) buildLink(role protocol.Role) (*frame.Package, error) {
	sub, err := role.AddressSubtype()
	if err != nil {
		return nil, err
	}
	return frame.NewCommand(protocol.OpBuildLink, sub, []byte(s.advertised(role))), nil
}

func (s *Service) link(id uint64, kind frame.Kind) (*reactor.Link, bool) {
	role, err := kind.Role()
	if err != nil {
		return nil, false
	}
	return s.reactors[role].Link(id)
}
