package client

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/trilink/internal/directory"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/reactor"
	"github.com/danmuck/trilink/internal/server"
	"github.com/danmuck/trilink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func startServer(t *testing.T) *server.Service {
	t.Helper()
	cfg := server.DefaultServiceConfig()
	cfg.Node = "test-server"
	cfg.Session.TempDir = t.TempDir()
	svc, err := server.NewService(cfg, testlog.Start(t))
	require.NoError(t, err)

	var lns [3]net.Listener
	for i := range lns {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		lns[i] = ln
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Serve(ctx, lns[0], lns[1], lns[2])
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-svc.Ready()
	return svc
}

func startClient(t *testing.T, addr string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Node = "test-client"
	cfg.ServerAddr = addr
	cfg.Session.TempDir = t.TempDir()
	cfg.Session.BootstrapWait = 2 * time.Second
	cfg.Session.Reconnect.MaxAttempts = 5
	cfg.Session.Reconnect.Delay = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, testlog.Start(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-c.Ready()
	require.NoError(t, c.Connect(ctx))
	return c
}

// login sends LOGIN, lets the server register the session and waits for
// the client to hold the token.
func login(t *testing.T, svc *server.Service, c *Client, sessionID string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Send(ctx, frame.NewCommand(protocol.OpLogin, protocol.SubUser, []byte(sessionID))))

	req, err := svc.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.OpLogin, req.Operation)
	token, err := svc.Register(req.Origin, req.Content(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := c.Token()
		return ok && got == token
	}, waitFor, 10*time.Millisecond)
	return token
}

func commandLink(c *Client) *reactor.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd
}

// receiveErr drains packages until the client reports a session error.
func receiveErr(t *testing.T, c *Client) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for {
		_, err := c.Receive(ctx)
		if err != nil {
			return err
		}
	}
}

func TestFreshSessionAuxiliaryRolesNotConnected(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	assert.Equal(t, directory.NotConnected, c.State(protocol.RoleMessage))
	assert.Equal(t, directory.NotConnected, c.State(protocol.RoleFile))
}

func TestMessageQueuedUntilLinkReady(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, c.Send(ctx, frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte(body))))
	}

	for _, want := range []string{"one", "two", "three"} {
		pkg, err := svc.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, pkg.Content())
		assert.Equal(t, "alice", pkg.SessionID)
	}
	require.Eventually(t, func() bool { return c.State(protocol.RoleMessage) == directory.Ready }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, svc.Links()["message"])
}

func TestAuxiliaryLossRequestsLinkAgain(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Send(ctx, frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte("first"))))
	pkg, err := svc.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", pkg.Content())
	require.Eventually(t, func() bool { return c.State(protocol.RoleMessage) == directory.Ready }, waitFor, 10*time.Millisecond)

	old, ok := c.dir.Socket(localSession, protocol.RoleMessage)
	require.True(t, ok)
	require.NoError(t, old.Close())

	require.Eventually(t, func() bool {
		sock, ok := c.dir.Socket(localSession, protocol.RoleMessage)
		return ok && sock.ID() != old.ID() && c.State(protocol.RoleMessage) == directory.Ready
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, c.Send(ctx, frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte("second"))))
	pkg, err = svc.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", pkg.Content())
	assert.True(t, c.Connected())
}

func TestServerInitiatedLink(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	require.NoError(t, svc.Send("alice", frame.NewMessage(protocol.OpOnlineMessage, protocol.SubText, "bob", "alice", []byte("hi alice"))))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	pkg, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", pkg.Content())
	assert.Equal(t, frame.KindMessage, pkg.Kind)
}

func TestFileLinkCarriesSpooledFile(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	src := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(src, []byte("file body"), 0o644))
	pkg, err := frame.NewFile(protocol.OpSendData, protocol.SubFile, src)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Send(ctx, pkg))

	got, err := svc.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.File)
	assert.EqualValues(t, len("file body"), got.File.Size)
}

func TestCommandLossWithoutNoticeReconnects(t *testing.T) {
	svc := startServer(t)
	px := startProxy(t, svc.Addr(protocol.RoleCommand))
	c := startClient(t, px.addr(), nil)
	login(t, svc, c, "alice")

	before := commandLink(c)
	px.drop()
	require.Eventually(t, func() bool {
		l := commandLink(c)
		return l != nil && l != before && svc.IsOnline("alice")
	}, waitFor, 10*time.Millisecond)
	_, ok := c.Token()
	assert.True(t, ok, "token survives reconnection")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "no session error after reconnect")

	sendCtx, sendCancel := context.WithTimeout(context.Background(), waitFor)
	defer sendCancel()
	require.NoError(t, c.Send(sendCtx, frame.NewCommand(protocol.OpRequestData, protocol.SubUserBaseInfo, []byte("after"))))
	pkg, err := svc.Receive(sendCtx)
	require.NoError(t, err)
	assert.Equal(t, "after", pkg.Content())
	assert.Equal(t, "alice", pkg.SessionID)
}

func TestSendDuringReconnectLeavesRoleIdle(t *testing.T) {
	svc := startServer(t)
	px := startProxy(t, svc.Addr(protocol.RoleCommand))
	c := startClient(t, px.addr(), func(cfg *Config) {
		cfg.Session.BootstrapWait = 100 * time.Millisecond
		cfg.Session.Reconnect.Delay = 400 * time.Millisecond
	})
	login(t, svc, c, "alice")

	before := commandLink(c)
	px.drop()
	require.Eventually(t, func() bool { return commandLink(c) == nil }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := c.Send(ctx, frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte("during")))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, directory.NotConnected, c.State(protocol.RoleMessage))
	assert.Zero(t, c.dir.Queued(localSession, protocol.RoleMessage))

	require.Eventually(t, func() bool {
		l := commandLink(c)
		return l != nil && l != before && svc.IsOnline("alice")
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, c.Send(ctx, frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte("after"))))
	pkg, err := svc.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", pkg.Content())
	require.Eventually(t, func() bool { return c.State(protocol.RoleMessage) == directory.Ready }, waitFor, 10*time.Millisecond)
}

func TestLinkRequestLostWithCommandIsResent(t *testing.T) {
	svc := startServer(t)
	px := startProxy(t, svc.Addr(protocol.RoleCommand))
	c := startClient(t, px.addr(), nil)
	login(t, svc, c, "alice")

	// Queue as Send does, but let the command link die before the
	// BUILD_LINK request goes out.
	dec, err := c.dir.Route(localSession, protocol.RoleMessage, frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte("held")))
	require.NoError(t, err)
	require.Equal(t, directory.RequestLink, dec.Action)
	px.drop()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	pkg, err := svc.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "held", pkg.Content())
	assert.Equal(t, "alice", pkg.SessionID)
	require.Eventually(t, func() bool { return c.State(protocol.RoleMessage) == directory.Ready }, waitFor, 10*time.Millisecond)
	assert.Zero(t, c.dir.Queued(localSession, protocol.RoleMessage))
}

func TestShutdownLossDoesNotReconnect(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	assert.Equal(t, lossReconnect, c.lossAction(io.EOF))
	assert.Equal(t, lossIgnore, c.lossAction(reactor.ErrReactorClosed))

	c.mu.Lock()
	c.serverClosed = true
	c.mu.Unlock()
	assert.Equal(t, lossServerClosed, c.lossAction(io.EOF))
	assert.Equal(t, lossIgnore, c.lossAction(reactor.ErrReactorClosed))
}

func TestCancelledRunIgnoresCommandLoss(t *testing.T) {
	svc := startServer(t)
	cfg := DefaultConfig()
	cfg.ServerAddr = svc.Addr(protocol.RoleCommand)
	cfg.Session.TempDir = t.TempDir()
	c, err := New(cfg, testlog.Start(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	<-c.Ready()
	require.NoError(t, c.Connect(ctx))
	login(t, svc, c, "alice")

	cancel()
	<-done
	assert.Equal(t, lossIgnore, c.lossAction(io.EOF))
	_, ok := c.Token()
	assert.True(t, ok, "shutdown does not discard the session")
}

func TestSendPairMergesOnServer(t *testing.T) {
	cases := []struct {
		name string
		warm protocol.Role
	}{
		{name: "message half first", warm: protocol.RoleMessage},
		{name: "file half first", warm: protocol.RoleFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := startServer(t)
			c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
			login(t, svc, c, "alice")
			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()

			// Only the warm role has a link; the other half waits for its
			// link and arrives second.
			warm := frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte("warm"))
			if tc.warm == protocol.RoleFile {
				warm, _ = spooled(t, "warm.bin", "warm")
			}
			require.NoError(t, c.Send(ctx, warm))
			_, err := svc.Receive(ctx)
			require.NoError(t, err)
			require.Eventually(t, func() bool { return c.State(tc.warm) == directory.Ready }, waitFor, 10*time.Millisecond)

			caption := frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "alice", "bob", []byte("caption"))
			body, size := spooled(t, "photo.bin", "pixels")
			require.NoError(t, c.SendPair(ctx, caption, body))

			got, err := svc.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, "caption", got.Content())
			assert.Equal(t, "alice", got.SessionID)
			require.NotNil(t, got.Attached)
			require.NotNil(t, got.Attached.File)
			assert.Equal(t, size, got.Attached.File.Size)
		})
	}
}

func TestServerSendPairMergesOnClient(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	body, size := spooled(t, "report.bin", "report body")
	note := frame.NewMessage(protocol.OpOnlineMessage, protocol.SubText, "bob", "alice", []byte("see attached"))
	require.NoError(t, svc.SendPair("alice", body, note))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	got, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame.KindFile, got.Kind)
	require.NotNil(t, got.File)
	assert.Equal(t, size, got.File.Size)
	require.NotNil(t, got.Attached)
	assert.Equal(t, "see attached", got.Attached.Content())
}

func TestReconnectExhaustionIsUnrecoverable(t *testing.T) {
	svc := startServer(t)
	px := startProxy(t, svc.Addr(protocol.RoleCommand))
	c := startClient(t, px.addr(), func(cfg *Config) {
		cfg.Session.Reconnect.MaxAttempts = 2
	})
	login(t, svc, c, "alice")

	px.stop()
	err := receiveErr(t, c)
	assert.ErrorIs(t, err, protocol.ErrSessionUnrecoverable)
	_, ok := c.Token()
	assert.False(t, ok, "token discarded")
}

func TestKickEndsSessionWithoutReconnect(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	require.NoError(t, svc.Kick("alice"))
	err := receiveErr(t, c)
	assert.ErrorIs(t, err, protocol.ErrServerClosedSession)
	assert.False(t, c.Connected())
	_, ok := c.Token()
	assert.False(t, ok)
}

func TestAuxiliarySendWithoutToken(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), func(cfg *Config) {
		cfg.Session.BootstrapWait = 50 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := c.Send(ctx, frame.NewMessage(protocol.OpSendMessage, protocol.SubText, "a", "b", []byte("x")))
	assert.ErrorIs(t, err, protocol.ErrTokenMissing)
	_, err = c.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrTokenMissing)
}

func TestCloseCancelsServerSession(t *testing.T) {
	svc := startServer(t)
	c := startClient(t, svc.Addr(protocol.RoleCommand), nil)
	login(t, svc, c, "alice")

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return len(svc.Sessions()) == 0 }, waitFor, 10*time.Millisecond)
	assert.ErrorIs(t, c.Close(), ErrClosed)
	assert.ErrorIs(t, c.Send(context.Background(), frame.NewCommand(protocol.OpLogin, protocol.SubUser, nil)), ErrClosed)
}

func TestSendBeforeRun(t *testing.T) {
	c, err := New(DefaultConfig(), testlog.Start(t))
	require.NoError(t, err)
	err = c.Send(context.Background(), frame.NewCommand(protocol.OpLogin, protocol.SubUser, nil))
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = New(Config{}, testlog.Start(t))
	assert.ErrorIs(t, err, ErrNoServerAddr)
}

// spooled writes body to a temp file and returns a file package for it.
func spooled(t *testing.T, name, body string) (*frame.Package, int64) {
	t.Helper()
	src := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(src, []byte(body), 0o644))
	pkg, err := frame.NewFile(protocol.OpSendData, protocol.SubFile, src)
	require.NoError(t, err)
	return pkg, int64(len(body))
}

// proxy forwards TCP connections so tests can cut them without notice.
type proxy struct {
	t      *testing.T
	ln     net.Listener
	target string

	mu    sync.Mutex
	conns []net.Conn
}

func startProxy(t *testing.T, target string) *proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &proxy{t: t, ln: ln, target: target}
	go p.accept()
	t.Cleanup(p.stop)
	return p
}

func (p *proxy) addr() string {
	return p.ln.Addr().String()
}

func (p *proxy) accept() {
	for {
		down, err := p.ln.Accept()
		if err != nil {
			return
		}
		up, err := net.Dial("tcp", p.target)
		if err != nil {
			_ = down.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, down, up)
		p.mu.Unlock()
		go pipe(up, down)
		go pipe(down, up)
	}
}

func pipe(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	_ = dst.Close()
	_ = src.Close()
}

// drop closes every forwarded connection but keeps accepting.
func (p *proxy) drop() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (p *proxy) stop() {
	if err := p.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.t.Logf("proxy close: %v", err)
	}
	p.drop()
}
