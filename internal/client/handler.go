package client

import (
	"context"
	"errors"

	"github.com/danmuck/trilink/internal/directory"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/reactor"
)

// linkHandler reacts to control traffic and link loss; everything else is
// handed to the application through the rendezvous.
type linkHandler struct {
	c *Client
}

func (h *linkHandler) Deliver(l *reactor.Link, pkg *frame.Package) {
	c := h.c
	if l.Role() != protocol.RoleCommand {
		if pkg.Operation == protocol.OpHeartBeat {
			return
		}
		pkg.SessionID = localSession
		c.push(pkg)
		return
	}

	switch pkg.Operation {
	case protocol.OpHeartBeat:
	case protocol.OpTokenVerify:
		c.adoptToken(l, pkg.Content())
	case protocol.OpBuildLink:
		role, err := protocol.RoleForAddress(pkg.Subtype)
		if err != nil {
			c.log.Warn().Str("sub", pkg.Subtype.String()).Msg("client.build_link for unknown role")
			return
		}
		go c.buildLink(role, pkg.Content())
	case protocol.OpCancel:
		c.mu.Lock()
		c.serverClosed = true
		c.mu.Unlock()
		c.log.Info().Str("reason", pkg.Content()).Msg("client.command server closing session")
	default:
		c.push(pkg)
	}
}

func (h *linkHandler) Closed(l *reactor.Link, cause error) {
	c := h.c
	_, role, bound := c.dir.Unbind(l)
	if l.Role() == protocol.RoleCommand {
		c.commandLost(l, cause)
		return
	}
	if !bound {
		return
	}
	go c.auxiliaryLost(role, cause)
}

// adoptToken registers the session under the token the server issued on
// the command link.
func (c *Client) adoptToken(l *reactor.Link, token string) {
	if token == "" {
		c.log.Warn().Msg("client.command empty token ignored")
		return
	}
	if err := c.dir.Register(token, localSession, l); err != nil {
		c.log.Warn().Err(err).Msg("client.command token rejected")
		return
	}
	c.setToken(token)
	c.log.Info().Uint64("link", l.ID()).Msg("client.command token issued")
}

// buildLink dials an auxiliary address, presents the token on the new link
// and drains traffic queued for the role.
func (c *Client) buildLink(role protocol.Role, addr string) {
	ctx, err := c.runContext()
	if err != nil {
		return
	}
	token, ok := c.Token()
	if !ok {
		c.log.Warn().Str("role", role.String()).Msg("client.buildLink without token")
		return
	}
	if _, bound := c.dir.Socket(localSession, role); bound {
		return
	}
	c.mu.Lock()
	if c.dialing[role] {
		c.mu.Unlock()
		return
	}
	c.dialing[role] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialing[role] = false
		c.mu.Unlock()
	}()

	if state, err := c.dir.State(localSession, role); err == nil && state == directory.NotConnected {
		_ = c.dir.SetState(localSession, role, directory.Connecting)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.DialTimeout)
	defer cancel()
	l, err := c.reactor.Connect(dialCtx, addr, role, c.cfg.Session.DialTimeout)
	if err != nil {
		_ = c.dir.SetState(localSession, role, directory.NotConnected)
		c.log.Warn().Str("role", role.String()).Str("addr", addr).Err(err).Msg("client.buildLink dial failed")
		return
	}
	if _, err := c.dir.BindAuxiliary(role, token, l); err != nil {
		c.log.Warn().Str("role", role.String()).Err(err).Msg("client.buildLink bind failed")
		_ = l.Close()
		return
	}
	kind, _ := frame.KindFor(role)
	if err := l.Send(frame.NewControl(kind, protocol.OpTokenVerify, protocol.SubNone, []byte(token))); err != nil {
		c.log.Warn().Str("role", role.String()).Err(err).Msg("client.buildLink verify failed")
		return
	}
	n, err := c.dir.Flush(localSession, role)
	if err != nil && !errors.Is(err, reactor.ErrLinkClosed) {
		c.log.Warn().Str("role", role.String()).Err(err).Msg("client.buildLink flush failed")
		return
	}
	c.log.Info().Str("role", role.String()).Str("addr", addr).Uint64("link", l.ID()).Int("flushed", n).Msg("client.buildLink ready")
}

// auxiliaryLost asks for the role again while the session is alive. Queued
// traffic stays in the directory until the new link is ready.
func (c *Client) auxiliaryLost(role protocol.Role, cause error) {
	c.log.Info().Str("role", role.String()).AnErr("cause", cause).Msg("client.auxiliary link lost")
	ctx, err := c.runContext()
	if err != nil || !c.Connected() {
		return
	}
	if _, ok := c.Token(); !ok {
		return
	}
	if err := c.dir.SetState(localSession, role, directory.Connecting); err != nil {
		return
	}
	if err := c.requestLink(ctx, role); err != nil {
		c.dir.Withdraw(localSession, role, nil)
		c.log.Warn().Str("role", role.String()).Err(err).Msg("client.auxiliary re-request failed")
	}
}

func (c *Client) push(pkg *frame.Package) {
	if err := c.rv.Push(pkg); err != nil {
		c.log.Warn().Str("cid", pkg.CorrelationID).Err(err).Msg("client.push dropped package")
	}
}
