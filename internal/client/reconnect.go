package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/trilink/internal/observability"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/protocol/session"
	"github.com/danmuck/trilink/internal/reactor"
)

type lossAction int

const (
	lossIgnore lossAction = iota
	lossServerClosed
	lossReconnect
)

// commandLost decides between reconnecting and ending the session. A CANCEL
// received before the close means the server ended the session on purpose.
func (c *Client) commandLost(l *reactor.Link, cause error) {
	if !c.dropCommand(l) {
		return
	}
	switch c.lossAction(cause) {
	case lossIgnore:
		c.log.Debug().AnErr("cause", cause).Msg("client.command link closed on shutdown")
	case lossServerClosed:
		c.log.Warn().AnErr("cause", cause).Msg("client.command session closed by server")
		c.discard()
		c.rv.Fail(protocol.ErrServerClosedSession)
	default:
		c.log.Warn().AnErr("cause", cause).Msg("client.command link lost, reconnecting")
		go c.reconnect()
	}
}

// lossAction classifies a command link loss. Shutdown of the client or its
// reactor is never a reason to reconnect.
func (c *Client) lossAction(cause error) lossAction {
	c.mu.Lock()
	closing, serverClosed := c.closing, c.serverClosed
	if c.ctx != nil && c.ctx.Err() != nil {
		closing = true
	}
	c.mu.Unlock()
	switch {
	case closing, errors.Is(cause, reactor.ErrReactorClosed):
		return lossIgnore
	case serverClosed:
		return lossServerClosed
	default:
		return lossReconnect
	}
}

// reconnect re-dials the command link with the configured fixed delay and
// re-authenticates with the stored token. Exhausting the attempts discards
// the session.
func (c *Client) reconnect() {
	ctx, err := c.runContext()
	if err != nil {
		return
	}
	token, _ := c.Token()
	err = session.Redial(ctx, c.cfg.Session.Reconnect, func(n int) error {
		l, err := c.reactor.Connect(ctx, c.cfg.ServerAddr, protocol.RoleCommand, c.cfg.Session.DialTimeout)
		if err != nil {
			observability.RecordReconnect(c.cfg.Node, false)
			c.log.Warn().Int("attempt", n).Err(err).Msg("client.reconnect attempt failed")
			return err
		}
		if token != "" {
			if _, err := c.dir.RebindCommand(token, l); err != nil {
				_ = l.Close()
				return err
			}
			if err := l.Send(frame.NewCommand(protocol.OpTokenVerify, protocol.SubNone, []byte(token))); err != nil {
				return err
			}
		}
		if err := c.adoptCommand(l); err != nil {
			return err
		}
		observability.RecordReconnect(c.cfg.Node, true)
		c.log.Info().Int("attempt", n).Uint64("link", l.ID()).Msg("client.reconnect restored command link")
		return nil
	})
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.log.Error().Err(err).Msg("client.reconnect giving up")
	c.discard()
	c.rv.Fail(fmt.Errorf("%w: %w", protocol.ErrSessionUnrecoverable, err))
}

// probe keeps quiet links alive by sending a heartbeat on them.
func (c *Client) probe(id uint64, idle time.Duration) {
	l, ok := c.reactor.Link(id)
	if !ok {
		return
	}
	observability.RecordHeartbeatIdle(c.cfg.Node, l.Role().String(), "probe")
	c.log.Debug().Uint64("link", id).Str("role", l.Role().String()).Dur("idle", idle).Msg("client.probe")
	if err := l.Send(frame.NewControl(l.Kind(), protocol.OpHeartBeat, protocol.SubNone, nil)); err != nil {
		c.log.Warn().Uint64("link", id).Err(err).Msg("client.probe send failed")
	}
}
