package client

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/trilink/internal/directory"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/reactor"
)

// Send routes pkg by its kind. Command packages other than LOGIN wait for
// the token; auxiliary packages wait for it too and are queued until their
// link is ready, asking the server for its address on first use. Waits are
// bounded by BootstrapWait.
func (c *Client) Send(ctx context.Context, pkg *frame.Package) error {
	role, err := pkg.Kind.Role()
	if err != nil {
		return err
	}
	if _, err := c.runContext(); err != nil {
		return err
	}
	pkg.EnsureCorrelationID()

	if role == protocol.RoleCommand {
		if pkg.Operation != protocol.OpLogin {
			if _, err := c.awaitToken(ctx); err != nil {
				return err
			}
		}
		cmd, err := c.awaitCommand(ctx)
		if err != nil {
			return err
		}
		return cmd.Send(pkg)
	}

	if _, err := c.awaitToken(ctx); err != nil {
		if errors.Is(err, protocol.ErrTokenMissing) {
			c.rv.Fail(err)
		}
		return err
	}
	dec, err := c.dir.Route(localSession, role, pkg)
	if err != nil {
		return err
	}
	switch dec.Action {
	case directory.Send:
		return dec.Socket.Send(pkg)
	case directory.RequestLink:
		if err := c.requestLink(ctx, role); err != nil {
			c.dir.Withdraw(localSession, role, pkg)
			return err
		}
		return nil
	default:
		return nil
	}
}

// SendPair sends a split pair; the server delivers it merged.
func (c *Client) SendPair(ctx context.Context, primary, attached *frame.Package) error {
	primary.Attach(attached)
	if err := c.Send(ctx, primary); err != nil {
		return err
	}
	return c.Send(ctx, attached)
}

// requestLink asks the server for the address of role over the command link.
func (c *Client) requestLink(ctx context.Context, role protocol.Role) error {
	sub, err := role.AddressSubtype()
	if err != nil {
		return err
	}
	cmd, err := c.awaitCommand(ctx)
	if err != nil {
		return err
	}
	c.log.Debug().Str("role", role.String()).Msg("client.requestLink")
	return cmd.Send(frame.NewCommand(protocol.OpBuildLink, sub, nil))
}

// relink asks on cmd for every auxiliary role whose link request was lost
// with a previous command link or that still holds queued traffic.
func (c *Client) relink(cmd *reactor.Link) {
	for _, role := range c.dir.Resume(localSession) {
		sub, err := role.AddressSubtype()
		if err != nil {
			continue
		}
		if err := cmd.Send(frame.NewCommand(protocol.OpBuildLink, sub, nil)); err != nil {
			c.dir.Withdraw(localSession, role, nil)
			c.log.Warn().Str("role", role.String()).Err(err).Msg("client.relink request failed")
			continue
		}
		c.log.Debug().Str("role", role.String()).Msg("client.relink")
	}
}

func (c *Client) awaitToken(ctx context.Context) (string, error) {
	timer := time.NewTimer(c.cfg.Session.BootstrapWait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		token, ready := c.token, c.tokenReady
		c.mu.Unlock()
		if token != "" {
			return token, nil
		}
		select {
		case <-ready:
		case <-timer.C:
			return "", protocol.ErrTokenMissing
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *Client) awaitCommand(ctx context.Context) (*reactor.Link, error) {
	timer := time.NewTimer(c.cfg.Session.BootstrapWait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		cmd, ready := c.cmd, c.cmdReady
		c.mu.Unlock()
		if cmd != nil {
			return cmd, nil
		}
		select {
		case <-ready:
		case <-timer.C:
			return nil, ErrNotConnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
