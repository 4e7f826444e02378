package server

import (
	"context"
	"fmt"

	"github.com/danmuck/trilink/internal/directory"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
)

// Register binds the command link origin to sessionID under a fresh token
// and sends the token to the client. addition is mixed into the token.
func (s *Service) Register(origin uint64, sessionID, addition string) (string, error) {
	l, ok := s.reactors[protocol.RoleCommand].Link(origin)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownLink, origin)
	}
	token, err := s.minter.Mint(sessionID, addition)
	if err != nil {
		return "", err
	}
	if err := s.dir.Register(token, sessionID, l); err != nil {
		return "", err
	}
	if err := l.Send(frame.NewCommand(protocol.OpTokenVerify, protocol.SubNone, []byte(token))); err != nil {
		s.dir.Unregister(sessionID)
		return "", err
	}
	s.log.Info().Str("session", sessionID).Uint64("link", origin).Msg("server.Service.Register")
	return token, nil
}

// Send routes pkg to sessionID on the link its kind selects. Traffic for an
// auxiliary role that is not ready is queued, and the first such send asks
// the client to open the link.
func (s *Service) Send(sessionID string, pkg *frame.Package) error {
	role, err := pkg.Kind.Role()
	if err != nil {
		return err
	}
	pkg.EnsureCorrelationID()
	dec, err := s.dir.Route(sessionID, role, pkg)
	if err != nil {
		return err
	}
	switch dec.Action {
	case directory.Send:
		return dec.Socket.Send(pkg)
	case directory.RequestLink:
		if err := s.requestLink(sessionID, role); err != nil {
			s.dir.Withdraw(sessionID, role, pkg)
			return err
		}
		return nil
	default:
		return nil
	}
}

// requestLink asks the client of sessionID to open role over its command
// link.
func (s *Service) requestLink(sessionID string, role protocol.Role) error {
	cmd, ok := s.dir.Socket(sessionID, protocol.RoleCommand)
	if !ok {
		return directory.ErrNoCommandLink
	}
	req, err := s.buildLink(role)
	if err != nil {
		return err
	}
	s.log.Debug().Str("session", sessionID).Str("role", role.String()).Msg("server.Service.requestLink")
	return cmd.Send(req)
}

// SendPair sends a split pair: primary and attached go out on their own
// links and the peer delivers them merged.
func (s *Service) SendPair(sessionID string, primary, attached *frame.Package) error {
	primary.Attach(attached)
	if err := s.Send(sessionID, primary); err != nil {
		return err
	}
	return s.Send(sessionID, attached)
}

// Reply answers req on the link it arrived on, reusing its correlation id.
func (s *Service) Reply(req, resp *frame.Package) error {
	l, ok := s.link(req.Origin, resp.Kind)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLink, req.Origin)
	}
	resp.CorrelationID = req.CorrelationID
	return l.Send(resp)
}

// Kick closes sessionID deliberately: the client is told with a CANCEL
// notice before its command link closes, so it does not reconnect.
func (s *Service) Kick(sessionID string) error {
	cmd, ok := s.dir.Evict(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", directory.ErrUnknownSession, sessionID)
	}
	if cmd == nil {
		s.log.Info().Str("session", sessionID).Msg("server.Service.Kick offline session dropped")
		return nil
	}
	l, ok := s.reactors[protocol.RoleCommand].Link(cmd.ID())
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLink, cmd.ID())
	}
	s.log.Info().Str("session", sessionID).Msg("server.Service.Kick")
	return l.SendAndClose(frame.NewCommand(protocol.OpCancel, protocol.SubNone, []byte(ErrKicked.Error())))
}

func (s *Service) IsOnline(sessionID string) bool {
	return s.dir.IsOnline(sessionID)
}

// Receive blocks for the next inbound application package.
func (s *Service) Receive(ctx context.Context) (*frame.Package, error) {
	return s.rv.Receive(ctx)
}

func (s *Service) Sessions() []directory.SessionInfo {
	return s.dir.Sessions()
}

// Links reports registered links per role.
func (s *Service) Links() map[string]int {
	out := make(map[string]int, len(s.reactors))
	for _, role := range protocol.Roles {
		out[role.String()] = s.reactors[role].Len()
	}
	return out
}
