package server

import (
	"errors"

	"github.com/danmuck/trilink/internal/auth"
	"github.com/danmuck/trilink/internal/directory"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/reactor"
)

// linkHandler applies the per-role admission rules to inbound packages.
type linkHandler struct {
	svc  *Service
	role protocol.Role
}

func (h *linkHandler) Deliver(l *reactor.Link, pkg *frame.Package) {
	sessionID, token, _, bound := h.svc.dir.Resolve(l.ID())
	if h.role == protocol.RoleCommand {
		h.command(l, pkg, bound, sessionID, token)
		return
	}
	h.auxiliary(l, pkg, bound, sessionID, token)
}

func (h *linkHandler) Closed(l *reactor.Link, cause error) {
	sessionID, role, ok := h.svc.dir.Unbind(l)
	if !ok {
		return
	}
	event := h.svc.log.Info()
	if role == protocol.RoleCommand {
		event = h.svc.log.Warn()
		// An idle command link means the peer is gone, not reconnecting.
		if errors.Is(cause, ErrIdle) {
			h.svc.dir.Unregister(sessionID)
		}
	}
	event.Str("session", sessionID).Str("role", role.String()).Uint64("link", l.ID()).AnErr("cause", cause).Msg("server.linkHandler.Closed unbound")
}

func (h *linkHandler) command(l *reactor.Link, pkg *frame.Package, bound bool, sessionID, token string) {
	log := h.svc.log
	if !bound {
		switch pkg.Operation {
		case protocol.OpLogin:
			h.push(pkg)
		case protocol.OpHeartBeat:
		case protocol.OpTokenVerify:
			h.reauth(l, pkg)
		default:
			log.Warn().Uint64("link", l.ID()).Str("op", pkg.Operation.String()).Msg("server.command rejected: no session")
			reply := frame.NewCommand(protocol.OpError, pkg.Subtype, []byte("no session"))
			reply.CorrelationID = pkg.CorrelationID
			_ = l.Send(reply)
		}
		return
	}

	pkg.SessionID = sessionID
	switch pkg.Operation {
	case protocol.OpHeartBeat:
	case protocol.OpTokenVerify:
		if err := auth.Verify(token, pkg.Content()); err != nil {
			log.Warn().Str("session", sessionID).Uint64("link", l.ID()).Msg("server.command token mismatch on bound link")
			_ = l.Close()
		}
	case protocol.OpBuildLink:
		h.replyBuildLink(l, pkg, sessionID)
	case protocol.OpCancel:
		log.Info().Str("session", sessionID).Msg("server.command client cancelled session")
		h.svc.dir.Unregister(sessionID)
		_ = l.Close()
	default:
		h.push(pkg)
	}
}

// reauth re-binds a session's command link after the client reconnected.
func (h *linkHandler) reauth(l *reactor.Link, pkg *frame.Package) {
	sessionID, err := h.svc.dir.RebindCommand(pkg.Content(), l)
	if err != nil {
		h.svc.log.Warn().Uint64("link", l.ID()).Err(err).Msg("server.command re-auth failed")
		// CANCEL tells the client the session is gone so it stops re-dialing.
		if err := l.SendAndClose(frame.NewCommand(protocol.OpCancel, protocol.SubNone, []byte(auth.ErrUnauthorized.Error()))); err != nil {
			h.svc.reactors[protocol.RoleCommand].Cancel(l, auth.ErrUnauthorized)
		}
		return
	}
	h.svc.log.Info().Str("session", sessionID).Uint64("link", l.ID()).Msg("server.command re-authenticated")
	// Requests sent on the lost link never reached the client.
	for _, role := range h.svc.dir.Resume(sessionID) {
		if err := h.svc.requestLink(sessionID, role); err != nil {
			h.svc.dir.Withdraw(sessionID, role, nil)
			h.svc.log.Warn().Str("session", sessionID).Str("role", role.String()).Err(err).Msg("server.command resume link failed")
		}
	}
}

func (h *linkHandler) replyBuildLink(l *reactor.Link, pkg *frame.Package, sessionID string) {
	role, err := protocol.RoleForAddress(pkg.Subtype)
	if err != nil {
		h.svc.log.Warn().Str("session", sessionID).Str("sub", pkg.Subtype.String()).Msg("server.command build_link for unknown role")
		return
	}
	if state, err := h.svc.dir.State(sessionID, role); err == nil && state == directory.NotConnected {
		_ = h.svc.dir.SetState(sessionID, role, directory.Connecting)
	}
	reply, err := h.svc.buildLink(role)
	if err != nil {
		return
	}
	reply.CorrelationID = pkg.CorrelationID
	if err := l.Send(reply); err != nil {
		h.svc.log.Warn().Str("session", sessionID).Err(err).Msg("server.command build_link reply failed")
	}
}

func (h *linkHandler) auxiliary(l *reactor.Link, pkg *frame.Package, bound bool, sessionID, token string) {
	log := h.svc.log
	if !bound {
		if pkg.Operation != protocol.OpTokenVerify {
			log.Warn().Uint64("link", l.ID()).Str("role", h.role.String()).Str("op", pkg.Operation.String()).Msg("server.auxiliary rejected: no token")
			h.svc.reactors[h.role].Cancel(l, auth.ErrUnauthorized)
			return
		}
		h.bind(l, pkg.Content())
		return
	}
	switch pkg.Operation {
	case protocol.OpHeartBeat:
	case protocol.OpTokenVerify:
		if err := auth.Verify(token, pkg.Content()); err != nil {
			h.svc.reactors[h.role].Cancel(l, err)
		}
	default:
		pkg.SessionID = sessionID
		h.push(pkg)
	}
}

// bind attaches an auxiliary link to the session owning token, replacing any
// previous link for the role, then drains traffic queued for it.
func (h *linkHandler) bind(l *reactor.Link, token string) {
	sessionID, err := h.svc.dir.BindAuxiliary(h.role, token, l)
	if err != nil {
		h.svc.log.Warn().Uint64("link", l.ID()).Str("role", h.role.String()).Err(err).Msg("server.auxiliary bind failed")
		h.svc.reactors[h.role].Cancel(l, auth.ErrUnauthorized)
		return
	}
	n, err := h.svc.dir.Flush(sessionID, h.role)
	if err != nil && !errors.Is(err, reactor.ErrLinkClosed) {
		h.svc.log.Warn().Str("session", sessionID).Str("role", h.role.String()).Err(err).Msg("server.auxiliary flush failed")
		return
	}
	h.svc.log.Info().Str("session", sessionID).Str("role", h.role.String()).Uint64("link", l.ID()).Int("flushed", n).Msg("server.auxiliary ready")
}

func (h *linkHandler) push(pkg *frame.Package) {
	if err := h.svc.rv.Push(pkg); err != nil {
		h.svc.log.Warn().Str("cid", pkg.CorrelationID).Err(err).Msg("server.push dropped package")
	}
}
