package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/reactor"
	"github.com/danmuck/trilink/internal/server"
	"github.com/rs/zerolog"
)

// relay is the application linkd runs on top of the transport: LOGIN names
// the session, messages are forwarded to their receiver's session and
// uploaded files are moved into the file store.
type relay struct {
	svc       *server.Service
	fileStore string
	log       zerolog.Logger
}

func newRelay(svc *server.Service, fileStore string, log zerolog.Logger) *relay {
	return &relay{svc: svc, fileStore: fileStore, log: log.With().Str("component", "relay").Logger()}
}

func (r *relay) Run(ctx context.Context) error {
	if r.fileStore != "" {
		if err := os.MkdirAll(r.fileStore, 0o755); err != nil {
			return err
		}
	}
	for {
		pkg, err := r.svc.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, reactor.ErrRendezvousClosed) {
				return nil
			}
			r.log.Warn().Err(err).Msg("relay.Run receive failed")
			continue
		}
		r.handle(pkg)
	}
}

func (r *relay) handle(pkg *frame.Package) {
	switch pkg.Kind {
	case frame.KindCommand:
		r.command(pkg)
	case frame.KindMessage:
		r.message(pkg)
	case frame.KindFile:
		r.file(pkg)
	}
}

func (r *relay) command(pkg *frame.Package) {
	switch pkg.Operation {
	case protocol.OpLogin:
		id := strings.TrimSpace(pkg.Content())
		if err := validSessionID(id); err != nil {
			r.reply(pkg, frame.NewCommand(protocol.OpError, pkg.Subtype, []byte(err.Error())))
			return
		}
		if _, err := r.svc.Register(pkg.Origin, id, ""); err != nil {
			r.log.Warn().Str("session", id).Err(err).Msg("relay.command login failed")
			r.reply(pkg, frame.NewCommand(protocol.OpError, pkg.Subtype, []byte(err.Error())))
		}
	case protocol.OpLogout:
		if err := r.svc.Kick(pkg.SessionID); err != nil {
			r.log.Warn().Str("session", pkg.SessionID).Err(err).Msg("relay.command logout failed")
		}
	default:
		r.reply(pkg, frame.NewCommand(protocol.OpOK, pkg.Subtype, nil))
	}
}

// message forwards to the receiver with the sender set to the
// authenticated session.
func (r *relay) message(pkg *frame.Package) {
	to := strings.TrimSpace(pkg.Receiver)
	if to == "" {
		r.log.Debug().Str("session", pkg.SessionID).Msg("relay.message without receiver dropped")
		return
	}
	fwd := frame.NewMessage(pkg.Operation, pkg.Subtype, pkg.SessionID, to, pkg.Payload)
	if err := r.svc.Send(to, fwd); err != nil {
		r.log.Info().Str("from", pkg.SessionID).Str("to", to).Err(err).Msg("relay.message undeliverable")
		r.reply(pkg, frame.NewMessage(protocol.OpOfflineMessage, pkg.Subtype, to, pkg.SessionID, nil))
	}
}

func (r *relay) file(pkg *frame.Package) {
	if pkg.File == nil {
		return
	}
	if r.fileStore != "" {
		dst, err := storePath(r.fileStore, pkg.SessionID, pkg.CorrelationID)
		if err == nil {
			err = pkg.Retarget(dst)
		}
		if err != nil {
			r.log.Warn().Str("session", pkg.SessionID).Err(err).Msg("relay.file store failed")
			r.reply(pkg, frame.NewControl(frame.KindFile, protocol.OpError, pkg.Subtype, []byte("store failed")))
			return
		}
	}
	r.log.Info().Str("session", pkg.SessionID).Str("path", pkg.File.Path).Int64("size", pkg.File.Size).Msg("relay.file stored")
	r.reply(pkg, frame.NewControl(frame.KindFile, protocol.OpOK, pkg.Subtype, nil))
}

func (r *relay) reply(req, resp *frame.Package) {
	if err := r.svc.Reply(req, resp); err != nil {
		r.log.Debug().Str("cid", req.CorrelationID).Err(err).Msg("relay.reply failed")
	}
}

var errBadSessionID = errors.New("invalid session id")

// validSessionID accepts ids that are usable as a single file name element.
func validSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", errBadSessionID)
	case id == "." || id == ".." || strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q", errBadSessionID, id)
	}
	return nil
}

// storeName names an upload by its session and a hash of the peer-chosen
// correlation id, so no part of the name comes from the wire unchecked.
func storeName(sessionID, correlationID string) string {
	return fmt.Sprintf("%s-%016x", sessionID, xxhash.Sum64String(correlationID))
}

// storePath joins storeName onto dir and refuses any result outside dir.
func storePath(dir, sessionID, correlationID string) (string, error) {
	if err := validSessionID(sessionID); err != nil {
		return "", err
	}
	root := filepath.Clean(dir)
	dst := filepath.Join(root, storeName(sessionID, correlationID))
	if filepath.Dir(dst) != root {
		return "", fmt.Errorf("relay: store path %q escapes %q", dst, root)
	}
	return dst, nil
}
