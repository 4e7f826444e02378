package frame

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/trilink/internal/protocol"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// Kind selects the package variant and, with it, the header layout.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindMessage
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindMessage:
		return "message"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindFor returns the package kind carried by role.
func KindFor(role protocol.Role) (Kind, error) {
	switch role {
	case protocol.RoleCommand:
		return KindCommand, nil
	case protocol.RoleMessage:
		return KindMessage, nil
	case protocol.RoleFile:
		return KindFile, nil
	default:
		return 0, fmt.Errorf("%w: %d", protocol.ErrUnknownRole, role)
	}
}

// Role returns the link role that carries packages of this kind.
func (k Kind) Role() (protocol.Role, error) {
	switch k {
	case KindCommand:
		return protocol.RoleCommand, nil
	case KindMessage:
		return protocol.RoleMessage, nil
	case KindFile:
		return protocol.RoleFile, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
}

var (
	ErrMergeMismatch = errors.New("frame: halves do not share a correlation id")
	ErrMergeHalves   = errors.New("frame: merge needs one primary and one attached half")
)

// FileBody is a file payload streamed rather than buffered.
type FileBody struct {
	Path string
	Size int64
}

// Package is one unit of traffic. Kind selects which of the variant fields
// are meaningful: Sender/Receiver for messages, File for files, Payload for
// commands and messages.
type Package struct {
	Kind          Kind
	Operation     protocol.Operation
	Subtype       protocol.Subtype
	Append        protocol.AppendState
	Timestamp     int64
	CorrelationID string

	Payload  []byte
	Sender   string
	Receiver string
	File     *FileBody

	// Attached is the partner half once a split pair has been rejoined.
	Attached *Package
	// Origin is the id of the link the package arrived on.
	Origin uint64
	// SessionID is the session the origin link is bound to, if any.
	SessionID string
}

func NewCommand(op protocol.Operation, sub protocol.Subtype, payload []byte) *Package {
	return &Package{
		Kind:      KindCommand,
		Operation: op,
		Subtype:   sub,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

func NewMessage(op protocol.Operation, sub protocol.Subtype, sender, receiver string, payload []byte) *Package {
	return &Package{
		Kind:      KindMessage,
		Operation: op,
		Subtype:   sub,
		Timestamp: time.Now().UnixMilli(),
		Sender:    sender,
		Receiver:  receiver,
		Payload:   payload,
	}
}

// NewFile builds a file package from an existing file on disk.
func NewFile(op protocol.Operation, sub protocol.Subtype, path string) (*Package, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("frame: %s is a directory", path)
	}
	return &Package{
		Kind:      KindFile,
		Operation: op,
		Subtype:   sub,
		Timestamp: time.Now().UnixMilli(),
		File:      &FileBody{Path: path, Size: info.Size()},
	}, nil
}

// NewControl builds a control package of kind carrying payload in memory.
// It is how links of every role exchange token, heartbeat and close notices.
func NewControl(kind Kind, op protocol.Operation, sub protocol.Subtype, payload []byte) *Package {
	return &Package{
		Kind:      kind,
		Operation: op,
		Subtype:   sub,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// EnsureCorrelationID assigns an id when none is set and returns the id.
func (p *Package) EnsureCorrelationID() string {
	if p.CorrelationID == "" {
		p.CorrelationID = NewCorrelationID()
	}
	return p.CorrelationID
}

// Attach marks p as the primary half of a pair and other as its attached
// half, sharing one correlation id.
func (p *Package) Attach(other *Package) {
	id := p.EnsureCorrelationID()
	p.Append = protocol.AppendPrimary
	other.CorrelationID = id
	other.Append = protocol.AppendAttached
	p.Attached = other
}

// PayloadSize is the byte length the header declares.
func (p *Package) PayloadSize() uint64 {
	if p.Kind == KindFile && p.File != nil {
		return uint64(p.File.Size)
	}
	return uint64(len(p.Payload))
}

// Content returns the payload as a string.
func (p *Package) Content() string {
	return string(p.Payload)
}

// Retarget moves a received file payload to dst, replacing anything there.
func (p *Package) Retarget(dst string) error {
	if p.Kind != KindFile || p.File == nil {
		return ErrNotFile
	}
	if p.File.Path == dst {
		return nil
	}
	if err := atomic.ReplaceFile(p.File.Path, dst); err != nil {
		return fmt.Errorf("frame: retarget %s: %w", p.File.Path, err)
	}
	p.File.Path = dst
	return nil
}

func (p *Package) String() string {
	s := fmt.Sprintf("%s op=%s sub=%s append=%s cid=%q size=%d",
		p.Kind, p.Operation, p.Subtype, p.Append, p.CorrelationID, p.PayloadSize())
	if p.Kind == KindMessage {
		s += fmt.Sprintf(" sender=%q receiver=%q", p.Sender, p.Receiver)
	}
	if p.Attached != nil {
		s += " attached=" + p.Attached.Kind.String()
	}
	return s
}

// Merge rejoins two halves of a split pair. The result is the primary half
// carrying the attached half, independent of argument order.
func Merge(a, b *Package) (*Package, error) {
	if a.CorrelationID == "" || a.CorrelationID != b.CorrelationID {
		return nil, ErrMergeMismatch
	}
	primary, attached := a, b
	if a.Append == protocol.AppendAttached {
		primary, attached = b, a
	}
	if primary.Append != protocol.AppendPrimary || attached.Append != protocol.AppendAttached {
		return nil, ErrMergeHalves
	}
	merged := *primary
	merged.Attached = attached
	return &merged, nil
}
