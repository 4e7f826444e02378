package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/trilink/internal/protocol"
)

// Header lengths per kind, before the variable correlation id and name bytes.
//
//	command: op(1) sub(1) append(1) time(8) size(4) cid_len(2)
//	message: command header + sender_len(2) receiver_len(2)
//	file:    op(1) sub(1) append(1) time(8) size(8) cid_len(2)
const (
	CommandHeaderLen = 17
	MessageHeaderLen = 21
	FileHeaderLen    = 21
)

var (
	ErrShortHeader     = fmt.Errorf("%w: short header", protocol.ErrFrameIO)
	ErrShortBody       = fmt.Errorf("%w: short body", protocol.ErrFrameIO)
	ErrUnknownKind     = errors.New("frame: unknown package kind")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrFieldTooLarge   = errors.New("frame: variable field too large")
	ErrFileRequired    = errors.New("frame: file package without file body")
	ErrControlFile     = errors.New("frame: control operation cannot carry a file body")
	ErrNotFile         = errors.New("frame: package is not a file")
)

// Header is the decoded fixed part of a package.
type Header struct {
	Operation      protocol.Operation
	Subtype        protocol.Subtype
	Append         protocol.AppendState
	Timestamp      int64
	PayloadLen     uint64
	CorrelationLen uint16
	SenderLen      uint16
	ReceiverLen    uint16
}

// Limits constrains decode/encode memory use.
type Limits struct {
	MaxFieldBytes   uint16
	MaxPayloadBytes uint64
	MaxFileBytes    uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxFieldBytes:   4 * 1024,
		MaxPayloadBytes: 8 * 1024 * 1024,
		MaxFileBytes:    4 * 1024 * 1024 * 1024,
	}
}

// HeaderLen returns the fixed header length for kind.
func HeaderLen(kind Kind) (int, error) {
	switch kind {
	case KindCommand:
		return CommandHeaderLen, nil
	case KindMessage:
		return MessageHeaderLen, nil
	case KindFile:
		return FileHeaderLen, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

func EncodeHeader(kind Kind, h Header) ([]byte, error) {
	n, err := HeaderLen(kind)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	buf[0] = byte(h.Operation)
	buf[1] = byte(h.Subtype)
	buf[2] = byte(h.Append)
	binary.BigEndian.PutUint64(buf[3:11], uint64(h.Timestamp))
	switch kind {
	case KindFile:
		binary.BigEndian.PutUint64(buf[11:19], h.PayloadLen)
		binary.BigEndian.PutUint16(buf[19:21], h.CorrelationLen)
	case KindMessage:
		binary.BigEndian.PutUint32(buf[11:15], uint32(h.PayloadLen))
		binary.BigEndian.PutUint16(buf[15:17], h.CorrelationLen)
		binary.BigEndian.PutUint16(buf[17:19], h.SenderLen)
		binary.BigEndian.PutUint16(buf[19:21], h.ReceiverLen)
	default:
		binary.BigEndian.PutUint32(buf[11:15], uint32(h.PayloadLen))
		binary.BigEndian.PutUint16(buf[15:17], h.CorrelationLen)
	}
	return buf, nil
}

func DecodeHeader(kind Kind, b []byte) (Header, error) {
	n, err := HeaderLen(kind)
	if err != nil {
		return Header{}, err
	}
	if len(b) != n {
		return Header{}, fmt.Errorf("frame: invalid %s header length: %d", kind, len(b))
	}
	h := Header{
		Operation: protocol.Operation(b[0]),
		Subtype:   protocol.Subtype(b[1]),
		Append:    protocol.AppendState(b[2]),
		Timestamp: int64(binary.BigEndian.Uint64(b[3:11])),
	}
	switch kind {
	case KindFile:
		h.PayloadLen = binary.BigEndian.Uint64(b[11:19])
		h.CorrelationLen = binary.BigEndian.Uint16(b[19:21])
	case KindMessage:
		h.PayloadLen = uint64(binary.BigEndian.Uint32(b[11:15]))
		h.CorrelationLen = binary.BigEndian.Uint16(b[15:17])
		h.SenderLen = binary.BigEndian.Uint16(b[17:19])
		h.ReceiverLen = binary.BigEndian.Uint16(b[19:21])
	default:
		h.PayloadLen = uint64(binary.BigEndian.Uint32(b[11:15]))
		h.CorrelationLen = binary.BigEndian.Uint16(b[15:17])
	}
	return h, nil
}

// ReadPackage decodes one package of kind from r. A stream that ends before
// the first header byte returns io.EOF; any later shortfall wraps ErrFrameIO.
// File payloads are streamed into a file created by spool.
func ReadPackage(r io.Reader, kind Kind, limits Limits, spool Spool) (*Package, error) {
	n, err := HeaderLen(kind)
	if err != nil {
		return nil, err
	}
	fixed := make([]byte, n)
	if _, err := io.ReadFull(r, fixed); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, fmt.Errorf("%w: read header: %w", protocol.ErrFrameIO, err)
	}
	h, err := DecodeHeader(kind, fixed)
	if err != nil {
		return nil, err
	}
	if h.CorrelationLen > limits.MaxFieldBytes || h.SenderLen > limits.MaxFieldBytes || h.ReceiverLen > limits.MaxFieldBytes {
		return nil, ErrFieldTooLarge
	}

	vars := make([]byte, int(h.SenderLen)+int(h.ReceiverLen)+int(h.CorrelationLen))
	if len(vars) > 0 {
		if _, err := io.ReadFull(r, vars); err != nil {
			return nil, shortBody(err)
		}
	}
	p := &Package{
		Kind:      kind,
		Operation: h.Operation,
		Subtype:   h.Subtype,
		Append:    h.Append,
		Timestamp: h.Timestamp,
	}
	off := 0
	if kind == KindMessage {
		p.Sender = string(vars[:h.SenderLen])
		off += int(h.SenderLen)
		p.Receiver = string(vars[off : off+int(h.ReceiverLen)])
		off += int(h.ReceiverLen)
	}
	p.CorrelationID = string(vars[off : off+int(h.CorrelationLen)])

	if kind == KindFile && !h.Operation.Control() {
		if limits.MaxFileBytes > 0 && h.PayloadLen > limits.MaxFileBytes {
			return nil, ErrPayloadTooLarge
		}
		body, err := spool.Receive(r, int64(h.PayloadLen))
		if err != nil {
			return nil, err
		}
		p.File = body
		return p, nil
	}

	if h.PayloadLen > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	if h.PayloadLen > 0 {
		p.Payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			return nil, shortBody(err)
		}
	}
	return p, nil
}

// WritePackage encodes p to w. File payloads are copied from disk so the
// runtime can splice them when w is a TCP connection.
func WritePackage(w io.Writer, p *Package, limits Limits) error {
	h, vars, err := p.header(limits)
	if err != nil {
		return err
	}
	fixed, err := EncodeHeader(p.Kind, h)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(fixed, vars...)); err != nil {
		return fmt.Errorf("%w: write header: %w", protocol.ErrFrameIO, err)
	}

	if p.Kind == KindFile && p.File != nil {
		if p.File.Size == 0 {
			return nil
		}
		f, err := os.Open(p.File.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.CopyN(w, f, p.File.Size); err != nil {
			return fmt.Errorf("%w: write file: %w", protocol.ErrFrameIO, err)
		}
		return nil
	}
	if len(p.Payload) > 0 {
		if _, err := w.Write(p.Payload); err != nil {
			return fmt.Errorf("%w: write payload: %w", protocol.ErrFrameIO, err)
		}
	}
	return nil
}

func (p *Package) header(limits Limits) (Header, []byte, error) {
	if _, err := HeaderLen(p.Kind); err != nil {
		return Header{}, nil, err
	}
	if len(p.CorrelationID) > int(limits.MaxFieldBytes) {
		return Header{}, nil, ErrFieldTooLarge
	}
	h := Header{
		Operation:      p.Operation,
		Subtype:        p.Subtype,
		Append:         p.Append,
		Timestamp:      p.Timestamp,
		CorrelationLen: uint16(len(p.CorrelationID)),
	}
	vars := make([]byte, 0, len(p.Sender)+len(p.Receiver)+len(p.CorrelationID))
	switch p.Kind {
	case KindFile:
		if p.File == nil {
			if !p.Operation.Control() {
				return Header{}, nil, ErrFileRequired
			}
			if uint64(len(p.Payload)) > limits.MaxPayloadBytes {
				return Header{}, nil, ErrPayloadTooLarge
			}
			h.PayloadLen = uint64(len(p.Payload))
			break
		}
		if p.Operation.Control() {
			return Header{}, nil, ErrControlFile
		}
		if limits.MaxFileBytes > 0 && uint64(p.File.Size) > limits.MaxFileBytes {
			return Header{}, nil, ErrPayloadTooLarge
		}
		h.PayloadLen = uint64(p.File.Size)
	case KindMessage:
		if len(p.Sender) > int(limits.MaxFieldBytes) || len(p.Receiver) > int(limits.MaxFieldBytes) {
			return Header{}, nil, ErrFieldTooLarge
		}
		h.SenderLen = uint16(len(p.Sender))
		h.ReceiverLen = uint16(len(p.Receiver))
		vars = append(vars, p.Sender...)
		vars = append(vars, p.Receiver...)
		fallthrough
	default:
		if uint64(len(p.Payload)) > limits.MaxPayloadBytes {
			return Header{}, nil, ErrPayloadTooLarge
		}
		h.PayloadLen = uint64(len(p.Payload))
	}
	vars = append(vars, p.CorrelationID...)
	return h, vars, nil
}

func shortBody(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortBody
	}
	return fmt.Errorf("%w: %w", protocol.ErrFrameIO, err)
}
