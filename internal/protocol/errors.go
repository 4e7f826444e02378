package protocol

import "errors"

var (
	// ErrSessionUnrecoverable reports that the command link was lost and every re-dial failed.
	ErrSessionUnrecoverable = errors.New("protocol: session unrecoverable")
	// ErrServerClosedSession reports that the peer deliberately closed the command link.
	ErrServerClosedSession = errors.New("protocol: server closed session")
	// ErrTokenMissing reports an auxiliary send attempted before a token was issued.
	ErrTokenMissing = errors.New("protocol: token missing")
	// ErrFrameIO reports a read or write failure in the middle of a frame.
	ErrFrameIO = errors.New("protocol: frame i/o")
	// ErrAdmissionRejected reports a connection refused by the token bucket or link ceiling.
	ErrAdmissionRejected = errors.New("protocol: admission rejected")

	ErrUnknownRole = errors.New("protocol: unknown role")
)
