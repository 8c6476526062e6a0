// Package sserr defines the error taxonomy shared by the proxy's
// connection-handling packages. Kinds distinguish fatal startup errors
// from per-connection errors that are handled locally and never
// propagate past the Connection that raised them.
package sserr

import "errors"

// Kind classifies an error for logging verbosity and termination
// behavior. It does not replace Go's error wrapping; sentinel errors
// below carry a Kind and wrap an underlying cause where one exists.
type Kind int

const (
	// KindInvalidConfig: unknown cipher, malformed key, unresolvable
	// host. Fatal at startup.
	KindInvalidConfig Kind = iota
	// KindBindFailed / KindListenFailed: fatal at startup.
	KindBindFailed
	KindListenFailed
	// KindProtocolViolation: malformed SOCKS5, unsupported atyp/cmd,
	// length field out of range. Terminates the Connection; logged at
	// verbose level.
	KindProtocolViolation
	// KindInvalidFrame: AEAD tag mismatch, duplicate salt, zero-length
	// record. Terminates the Connection with a single user-visible line.
	KindInvalidFrame
	// KindNeedMore: not an error, a decrypter sentinel.
	KindNeedMore
	// KindIoFatal: ECONNRESET, EPIPE, EHOSTUNREACH and similar.
	// Terminates the Connection; logged once.
	KindIoFatal
	// KindTimeout: terminates the Connection; logged at verbose level.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfig:
		return "invalid_config"
	case KindBindFailed:
		return "bind_failed"
	case KindListenFailed:
		return "listen_failed"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindInvalidFrame:
		return "invalid_frame"
	case KindNeedMore:
		return "need_more"
	case KindIoFatal:
		return "io_fatal"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps a Kind and an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err produces an error carrying only
// the kind's description.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// NeedMore is the shared sentinel for "not enough bytes buffered yet";
// checked with errors.Is since the AEAD decrypter returns it without
// additional context. The sniffer reports its own NotEnough result
// instead.
var NeedMore = New(KindNeedMore, nil)
