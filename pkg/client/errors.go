package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a terminal client failure.
type ErrorKind int

const (
	// KindResourceExhausted indicates the client could not allocate a
	// request or a namespace entry (for example, a full inode table).
	KindResourceExhausted ErrorKind = iota + 1

	// KindTimeout indicates the mount attempt budget ran out before all
	// cluster maps arrived, or an RPC timed out.
	KindTimeout

	// KindInterrupted indicates the caller cancelled the wait.
	// Never retried automatically.
	KindInterrupted

	// KindInvalidReply indicates a reply that reports success but carries
	// no usable payload, such as an empty trace.
	KindInvalidReply

	// KindRemoteRejected indicates a reply with a non-zero result code.
	// The code is carried unchanged in Error.Code.
	KindRemoteRejected

	// KindUnavailable indicates the request could not reach a server:
	// no map yet, no active server, or the transport refused the message.
	KindUnavailable

	// KindUnknownMessageType is logged by the dispatcher and never returned.
	KindUnknownMessageType

	// KindInvariantViolation marks a broken internal contract. It is raised
	// with panic, never returned.
	KindInvariantViolation
)

func (k ErrorKind) String() string {
	switch k {
	case KindResourceExhausted:
		return "resource exhausted"
	case KindTimeout:
		return "timeout"
	case KindInterrupted:
		return "interrupted"
	case KindInvalidReply:
		return "invalid reply"
	case KindRemoteRejected:
		return "remote rejected"
	case KindUnavailable:
		return "unavailable"
	case KindUnknownMessageType:
		return "unknown message type"
	case KindInvariantViolation:
		return "invariant violation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single terminal error returned by Mount and NewClient.
type Error struct {
	// Kind is the failure category.
	Kind ErrorKind

	// Op names the step that failed ("mount", "open root", ...).
	Op string

	// Code is the remote result code for KindRemoteRejected, else 0.
	Code int32

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Kind == KindRemoteRejected {
		msg = fmt.Sprintf("%s (result %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below, so errors.Is(err, ErrTimeout) holds
// for any timeout regardless of Op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrInterrupted       = &Error{Kind: KindInterrupted}
	ErrInvalidReply      = &Error{Kind: KindInvalidReply}
	ErrRemoteRejected    = &Error{Kind: KindRemoteRejected}
	ErrUnavailable       = &Error{Kind: KindUnavailable}

	ErrNoMonitors = errors.New("no monitors configured")
	ErrDestroyed  = errors.New("client destroyed")
)

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// RemoteCode returns the remote result code carried by err, if any.
func RemoteCode(err error) (int32, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRemoteRejected {
		return e.Code, true
	}
	return 0, false
}

func invariant(format string, args ...any) {
	panic(fmt.Errorf("BUG: "+format, args...))
}
