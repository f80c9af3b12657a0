package signaling

import (
	"errors"
	"fmt"
)

// ErrorKind classifies signaling failures so callers can decide between
// retrying, regenerating an identity, or giving up.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindIdentityTaken means another live session already holds the exact
	// identity we tried to register. Never retried with the same identity.
	KindIdentityTaken
	// KindNetworkUnavailable means the local network is down or the dial
	// failed before reaching the server.
	KindNetworkUnavailable
	// KindServerUnreachable means the signaling server refused or dropped us.
	KindServerUnreachable
	// KindPermissionDenied means a capture device or display grant was refused.
	KindPermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case KindIdentityTaken:
		return "identity_taken"
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindServerUnreachable:
		return "server_unreachable"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// Error is the typed error surfaced by the signaling layer.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signaling %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("signaling %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a signaling error with a formatted cause.
func Errorf(op string, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or KindUnknown when err is not a
// signaling error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Retryable reports whether the failure class is transient connectivity,
// as opposed to a conflict or a permission refusal.
func Retryable(kind ErrorKind) bool {
	return kind == KindNetworkUnavailable || kind == KindServerUnreachable || kind == KindUnknown
}
