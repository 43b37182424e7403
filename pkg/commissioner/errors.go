package commissioner

import (
	"errors"
	"fmt"

	"github.com/backkem/thread-commissioner/pkg/coap"
)

// Kind classifies a commissioner error.
type Kind int

// Error kinds.
const (
	KindInvalidArgs Kind = iota + 1
	KindInvalidState
	KindNotFound
	KindAlreadyExists
	KindSecurity
	KindTimeout
	KindRejected
	KindCancelled
	KindIoError
	KindInternal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgs:
		return "invalid args"
	case KindInvalidState:
		return "invalid state"
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindSecurity:
		return "security"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindCancelled:
		return "cancelled"
	case KindIoError:
		return "io error"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the structured error every public commissioner operation
// returns: a kind for dispatch plus a human-readable detail.
type Error struct {
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("commissioner: %s: %s", e.Kind, e.Message)
}

// Is matches errors of the same kind, so callers can test with
// errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// newError builds an Error with a formatted message.
func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of an error, or 0 for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// fromCoapError maps transport-level failures onto commissioner kinds.
func fromCoapError(err error) *Error {
	switch {
	case errors.Is(err, coap.ErrTimeout):
		return newError(KindTimeout, "no response from the peer")
	case errors.Is(err, coap.ErrCancelled):
		return newError(KindCancelled, "request was aborted")
	case errors.Is(err, coap.ErrReset), errors.Is(err, coap.ErrConnClosed):
		return newError(KindIoError, "connection lost: %v", err)
	default:
		return newError(KindIoError, "%v", err)
	}
}
