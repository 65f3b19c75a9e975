// Package errs defines the failure taxonomy shared by the kiosk components.
//
// Every failure is absorbed at the component boundary and only logged; the
// kinds exist so logs and tests can tell the categories apart.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the zero Kind.
	Unknown Kind = iota
	// InvalidInput is a malformed reading or event. Dropped, non-fatal.
	InvalidInput
	// ResourceUnavailable is a missing or denied browser/host resource
	// (fullscreen, wake-lock). The kiosk continues without it.
	ResourceUnavailable
	// PlaybackRejected is a refused media start (autoplay policy).
	PlaybackRejected
	// PersistenceFailure is a failed analytics write. The record is discarded.
	PersistenceFailure
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case ResourceUnavailable:
		return "resource_unavailable"
	case PlaybackRejected:
		return "playback_rejected"
	case PersistenceFailure:
		return "persistence_failure"
	default:
		return "unknown"
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name. A nil err still produces
// an error so callers can report kind-only failures.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
