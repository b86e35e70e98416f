// Package apperr defines the domain error kinds that cross component
// boundaries. Errors are never passed around as free-form strings: callers
// match on Kind, and the RPC layer serializes Kind into the error payload.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of domain error.
type Kind string

const (
	Cycle              Kind = "Cycle"
	Cap                Kind = "Cap"
	Conflict           Kind = "Conflict"
	NotFound           Kind = "NotFound"
	Busy               Kind = "Busy"
	SpawnTimeout       Kind = "SpawnTimeout"
	DispatchFailed     Kind = "DispatchFailed"
	StateWriteFailed   Kind = "StateWriteFailed"
	UnsupportedVersion Kind = "UnsupportedVersion"
)

// Error is a domain error with a kind and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is a domain error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
