package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies hub errors so callers (and the HTTP layer) can tell
// "your fault" from "the system's fault" without string matching.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindAuth               ErrorKind = "auth"
	KindNotFound           ErrorKind = "not_found"
	KindNoCapableComponent ErrorKind = "no_capable_component"
	KindUpstream           ErrorKind = "upstream"
	KindTimeout            ErrorKind = "timeout"
	KindInternal           ErrorKind = "internal"
)

// Error is the hub's typed error. ComponentID is set when the error
// originates from (or concerns) a specific component.
type Error struct {
	Kind        ErrorKind
	Message     string
	ComponentID string
	cause       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ComponentID != "" {
		msg += fmt.Sprintf(" (component %s)", e.ComponentID)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// E constructs a typed error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithComponent annotates the error with the originating component ID.
func (e *Error) WithComponent(id string) *Error {
	e.ComponentID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// KindOf returns the ErrorKind of err, or KindInternal when err carries no
// hub classification.
func KindOf(err error) ErrorKind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
