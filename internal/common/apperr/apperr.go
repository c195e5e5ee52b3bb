// Package apperr defines the host's error taxonomy. Every error that
// reaches a client response or a task boundary is classified into one of
// five kinds; the kind decides how the error is reported and logged.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	// Validation marks a malformed client message; returned in the
	// matching response, never disconnects.
	Validation Kind = "validation"
	// NotFound marks a reference to an unknown agent, terminal,
	// subscription, or permission request.
	NotFound Kind = "not_found"
	// Busy marks an operation that conflicts with current agent state.
	Busy Kind = "busy"
	// ProviderFailure marks subprocess exits and provider protocol
	// errors; recorded on the timeline as turn_failed.
	ProviderFailure Kind = "provider_failure"
	// HostFatal marks persistence or bind failures the host cannot
	// recover from; the process exits non-zero.
	HostFatal Kind = "host_fatal"
)

// Error carries a kind, a client-visible message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return New(Validation, format, args...)
}

// NotFoundf builds a not_found error.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, format, args...)
}

// Busyf builds a busy error.
func Busyf(format string, args ...any) *Error {
	return New(Busy, format, args...)
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report as ProviderFailure when they cross a provider boundary and as
// Validation nowhere; callers that need a default pass it explicitly via
// KindOrDefault.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// KindOrDefault extracts the kind, falling back to def for unclassified
// errors.
func KindOrDefault(err error, def Kind) Kind {
	if k, ok := KindOf(err); ok {
		return k
	}
	return def
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
