// Package errkind defines the error taxonomy surfaced to tool callers.
// Every error that crosses the dispatcher boundary carries one of these
// kinds; anything unclassified is reported as INTERNAL.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a stable, wire-visible error discriminator.
type Kind string

const (
	ParentRequired    Kind = "PARENT_REQUIRED"
	InvalidInstanceID Kind = "INVALID_INSTANCE_ID"
	Deprecated        Kind = "DEPRECATED"
	EmptyTeamID       Kind = "EMPTY_TEAM_ID"
	NoMembers         Kind = "NO_MEMBERS"
	SessionGone       Kind = "SESSION_GONE"
	Timeout           Kind = "TIMEOUT"
	QueueOverflow     Kind = "QUEUE_OVERFLOW"
	IO                Kind = "IO"
	Internal          Kind = "INTERNAL"
)

// Error is a classified error. It wraps an optional cause so callers can
// still unwrap with errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the kind from err, or Internal if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf extracts the human message from err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
