// Package apperr defines the error taxonomy shared across the ingestion
// path and the dispatch consumer (spec §7): a small, closed set of kinds
// that determine how an error is surfaced — as an HTTP status, as a log
// line with an ack, or as a failure that must prevent ack so the work
// queue redelivers the task.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in spec §7.
type Kind int

const (
	// InvalidArgument is client-induced; maps to HTTP 400.
	InvalidArgument Kind = iota
	// EntityNotFound is a client lookup miss; maps to HTTP 404.
	EntityNotFound
	// Persistence is a transient store failure; maps to HTTP 500 and, in
	// the consumer, must prevent ack so the task is redelivered.
	Persistence
	// Poison marks a consumer task referring to a missing entity: logged
	// and acked (dropped), never surfaced to a client.
	Poison
	// Fatal marks an invariant violation (clock skew, attempt-count
	// overflow): the handler aborts without acking so the work queue
	// redelivers; persistent recurrence signals a bug rather than a
	// transient condition.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case EntityNotFound:
		return "entity_not_found"
	case Persistence:
		return "persistence_error"
	case Poison:
		return "poison_task"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind, a human-readable
// message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Invalidf builds an InvalidArgument error with a formatted message.
func Invalidf(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

// NotFoundf builds an EntityNotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return New(EntityNotFound, fmt.Sprintf(format, args...))
}

// Persistf wraps cause as a Persistence error with a formatted message.
func Persistf(cause error, format string, args ...any) *Error {
	return Wrap(Persistence, fmt.Sprintf(format, args...), cause)
}

// Poisonf builds a Poison error with a formatted message.
func Poisonf(format string, args ...any) *Error {
	return New(Poison, fmt.Sprintf(format, args...))
}

// Fatalf builds a Fatal error with a formatted message.
func Fatalf(format string, args ...any) *Error {
	return New(Fatal, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to Persistence for unrecognized errors since those are the ones that must
// not be silently swallowed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Persistence
}
