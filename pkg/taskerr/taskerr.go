// Package taskerr defines the error taxonomy shared by every Taskforge
// component, per the propagation policy: component boundaries preserve the
// error Kind instead of returning a stringly-typed opaque wrapper.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the Scheduler needs to decide between
// retry, fail, and propagate.
type Kind string

const (
	// KindTransientNetwork covers transport and blob-store network errors.
	// Retried on the Backoff Engine; three consecutive failures trigger a
	// reconnect loop.
	KindTransientNetwork Kind = "transient_network"

	// KindAuthFailure is non-retryable within a reconnect loop; consecutive
	// occurrences count against max_auth_failures.
	KindAuthFailure Kind = "auth_failure"

	// KindQuotaExceeded is raised by the WebSocket hub or log buffers on
	// overflow. Never fatal — the caller increments a counter and continues.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindValidation is a rejected request (bad path, oversize archive,
	// illegal schedule). Never partially applied.
	KindValidation Kind = "validation"

	// KindStateConflict means a state-machine transition was rejected; the
	// caller re-reads and retries if applicable.
	KindStateConflict Kind = "state_conflict"

	// KindWorkerUnavailable is raised by the execution resolver.
	KindWorkerUnavailable Kind = "worker_unavailable"

	// KindTimeout is terminal for a Run's dispatch or runtime axis.
	KindTimeout Kind = "timeout"

	// KindInternal is logged with a correlation id; the transport never
	// retries it.
	KindInternal Kind = "internal"
)

// Error is the concrete error type every component constructor returns.
// It is never wrapped in a plain fmt.Errorf at a component boundary.
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

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause as the underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err does
// not carry one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
