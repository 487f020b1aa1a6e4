// Package callerr defines the closed error taxonomy that call-engine components
// surface to their callers. HTTP handlers switch on Kind to pick a status code;
// background paths log the Kind and, where relevant, translate it into a
// sanitized event field instead of leaking raw error text.
package callerr

import "fmt"

// Kind enumerates the taxonomy surfaces described by the ingest/completion contract.
type Kind string

const (
	// InvalidInput marks a caller-supplied value that failed validation.
	InvalidInput Kind = "invalid_input"
	// Duplicate marks an insert that was rejected by the store's uniqueness constraint.
	Duplicate Kind = "duplicate"
	// InvalidTransition marks an attempted state transition outside the allowed graph.
	InvalidTransition Kind = "invalid_transition"
	// AIUnavailable marks terminal exhaustion of the AI retry policy.
	AIUnavailable Kind = "ai_unavailable"
	// StoreError marks any store-level failure other than duplicate.
	StoreError Kind = "store_error"
	// SubscriberError marks a failure delivering to an event bus subscriber.
	SubscriberError Kind = "subscriber_error"
)

// Error carries a Kind plus a human-readable message and an optional cause.
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

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
