// Package domainerrors provides coded errors for the engine's error taxonomy.
//
// Services return these so transport layers can translate them into HTTP
// status codes and structured reasons without string matching. Stores return
// sentinel errors (pkg/platform/sentinel) and services wrap them here.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure.
type Code string

const (
	// CodeValidation marks malformed or incomplete input, rejected before any
	// state change.
	CodeValidation Code = "validation_error"

	// CodeInvalidTransition marks a state machine rule violation. The current
	// state is unchanged and a retry with a correct target is safe.
	CodeInvalidTransition Code = "invalid_transition"

	// CodeConflict marks a concurrent transition that lost a race. The caller
	// should re-fetch and retry.
	CodeConflict Code = "conflict"

	// CodeNotFound marks an unknown identifier.
	CodeNotFound Code = "not_found"

	// CodeTimeout marks an unreachable external oracle. The operation degrades
	// gracefully and never blocks ingestion.
	CodeTimeout Code = "upstream_timeout"

	// CodeStorage marks an append or read failure in a backing store. Fatal
	// for the single operation, retryable by the caller.
	CodeStorage Code = "storage_error"

	// CodeInvariantViolation marks a domain invariant breach detected by an
	// aggregate. Services usually translate these into CodeConflict or
	// CodeInvalidTransition at the boundary.
	CodeInvariantViolation Code = "invariant_violation"

	// CodeUnauthorized marks a request without a verified actor identity.
	CodeUnauthorized Code = "unauthorized"

	// CodeBadRequest marks a request the transport layer could not interpret.
	CodeBadRequest Code = "bad_request"

	// CodeInternal marks an unexpected failure. Details are logged, not
	// returned to callers.
	CodeInternal Code = "internal_error"
)

// Error is a coded domain error with an operator-readable reason.
type Error struct {
	Code    Code
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a coded error with a human-readable reason identifying the
// violated rule.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted reason.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and reason to an underlying error, preserving the
// chain for errors.Is / errors.As.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, wrapped: err}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.wrapped
		if err == nil {
			return false
		}
	}
	return false
}

// Is is an alias for HasCode kept for call-site readability.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf returns the code of the outermost coded error, or CodeInternal when
// err carries no code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Reason returns the operator-readable message of the outermost coded error,
// or an empty string when err carries no code.
func Reason(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}
