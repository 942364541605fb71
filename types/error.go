package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the scheduler.
type ErrorCode string

const (
	// ErrConflict is an optimistic-lock loss; refresh and resubmit.
	ErrConflict ErrorCode = "CONFLICT"
	// ErrRunExists means the conversation already has a queued or
	// running run; the mutual-exclusion invariant held.
	ErrRunExists ErrorCode = "RUN_EXISTS"
	// ErrNotTail rejects mutation of a non-tail message.
	ErrNotTail ErrorCode = "NOT_TAIL"
	// ErrForkPoint rejects deleting a message a branch forks from.
	ErrForkPoint ErrorCode = "FORK_POINT"
	// ErrNotFound is a missing conversation/message/run/participant.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrGeneration is a provider failure during execution.
	ErrGeneration ErrorCode = "GENERATION"
	// ErrCanceled reports cooperative cancellation was observed.
	ErrCanceled ErrorCode = "CANCELED"
	// ErrRetriesExhausted is a concurrency-conflict retry loop giving up.
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	// ErrInvalidRequest is a malformed or out-of-policy request.
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	// ErrStore wraps an unclassified storage failure.
	ErrStore ErrorCode = "STORE"
)

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// CodeOf extracts the ErrorCode from err, or ErrStore if untyped.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrStore
}

// IsConflict reports whether err is an optimistic-lock conflict. Callers
// should refresh their view and resubmit rather than fail hard.
func IsConflict(err error) bool { return CodeOf(err) == ErrConflict }

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrNotFound }
