package memory

import (
	"errors"
	"fmt"
)

// ErrorKind closes the error taxonomy a memory operation can surface.
type ErrorKind string

const (
	// KindValidation covers illegal identifiers, illegal metadata keys, and
	// attempts to change a memory's ID through an update. Never retryable.
	KindValidation ErrorKind = "validation"

	// KindNotFound covers Get/Update on a missing ID. Never retryable.
	KindNotFound ErrorKind = "not_found"

	// KindProcessing covers driver failures, serialization failures, and
	// other unexpected runtime conditions. Retryability is caller-decided.
	KindProcessing ErrorKind = "processing"

	// KindAPI covers LLM call failures during consolidation. In non-strict
	// consolidation mode these are swallowed with originals preserved.
	KindAPI ErrorKind = "api"
)

// Sentinel errors for errors.Is comparisons against the Kind-less baseline.
var (
	ErrNotFound      = errors.New("memory: not found")
	ErrValidation    = errors.New("memory: validation failed")
	ErrInvalidConfig = errors.New("memory: invalid configuration")
)

// Error is the structured error type every public memory operation returns.
// It names the failing operation and, where meaningful, the offending field
// and an underlying cause, closed over the four-kind taxonomy above.
type Error struct {
	Kind    ErrorKind
	Op      string
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("memory: %s: %s (%s)%s", e.Op, e.Message, e.Field, causeSuffix(e.Cause))
	}
	return fmt.Sprintf("memory: %s: %s%s", e.Op, e.Message, causeSuffix(e.Cause))
}

func causeSuffix(cause error) string {
	if cause == nil {
		return ""
	}
	return ": " + cause.Error()
}

// Unwrap exposes the underlying cause for errors.Is/errors.As, and also
// matches against the Kind-specific sentinel so callers can write
// errors.Is(err, memory.ErrNotFound) without caring about the wrapping.
func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	switch e.Kind {
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidation
	default:
		return nil
	}
}

// Validation builds a KindValidation Error.
func Validation(op, field, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Message: message}
}

// NotFound builds a KindNotFound Error.
func NotFound(op, what string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: "not found: " + what}
}

// Processing builds a KindProcessing Error wrapping cause.
func Processing(op, message string, cause error) *Error {
	return &Error{Kind: KindProcessing, Op: op, Message: message, Cause: cause}
}

// API builds a KindAPI Error wrapping cause, for LLM failures.
func API(provider, message string, cause error) *Error {
	return &Error{Kind: KindAPI, Op: provider, Message: message, Cause: cause}
}
