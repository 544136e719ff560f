package types

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Code classifies an error for callers and for audit rows.
type Code string

const (
	CodeValidation            Code = "ValidationError"
	CodePermissionDenied      Code = "PermissionDenied"
	CodeCapabilityUnavailable Code = "CapabilityUnavailable"
	CodePathEscape            Code = "PathEscape"
	CodeNotFound              Code = "NotFound"
	CodeConflict              Code = "Conflict"
	CodeStorage               Code = "StorageError"
	CodeLockContention        Code = "LockContention"
	CodeProviderUnavailable   Code = "ProviderUnavailable"
	CodeSchema                Code = "SchemaError"
	CodeInvalidIdentifier     Code = "InvalidIdentifier"
	CodeInvalidTransition     Code = "InvalidStateTransition"
	CodeCancelled             Code = "Cancelled"
	CodeInternal              Code = "Internal"
)

// Error is the structured error surfaced to callers. Stack traces and raw
// SQL never cross this boundary; Details carries sanitized diagnostics.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// E builds a taxonomy error.
func E(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a taxonomy error around an underlying cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches a diagnostic key to the error and returns it.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the taxonomy code from an error chain.
// Unclassified errors report CodeInternal; context cancellation reports CodeCancelled.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
