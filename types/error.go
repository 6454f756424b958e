package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes. These are produced before any run starts.
const (
	ErrDefinition ErrorCode = "DEFINITION"
	ErrCycle      ErrorCode = "CYCLE"
)

// Execution error codes.
const (
	ErrTemplate    ErrorCode = "TEMPLATE"
	ErrCondition   ErrorCode = "CONDITION"
	ErrExecution   ErrorCode = "EXECUTION"
	ErrTimeout     ErrorCode = "TIMEOUT"
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	ErrCancelled   ErrorCode = "CANCELLED"
)

// Persistence error codes.
const (
	ErrPersistence ErrorCode = "PERSISTENCE"
	ErrCorruption  ErrorCode = "CORRUPTION"
	ErrNotFound    ErrorCode = "NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	StepID    string    `json:"step_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStep tags the error with the step it originated from.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithAttempts records how many attempts were consumed before the error surfaced.
func (e *Error) WithAttempts(attempts int) *Error {
	e.Attempts = attempts
	return e
}

// IsRetryable checks if an error is retryable. Errors that do not carry a
// classification are treated as permanent.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
