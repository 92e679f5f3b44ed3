package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition and run lifecycle error codes
const (
	ErrDefinitionInvalid    ErrorCode = "DEFINITION_INVALID"
	ErrRunConflict          ErrorCode = "RUN_CONFLICT"
	ErrCapabilityUnresolved ErrorCode = "CAPABILITY_UNRESOLVED"
	ErrStepExecution        ErrorCode = "STEP_EXECUTION"
	ErrNotResumable         ErrorCode = "NOT_RESUMABLE"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrRunCancelled         ErrorCode = "RUN_CANCELLED"
)

// Transport and infrastructure error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrStoreError     ErrorCode = "STORE_ERROR"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	RunID      string    `json:"run_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	Cause      error     `json:"-"`
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

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRunID attaches the run the error relates to.
func (e *Error) WithRunID(runID string) *Error {
	e.RunID = runID
	return e
}

// WithStepID attaches the step the error relates to.
func (e *Error) WithStepID(stepID string) *Error {
	e.StepID = stepID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
// Returns an empty code when err is not a *Error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
