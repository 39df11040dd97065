package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidArgument         = "INVALID_ARGUMENT"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeSkipExecution           = "SKIP_EXECUTION"
	ErrCodeSkipStepAlreadyFinished = "SKIP_STEP_ALREADY_FINISHED"
	ErrCodeSkipCancelledExecution  = "SKIP_CANCELLED_EXECUTION"
	ErrCodeStore                   = "STORE_ERROR"
)

// Error is the structured error type returned by the orchestration storage.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NewSkipExecutionError signals that another execution already advanced the
// transaction past this one.
func NewSkipExecutionError(message string) *Error {
	return NewError(ErrCodeSkipExecution, message)
}

// NewSkipStepAlreadyFinishedError signals that a newer attempt of the same
// step has already been recorded.
func NewSkipStepAlreadyFinishedError(message string) *Error {
	return NewError(ErrCodeSkipStepAlreadyFinished, message)
}

// NewSkipCancelledExecutionError signals that the transaction was cancelled
// while this execution was running.
func NewSkipCancelledExecutionError(message string) *Error {
	return NewError(ErrCodeSkipCancelledExecution, message)
}

// HasCode reports whether err (or anything it wraps) is an *Error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsSkipError reports whether err tells the caller to stop the current
// execution attempt without persisting anything.
func IsSkipError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrCodeSkipExecution, ErrCodeSkipStepAlreadyFinished, ErrCodeSkipCancelledExecution:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsInvalidArgument reports whether err carries the INVALID_ARGUMENT code.
func IsInvalidArgument(err error) bool {
	return HasCode(err, ErrCodeInvalidArgument)
}
