package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfig                 = "CONFIG_ERROR"
	ErrCodeUnknownWorkflowType    = "UNKNOWN_WORKFLOW_TYPE"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeAlreadyTerminal        = "ALREADY_TERMINAL"
	ErrCodeValidationFailed       = "VALIDATION_FAILED"
	ErrCodeProcessor              = "PROCESSOR_ERROR"
	ErrCodeTimeout                = "TIMEOUT_ERROR"
	ErrCodeFallbackExhausted      = "FALLBACK_EXHAUSTED"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeVersionConflict        = "VERSION_CONFLICT"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeCircuitOpen            = "CIRCUIT_OPEN"
	ErrCodeInvalidInput           = "INVALID_INPUT"
	ErrCodeStore                  = "STORE_ERROR"
)

// EngineError is the structured error type returned by every stepwise operation.
type EngineError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Step        string         `json:"step,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Cause       error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *EngineError) WithStep(step string) *EngineError {
	e.Step = step
	return e
}

// WithExecution attaches an execution ID to the error.
func (e *EngineError) WithExecution(id string) *EngineError {
	e.ExecutionID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first EngineError in err's chain, or "" if none.
func CodeOf(err error) string {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
