package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"

	ErrCodeTemplateResolution = "TEMPLATE_RESOLUTION_ERROR"
	ErrCodeToolExecution      = "TOOL_EXECUTION_ERROR"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeProvider           = "PROVIDER_ERROR"

	// Safety governor trips. Always fatal to the run.
	ErrCodeTimedOut          = "TIMED_OUT"
	ErrCodeCallLimitExceeded = "CALL_LIMIT_EXCEEDED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeCancelled         = "CANCELLED"
)

// EngineError is the structured error type for all stepwise operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
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

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details. Existing keys are overwritten.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// IsRetryable reports whether a step that failed with this error may be
// attempted again under its retry policy.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeConfiguration, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeTemplateResolution, ErrCodeRetryExhausted:
		return false
	}
	return !e.IsFatal()
}

// IsFatal reports whether the error must terminate the run regardless of
// the failing step's error policy.
func (e *EngineError) IsFatal() bool {
	switch e.Code {
	case ErrCodeTimedOut, ErrCodeCallLimitExceeded, ErrCodeCircuitOpen, ErrCodeCancelled,
		ErrCodeConfiguration:
		return true
	}
	return false
}

// CodeOf returns the code of the first EngineError in err's chain, or "".
func CodeOf(err error) string {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an EngineError with the given code.
func HasCode(err error, code string) bool {
	var engErr *EngineError
	for err != nil {
		if errors.As(err, &engErr) {
			if engErr.Code == code {
				return true
			}
			err = engErr.Cause
			continue
		}
		return false
	}
	return false
}

// IsFatal reports whether err's chain contains a fatal EngineError.
func IsFatal(err error) bool {
	var engErr *EngineError
	for err != nil {
		if errors.As(err, &engErr) {
			if engErr.IsFatal() {
				return true
			}
			err = engErr.Cause
			continue
		}
		return false
	}
	return false
}
