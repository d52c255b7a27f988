package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeTransport   = "TRANSPORT_ERROR"
	ErrCodeService     = "SERVICE_ERROR"
	ErrCodeMalformed   = "MALFORMED_RESPONSE"
	ErrCodeTimeout     = "TIMEOUT_ERROR"
	ErrCodeExecution   = "EXECUTION_ERROR"
	ErrCodeGuard       = "GUARD_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeStepFailed  = "STEP_FAILED"
	ErrCodeCancelled   = "CANCELLED"
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
	ErrCodeStore       = "STORE_ERROR"
)

// OnboardError is the structured error type for all onboard operations.
type OnboardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OnboardError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OnboardError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OnboardError.
func NewError(code, message string) *OnboardError {
	return &OnboardError{Code: code, Message: message}
}

// NewErrorf creates a new OnboardError with a formatted message.
func NewErrorf(code, format string, args ...any) *OnboardError {
	return &OnboardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *OnboardError) WithStep(step string) *OnboardError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *OnboardError) WithCause(err error) *OnboardError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OnboardError) WithDetails(details map[string]any) *OnboardError {
	e.Details = details
	return e
}

// IsCollaboratorFailure reports whether the error represents an external
// collaborator being unavailable or misbehaving, the class of failures that
// triggers the fallback policy.
func (e *OnboardError) IsCollaboratorFailure() bool {
	switch e.Code {
	case ErrCodeTransport, ErrCodeService, ErrCodeMalformed, ErrCodeTimeout, ErrCodeCircuitOpen:
		return true
	}
	return false
}

// IsLocal reports whether the error is always recovered locally via defaults
// and never escalated to the engine, regardless of step criticality.
func (e *OnboardError) IsLocal() bool {
	return e.Code == ErrCodeValidation || e.Code == ErrCodeMalformed
}
