package schema

import "fmt"

// Error codes for structured error reporting. Every entry of the failure
// taxonomy is a distinct code so terminal failures never collapse into a
// generic error.
const (
	// Input resolution.
	ErrCodeRender      = "RENDER_ERROR"
	ErrCodeBudget      = "BUDGET_TOO_SMALL"
	ErrCodeUnresolved  = "UNRESOLVED_REFERENCE"
	ErrCodeInputSource = "INPUT_SOURCE_ERROR"

	// Generation backend. Timeout, rate-limit and network are recoverable;
	// auth and invalid-request are not.
	ErrCodeBackendTimeout   = "BACKEND_TIMEOUT"
	ErrCodeBackendRateLimit = "BACKEND_RATE_LIMITED"
	ErrCodeBackendNetwork   = "BACKEND_NETWORK"
	ErrCodeBackendAuth      = "BACKEND_AUTH"
	ErrCodeBackendInvalid   = "BACKEND_INVALID_REQUEST"

	// Content extraction.
	ErrCodeExtractNotFound  = "EXTRACTION_NOT_FOUND"
	ErrCodeExtractMalformed = "EXTRACTION_MALFORMED"
	ErrCodeExtractSchema    = "EXTRACTION_SCHEMA_MISMATCH"

	// Persistence.
	ErrCodeStore     = "STORE_ERROR"
	ErrCodeStoreOpen = "STORE_CIRCUIT_OPEN"

	// General.
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeSecurityDenied    = "SECURITY_DENIED"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// StagehandError is the structured error type for all stagehand operations.
type StagehandError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Act     string         `json:"act,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StagehandError) Error() string {
	if e.Act != "" {
		return fmt.Sprintf("[%s] act %s: %s", e.Code, e.Act, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StagehandError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class is worth retrying locally.
func (e *StagehandError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeBackendTimeout, ErrCodeBackendRateLimit, ErrCodeBackendNetwork:
		return true
	}
	return false
}

// NewError creates a new StagehandError.
func NewError(code, message string) *StagehandError {
	return &StagehandError{Code: code, Message: message}
}

// NewErrorf creates a new StagehandError with a formatted message.
func NewErrorf(code, format string, args ...any) *StagehandError {
	return &StagehandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAct attaches the originating act name to the error.
func (e *StagehandError) WithAct(act string) *StagehandError {
	e.Act = act
	return e
}

// WithCause attaches an underlying cause.
func (e *StagehandError) WithCause(err error) *StagehandError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StagehandError) WithDetails(details map[string]any) *StagehandError {
	e.Details = details
	return e
}

// FailureReason maps an error to the operator-facing category recorded on a
// failed narrative execution. The four categories are deliberately distinct
// so content failures, availability failures, and policy denials are never
// conflated.
func FailureReason(e *StagehandError) string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case ErrCodeRender, ErrCodeBudget, ErrCodeUnresolved, ErrCodeInputSource:
		return "could not resolve inputs"
	case ErrCodeBackendTimeout, ErrCodeBackendRateLimit, ErrCodeBackendNetwork,
		ErrCodeBackendAuth, ErrCodeBackendInvalid, ErrCodeRetryExhausted:
		return "backend unavailable"
	case ErrCodeExtractNotFound, ErrCodeExtractMalformed, ErrCodeExtractSchema:
		return "extraction failed"
	case ErrCodeSecurityDenied:
		return "security denied"
	case ErrCodeCancelled:
		return "cancelled"
	}
	return "execution failed"
}
