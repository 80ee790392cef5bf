package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "VALIDATION_ERROR"
	ErrorTypeVerification   ErrorType = "VERIFICATION_ERROR"
	ErrorTypeConflict       ErrorType = "CONFLICT_ERROR"
	ErrorTypeTransformation ErrorType = "TRANSFORMATION_ERROR"
	ErrorTypeInfrastructure ErrorType = "INFRASTRUCTURE_ERROR"
	ErrorTypeInconsistency  ErrorType = "INCONSISTENCY_ERROR"
	ErrorTypePolicy         ErrorType = "POLICY_VIOLATION"
	ErrorTypeNotFound       ErrorType = "NOT_FOUND_ERROR"
	ErrorTypeInternal       ErrorType = "INTERNAL_ERROR"
)

// Common application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternalServer = errors.New("internal server error")
)

// Migration-specific errors
var (
	// ErrVerificationFailed means a required index is missing or a probe query
	// was too slow. Migration must not start while this holds.
	ErrVerificationFailed = errors.New("index verification failed")

	// ErrWriteConflict means a conditional write found the document's schema
	// version already advanced by a concurrent writer. The document is skipped
	// this pass and picked up on the next run.
	ErrWriteConflict = errors.New("concurrent write conflict")

	// ErrTransformation means a single document violated the transform's
	// assumptions. Counted, never halts a batch.
	ErrTransformation = errors.New("document transformation failed")

	// ErrStoreUnavailable marks a transient infrastructure failure, retried
	// with backoff by the executor.
	ErrStoreUnavailable = errors.New("document store unavailable")

	// ErrInconsistencyDetected means the sampler found a legacy/new normalization
	// mismatch.
	ErrInconsistencyDetected = errors.New("schema inconsistency detected")

	// ErrPolicyViolation means an adapter attempted a write outside the schema
	// allowed by the current policy. Programming-error class.
	ErrPolicyViolation = errors.New("schema policy violation")

	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidPhase     = errors.New("invalid migration phase transition")
	ErrRunNotResumable  = errors.New("migration run is not resumable")
)

// AppError represents a custom application error with context
type AppError struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	HTTPCode  int                    `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Component string                 `json:"component,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, httpCode int) *AppError {
	return &AppError{
		Type:     errorType,
		Message:  message,
		HTTPCode: httpCode,
		Details:  make(map[string]interface{}),
	}
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithCause adds the underlying cause
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithComponent adds the component name
func (e *AppError) WithComponent(component string) *AppError {
	e.Component = component
	return e
}

// WithDetail adds a detail field
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error constructors

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, message, http.StatusBadRequest)
}

// NewVerificationError creates an index verification error
func NewVerificationError(message string) *AppError {
	return NewAppError(ErrorTypeVerification, message, http.StatusPreconditionFailed).WithCause(ErrVerificationFailed)
}

// NewConflictError creates a concurrent write conflict error
func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, message, http.StatusConflict).WithCause(ErrWriteConflict)
}

// NewTransformationError creates a transformation error for a single document
func NewTransformationError(documentID string, cause error) *AppError {
	return NewAppError(ErrorTypeTransformation, "document transformation failed", http.StatusUnprocessableEntity).
		WithCause(cause).
		WithDetail("document_id", documentID)
}

// NewInfrastructureError creates an infrastructure error
func NewInfrastructureError(message string) *AppError {
	return NewAppError(ErrorTypeInfrastructure, message, http.StatusInternalServerError)
}

// NewPolicyViolationError creates a policy violation error
func NewPolicyViolationError(message string) *AppError {
	return NewAppError(ErrorTypePolicy, message, http.StatusInternalServerError).WithCause(ErrPolicyViolation)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewInternalError creates an internal server error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, message, http.StatusInternalServerError)
}

// Helper functions for common error scenarios

// WrapError wraps an error with context
func WrapError(err error, message string) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewInternalError(message).WithCause(err)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrorTypeNotFound
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDocumentNotFound)
}

// IsConflict checks if an error is a concurrent write conflict
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Type == ErrorTypeConflict {
		return true
	}
	return errors.Is(err, ErrWriteConflict)
}

// IsTransformation checks if an error is a per-document transformation error
func IsTransformation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Type == ErrorTypeTransformation {
		return true
	}
	return errors.Is(err, ErrTransformation)
}

// IsStoreUnavailable checks if an error is a transient infrastructure failure
func IsStoreUnavailable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Type == ErrorTypeInfrastructure {
		return true
	}
	return errors.Is(err, ErrStoreUnavailable)
}

// IsPolicyViolation checks if an error is a schema policy violation
func IsPolicyViolation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Type == ErrorTypePolicy {
		return true
	}
	return errors.Is(err, ErrPolicyViolation)
}

// IsVerificationFailure checks if an error is an index verification failure
func IsVerificationFailure(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Type == ErrorTypeVerification {
		return true
	}
	return errors.Is(err, ErrVerificationFailed)
}
