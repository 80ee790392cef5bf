package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Behavior(t *testing.T) {
	err := NewValidationError("invalid input").WithCode("VAL001").WithDetail("field", "name").WithComponent("registry")
	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, "invalid input", err.Message)
	assert.Equal(t, "VAL001", err.Code)
	assert.Equal(t, "registry", err.Component)
	assert.Equal(t, "name", err.Details["field"])
	assert.Equal(t, "invalid input", err.Error())
}

func TestAppError_WithCause_Unwrap(t *testing.T) {
	cause := ErrDocumentNotFound
	err := NewNotFoundError("trade").WithCause(cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, ErrDocumentNotFound))
	assert.Equal(t, "trade not found: document not found", err.Error())
}

func TestConstructors_CarrySentinelCauses(t *testing.T) {
	assert.True(t, errors.Is(NewVerificationError("index missing"), ErrVerificationFailed))
	assert.True(t, errors.Is(NewConflictError("version advanced"), ErrWriteConflict))
	assert.True(t, errors.Is(NewPolicyViolationError("legacy write during cutover"), ErrPolicyViolation))
}

func TestConstructors_HTTPCodes(t *testing.T) {
	assert.Equal(t, http.StatusPreconditionFailed, NewVerificationError("x").HTTPCode)
	assert.Equal(t, http.StatusConflict, NewConflictError("x").HTTPCode)
	assert.Equal(t, http.StatusUnprocessableEntity, NewTransformationError("doc-1", assert.AnError).HTTPCode)
	assert.Equal(t, http.StatusNotFound, NewNotFoundError("trade").HTTPCode)
	assert.Equal(t, http.StatusBadRequest, NewValidationError("x").HTTPCode)
	assert.Equal(t, http.StatusInternalServerError, NewInfrastructureError("x").HTTPCode)
}

func TestNewTransformationError_CarriesDocumentID(t *testing.T) {
	cause := errors.New("missing creator identity")
	err := NewTransformationError("doc-00042", cause)
	assert.Equal(t, ErrorTypeTransformation, err.Type)
	assert.Equal(t, "doc-00042", err.Details["document_id"])
	assert.Equal(t, cause, err.Unwrap())
}

func TestPredicates_MatchTypeAndSentinel(t *testing.T) {
	// Each predicate recognizes both the AppError type tag and the bare
	// sentinel, wrapped or not.
	assert.True(t, IsConflict(NewConflictError("x")))
	assert.True(t, IsConflict(fmt.Errorf("update trade: %w", ErrWriteConflict)))
	assert.False(t, IsConflict(NewNotFoundError("trade")))

	assert.True(t, IsNotFound(NewNotFoundError("trade")))
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", ErrDocumentNotFound)))
	assert.False(t, IsNotFound(NewConflictError("x")))

	assert.True(t, IsTransformation(NewTransformationError("doc-1", assert.AnError)))
	assert.True(t, IsTransformation(fmt.Errorf("batch: %w", ErrTransformation)))

	assert.True(t, IsStoreUnavailable(NewInfrastructureError("scan failed").WithCause(ErrStoreUnavailable)))
	assert.True(t, IsStoreUnavailable(fmt.Errorf("scan: %w", ErrStoreUnavailable)))
	assert.False(t, IsStoreUnavailable(NewValidationError("x")))

	assert.True(t, IsPolicyViolation(NewPolicyViolationError("x")))
	assert.False(t, IsPolicyViolation(NewConflictError("x")))

	assert.True(t, IsVerificationFailure(NewVerificationError("x")))
	assert.False(t, IsVerificationFailure(NewInfrastructureError("x")))
}

func TestWrapError_PreservesAppErrors(t *testing.T) {
	original := NewConflictError("trade t1 changed concurrently")
	wrapped := WrapError(original, "update failed")
	assert.Same(t, original, wrapped)

	plain := errors.New("boom")
	wrapped = WrapError(plain, "update failed")
	assert.Equal(t, ErrorTypeInternal, wrapped.Type)
	assert.Equal(t, plain, wrapped.Unwrap())
}
