package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timeout")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
	// ErrConflict marks a write rejected by a uniqueness or integrity
	// constraint. Redelivering the same event hits it again.
	ErrConflict     = errors.New("constraint violation")
)

// ErrorType represents the category of a reconciliation error.
type ErrorType string

const (
	ErrorTypeVerification ErrorType = "verification"
	ErrorTypeStore        ErrorType = "store"
	ErrorTypeCatalog      ErrorType = "catalog"
	ErrorTypeProvider     ErrorType = "provider"
	ErrorTypeUnmapped     ErrorType = "unmapped"
	ErrorTypeValidation   ErrorType = "validation"
)

// ReconcileError is a structured error for billing reconciliation operations.
type ReconcileError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "upsert_subscription", "record_commission")
	Entity    string // Key of the record involved, if any
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *ReconcileError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ReconcileError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrInvalidInput:
		if e.Type == ErrorTypeValidation {
			return true
		}
	case ErrUnavailable:
		if e.Type == ErrorTypeStore && e.Retryable {
			return true
		}
	}
	return errors.Is(e.Err, target)
}

// NewReconcileError creates a new ReconcileError.
func NewReconcileError(errorType ErrorType, op, entity string, err error) *ReconcileError {
	return &ReconcileError{
		Type:      errorType,
		Op:        op,
		Entity:    entity,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

func isRetryable(errorType ErrorType, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	switch errorType {
	case ErrorTypeVerification, ErrorTypeValidation:
		return false
	case ErrorTypeUnmapped:
		// The event that creates the mapping may still be in flight.
		return true
	default: // store, catalog, provider
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) &&
				!errors.Is(err, ErrConflict) &&
				!errors.Is(err, context.Canceled)
		}
		return true
	}
}

// WrapStoreError wraps a persistence failure with context.
func WrapStoreError(op, entity string, err error) error {
	return NewReconcileError(ErrorTypeStore, op, entity, err)
}

// WrapCatalogError wraps a catalog lookup failure with context.
func WrapCatalogError(op, entity string, err error) error {
	return NewReconcileError(ErrorTypeCatalog, op, entity, err)
}

// WrapProviderError wraps a payment-provider API failure with context.
func WrapProviderError(op, entity string, err error) error {
	return NewReconcileError(ErrorTypeProvider, op, entity, err)
}

// NewUnmappedError reports a provider customer that has no internal user yet.
func NewUnmappedError(op, customerID string) error {
	return NewReconcileError(ErrorTypeUnmapped, op, customerID, ErrNotFound)
}

// NewValidationError reports input that can never be processed as sent.
func NewValidationError(op, entity string, err error) error {
	return NewReconcileError(ErrorTypeValidation, op, entity, fmt.Errorf("%w: %v", ErrInvalidInput, err))
}

// IsRetryableError checks if an error should make the provider redeliver.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var recErr *ReconcileError
	if errors.As(err, &recErr) {
		return recErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// IsUnmappedError reports whether err is a missing customer mapping.
func IsUnmappedError(err error) bool {
	var recErr *ReconcileError
	return errors.As(err, &recErr) && recErr.Type == ErrorTypeUnmapped
}
