package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure. It stands in for both an
	// unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated indicates a request without a usable principal.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAccountNotActive indicates correct credentials on an unusable account.
	ErrAccountNotActive = errors.New("account not active")
	// ErrInsufficientPermission indicates the principal lacks a required grant.
	ErrInsufficientPermission = errors.New("insufficient permission")
	// ErrInvalidToken covers malformed, unknown, mismatched and consumed tokens alike.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token presented after its expiry.
	ErrExpiredToken = errors.New("token expired")
	// ErrDuplicateName indicates a role name or email collision.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrProtectedRole indicates an attempt to delete a system role.
	ErrProtectedRole = errors.New("protected role")
	// ErrStorageUnavailable indicates the backing store timed out or is unreachable.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// AccountNotActiveError carries the account status for client UX.
type AccountNotActiveError struct {
	Status AccountStatus
}

func (e *AccountNotActiveError) Error() string {
	return fmt.Sprintf("account not active: %s", e.Status)
}

// Is reports sentinel equivalence so errors.Is(err, ErrAccountNotActive) holds.
func (e *AccountNotActiveError) Is(target error) bool {
	return target == ErrAccountNotActive
}

// ValidationError lists field level problems.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is reports sentinel equivalence so errors.Is(err, ErrValidation) holds.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsRetryable reports whether the caller may retry the operation. Only storage
// unavailability is retryable, and only idempotent reads should be retried blindly.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
