// Package domain defines the core domain models for TokenVault.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a business domain error with a structured
// error code.
type DomainError struct {
	Code    string // Error code (e.g., "TV-SESS-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support; two DomainErrors match when their
// codes match.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given
// code. If code is empty, it only checks whether the error is a
// DomainError at all.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// ============================================================================
// Session Errors (SESS)
// ============================================================================

var (
	// ErrSessionNotFound indicates the requested session was not found.
	ErrSessionNotFound = NewDomainError("TV-SESS-4040", "session not found")

	// ErrSessionExpired indicates the session has expired.
	ErrSessionExpired = NewDomainError("TV-SESS-4041", "session expired")

	// ErrSessionConflict indicates the session token already exists.
	ErrSessionConflict = NewDomainError("TV-SESS-4090", "session token conflict")

	// ErrSessionLimitExceeded indicates the owner is at the session cap
	// and eviction could not make room.
	ErrSessionLimitExceeded = NewDomainError("TV-SESS-4002", "owner session limit exceeded")

	// ErrSessionValidation indicates session field validation failed.
	ErrSessionValidation = NewDomainError("TV-SESS-4001", "session validation failed")
)

// ============================================================================
// Reset Token Errors (RSET)
// ============================================================================

var (
	// ErrResetTokenNotFound indicates the requested reset token was not found.
	ErrResetTokenNotFound = NewDomainError("TV-RSET-4040", "reset token not found")

	// ErrResetTokenExpired indicates the reset token has expired.
	ErrResetTokenExpired = NewDomainError("TV-RSET-4041", "reset token expired")

	// ErrResetTokenUsed indicates an attempt to consume an already-used
	// reset token. One-way transitions cannot be replayed.
	ErrResetTokenUsed = NewDomainError("TV-RSET-4090", "reset token already used")

	// ErrResetTokenConflict indicates the reset token already exists.
	ErrResetTokenConflict = NewDomainError("TV-RSET-4091", "reset token conflict")

	// ErrResetTokenValidation indicates reset token field validation failed.
	ErrResetTokenValidation = NewDomainError("TV-RSET-4001", "reset token validation failed")
)

// ============================================================================
// System Errors (SYS)
// ============================================================================

var (
	// ErrStorageError indicates a backing-store failure. Unlike the
	// not-found family this is never a normal outcome and always
	// propagates to the caller.
	ErrStorageError = NewDomainError("TV-SYS-5001", "storage error")

	// ErrInternal indicates an internal error (e.g., the random source
	// failed during token generation).
	ErrInternal = NewDomainError("TV-SYS-5000", "internal error")
)

// ============================================================================
// Argument Errors (ARG)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("TV-ARG-1001", "invalid argument")

	// ErrMissingArgument indicates a required argument is missing.
	ErrMissingArgument = NewDomainError("TV-ARG-1002", "missing required argument")
)
