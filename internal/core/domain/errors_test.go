package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDomainError_Error(t *testing.T) {
	err := NewDomainError("TV-TEST-0001", "something failed")
	if got := err.Error(); got != "[TV-TEST-0001] something failed" {
		t.Fatalf("Error() = %q", got)
	}

	withDetails := err.WithDetails("extra context")
	if !strings.Contains(withDetails.Error(), "extra context") {
		t.Fatalf("Error() missing details: %q", withDetails.Error())
	}
}

func TestDomainError_Is(t *testing.T) {
	wrapped := ErrSessionNotFound.WithDetails("token tvs_xxx")
	if !errors.Is(wrapped, ErrSessionNotFound) {
		t.Fatal("WithDetails copy does not match sentinel")
	}
	if errors.Is(wrapped, ErrSessionExpired) {
		t.Fatal("distinct codes matched")
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := ErrStorageError.WithCause(cause)

	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable via errors.Is")
	}
	if !errors.Is(err, ErrStorageError) {
		t.Fatal("wrapped error lost its code identity")
	}
}

func TestIsDomainError(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ErrResetTokenUsed)

	if !IsDomainError(err, "TV-RSET-4090") {
		t.Fatal("IsDomainError missed wrapped domain error")
	}
	if !IsDomainError(err, "") {
		t.Fatal("IsDomainError with empty code = false")
	}
	if IsDomainError(errors.New("plain"), "") {
		t.Fatal("plain error reported as domain error")
	}
}
