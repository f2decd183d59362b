package domain

import (
	"strings"
	"time"

	"github.com/nyrvik/tokenvault/pkg/token"
)

// Reset token constraints and token format.
const (
	// ResetTokenPrefix marks password reset tokens. The logger redacts
	// values carrying this prefix.
	ResetTokenPrefix = "tvr_"

	// ResetTokenBytes is the entropy of a reset token (256 bits).
	ResetTokenBytes = 32

	// DefaultResetTokenTTL is the default reset token lifetime.
	DefaultResetTokenTTL = time.Hour
)

// ResetToken represents a single-use password reset token.
//
// A reset token moves through exactly one transition: pending to used.
// The transition is one-way; a used token can never return to pending.
// All timestamps are Unix milliseconds.
type ResetToken struct {
	// Token is the opaque bearer credential and primary key.
	Token string `json:"token"`

	// ID is the monotonically increasing numeric handle.
	ID int64 `json:"id"`

	// OwnerID identifies the user who requested the reset.
	OwnerID int64 `json:"owner_id"`

	// CreatedAt is the creation timestamp.
	CreatedAt int64 `json:"created_at"`

	// ExpiresAt is the absolute expiration timestamp.
	ExpiresAt int64 `json:"expires_at"`

	// IsUsed marks a consumed token.
	IsUsed bool `json:"is_used"`

	// UsedAt is the consumption timestamp, zero while pending.
	UsedAt int64 `json:"used_at,omitempty"`
}

// NewResetToken generates a fresh password reset token.
func NewResetToken() (string, error) {
	t, err := token.GenerateWithLength(ResetTokenBytes)
	if err != nil {
		return "", ErrInternal.WithCause(err)
	}
	return ResetTokenPrefix + t, nil
}

// IsValidResetToken checks the reset token format.
func IsValidResetToken(t string) bool {
	if !strings.HasPrefix(t, ResetTokenPrefix) {
		return false
	}
	body := t[len(ResetTokenPrefix):]
	return len(body) == token.EncodedLength(ResetTokenBytes) && token.IsEncoded(body)
}

// IsExpiredAt reports whether the token is logically dead at the given
// instant (Unix milliseconds).
func (r *ResetToken) IsExpiredAt(nowMilli int64) bool {
	return r.ExpiresAt <= nowMilli
}

// MarkUsed performs the pending-to-used transition. Returns false when
// the token was already used; UsedAt is not rewritten in that case.
func (r *ResetToken) MarkUsed(nowMilli int64) bool {
	if r.IsUsed {
		return false
	}
	r.IsUsed = true
	r.UsedAt = nowMilli
	return true
}

// Validate validates the reset token fields against constraints.
func (r *ResetToken) Validate() error {
	var violations []string

	if r.Token == "" {
		violations = append(violations, "token is required")
	}
	if r.OwnerID <= 0 {
		violations = append(violations, "owner_id must be positive")
	}
	if r.ExpiresAt <= r.CreatedAt {
		violations = append(violations, "expires_at must be after created_at")
	}
	if !r.IsUsed && r.UsedAt != 0 {
		violations = append(violations, "used_at set on pending token")
	}

	if len(violations) > 0 {
		return ErrResetTokenValidation.WithDetails(strings.Join(violations, "; "))
	}
	return nil
}

// Clone creates a copy of the reset token.
func (r *ResetToken) Clone() *ResetToken {
	clone := *r
	return &clone
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *ResetToken) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// ExpiresAtTime returns ExpiresAt as time.Time.
func (r *ResetToken) ExpiresAtTime() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// UsedAtTime returns UsedAt as time.Time, zero time while pending.
func (r *ResetToken) UsedAtTime() time.Time {
	if r.UsedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.UsedAt)
}
