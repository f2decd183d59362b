package domain

import (
	"strings"
	"time"

	"github.com/nyrvik/tokenvault/pkg/token"
)

// Session constraints and token format.
const (
	// SessionTokenPrefix marks session bearer tokens. The logger
	// redacts values carrying this prefix.
	SessionTokenPrefix = "tvs_"

	// SessionTokenBytes is the entropy of a session token (384 bits).
	SessionTokenBytes = 48

	MaxIPAddressLength = 45 // IPv6 max length
	MaxUserAgentLength = 512
)

// Session policy defaults.
const (
	DefaultSessionTTL          = 24 * time.Hour
	DefaultMaxSessionsPerOwner = 15
	DefaultInactivityWindow    = 30 * time.Minute

	// DefaultIPIndexHorizon bounds how long an IP index bucket is
	// retained after its last insertion.
	DefaultIPIndexHorizon = 24 * time.Hour
)

// Validation reasons returned by the Validate operations. Absence and
// staleness are normal outcomes, reported as reasons rather than
// errors.
const (
	ReasonNotFound    = "not found"
	ReasonExpired     = "expired"
	ReasonInactive    = "inactive"
	ReasonAlreadyUsed = "already used"
)

// Session represents an interactive user session.
//
// The bearer token is the primary key; ID is a secondary numeric
// handle assigned from a per-kind counter at creation. All timestamps
// are Unix milliseconds.
type Session struct {
	// Token is the opaque bearer credential and primary key.
	Token string `json:"token"`

	// ID is the monotonically increasing numeric handle.
	ID int64 `json:"id"`

	// OwnerID identifies the user who owns this session.
	OwnerID int64 `json:"owner_id"`

	// IPAddress is the client IP at session creation.
	IPAddress string `json:"ip_address"`

	// UserAgent is the client user agent at session creation.
	UserAgent string `json:"user_agent"`

	// CreatedAt is the creation timestamp.
	CreatedAt int64 `json:"created_at"`

	// ExpiresAt is the absolute expiration timestamp. The record is
	// logically dead at and after this instant.
	ExpiresAt int64 `json:"expires_at"`

	// LastActivityAt advances on use and never moves backwards.
	LastActivityAt int64 `json:"last_activity_at"`
}

// NewSessionToken generates a fresh session bearer token.
func NewSessionToken() (string, error) {
	t, err := token.GenerateWithLength(SessionTokenBytes)
	if err != nil {
		return "", ErrInternal.WithCause(err)
	}
	return SessionTokenPrefix + t, nil
}

// IsValidSessionToken checks the session token format: prefix plus the
// URL-safe encoding of SessionTokenBytes random bytes.
func IsValidSessionToken(t string) bool {
	if !strings.HasPrefix(t, SessionTokenPrefix) {
		return false
	}
	body := t[len(SessionTokenPrefix):]
	return len(body) == token.EncodedLength(SessionTokenBytes) && token.IsEncoded(body)
}

// IsExpiredAt reports whether the session is logically dead at the
// given instant (Unix milliseconds).
func (s *Session) IsExpiredAt(nowMilli int64) bool {
	return s.ExpiresAt <= nowMilli
}

// IsInactiveAt reports whether the session has seen no activity for at
// least the given window before the given instant.
func (s *Session) IsInactiveAt(nowMilli int64, window time.Duration) bool {
	return nowMilli-s.LastActivityAt > window.Milliseconds()
}

// Touch advances LastActivityAt to the given instant. The activity
// score is monotonically non-decreasing: a stale instant is ignored.
func (s *Session) Touch(nowMilli int64) {
	if nowMilli > s.LastActivityAt {
		s.LastActivityAt = nowMilli
	}
}

// Validate validates the session fields against constraints.
func (s *Session) Validate() error {
	var violations []string

	if s.Token == "" {
		violations = append(violations, "token is required")
	}
	if s.OwnerID <= 0 {
		violations = append(violations, "owner_id must be positive")
	}
	if s.ExpiresAt <= s.CreatedAt {
		violations = append(violations, "expires_at must be after created_at")
	}
	if len(s.IPAddress) > MaxIPAddressLength {
		violations = append(violations, "ip_address exceeds 45 characters")
	}
	if len(s.UserAgent) > MaxUserAgentLength {
		violations = append(violations, "user_agent exceeds 512 characters")
	}

	if len(violations) > 0 {
		return ErrSessionValidation.WithDetails(strings.Join(violations, "; "))
	}
	return nil
}

// Clone creates a copy of the session.
func (s *Session) Clone() *Session {
	clone := *s
	return &clone
}

// CreatedAtTime returns CreatedAt as time.Time.
func (s *Session) CreatedAtTime() time.Time {
	return time.UnixMilli(s.CreatedAt)
}

// ExpiresAtTime returns ExpiresAt as time.Time.
func (s *Session) ExpiresAtTime() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// LastActivityAtTime returns LastActivityAt as time.Time.
func (s *Session) LastActivityAtTime() time.Time {
	return time.UnixMilli(s.LastActivityAt)
}
