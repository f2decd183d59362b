// Package storage defines the repository contracts shared by all
// TokenVault backends.
//
// A repository is a physical store: it reads and writes records and
// maintains the secondary indexes, but applies no liveness policy of
// its own beyond what the backend enforces natively. Get returns a
// record that is still physically present even when it is logically
// expired; the service layer decides what expiry means for each
// operation. Every mutation updates the primary record and all of its
// indexes as one atomic unit.
package storage

import (
	"context"

	"github.com/nyrvik/tokenvault/internal/core/domain"
)

// SessionStats summarizes a session repository.
type SessionStats struct {
	// TotalTracked is the number of physically present sessions.
	TotalTracked int `json:"total_tracked"`

	// Live is the number of sessions not yet expired.
	Live int `json:"live"`

	// Expired is the number of sessions past expiry but not yet swept.
	Expired int `json:"expired"`

	// Owners is the number of distinct owners with at least one
	// tracked session.
	Owners int `json:"owners"`
}

// ResetTokenStats summarizes a reset token repository.
type ResetTokenStats struct {
	TotalTracked int `json:"total_tracked"`
	Live         int `json:"live"`
	Expired      int `json:"expired"`

	// Pending is the number of tracked tokens not yet consumed.
	Pending int `json:"pending"`

	// Used is the number of tracked tokens already consumed.
	Used int `json:"used"`
}

// SessionRepository is the storage contract for sessions.
type SessionRepository interface {
	// Create stores a new session and indexes it. When the owner is at
	// the per-owner cap the earliest-expiring sessions (ties broken by
	// token lexical order) are evicted to make room; their tokens are
	// returned. Returns domain.ErrSessionConflict when the token is
	// already present.
	Create(ctx context.Context, session *domain.Session) (evicted []string, err error)

	// Get retrieves a session by token. Physical read: an expired but
	// unswept session is still returned. Returns
	// domain.ErrSessionNotFound when absent.
	Get(ctx context.Context, token string) (*domain.Session, error)

	// GetByID retrieves a session through the id index.
	GetByID(ctx context.Context, id int64) (*domain.Session, error)

	// Touch advances the session's activity timestamp and its activity
	// index entry. The timestamp never moves backwards. Returns false
	// when the session is absent.
	Touch(ctx context.Context, token string, at int64) (bool, error)

	// Extend moves the session's expiry and every expiry-ordered index
	// entry to the new instant. Returns false when the session is
	// absent.
	Extend(ctx context.Context, token string, expiresAt int64) (bool, error)

	// Delete removes the session and all of its index entries. Returns
	// whether a session was present.
	Delete(ctx context.Context, token string) (bool, error)

	// TokensByOwner returns the owner's session tokens ordered by
	// ascending expiry. With liveOnly, sessions expired at or before
	// now are omitted.
	TokensByOwner(ctx context.Context, ownerID int64, liveOnly bool, now int64) ([]string, error)

	// TokensByIP returns the session tokens recorded against the IP.
	// The index is best-effort: it may include tokens of sessions that
	// no longer exist, and it forgets an IP entirely once its retention
	// horizon passes.
	TokensByIP(ctx context.Context, ip string) ([]string, error)

	// TokensExpiringBetween returns tokens with from <= expiry <= until
	// ordered by ascending expiry.
	TokensExpiringBetween(ctx context.Context, from, until int64) ([]string, error)

	// TokensInactiveBefore returns tokens whose last activity is at or
	// before the cutoff, ordered by ascending activity.
	TokensInactiveBefore(ctx context.Context, cutoff int64) ([]string, error)

	// CountByOwner returns the number of tracked sessions for an owner.
	CountByOwner(ctx context.Context, ownerID int64) (int, error)

	// NextID allocates the next numeric session handle.
	NextID(ctx context.Context) (int64, error)

	// Stats summarizes the repository at the given instant.
	Stats(ctx context.Context, now int64) (*SessionStats, error)
}

// ResetTokenRepository is the storage contract for password reset
// tokens.
type ResetTokenRepository interface {
	// Create stores a new reset token in the pending state. There is no
	// per-owner cap. Returns domain.ErrResetTokenConflict when the
	// token is already present.
	Create(ctx context.Context, token *domain.ResetToken) error

	// Get retrieves a reset token. Physical read, as for sessions.
	// Returns domain.ErrResetTokenNotFound when absent.
	Get(ctx context.Context, token string) (*domain.ResetToken, error)

	// GetByID retrieves a reset token through the id index.
	GetByID(ctx context.Context, id int64) (*domain.ResetToken, error)

	// MarkUsed performs the pending-to-used transition and moves the
	// token between the state sets. Returns false without mutating when
	// the token was already used. Returns domain.ErrResetTokenNotFound
	// when absent.
	MarkUsed(ctx context.Context, token string, usedAt int64) (bool, error)

	// Delete removes the token and all of its index entries. Returns
	// whether a token was present.
	Delete(ctx context.Context, token string) (bool, error)

	// TokensByOwner returns the owner's tokens ordered by ascending
	// expiry. With pendingOnly, used tokens are omitted.
	TokensByOwner(ctx context.Context, ownerID int64, pendingOnly bool) ([]string, error)

	// TokensExpiringBetween returns tokens with from <= expiry <= until
	// ordered by ascending expiry.
	TokensExpiringBetween(ctx context.Context, from, until int64) ([]string, error)

	// PendingTokens returns all tokens in the pending state.
	PendingTokens(ctx context.Context) ([]string, error)

	// UsedTokens returns all tokens in the used state.
	UsedTokens(ctx context.Context) ([]string, error)

	// NextID allocates the next numeric token handle.
	NextID(ctx context.Context) (int64, error)

	// Stats summarizes the repository at the given instant.
	Stats(ctx context.Context, now int64) (*ResetTokenStats, error)
}
