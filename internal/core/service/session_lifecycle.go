package service

import (
	"context"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/nyrvik/tokenvault/internal/core/domain"
	"github.com/nyrvik/tokenvault/internal/telemetry/metric"
	"github.com/nyrvik/tokenvault/pkg/zset"
)

// ============================================================================
// Session Find Operations
// ============================================================================

// FindByOwner returns an owner's sessions ordered by most recent
// activity first. With includeExpired, unswept expired sessions are
// returned too.
func (s *SessionService) FindByOwner(ctx context.Context, ownerID int64, includeExpired bool) ([]*domain.Session, error) {
	// 1. Validate input
	if ownerID <= 0 {
		return nil, domain.ErrMissingArgument.WithDetails("owner_id is required")
	}

	// 2. Resolve tokens through the owner index
	now := s.now()
	tokens, err := s.repo.TokensByOwner(ctx, ownerID, !includeExpired, now)
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}

	// 3. Load records; the index may race a delete
	sessions := make([]*domain.Session, 0, len(tokens))
	for _, token := range tokens {
		session, err := s.repo.Get(ctx, token)
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}

	// 4. Most recent activity first
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastActivityAt != sessions[j].LastActivityAt {
			return sessions[i].LastActivityAt > sessions[j].LastActivityAt
		}
		return sessions[i].Token < sessions[j].Token
	})

	return sessions, nil
}

// FindByIP returns the live sessions recorded against an IP address.
// The IP index is best-effort; sessions it no longer covers are not
// returned.
func (s *SessionService) FindByIP(ctx context.Context, ip string) ([]*domain.Session, error) {
	if ip == "" {
		return nil, domain.ErrMissingArgument.WithDetails("ip is required")
	}

	tokens, err := s.repo.TokensByIP(ctx, ip)
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}

	now := s.now()
	sessions := make([]*domain.Session, 0, len(tokens))
	for _, token := range tokens {
		session, err := s.repo.Get(ctx, token)
		if err != nil {
			continue
		}
		if session.IsExpiredAt(now) {
			continue
		}
		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Token < sessions[j].Token
	})
	return sessions, nil
}

// FindExpiringBefore returns tokens whose expiry falls at or before
// the cutoff, including already-expired sessions, ordered soonest
// first.
func (s *SessionService) FindExpiringBefore(ctx context.Context, before time.Time) ([]string, error) {
	tokens, err := s.repo.TokensExpiringBetween(ctx, zset.MinScore, before.UnixMilli())
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}
	return tokens, nil
}

// FindExpiringSoon returns tokens of live sessions that expire within
// the window, ordered soonest first.
func (s *SessionService) FindExpiringSoon(ctx context.Context, window time.Duration) ([]string, error) {
	if window <= 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("window must be positive")
	}

	now := s.now()
	tokens, err := s.repo.TokensExpiringBetween(ctx, now+1, now+window.Milliseconds())
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}
	return tokens, nil
}

// FindInactive returns tokens of sessions untouched for at least the
// window.
func (s *SessionService) FindInactive(ctx context.Context, window time.Duration) ([]string, error) {
	if window <= 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("window must be positive")
	}

	cutoff := s.now() - window.Milliseconds()
	tokens, err := s.repo.TokensInactiveBefore(ctx, cutoff)
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}
	return tokens, nil
}

// ============================================================================
// Session Revoke Operations
// ============================================================================

// Revoke removes a session. Revoking an absent session is not an
// error; the bool reports whether anything was removed.
func (s *SessionService) Revoke(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, domain.ErrMissingArgument.WithDetails("token is required")
	}

	removed, err := s.repo.Delete(ctx, token)
	if err != nil {
		s.metrics.ObserveOp(metric.KindSession, "revoke", metric.OutcomeError)
		return false, domain.ErrStorageError.WithCause(err)
	}

	s.metrics.ObserveOp(metric.KindSession, "revoke", metric.OutcomeOK)
	if removed {
		s.log.Debug("session revoked", "token", token)
	}
	return removed, nil
}

// RevokeByOwner removes all of an owner's sessions. A non-empty
// keepToken survives the sweep; this is how "log out everywhere else"
// keeps the current session alive.
func (s *SessionService) RevokeByOwner(ctx context.Context, ownerID int64, keepToken string) (int, error) {
	// 1. Validate input
	if ownerID <= 0 {
		return 0, domain.ErrMissingArgument.WithDetails("owner_id is required")
	}

	// 2. Resolve the owner's tokens, expired included
	tokens, err := s.repo.TokensByOwner(ctx, ownerID, false, 0)
	if err != nil {
		return 0, domain.ErrStorageError.WithCause(err)
	}

	// 3. Delete all but the kept token. One failed delete is logged
	// and does not abort the batch; the count reflects successes only.
	revoked := 0
	for _, token := range tokens {
		if token == keepToken {
			continue
		}
		removed, err := s.repo.Delete(ctx, token)
		if err != nil {
			s.log.Error("revoke delete failed", "owner_id", ownerID, "token", token, "error", err)
			continue
		}
		if removed {
			revoked++
		}
	}

	s.log.Info("revoked owner sessions",
		"owner_id", ownerID,
		"revoked", revoked,
		"kept_current", keepToken != "",
	)
	return revoked, nil
}

// RevokeByIP removes all live sessions recorded against an IP address.
func (s *SessionService) RevokeByIP(ctx context.Context, ip string) (int, error) {
	if ip == "" {
		return 0, domain.ErrMissingArgument.WithDetails("ip is required")
	}

	tokens, err := s.repo.TokensByIP(ctx, ip)
	if err != nil {
		return 0, domain.ErrStorageError.WithCause(err)
	}

	revoked := 0
	for _, token := range tokens {
		removed, err := s.repo.Delete(ctx, token)
		if err != nil {
			s.log.Error("revoke delete failed", "ip", ip, "token", token, "error", err)
			continue
		}
		if removed {
			revoked++
		}
	}

	// IP-wide revocation is an incident response action, so it logs
	// louder than the per-token path.
	s.log.Warn("revoked sessions by ip", "ip", ip, "revoked", revoked)
	return revoked, nil
}

// ============================================================================
// Session Cleanup Operations
// ============================================================================

// CleanupExpired removes sessions past expiry in paced batches.
// Returns the number of sessions removed.
func (s *SessionService) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultCleanupBatchSize
	}

	run := ulid.Make().String()
	limiter := rate.NewLimiter(rate.Every(s.cleanupPause), 1)
	removed := 0

	for batch := 0; ; batch++ {
		// The cutoff moves with the clock so sessions expiring during
		// a long run are picked up too.
		tokens, err := s.repo.TokensExpiringBetween(ctx, zset.MinScore, s.now())
		if err != nil {
			return removed, domain.ErrStorageError.WithCause(err)
		}
		if len(tokens) == 0 {
			break
		}
		if len(tokens) > batchSize {
			tokens = tokens[:batchSize]
		}

		batchRemoved := 0
		for _, token := range tokens {
			ok, err := s.repo.Delete(ctx, token)
			if err != nil {
				// Best-effort: one failed delete does not stop the run.
				s.log.Error("cleanup delete failed", "run", run, "token", token, "error", err)
				continue
			}
			if ok {
				removed++
				batchRemoved++
			}
		}
		if batchRemoved == 0 {
			// Nothing moved; stop rather than spin on a failing batch.
			break
		}

		s.log.Debug("cleanup batch done", "run", run, "batch", batch, "removed", removed)

		if err := limiter.Wait(ctx); err != nil {
			return removed, err
		}
	}

	s.metrics.ObserveCleanup(metric.KindSession, removed)
	if removed > 0 {
		s.log.Info("expired sessions cleaned", "run", run, "removed", removed)
	}
	return removed, nil
}

// CleanupInactive removes sessions untouched for at least the window,
// in paced batches. Returns the number of sessions removed.
func (s *SessionService) CleanupInactive(ctx context.Context, window time.Duration, batchSize int) (int, error) {
	if window <= 0 {
		return 0, domain.ErrInvalidArgument.WithDetails("window must be positive")
	}
	if batchSize <= 0 {
		batchSize = DefaultCleanupBatchSize
	}

	run := ulid.Make().String()
	limiter := rate.NewLimiter(rate.Every(s.cleanupPause), 1)
	removed := 0

	for batch := 0; ; batch++ {
		tokens, err := s.repo.TokensInactiveBefore(ctx, s.now()-window.Milliseconds())
		if err != nil {
			return removed, domain.ErrStorageError.WithCause(err)
		}
		if len(tokens) == 0 {
			break
		}
		if len(tokens) > batchSize {
			tokens = tokens[:batchSize]
		}

		batchRemoved := 0
		for _, token := range tokens {
			ok, err := s.repo.Delete(ctx, token)
			if err != nil {
				s.log.Error("cleanup delete failed", "run", run, "token", token, "error", err)
				continue
			}
			if ok {
				removed++
				batchRemoved++
			}
		}
		if batchRemoved == 0 {
			break
		}

		s.log.Debug("cleanup batch done", "run", run, "batch", batch, "removed", removed)

		if err := limiter.Wait(ctx); err != nil {
			return removed, err
		}
	}

	s.metrics.ObserveCleanup(metric.KindSession, removed)
	if removed > 0 {
		s.log.Info("inactive sessions cleaned", "run", run, "removed", removed)
	}
	return removed, nil
}
