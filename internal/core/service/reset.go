package service

import (
	"context"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/nyrvik/tokenvault/internal/core/domain"
	"github.com/nyrvik/tokenvault/internal/storage"
	"github.com/nyrvik/tokenvault/internal/telemetry/logger"
	"github.com/nyrvik/tokenvault/internal/telemetry/metric"
	"github.com/nyrvik/tokenvault/pkg/zset"
)

// ResetTokenService handles password reset token operations.
type ResetTokenService struct {
	repo         storage.ResetTokenRepository
	log          logger.Logger
	metrics      *metric.Collector
	clock        func() time.Time
	defaultTTL   time.Duration
	cleanupPause time.Duration
}

// ResetTokenServiceOption configures the ResetTokenService.
type ResetTokenServiceOption func(*ResetTokenService)

// WithResetLogger sets the service logger.
func WithResetLogger(l logger.Logger) ResetTokenServiceOption {
	return func(s *ResetTokenService) {
		s.log = l
	}
}

// WithResetMetrics sets the metrics collector.
func WithResetMetrics(c *metric.Collector) ResetTokenServiceOption {
	return func(s *ResetTokenService) {
		s.metrics = c
	}
}

// WithResetClock injects the time source.
func WithResetClock(clock func() time.Time) ResetTokenServiceOption {
	return func(s *ResetTokenService) {
		s.clock = clock
	}
}

// WithResetTTL sets the default reset token lifetime.
func WithResetTTL(ttl time.Duration) ResetTokenServiceOption {
	return func(s *ResetTokenService) {
		s.defaultTTL = ttl
	}
}

// WithResetCleanupPause sets the pause between cleanup batches.
func WithResetCleanupPause(d time.Duration) ResetTokenServiceOption {
	return func(s *ResetTokenService) {
		s.cleanupPause = d
	}
}

// NewResetTokenService creates a new ResetTokenService.
func NewResetTokenService(repo storage.ResetTokenRepository, opts ...ResetTokenServiceOption) *ResetTokenService {
	s := &ResetTokenService{
		repo:         repo,
		log:          logger.Default(),
		clock:        time.Now,
		defaultTTL:   domain.DefaultResetTokenTTL,
		cleanupPause: DefaultCleanupPause,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *ResetTokenService) now() int64 {
	return s.clock().UnixMilli()
}

// ============================================================================
// Reset Token Create Operation
// ============================================================================

// CreateResetTokenRequest contains parameters for reset token creation.
type CreateResetTokenRequest struct {
	OwnerID int64         // Required
	TTL     time.Duration // Optional, defaults to the service TTL
}

// CreateResetTokenResponse contains the result of reset token creation.
type CreateResetTokenResponse struct {
	Token     string             // The plaintext token (only returned once)
	ExpiresAt int64              // Expiration timestamp (Unix ms)
	Record    *domain.ResetToken // The full token record
}

// Create issues a new password reset token. Owners carry no cap on
// pending tokens; each is an independent single-use credential.
func (s *ResetTokenService) Create(ctx context.Context, req *CreateResetTokenRequest) (*CreateResetTokenResponse, error) {
	// 1. Validate required fields
	if req.OwnerID <= 0 {
		return nil, domain.ErrMissingArgument.WithDetails("owner_id is required")
	}

	// 2. Generate token and numeric handle
	token, err := domain.NewResetToken()
	if err != nil {
		s.metrics.ObserveOp(metric.KindResetToken, "create", metric.OutcomeError)
		return nil, err
	}
	id, err := s.repo.NextID(ctx)
	if err != nil {
		s.metrics.ObserveOp(metric.KindResetToken, "create", metric.OutcomeError)
		return nil, domain.ErrStorageError.WithCause(err)
	}

	// 3. Build the record
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	record := &domain.ResetToken{
		Token:     token,
		ID:        id,
		OwnerID:   req.OwnerID,
		CreatedAt: now,
		ExpiresAt: now + ttl.Milliseconds(),
	}

	// 4. Validate and persist
	if err := record.Validate(); err != nil {
		s.metrics.ObserveOp(metric.KindResetToken, "create", metric.OutcomeRejected)
		return nil, err
	}
	if err := s.repo.Create(ctx, record); err != nil {
		if domain.IsDomainError(err, "") {
			s.metrics.ObserveOp(metric.KindResetToken, "create", metric.OutcomeRejected)
			return nil, err
		}
		s.metrics.ObserveOp(metric.KindResetToken, "create", metric.OutcomeError)
		return nil, domain.ErrStorageError.WithCause(err)
	}

	s.metrics.ObserveOp(metric.KindResetToken, "create", metric.OutcomeOK)
	s.log.Debug("reset token issued",
		"owner_id", req.OwnerID,
		"token_id", id,
		"token", token,
		"expires_at", record.ExpiresAt,
	)

	return &CreateResetTokenResponse{
		Token:     token,
		ExpiresAt: record.ExpiresAt,
		Record:    record,
	}, nil
}

// ============================================================================
// Reset Token Query Operations
// ============================================================================

// Get retrieves a live reset token by token string. The record is
// returned even when already used; callers gate consumption through
// MarkUsed or Validate.
func (s *ResetTokenService) Get(ctx context.Context, token string) (*domain.ResetToken, error) {
	if token == "" {
		return nil, domain.ErrMissingArgument.WithDetails("token is required")
	}

	record, err := s.repo.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if record.IsExpiredAt(s.now()) {
		return nil, domain.ErrResetTokenExpired
	}
	return record, nil
}

// GetByID retrieves a live reset token by its numeric handle.
func (s *ResetTokenService) GetByID(ctx context.Context, id int64) (*domain.ResetToken, error) {
	if id <= 0 {
		return nil, domain.ErrMissingArgument.WithDetails("id is required")
	}

	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.IsExpiredAt(s.now()) {
		return nil, domain.ErrResetTokenExpired
	}
	return record, nil
}

// Validate checks whether a reset token is consumable. The used check
// runs before the expiry check so a replayed token always reports
// "already used", even long after it expired.
func (s *ResetTokenService) Validate(ctx context.Context, token string) (bool, string, error) {
	// 1. Validate input
	if token == "" {
		return false, domain.ReasonNotFound, nil
	}

	// 2. Physical read to distinguish the reasons
	record, err := s.repo.Get(ctx, token)
	if err != nil {
		if domain.IsDomainError(err, "TV-RSET-4040") {
			return false, domain.ReasonNotFound, nil
		}
		return false, "", domain.ErrStorageError.WithCause(err)
	}

	// 3. Used before expired
	if record.IsUsed {
		return false, domain.ReasonAlreadyUsed, nil
	}
	if record.IsExpiredAt(s.now()) {
		return false, domain.ReasonExpired, nil
	}

	return true, "", nil
}

// ============================================================================
// Reset Token Consume Operation
// ============================================================================

// MarkUsed consumes a reset token. Returns false when the token was
// already used; the one-way transition never runs twice. An expired
// token cannot be consumed.
func (s *ResetTokenService) MarkUsed(ctx context.Context, token string) (bool, error) {
	// 1. Validate input
	if token == "" {
		return false, domain.ErrMissingArgument.WithDetails("token is required")
	}

	// 2. Load and check liveness
	record, err := s.repo.Get(ctx, token)
	if err != nil {
		return false, err
	}
	if !record.IsUsed && record.IsExpiredAt(s.now()) {
		s.metrics.ObserveOp(metric.KindResetToken, "mark_used", metric.OutcomeRejected)
		return false, domain.ErrResetTokenExpired
	}

	// 3. Flip the state
	ok, err := s.repo.MarkUsed(ctx, token, s.now())
	if err != nil {
		s.metrics.ObserveOp(metric.KindResetToken, "mark_used", metric.OutcomeError)
		return false, domain.ErrStorageError.WithCause(err)
	}
	if !ok {
		// Replay of a consumed token is suspicious enough to warn.
		s.metrics.ObserveOp(metric.KindResetToken, "mark_used", metric.OutcomeRejected)
		s.log.Warn("reset token replay attempt", "token", token, "owner_id", record.OwnerID)
		return false, nil
	}

	s.metrics.ObserveOp(metric.KindResetToken, "mark_used", metric.OutcomeOK)
	s.log.Info("reset token consumed", "owner_id", record.OwnerID, "token_id", record.ID)
	return true, nil
}

// ============================================================================
// Reset Token Find Operations
// ============================================================================

// FindByOwner returns an owner's reset tokens, newest first. With
// includeUsed, consumed tokens are returned too.
func (s *ResetTokenService) FindByOwner(ctx context.Context, ownerID int64, includeUsed bool) ([]*domain.ResetToken, error) {
	if ownerID <= 0 {
		return nil, domain.ErrMissingArgument.WithDetails("owner_id is required")
	}

	tokens, err := s.repo.TokensByOwner(ctx, ownerID, !includeUsed)
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}

	records := make([]*domain.ResetToken, 0, len(tokens))
	for _, token := range tokens {
		record, err := s.repo.Get(ctx, token)
		if err != nil {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt > records[j].CreatedAt
		}
		return records[i].Token < records[j].Token
	})
	return records, nil
}

// FindValidByOwner returns the owner's tokens that are still pending
// and unexpired, newest first.
func (s *ResetTokenService) FindValidByOwner(ctx context.Context, ownerID int64) ([]*domain.ResetToken, error) {
	records, err := s.FindByOwner(ctx, ownerID, false)
	if err != nil {
		return nil, err
	}

	now := s.now()
	valid := records[:0]
	for _, record := range records {
		if !record.IsExpiredAt(now) {
			valid = append(valid, record)
		}
	}
	return valid, nil
}

// FindExpiringBefore returns tokens whose expiry falls at or before
// the cutoff, including already-expired ones, ordered soonest first.
func (s *ResetTokenService) FindExpiringBefore(ctx context.Context, before time.Time) ([]string, error) {
	tokens, err := s.repo.TokensExpiringBetween(ctx, zset.MinScore, before.UnixMilli())
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}
	return tokens, nil
}

// FindPending returns every token in the pending state.
func (s *ResetTokenService) FindPending(ctx context.Context) ([]string, error) {
	tokens, err := s.repo.PendingTokens(ctx)
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}
	return tokens, nil
}

// FindUsed returns every token in the used state.
func (s *ResetTokenService) FindUsed(ctx context.Context) ([]string, error) {
	tokens, err := s.repo.UsedTokens(ctx)
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}
	return tokens, nil
}

// ============================================================================
// Reset Token Revoke and Cleanup
// ============================================================================

// Revoke removes a reset token. Revoking an absent token is not an
// error.
func (s *ResetTokenService) Revoke(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, domain.ErrMissingArgument.WithDetails("token is required")
	}

	removed, err := s.repo.Delete(ctx, token)
	if err != nil {
		return false, domain.ErrStorageError.WithCause(err)
	}
	return removed, nil
}

// RevokeByOwner removes all of an owner's reset tokens. Issued on
// password change so stale reset links die with the old password.
func (s *ResetTokenService) RevokeByOwner(ctx context.Context, ownerID int64) (int, error) {
	if ownerID <= 0 {
		return 0, domain.ErrMissingArgument.WithDetails("owner_id is required")
	}

	tokens, err := s.repo.TokensByOwner(ctx, ownerID, false)
	if err != nil {
		return 0, domain.ErrStorageError.WithCause(err)
	}

	// One failed delete is logged and does not abort the batch; the
	// count reflects successes only.
	revoked := 0
	for _, token := range tokens {
		removed, err := s.repo.Delete(ctx, token)
		if err != nil {
			s.log.Error("revoke delete failed", "owner_id", ownerID, "token", token, "error", err)
			continue
		}
		if removed {
			revoked++
		}
	}

	s.log.Info("revoked owner reset tokens", "owner_id", ownerID, "revoked", revoked)
	return revoked, nil
}

// CleanupExpired removes reset tokens past expiry in paced batches.
// Used tokens past expiry go too. Returns the number removed.
func (s *ResetTokenService) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultCleanupBatchSize
	}

	run := ulid.Make().String()
	limiter := rate.NewLimiter(rate.Every(s.cleanupPause), 1)
	removed := 0

	for batch := 0; ; batch++ {
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

	s.metrics.ObserveCleanup(metric.KindResetToken, removed)
	if removed > 0 {
		s.log.Info("expired reset tokens cleaned", "run", run, "removed", removed)
	}
	return removed, nil
}

// Stats summarizes the reset token store and refreshes the gauges.
func (s *ResetTokenService) Stats(ctx context.Context) (*storage.ResetTokenStats, error) {
	stats, err := s.repo.Stats(ctx, s.now())
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}

	s.metrics.SetTracked(metric.KindResetToken, stats.TotalTracked)
	s.metrics.SetLive(metric.KindResetToken, stats.Live)

	return stats, nil
}
