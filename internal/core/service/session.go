package service

import (
	"context"
	"time"

	"github.com/nyrvik/tokenvault/internal/core/domain"
	"github.com/nyrvik/tokenvault/internal/storage"
	"github.com/nyrvik/tokenvault/internal/telemetry/logger"
	"github.com/nyrvik/tokenvault/internal/telemetry/metric"
)

// DefaultCleanupBatchSize bounds one cleanup batch.
const DefaultCleanupBatchSize = 100

// DefaultCleanupPause is the pause between cleanup batches.
const DefaultCleanupPause = 10 * time.Millisecond

// SessionService handles session lifecycle operations.
type SessionService struct {
	repo             storage.SessionRepository
	log              logger.Logger
	metrics          *metric.Collector
	clock            func() time.Time
	defaultTTL       time.Duration
	inactivityWindow time.Duration
	cleanupPause     time.Duration
}

// SessionServiceOption configures the SessionService.
type SessionServiceOption func(*SessionService)

// WithSessionLogger sets the service logger.
func WithSessionLogger(l logger.Logger) SessionServiceOption {
	return func(s *SessionService) {
		s.log = l
	}
}

// WithSessionMetrics sets the metrics collector. A nil collector
// disables instrumentation.
func WithSessionMetrics(c *metric.Collector) SessionServiceOption {
	return func(s *SessionService) {
		s.metrics = c
	}
}

// WithSessionClock injects the time source.
func WithSessionClock(clock func() time.Time) SessionServiceOption {
	return func(s *SessionService) {
		s.clock = clock
	}
}

// WithSessionTTL sets the default session lifetime.
func WithSessionTTL(ttl time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		s.defaultTTL = ttl
	}
}

// WithInactivityWindow sets the window after which an untouched
// session counts as inactive.
func WithInactivityWindow(d time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		s.inactivityWindow = d
	}
}

// WithSessionCleanupPause sets the pause between cleanup batches.
func WithSessionCleanupPause(d time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		s.cleanupPause = d
	}
}

// NewSessionService creates a new SessionService.
func NewSessionService(repo storage.SessionRepository, opts ...SessionServiceOption) *SessionService {
	s := &SessionService{
		repo:             repo,
		log:              logger.Default(),
		clock:            time.Now,
		defaultTTL:       domain.DefaultSessionTTL,
		inactivityWindow: domain.DefaultInactivityWindow,
		cleanupPause:     DefaultCleanupPause,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *SessionService) now() int64 {
	return s.clock().UnixMilli()
}

// ============================================================================
// Session Create Operation
// ============================================================================

// CreateSessionRequest contains parameters for session creation.
type CreateSessionRequest struct {
	OwnerID   int64         // Required
	IPAddress string        // Client IP address
	UserAgent string        // Client User-Agent
	TTL       time.Duration // Optional, defaults to the service TTL
}

// CreateSessionResponse contains the result of session creation.
type CreateSessionResponse struct {
	Token     string          // The plaintext bearer token (only returned once)
	ExpiresAt int64           // Expiration timestamp (Unix ms)
	Session   *domain.Session // The full session record
	Evicted   []string        // Tokens evicted by the per-owner cap
}

// Create creates a new session.
func (s *SessionService) Create(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	// 1. Validate required fields
	if req.OwnerID <= 0 {
		return nil, domain.ErrMissingArgument.WithDetails("owner_id is required")
	}

	// 2. Generate token and numeric handle
	token, err := domain.NewSessionToken()
	if err != nil {
		s.metrics.ObserveOp(metric.KindSession, "create", metric.OutcomeError)
		return nil, err
	}
	id, err := s.repo.NextID(ctx)
	if err != nil {
		s.metrics.ObserveOp(metric.KindSession, "create", metric.OutcomeError)
		return nil, domain.ErrStorageError.WithCause(err)
	}

	// 3. Build the session record
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	session := &domain.Session{
		Token:          token,
		ID:             id,
		OwnerID:        req.OwnerID,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		CreatedAt:      now,
		ExpiresAt:      now + ttl.Milliseconds(),
		LastActivityAt: now,
	}

	// 4. Validate
	if err := session.Validate(); err != nil {
		s.metrics.ObserveOp(metric.KindSession, "create", metric.OutcomeRejected)
		return nil, err
	}

	// 5. Persist; the backend evicts at the per-owner cap
	evicted, err := s.repo.Create(ctx, session)
	if err != nil {
		if domain.IsDomainError(err, "") {
			s.metrics.ObserveOp(metric.KindSession, "create", metric.OutcomeRejected)
			return nil, err
		}
		s.metrics.ObserveOp(metric.KindSession, "create", metric.OutcomeError)
		return nil, domain.ErrStorageError.WithCause(err)
	}

	if len(evicted) > 0 {
		s.metrics.AddEvictions(len(evicted))
		s.log.Info("evicted sessions at owner cap",
			"owner_id", req.OwnerID,
			"evicted", len(evicted),
		)
	}

	s.metrics.ObserveOp(metric.KindSession, "create", metric.OutcomeOK)
	s.log.Debug("session created",
		"owner_id", req.OwnerID,
		"session_id", id,
		"token", token,
		"expires_at", session.ExpiresAt,
	)

	return &CreateSessionResponse{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		Session:   session,
		Evicted:   evicted,
	}, nil
}

// ============================================================================
// Session Query Operations
// ============================================================================

// Get retrieves a live session by token.
func (s *SessionService) Get(ctx context.Context, token string) (*domain.Session, error) {
	// 1. Validate input
	if token == "" {
		return nil, domain.ErrMissingArgument.WithDetails("token is required")
	}

	// 2. Retrieve from storage (physical read)
	session, err := s.repo.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	// 3. Apply liveness: an unswept expired record does not count
	if session.IsExpiredAt(s.now()) {
		return nil, domain.ErrSessionExpired
	}

	return session, nil
}

// GetByID retrieves a live session by its numeric handle.
func (s *SessionService) GetByID(ctx context.Context, id int64) (*domain.Session, error) {
	if id <= 0 {
		return nil, domain.ErrMissingArgument.WithDetails("id is required")
	}

	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsExpiredAt(s.now()) {
		return nil, domain.ErrSessionExpired
	}
	return session, nil
}

// Validate checks whether a session token is usable. Absence and
// staleness are reported as reasons, not errors; the error return is
// reserved for storage failures.
func (s *SessionService) Validate(ctx context.Context, token string) (bool, string, error) {
	// 1. Validate input
	if token == "" {
		return false, domain.ReasonNotFound, nil
	}

	// 2. Physical read to distinguish absent from expired
	session, err := s.repo.Get(ctx, token)
	if err != nil {
		if domain.IsDomainError(err, "TV-SESS-4040") {
			return false, domain.ReasonNotFound, nil
		}
		return false, "", domain.ErrStorageError.WithCause(err)
	}

	// 3. Liveness checks
	now := s.now()
	if session.IsExpiredAt(now) {
		return false, domain.ReasonExpired, nil
	}
	if s.inactivityWindow > 0 && session.IsInactiveAt(now, s.inactivityWindow) {
		return false, domain.ReasonInactive, nil
	}

	return true, "", nil
}

// ============================================================================
// Session Update Operations
// ============================================================================

// Touch advances the session's activity timestamp. Returns false when
// the session is absent or already expired.
func (s *SessionService) Touch(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, domain.ErrMissingArgument.WithDetails("token is required")
	}

	session, err := s.repo.Get(ctx, token)
	if err != nil {
		if domain.IsDomainError(err, "TV-SESS-4040") {
			return false, nil
		}
		return false, domain.ErrStorageError.WithCause(err)
	}

	now := s.now()
	if session.IsExpiredAt(now) {
		return false, nil
	}

	ok, err := s.repo.Touch(ctx, token, now)
	if err != nil {
		return false, domain.ErrStorageError.WithCause(err)
	}
	return ok, nil
}

// Extend moves the session's expiry to now + ttl. Returns false when
// the session is absent or already expired.
func (s *SessionService) Extend(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	// 1. Validate input
	if token == "" {
		return false, domain.ErrMissingArgument.WithDetails("token is required")
	}
	if ttl <= 0 {
		return false, domain.ErrInvalidArgument.WithDetails("ttl must be positive")
	}

	// 2. Only live sessions can be extended
	session, err := s.repo.Get(ctx, token)
	if err != nil {
		if domain.IsDomainError(err, "TV-SESS-4040") {
			return false, nil
		}
		return false, domain.ErrStorageError.WithCause(err)
	}
	now := s.now()
	if session.IsExpiredAt(now) {
		return false, nil
	}

	// 3. Move the expiry across the record and indexes
	ok, err := s.repo.Extend(ctx, token, now+ttl.Milliseconds())
	if err != nil {
		return false, domain.ErrStorageError.WithCause(err)
	}
	return ok, nil
}

// ============================================================================
// Session Stats
// ============================================================================

// Stats summarizes the session store and refreshes the gauges.
func (s *SessionService) Stats(ctx context.Context) (*storage.SessionStats, error) {
	stats, err := s.repo.Stats(ctx, s.now())
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}

	s.metrics.SetTracked(metric.KindSession, stats.TotalTracked)
	s.metrics.SetLive(metric.KindSession, stats.Live)

	return stats, nil
}

// OwnerStats summarizes one owner's sessions.
type OwnerStats struct {
	OwnerID        int64    `json:"owner_id"`
	Total          int      `json:"total"`
	Live           int      `json:"live"`
	LatestActivity int64    `json:"latest_activity"`
	IPAddresses    []string `json:"ip_addresses"`
	UserAgents     []string `json:"user_agents"`
}

// StatsByOwner summarizes the tracked sessions of one owner.
func (s *SessionService) StatsByOwner(ctx context.Context, ownerID int64) (*OwnerStats, error) {
	if ownerID <= 0 {
		return nil, domain.ErrMissingArgument.WithDetails("owner_id is required")
	}

	tokens, err := s.repo.TokensByOwner(ctx, ownerID, false, 0)
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err)
	}

	now := s.now()
	stats := &OwnerStats{OwnerID: ownerID}
	seenIP := make(map[string]struct{})
	seenUA := make(map[string]struct{})

	for _, token := range tokens {
		session, err := s.repo.Get(ctx, token)
		if err != nil {
			continue // index raced a delete
		}
		stats.Total++
		if !session.IsExpiredAt(now) {
			stats.Live++
		}
		if session.LastActivityAt > stats.LatestActivity {
			stats.LatestActivity = session.LastActivityAt
		}
		if session.IPAddress != "" {
			if _, ok := seenIP[session.IPAddress]; !ok {
				seenIP[session.IPAddress] = struct{}{}
				stats.IPAddresses = append(stats.IPAddresses, session.IPAddress)
			}
		}
		if session.UserAgent != "" {
			if _, ok := seenUA[session.UserAgent]; !ok {
				seenUA[session.UserAgent] = struct{}{}
				stats.UserAgents = append(stats.UserAgents, session.UserAgent)
			}
		}
	}

	return stats, nil
}
