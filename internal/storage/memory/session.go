package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyrvik/tokenvault/internal/core/domain"
	"github.com/nyrvik/tokenvault/internal/storage"
	"github.com/nyrvik/tokenvault/pkg/zset"
)

// ipBucket tracks the tokens recorded against one IP address. The
// bucket deadline advances on every insertion; a bucket past its
// deadline is dropped wholesale on the next access.
type ipBucket struct {
	tokens   map[string]struct{}
	deadline int64
}

// SessionStore is the in-memory session repository.
type SessionStore struct {
	mu sync.RWMutex

	// Primary index: token -> session
	sessions map[string]*domain.Session

	// Secondary index: numeric id -> token
	byID map[int64]string

	// Per-owner expiry-ordered index: owner -> (token scored by expiry)
	byOwner map[int64]*zset.Set

	// Global expiry-ordered index: token scored by expiry
	byExpiry *zset.Set

	// Global activity-ordered index: token scored by last activity
	byActivity *zset.Set

	// Best-effort IP index: ip -> bucket of tokens
	byIP map[string]*ipBucket

	seq atomic.Int64

	maxPerOwner int
	ipHorizon   time.Duration
	clock       func() time.Time
}

// SessionOption configures the SessionStore.
type SessionOption func(*SessionStore)

// WithMaxSessionsPerOwner sets the per-owner session cap.
func WithMaxSessionsPerOwner(max int) SessionOption {
	return func(s *SessionStore) {
		s.maxPerOwner = max
	}
}

// WithIPIndexHorizon sets the retention horizon of the IP index.
func WithIPIndexHorizon(d time.Duration) SessionOption {
	return func(s *SessionStore) {
		s.ipHorizon = d
	}
}

// WithClock injects the time source. Tests use this to steer expiry.
func WithClock(clock func() time.Time) SessionOption {
	return func(s *SessionStore) {
		s.clock = clock
	}
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore(opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		sessions:    make(map[string]*domain.Session),
		byID:        make(map[int64]string),
		byOwner:     make(map[int64]*zset.Set),
		byExpiry:    zset.New(),
		byActivity:  zset.New(),
		byIP:        make(map[string]*ipBucket),
		maxPerOwner: domain.DefaultMaxSessionsPerOwner,
		ipHorizon:   domain.DefaultIPIndexHorizon,
		clock:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Create stores a new session, evicting the owner's earliest-expiring
// sessions when the cap would be exceeded.
func (s *SessionStore) Create(_ context.Context, session *domain.Session) ([]string, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.Token]; ok {
		return nil, domain.ErrSessionConflict
	}

	now := s.clock().UnixMilli()
	evicted := s.makeRoomLocked(session.OwnerID, now)

	clone := session.Clone()
	s.sessions[clone.Token] = clone
	s.byID[clone.ID] = clone.Token
	s.ownerSetLocked(clone.OwnerID).Add(clone.Token, clone.ExpiresAt)
	s.byExpiry.Add(clone.Token, clone.ExpiresAt)
	s.byActivity.Add(clone.Token, clone.LastActivityAt)
	s.addIPLocked(clone.IPAddress, clone.Token, now)

	return evicted, nil
}

// makeRoomLocked prunes the owner's already-expired sessions, then
// evicts earliest-expiring live sessions until one slot is free.
// Returns the evicted tokens. Caller holds the write lock.
func (s *SessionStore) makeRoomLocked(ownerID, now int64) []string {
	owner, ok := s.byOwner[ownerID]
	if !ok {
		return nil
	}

	var evicted []string
	for _, token := range owner.RangeByScore(zset.MinScore, now) {
		s.removeLocked(token)
		evicted = append(evicted, token)
	}

	if s.maxPerOwner <= 0 {
		return evicted
	}
	for owner.Card() >= s.maxPerOwner {
		token, _, ok := owner.Min()
		if !ok {
			break
		}
		s.removeLocked(token)
		evicted = append(evicted, token)
	}
	return evicted
}

// ownerSetLocked returns the owner's index, creating it on first use.
func (s *SessionStore) ownerSetLocked(ownerID int64) *zset.Set {
	owner, ok := s.byOwner[ownerID]
	if !ok {
		owner = zset.New()
		s.byOwner[ownerID] = owner
	}
	return owner
}

// addIPLocked records the token against the IP and slides the bucket
// deadline forward.
func (s *SessionStore) addIPLocked(ip, token string, now int64) {
	if ip == "" {
		return
	}
	bucket, ok := s.byIP[ip]
	if !ok || bucket.deadline <= now {
		bucket = &ipBucket{tokens: make(map[string]struct{})}
		s.byIP[ip] = bucket
	}
	bucket.tokens[token] = struct{}{}
	bucket.deadline = now + s.ipHorizon.Milliseconds()
}

// removeLocked deletes the session and every index entry pointing at
// it. The IP bucket entry is removed too, though the bucket itself
// only dies by horizon. Caller holds the write lock.
func (s *SessionStore) removeLocked(token string) bool {
	session, ok := s.sessions[token]
	if !ok {
		return false
	}

	delete(s.sessions, token)
	delete(s.byID, session.ID)
	s.byExpiry.Remove(token)
	s.byActivity.Remove(token)

	if owner, ok := s.byOwner[session.OwnerID]; ok {
		owner.Remove(token)
		if owner.Card() == 0 {
			delete(s.byOwner, session.OwnerID)
		}
	}
	if bucket, ok := s.byIP[session.IPAddress]; ok {
		delete(bucket.tokens, token)
		if len(bucket.tokens) == 0 {
			delete(s.byIP, session.IPAddress)
		}
	}
	return true
}

// Get retrieves a session by token. Expired but unswept sessions are
// still returned.
func (s *SessionStore) Get(_ context.Context, token string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// GetByID retrieves a session through the id index.
func (s *SessionStore) GetByID(_ context.Context, id int64) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	session, ok := s.sessions[token]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Touch advances the session's activity timestamp and index entry.
func (s *SessionStore) Touch(_ context.Context, token string, at int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return false, nil
	}
	session.Touch(at)
	s.byActivity.Add(token, session.LastActivityAt)
	return true, nil
}

// Extend moves the session's expiry across the record and every
// expiry-ordered index.
func (s *SessionStore) Extend(_ context.Context, token string, expiresAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return false, nil
	}
	session.ExpiresAt = expiresAt
	s.byExpiry.Add(token, expiresAt)
	s.ownerSetLocked(session.OwnerID).Add(token, expiresAt)
	return true, nil
}

// Delete removes the session and all of its index entries.
func (s *SessionStore) Delete(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(token), nil
}

// TokensByOwner returns the owner's tokens ordered by ascending
// expiry.
func (s *SessionStore) TokensByOwner(_ context.Context, ownerID int64, liveOnly bool, now int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.byOwner[ownerID]
	if !ok {
		return nil, nil
	}
	if liveOnly {
		return owner.RangeByScore(now+1, zset.MaxScore), nil
	}
	return owner.Members(), nil
}

// TokensByIP returns the tokens recorded against the IP. A bucket past
// its horizon is dropped.
func (s *SessionStore) TokensByIP(_ context.Context, ip string) ([]string, error) {
	now := s.clock().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.byIP[ip]
	if !ok {
		return nil, nil
	}
	if bucket.deadline <= now {
		delete(s.byIP, ip)
		return nil, nil
	}

	tokens := make([]string, 0, len(bucket.tokens))
	for token := range bucket.tokens {
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// TokensExpiringBetween returns tokens with from <= expiry <= until.
func (s *SessionStore) TokensExpiringBetween(_ context.Context, from, until int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byExpiry.RangeByScore(from, until), nil
}

// TokensInactiveBefore returns tokens whose last activity is at or
// before the cutoff.
func (s *SessionStore) TokensInactiveBefore(_ context.Context, cutoff int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byActivity.RangeByScore(zset.MinScore, cutoff), nil
}

// CountByOwner returns the number of tracked sessions for the owner,
// expired sessions included.
func (s *SessionStore) CountByOwner(_ context.Context, ownerID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.byOwner[ownerID]
	if !ok {
		return 0, nil
	}
	return owner.Card(), nil
}

// NextID allocates the next numeric session handle.
func (s *SessionStore) NextID(_ context.Context) (int64, error) {
	return s.seq.Add(1), nil
}

// Stats summarizes the store at the given instant.
func (s *SessionStore) Stats(_ context.Context, now int64) (*storage.SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.SessionStats{
		TotalTracked: len(s.sessions),
		Owners:       len(s.byOwner),
	}
	for _, session := range s.sessions {
		if session.IsExpiredAt(now) {
			stats.Expired++
		} else {
			stats.Live++
		}
	}
	return stats, nil
}

var _ storage.SessionRepository = (*SessionStore)(nil)
