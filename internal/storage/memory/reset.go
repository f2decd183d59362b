package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nyrvik/tokenvault/internal/core/domain"
	"github.com/nyrvik/tokenvault/internal/storage"
	"github.com/nyrvik/tokenvault/pkg/zset"
)

// ResetTokenStore is the in-memory reset token repository.
type ResetTokenStore struct {
	mu sync.RWMutex

	// Primary index: token -> record
	tokens map[string]*domain.ResetToken

	// Secondary index: numeric id -> token
	byID map[int64]string

	// Per-owner expiry-ordered index
	byOwner map[int64]*zset.Set

	// Global expiry-ordered index
	byExpiry *zset.Set

	// State sets: a token lives in exactly one of the two
	pending map[string]struct{}
	used    map[string]struct{}

	seq atomic.Int64
}

// NewResetTokenStore creates an empty in-memory reset token store.
func NewResetTokenStore() *ResetTokenStore {
	return &ResetTokenStore{
		tokens:   make(map[string]*domain.ResetToken),
		byID:     make(map[int64]string),
		byOwner:  make(map[int64]*zset.Set),
		byExpiry: zset.New(),
		pending:  make(map[string]struct{}),
		used:     make(map[string]struct{}),
	}
}

// Create stores a new reset token in the pending state.
func (s *ResetTokenStore) Create(_ context.Context, token *domain.ResetToken) error {
	if err := token.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.Token]; ok {
		return domain.ErrResetTokenConflict
	}

	clone := token.Clone()
	s.tokens[clone.Token] = clone
	s.byID[clone.ID] = clone.Token

	owner, ok := s.byOwner[clone.OwnerID]
	if !ok {
		owner = zset.New()
		s.byOwner[clone.OwnerID] = owner
	}
	owner.Add(clone.Token, clone.ExpiresAt)
	s.byExpiry.Add(clone.Token, clone.ExpiresAt)

	if clone.IsUsed {
		s.used[clone.Token] = struct{}{}
	} else {
		s.pending[clone.Token] = struct{}{}
	}
	return nil
}

// Get retrieves a reset token. Expired but unswept tokens are still
// returned.
func (s *ResetTokenStore) Get(_ context.Context, token string) (*domain.ResetToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokens[token]
	if !ok {
		return nil, domain.ErrResetTokenNotFound
	}
	return record.Clone(), nil
}

// GetByID retrieves a reset token through the id index.
func (s *ResetTokenStore) GetByID(_ context.Context, id int64) (*domain.ResetToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrResetTokenNotFound
	}
	record, ok := s.tokens[token]
	if !ok {
		return nil, domain.ErrResetTokenNotFound
	}
	return record.Clone(), nil
}

// MarkUsed performs the pending-to-used transition. The record flag
// and the two state sets flip together under the lock.
func (s *ResetTokenStore) MarkUsed(_ context.Context, token string, usedAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[token]
	if !ok {
		return false, domain.ErrResetTokenNotFound
	}
	if !record.MarkUsed(usedAt) {
		return false, nil
	}
	delete(s.pending, token)
	s.used[token] = struct{}{}
	return true, nil
}

// Delete removes the token and all of its index entries.
func (s *ResetTokenStore) Delete(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[token]
	if !ok {
		return false, nil
	}

	delete(s.tokens, token)
	delete(s.byID, record.ID)
	delete(s.pending, token)
	delete(s.used, token)
	s.byExpiry.Remove(token)

	if owner, ok := s.byOwner[record.OwnerID]; ok {
		owner.Remove(token)
		if owner.Card() == 0 {
			delete(s.byOwner, record.OwnerID)
		}
	}
	return true, nil
}

// TokensByOwner returns the owner's tokens ordered by ascending
// expiry. With pendingOnly, used tokens are omitted.
func (s *ResetTokenStore) TokensByOwner(_ context.Context, ownerID int64, pendingOnly bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.byOwner[ownerID]
	if !ok {
		return nil, nil
	}

	members := owner.Members()
	if !pendingOnly {
		return members, nil
	}

	filtered := members[:0]
	for _, token := range members {
		if _, used := s.used[token]; !used {
			filtered = append(filtered, token)
		}
	}
	return filtered, nil
}

// TokensExpiringBetween returns tokens with from <= expiry <= until.
func (s *ResetTokenStore) TokensExpiringBetween(_ context.Context, from, until int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byExpiry.RangeByScore(from, until), nil
}

// PendingTokens returns all tokens in the pending state.
func (s *ResetTokenStore) PendingTokens(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.pending), nil
}

// UsedTokens returns all tokens in the used state.
func (s *ResetTokenStore) UsedTokens(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.used), nil
}

// NextID allocates the next numeric token handle.
func (s *ResetTokenStore) NextID(_ context.Context) (int64, error) {
	return s.seq.Add(1), nil
}

// Stats summarizes the store at the given instant.
func (s *ResetTokenStore) Stats(_ context.Context, now int64) (*storage.ResetTokenStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.ResetTokenStats{
		TotalTracked: len(s.tokens),
		Pending:      len(s.pending),
		Used:         len(s.used),
	}
	for _, record := range s.tokens {
		if record.IsExpiredAt(now) {
			stats.Expired++
		} else {
			stats.Live++
		}
	}
	return stats, nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ storage.ResetTokenRepository = (*ResetTokenStore)(nil)
