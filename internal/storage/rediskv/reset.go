package rediskv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/nyrvik/tokenvault/internal/core/domain"
	"github.com/nyrvik/tokenvault/internal/storage"
)

// Reset token key layout, mirroring the session layout plus the two
// state sets.
//
//	reset_token:<token>       record hash
//	reset_token:id:<id>       token lookup by numeric handle
//	reset_token:id_seq        handle counter
//	reset_token:user:<owner>  zset of tokens scored by expiry
//	reset_token:expiry        zset of all tokens scored by expiry
//	reset_token:pending       set of unconsumed tokens
//	reset_token:used          set of consumed tokens
const (
	resetHashPrefix  = "reset_token:"
	resetIDSeqKey    = "reset_token:id_seq"
	resetIDKeyPrefix = "reset_token:id:"
	resetUserPrefix  = "reset_token:user:"
	resetExpiryKey   = "reset_token:expiry"
	resetPendingKey  = "reset_token:pending"
	resetUsedKey     = "reset_token:used"
)

// ResetTokenStore implements storage.ResetTokenRepository on Redis.
type ResetTokenStore struct {
	store *Store
}

var _ storage.ResetTokenRepository = (*ResetTokenStore)(nil)

func (s *ResetTokenStore) hashKey(token string) string {
	return s.store.key(resetHashPrefix + token)
}

func (s *ResetTokenStore) idKey(id int64) string {
	return s.store.key(resetIDKeyPrefix + strconv.FormatInt(id, 10))
}

func (s *ResetTokenStore) userKey(ownerID int64) string {
	return s.store.key(resetUserPrefix + strconv.FormatInt(ownerID, 10))
}

func resetToMap(rt *domain.ResetToken) map[string]any {
	used := 0
	if rt.IsUsed {
		used = 1
	}
	return map[string]any{
		"token":      rt.Token,
		"id":         rt.ID,
		"owner_id":   rt.OwnerID,
		"created_at": rt.CreatedAt,
		"expires_at": rt.ExpiresAt,
		"is_used":    used,
		"used_at":    rt.UsedAt,
	}
}

func resetFromMap(fields map[string]string) (*domain.ResetToken, error) {
	parse := func(name string) (int64, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("rediskv: reset token field %s: %w", name, err)
		}
		return v, nil
	}

	rt := &domain.ResetToken{Token: fields["token"]}
	var err error
	if rt.ID, err = parse("id"); err != nil {
		return nil, err
	}
	if rt.OwnerID, err = parse("owner_id"); err != nil {
		return nil, err
	}
	if rt.CreatedAt, err = parse("created_at"); err != nil {
		return nil, err
	}
	if rt.ExpiresAt, err = parse("expires_at"); err != nil {
		return nil, err
	}
	used, err := parse("is_used")
	if err != nil {
		return nil, err
	}
	rt.IsUsed = used != 0
	if rt.UsedAt, err = parse("used_at"); err != nil {
		return nil, err
	}
	return rt, nil
}

func (s *ResetTokenStore) fetch(ctx context.Context, token string) (*domain.ResetToken, error) {
	fields, err := s.store.client.HGetAll(ctx, s.hashKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read reset token: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return resetFromMap(fields)
}

// Create stores a reset token in the pending state. No per-owner cap
// applies.
func (s *ResetTokenStore) Create(ctx context.Context, rt *domain.ResetToken) error {
	exists, err := s.store.client.Exists(ctx, s.hashKey(rt.Token)).Result()
	if err != nil {
		return fmt.Errorf("rediskv: check reset token: %w", err)
	}
	if exists > 0 {
		return domain.ErrResetTokenConflict.WithDetails("token already exists")
	}

	deadline := expireAt(rt.ExpiresAt)
	pipe := s.store.client.TxPipeline()
	pipe.HSet(ctx, s.hashKey(rt.Token), resetToMap(rt))
	pipe.PExpireAt(ctx, s.hashKey(rt.Token), deadline)
	pipe.Set(ctx, s.idKey(rt.ID), rt.Token, 0)
	pipe.PExpireAt(ctx, s.idKey(rt.ID), deadline)
	pipe.ZAdd(ctx, s.userKey(rt.OwnerID), redis.Z{Score: float64(rt.ExpiresAt), Member: rt.Token})
	pipe.ZAdd(ctx, s.store.key(resetExpiryKey), redis.Z{Score: float64(rt.ExpiresAt), Member: rt.Token})
	pipe.SAdd(ctx, s.store.key(resetPendingKey), rt.Token)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediskv: create reset token: %w", err)
	}
	return nil
}

// Get retrieves a reset token. Physical read, as for sessions.
func (s *ResetTokenStore) Get(ctx context.Context, token string) (*domain.ResetToken, error) {
	rt, err := s.fetch(ctx, token)
	if err != nil {
		return nil, err
	}
	if rt == nil {
		return nil, domain.ErrResetTokenNotFound.WithDetails("token not found")
	}
	return rt, nil
}

// GetByID resolves the id key and reads the token.
func (s *ResetTokenStore) GetByID(ctx context.Context, id int64) (*domain.ResetToken, error) {
	token, err := s.store.client.Get(ctx, s.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrResetTokenNotFound.WithDetails("id not found")
	}
	if err != nil {
		return nil, fmt.Errorf("rediskv: read id key: %w", err)
	}
	return s.Get(ctx, token)
}

// MarkUsed performs the one-way pending-to-used transition and moves
// the token between the state sets in one MULTI/EXEC block.
func (s *ResetTokenStore) MarkUsed(ctx context.Context, token string, usedAt int64) (bool, error) {
	rt, err := s.fetch(ctx, token)
	if err != nil {
		return false, err
	}
	if rt == nil {
		return false, domain.ErrResetTokenNotFound.WithDetails("token not found")
	}
	if !rt.MarkUsed(usedAt) {
		return false, nil
	}

	pipe := s.store.client.TxPipeline()
	pipe.HSet(ctx, s.hashKey(token), "is_used", 1, "used_at", usedAt)
	pipe.SRem(ctx, s.store.key(resetPendingKey), token)
	pipe.SAdd(ctx, s.store.key(resetUsedKey), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rediskv: mark reset token used: %w", err)
	}
	return true, nil
}

// Delete removes the token and all of its index entries.
func (s *ResetTokenStore) Delete(ctx context.Context, token string) (bool, error) {
	rt, err := s.fetch(ctx, token)
	if err != nil {
		return false, err
	}
	if rt == nil {
		return false, nil
	}

	pipe := s.store.client.TxPipeline()
	pipe.Del(ctx, s.hashKey(token))
	pipe.Del(ctx, s.idKey(rt.ID))
	pipe.ZRem(ctx, s.userKey(rt.OwnerID), token)
	pipe.ZRem(ctx, s.store.key(resetExpiryKey), token)
	pipe.SRem(ctx, s.store.key(resetPendingKey), token)
	pipe.SRem(ctx, s.store.key(resetUsedKey), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rediskv: delete reset token: %w", err)
	}
	return true, nil
}

// TokensByOwner lists the owner's tokens in ascending expiry order.
// The pending filter costs one membership probe per token.
func (s *ResetTokenStore) TokensByOwner(ctx context.Context, ownerID int64, pendingOnly bool) ([]string, error) {
	tokens, err := s.store.client.ZRangeByScore(ctx, s.userKey(ownerID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read owner index: %w", err)
	}
	if !pendingOnly || len(tokens) == 0 {
		return tokens, nil
	}

	flags, err := s.store.client.SMIsMember(ctx, s.store.key(resetPendingKey), toAnySlice(tokens)...).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: probe pending set: %w", err)
	}
	pending := []string{}
	for i, token := range tokens {
		if flags[i] {
			pending = append(pending, token)
		}
	}
	return pending, nil
}

// TokensExpiringBetween queries the expiry zset over [from, until].
func (s *ResetTokenStore) TokensExpiringBetween(ctx context.Context, from, until int64) ([]string, error) {
	tokens, err := s.store.client.ZRangeByScore(ctx, s.store.key(resetExpiryKey), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(until, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read expiry index: %w", err)
	}
	return tokens, nil
}

// PendingTokens lists tokens in the pending state, token order.
func (s *ResetTokenStore) PendingTokens(ctx context.Context) ([]string, error) {
	return s.stateSet(ctx, resetPendingKey)
}

// UsedTokens lists tokens in the used state, token order.
func (s *ResetTokenStore) UsedTokens(ctx context.Context) ([]string, error) {
	return s.stateSet(ctx, resetUsedKey)
}

func (s *ResetTokenStore) stateSet(ctx context.Context, key string) ([]string, error) {
	tokens, err := s.store.client.SMembers(ctx, s.store.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read state set: %w", err)
	}
	sort.Strings(tokens)
	return tokens, nil
}

// NextID allocates the next token handle from the shared counter.
func (s *ResetTokenStore) NextID(ctx context.Context) (int64, error) {
	id, err := s.store.client.Incr(ctx, s.store.key(resetIDSeqKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("rediskv: next reset token id: %w", err)
	}
	return id, nil
}

// Stats summarizes the expiry zset and the state sets.
func (s *ResetTokenStore) Stats(ctx context.Context, now int64) (*storage.ResetTokenStats, error) {
	client := s.store.client

	total, err := client.ZCard(ctx, s.store.key(resetExpiryKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: count expiry index: %w", err)
	}
	live, err := client.ZCount(ctx, s.store.key(resetExpiryKey), "("+strconv.FormatInt(now, 10), "+inf").Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: count live tokens: %w", err)
	}
	pending, err := client.SCard(ctx, s.store.key(resetPendingKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: count pending set: %w", err)
	}
	used, err := client.SCard(ctx, s.store.key(resetUsedKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: count used set: %w", err)
	}

	return &storage.ResetTokenStats{
		TotalTracked: int(total),
		Live:         int(live),
		Expired:      int(total - live),
		Pending:      int(pending),
		Used:         int(used),
	}, nil
}

func toAnySlice(tokens []string) []any {
	out := make([]any, len(tokens))
	for i, t := range tokens {
		out[i] = t
	}
	return out
}
