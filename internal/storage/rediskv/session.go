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

// Session key layout, all under the configured namespace prefix.
//
//	session:<token>        record hash, expires with retention grace
//	session:id:<id>        token lookup by numeric handle
//	session:id_seq         handle counter
//	session:user:<owner>   zset of tokens scored by expiry
//	session:expiry         zset of all tokens scored by expiry
//	session:activity       zset of all tokens scored by last activity
//	session:ip:<ip>        set of tokens, horizon TTL
const (
	sessHashPrefix  = "session:"
	sessIDSeqKey    = "session:id_seq"
	sessIDKeyPrefix = "session:id:"
	sessUserPrefix  = "session:user:"
	sessExpiryKey   = "session:expiry"
	sessActKey      = "session:activity"
	sessIPPrefix    = "session:ip:"
)

// SessionStore implements storage.SessionRepository on Redis.
type SessionStore struct {
	store       *Store
	maxPerOwner int
}

var _ storage.SessionRepository = (*SessionStore)(nil)

func (s *SessionStore) hashKey(token string) string {
	return s.store.key(sessHashPrefix + token)
}

func (s *SessionStore) idKey(id int64) string {
	return s.store.key(sessIDKeyPrefix + strconv.FormatInt(id, 10))
}

func (s *SessionStore) userKey(ownerID int64) string {
	return s.store.key(sessUserPrefix + strconv.FormatInt(ownerID, 10))
}

func (s *SessionStore) ipKey(ip string) string {
	return s.store.key(sessIPPrefix + ip)
}

func sessionToMap(sess *domain.Session) map[string]any {
	return map[string]any{
		"token":            sess.Token,
		"id":               sess.ID,
		"owner_id":         sess.OwnerID,
		"ip_address":       sess.IPAddress,
		"user_agent":       sess.UserAgent,
		"created_at":       sess.CreatedAt,
		"expires_at":       sess.ExpiresAt,
		"last_activity_at": sess.LastActivityAt,
	}
}

func sessionFromMap(fields map[string]string) (*domain.Session, error) {
	parse := func(name string) (int64, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("rediskv: session field %s: %w", name, err)
		}
		return v, nil
	}

	sess := &domain.Session{
		Token:     fields["token"],
		IPAddress: fields["ip_address"],
		UserAgent: fields["user_agent"],
	}
	var err error
	if sess.ID, err = parse("id"); err != nil {
		return nil, err
	}
	if sess.OwnerID, err = parse("owner_id"); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parse("created_at"); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parse("expires_at"); err != nil {
		return nil, err
	}
	if sess.LastActivityAt, err = parse("last_activity_at"); err != nil {
		return nil, err
	}
	return sess, nil
}

// fetch reads and decodes a session hash, nil when absent.
func (s *SessionStore) fetch(ctx context.Context, token string) (*domain.Session, error) {
	fields, err := s.store.client.HGetAll(ctx, s.hashKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return sessionFromMap(fields)
}

// writeInPipe queues the record and every index write.
func (s *SessionStore) writeInPipe(ctx context.Context, pipe redis.Pipeliner, sess *domain.Session) {
	deadline := expireAt(sess.ExpiresAt)

	pipe.HSet(ctx, s.hashKey(sess.Token), sessionToMap(sess))
	pipe.PExpireAt(ctx, s.hashKey(sess.Token), deadline)
	pipe.Set(ctx, s.idKey(sess.ID), sess.Token, 0)
	pipe.PExpireAt(ctx, s.idKey(sess.ID), deadline)
	pipe.ZAdd(ctx, s.userKey(sess.OwnerID), redis.Z{Score: float64(sess.ExpiresAt), Member: sess.Token})
	pipe.ZAdd(ctx, s.store.key(sessExpiryKey), redis.Z{Score: float64(sess.ExpiresAt), Member: sess.Token})
	pipe.ZAdd(ctx, s.store.key(sessActKey), redis.Z{Score: float64(sess.LastActivityAt), Member: sess.Token})
	if sess.IPAddress != "" {
		pipe.SAdd(ctx, s.ipKey(sess.IPAddress), sess.Token)
		pipe.Expire(ctx, s.ipKey(sess.IPAddress), s.store.ipHorizon)
	}
}

// removeInPipe queues removal of the record and every index entry.
func (s *SessionStore) removeInPipe(ctx context.Context, pipe redis.Pipeliner, sess *domain.Session) {
	pipe.Del(ctx, s.hashKey(sess.Token))
	pipe.Del(ctx, s.idKey(sess.ID))
	pipe.ZRem(ctx, s.userKey(sess.OwnerID), sess.Token)
	pipe.ZRem(ctx, s.store.key(sessExpiryKey), sess.Token)
	pipe.ZRem(ctx, s.store.key(sessActKey), sess.Token)
	if sess.IPAddress != "" {
		pipe.SRem(ctx, s.ipKey(sess.IPAddress), sess.Token)
	}
}

// removeOrphanInPipe cleans index entries whose hash already expired.
func (s *SessionStore) removeOrphanInPipe(ctx context.Context, pipe redis.Pipeliner, ownerID int64, token string) {
	pipe.ZRem(ctx, s.userKey(ownerID), token)
	pipe.ZRem(ctx, s.store.key(sessExpiryKey), token)
	pipe.ZRem(ctx, s.store.key(sessActKey), token)
}

// Create stores a session, evicting the owner's expired and
// earliest-expiring sessions as needed to respect the per-owner cap.
// The record and its index writes commit as one MULTI/EXEC block.
func (s *SessionStore) Create(ctx context.Context, sess *domain.Session) ([]string, error) {
	now := s.store.now()
	client := s.store.client

	exists, err := client.Exists(ctx, s.hashKey(sess.Token)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: check session: %w", err)
	}
	if exists > 0 {
		return nil, domain.ErrSessionConflict.WithDetails("token already exists")
	}

	members, err := client.ZRangeWithScores(ctx, s.userKey(sess.OwnerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read owner index: %w", err)
	}

	// Partition the owner's tokens. Expired ones never count against
	// the cap; live ones arrive in eviction order already.
	var victims []string
	var live []string
	for _, m := range members {
		token := m.Member.(string)
		if int64(m.Score) <= now {
			victims = append(victims, token)
			continue
		}
		live = append(live, token)
	}
	if s.maxPerOwner > 0 {
		for len(live) >= s.maxPerOwner {
			victims = append(victims, live[0])
			live = live[1:]
		}
	}

	evicted := []string{}
	pipe := client.TxPipeline()
	for _, token := range victims {
		victim, err := s.fetch(ctx, token)
		if err != nil {
			return nil, err
		}
		if victim == nil {
			s.removeOrphanInPipe(ctx, pipe, sess.OwnerID, token)
			continue
		}
		s.removeInPipe(ctx, pipe, victim)
		evicted = append(evicted, token)
	}
	s.writeInPipe(ctx, pipe, sess)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rediskv: create session: %w", err)
	}
	return evicted, nil
}

// Get retrieves a session by token. The read is physical: an expired
// session still inside its retention grace is returned as stored.
func (s *SessionStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	sess, err := s.fetch(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrSessionNotFound.WithDetails("token not found")
	}
	return sess, nil
}

// GetByID resolves the id key and reads the session.
func (s *SessionStore) GetByID(ctx context.Context, id int64) (*domain.Session, error) {
	token, err := s.store.client.Get(ctx, s.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound.WithDetails("id not found")
	}
	if err != nil {
		return nil, fmt.Errorf("rediskv: read id key: %w", err)
	}
	return s.Get(ctx, token)
}

// Touch advances the activity timestamp, never backwards, and the
// activity index score with it.
func (s *SessionStore) Touch(ctx context.Context, token string, at int64) (bool, error) {
	current, err := s.store.client.HGet(ctx, s.hashKey(token), "last_activity_at").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rediskv: read activity: %w", err)
	}
	prev, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return false, fmt.Errorf("rediskv: session field last_activity_at: %w", err)
	}
	if at <= prev {
		return true, nil
	}

	pipe := s.store.client.TxPipeline()
	pipe.HSet(ctx, s.hashKey(token), "last_activity_at", at)
	pipe.ZAdd(ctx, s.store.key(sessActKey), redis.Z{Score: float64(at), Member: token})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rediskv: touch session: %w", err)
	}
	return true, nil
}

// Extend moves the expiry, rescores the expiry-ordered indexes, and
// pushes the record deadline out.
func (s *SessionStore) Extend(ctx context.Context, token string, expiresAt int64) (bool, error) {
	sess, err := s.fetch(ctx, token)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	deadline := expireAt(expiresAt)
	pipe := s.store.client.TxPipeline()
	pipe.HSet(ctx, s.hashKey(token), "expires_at", expiresAt)
	pipe.PExpireAt(ctx, s.hashKey(token), deadline)
	pipe.PExpireAt(ctx, s.idKey(sess.ID), deadline)
	pipe.ZAdd(ctx, s.userKey(sess.OwnerID), redis.Z{Score: float64(expiresAt), Member: token})
	pipe.ZAdd(ctx, s.store.key(sessExpiryKey), redis.Z{Score: float64(expiresAt), Member: token})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rediskv: extend session: %w", err)
	}
	return true, nil
}

// Delete removes a session and all of its index entries.
func (s *SessionStore) Delete(ctx context.Context, token string) (bool, error) {
	sess, err := s.fetch(ctx, token)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	pipe := s.store.client.TxPipeline()
	s.removeInPipe(ctx, pipe, sess)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rediskv: delete session: %w", err)
	}
	return true, nil
}

// TokensByOwner lists the owner's tokens in ascending expiry order.
func (s *SessionStore) TokensByOwner(ctx context.Context, ownerID int64, liveOnly bool, now int64) ([]string, error) {
	min := "-inf"
	if liveOnly {
		min = "(" + strconv.FormatInt(now, 10)
	}
	tokens, err := s.store.client.ZRangeByScore(ctx, s.userKey(ownerID), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read owner index: %w", err)
	}
	return tokens, nil
}

// TokensByIP lists the tokens recorded against an IP. The whole set
// forgets the IP once the horizon TTL lapses.
func (s *SessionStore) TokensByIP(ctx context.Context, ip string) ([]string, error) {
	tokens, err := s.store.client.SMembers(ctx, s.ipKey(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read ip index: %w", err)
	}
	sort.Strings(tokens)
	return tokens, nil
}

// TokensExpiringBetween queries the expiry zset over [from, until].
func (s *SessionStore) TokensExpiringBetween(ctx context.Context, from, until int64) ([]string, error) {
	tokens, err := s.store.client.ZRangeByScore(ctx, s.store.key(sessExpiryKey), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(until, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read expiry index: %w", err)
	}
	return tokens, nil
}

// TokensInactiveBefore queries the activity zset up to the cutoff.
func (s *SessionStore) TokensInactiveBefore(ctx context.Context, cutoff int64) ([]string, error) {
	tokens, err := s.store.client.ZRangeByScore(ctx, s.store.key(sessActKey), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: read activity index: %w", err)
	}
	return tokens, nil
}

// CountByOwner counts the owner's tracked sessions.
func (s *SessionStore) CountByOwner(ctx context.Context, ownerID int64) (int, error) {
	n, err := s.store.client.ZCard(ctx, s.userKey(ownerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("rediskv: count owner index: %w", err)
	}
	return int(n), nil
}

// NextID allocates the next session handle from the shared counter.
func (s *SessionStore) NextID(ctx context.Context) (int64, error) {
	id, err := s.store.client.Incr(ctx, s.store.key(sessIDSeqKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("rediskv: next session id: %w", err)
	}
	return id, nil
}

// Stats summarizes the expiry zset and counts owner index keys.
func (s *SessionStore) Stats(ctx context.Context, now int64) (*storage.SessionStats, error) {
	client := s.store.client

	total, err := client.ZCard(ctx, s.store.key(sessExpiryKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: count expiry index: %w", err)
	}
	live, err := client.ZCount(ctx, s.store.key(sessExpiryKey), "("+strconv.FormatInt(now, 10), "+inf").Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: count live sessions: %w", err)
	}

	owners := 0
	iter := client.Scan(ctx, 0, s.store.key(sessUserPrefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		owners++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("rediskv: scan owner keys: %w", err)
	}

	return &storage.SessionStats{
		TotalTracked: int(total),
		Live:         int(live),
		Expired:      int(total - live),
		Owners:       owners,
	}, nil
}
