package badgerkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"

	"github.com/nyrvik/tokenvault/internal/core/domain"
	"github.com/nyrvik/tokenvault/internal/storage"
)

// Session key families. Timestamp segments use be64 so the natural
// key order is ascending time with token lexical order breaking ties.
//
//	s:<token>                         record JSON
//	sid:<be64 id>                     token
//	sx:<be64 expiry>:<token>          expiry index
//	sa:<be64 activity>:<token>        activity index
//	so:<be64 owner>:<be64 exp>:<tok>  per-owner index, expiry ordered
//	sp:<ip>:<token>                   IP index, horizon TTL
const (
	sessKeyPrefix    = "s:"
	sessIDPrefix     = "sid:"
	sessExpiryPrefix = "sx:"
	sessActPrefix    = "sa:"
	sessOwnerPrefix  = "so:"
	sessIPPrefix     = "sp:"
)

// SessionStore implements storage.SessionRepository on Badger.
type SessionStore struct {
	store       *Store
	maxPerOwner int
}

var _ storage.SessionRepository = (*SessionStore)(nil)

func sessKey(token string) []byte {
	return []byte(sessKeyPrefix + token)
}

func sessIDKey(id int64) []byte {
	return append([]byte(sessIDPrefix), be64(id)...)
}

func sessExpiryKey(expiresAt int64, token string) []byte {
	k := append([]byte(sessExpiryPrefix), be64(expiresAt)...)
	k = append(k, ':')
	return append(k, token...)
}

func sessActKey(activityAt int64, token string) []byte {
	k := append([]byte(sessActPrefix), be64(activityAt)...)
	k = append(k, ':')
	return append(k, token...)
}

func sessOwnerKey(ownerID, expiresAt int64, token string) []byte {
	k := append([]byte(sessOwnerPrefix), be64(ownerID)...)
	k = append(k, ':')
	k = append(k, be64(expiresAt)...)
	k = append(k, ':')
	return append(k, token...)
}

func sessOwnerScanPrefix(ownerID int64) []byte {
	k := append([]byte(sessOwnerPrefix), be64(ownerID)...)
	return append(k, ':')
}

func sessIPKey(ip, token string) []byte {
	return []byte(sessIPPrefix + ip + ":" + token)
}

// splitTimeKey parses "<prefix><be64>:<token>" keys.
func splitTimeKey(key []byte, prefix string) (ts int64, token string) {
	rest := key[len(prefix):]
	return decodeBE64(rest[:8]), string(rest[9:])
}

// splitOwnerKey parses "so:<be64 owner>:<be64 exp>:<token>" keys.
func splitOwnerKey(key []byte) (expiresAt int64, token string) {
	rest := key[len(sessOwnerPrefix)+9:]
	return decodeBE64(rest[:8]), string(rest[9:])
}

func marshalSession(s *domain.Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: marshal session: %w", err)
	}
	return data, nil
}

func unmarshalSession(data []byte) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("badgerkv: unmarshal session: %w", err)
	}
	return &s, nil
}

// getSessionTxn reads and decodes a session inside a transaction.
func getSessionTxn(txn *badger.Txn, token string) (*domain.Session, error) {
	item, err := txn.Get(sessKey(token))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrSessionNotFound.WithDetails("token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("badgerkv: read session: %w", err)
	}
	var sess *domain.Session
	err = item.Value(func(val []byte) error {
		var derr error
		sess, derr = unmarshalSession(val)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// writeSessionTxn writes the record and its record-scoped index
// entries. The IP entry is not among them: its horizon runs from
// insertion, so only Create writes it.
func (s *SessionStore) writeSessionTxn(txn *badger.Txn, sess *domain.Session) error {
	data, err := marshalSession(sess)
	if err != nil {
		return err
	}
	ttl := s.store.entryTTL(sess.ExpiresAt)

	if err := txn.SetEntry(badger.NewEntry(sessKey(sess.Token), data).WithTTL(ttl)); err != nil {
		return err
	}
	if err := txn.SetEntry(badger.NewEntry(sessIDKey(sess.ID), []byte(sess.Token)).WithTTL(ttl)); err != nil {
		return err
	}
	if err := setIndexEntry(txn, sessExpiryKey(sess.ExpiresAt, sess.Token), ttl); err != nil {
		return err
	}
	if err := setIndexEntry(txn, sessActKey(sess.LastActivityAt, sess.Token), ttl); err != nil {
		return err
	}
	if err := setIndexEntry(txn, sessOwnerKey(sess.OwnerID, sess.ExpiresAt, sess.Token), ttl); err != nil {
		return err
	}
	return nil
}

// deleteSessionTxn removes the record and every index entry.
func deleteSessionTxn(txn *badger.Txn, sess *domain.Session) error {
	keys := [][]byte{
		sessKey(sess.Token),
		sessIDKey(sess.ID),
		sessExpiryKey(sess.ExpiresAt, sess.Token),
		sessActKey(sess.LastActivityAt, sess.Token),
		sessOwnerKey(sess.OwnerID, sess.ExpiresAt, sess.Token),
	}
	if sess.IPAddress != "" {
		keys = append(keys, sessIPKey(sess.IPAddress, sess.Token))
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ownerEntry is one per-owner index row read during Create.
type ownerEntry struct {
	expiresAt int64
	token     string
}

// scanOwnerTxn lists an owner's index rows inside a transaction, in
// key order (expiry ascending, token lexical on ties).
func scanOwnerTxn(txn *badger.Txn, ownerID int64) []ownerEntry {
	prefix := sessOwnerScanPrefix(ownerID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var entries []ownerEntry
	for it.Rewind(); it.Valid(); it.Next() {
		exp, token := splitOwnerKey(it.Item().KeyCopy(nil))
		entries = append(entries, ownerEntry{expiresAt: exp, token: token})
	}
	return entries
}

// Create stores a session, evicting the owner's expired and
// earliest-expiring sessions as needed to respect the per-owner cap.
// The record, its indexes, and every eviction commit as one
// transaction.
func (s *SessionStore) Create(ctx context.Context, sess *domain.Session) ([]string, error) {
	now := s.store.now()

	var evicted []string
	err := s.store.db.Update(func(txn *badger.Txn) error {
		evicted = evicted[:0]

		_, err := txn.Get(sessKey(sess.Token))
		if err == nil {
			return domain.ErrSessionConflict.WithDetails("token already exists")
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("badgerkv: check session: %w", err)
		}

		entries := scanOwnerTxn(txn, sess.OwnerID)

		// Expired sessions do not count against the cap; drop them
		// first.
		var live []ownerEntry
		for _, e := range entries {
			if e.expiresAt <= now {
				removed, err := s.removeByTokenTxn(txn, sess.OwnerID, e)
				if err != nil {
					return err
				}
				if removed {
					evicted = append(evicted, e.token)
				}
				continue
			}
			live = append(live, e)
		}

		if s.maxPerOwner > 0 {
			for len(live) >= s.maxPerOwner {
				victim := live[0]
				live = live[1:]
				removed, err := s.removeByTokenTxn(txn, sess.OwnerID, victim)
				if err != nil {
					return err
				}
				if removed {
					evicted = append(evicted, victim.token)
				}
			}
		}

		if err := s.writeSessionTxn(txn, sess); err != nil {
			return err
		}
		if sess.IPAddress != "" {
			return setIndexEntry(txn, sessIPKey(sess.IPAddress, sess.Token), s.store.ipHorizon)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// removeByTokenTxn deletes a session and its indexes given its owner
// index row. When the record already self-expired only the orphan
// index row is dropped and the removal is not reported.
func (s *SessionStore) removeByTokenTxn(txn *badger.Txn, ownerID int64, e ownerEntry) (bool, error) {
	sess, err := getSessionTxn(txn, e.token)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return false, txn.Delete(sessOwnerKey(ownerID, e.expiresAt, e.token))
		}
		return false, err
	}
	return true, deleteSessionTxn(txn, sess)
}

// Get retrieves a session by token. The read is physical: an expired
// session still inside its retention grace is returned as stored.
func (s *SessionStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	var sess *domain.Session
	err := s.store.db.View(func(txn *badger.Txn) error {
		var err error
		sess, err = getSessionTxn(txn, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetByID resolves the id index and reads the session.
func (s *SessionStore) GetByID(ctx context.Context, id int64) (*domain.Session, error) {
	var sess *domain.Session
	err := s.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessIDKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrSessionNotFound.WithDetails("id not found")
		}
		if err != nil {
			return fmt.Errorf("badgerkv: read id index: %w", err)
		}
		var token string
		if err := item.Value(func(val []byte) error {
			token = string(val)
			return nil
		}); err != nil {
			return err
		}
		sess, err = getSessionTxn(txn, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Touch advances the activity timestamp, never backwards, and moves
// the activity index entry with it.
func (s *SessionStore) Touch(ctx context.Context, token string, at int64) (bool, error) {
	found := false
	err := s.store.db.Update(func(txn *badger.Txn) error {
		sess, err := getSessionTxn(txn, token)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return nil
			}
			return err
		}
		found = true
		if at <= sess.LastActivityAt {
			return nil
		}
		if err := txn.Delete(sessActKey(sess.LastActivityAt, token)); err != nil {
			return err
		}
		sess.LastActivityAt = at
		return s.writeSessionTxn(txn, sess)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Extend moves the expiry and rewrites every expiry-keyed entry.
func (s *SessionStore) Extend(ctx context.Context, token string, expiresAt int64) (bool, error) {
	found := false
	err := s.store.db.Update(func(txn *badger.Txn) error {
		sess, err := getSessionTxn(txn, token)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return nil
			}
			return err
		}
		found = true
		if expiresAt == sess.ExpiresAt {
			return nil
		}
		if err := txn.Delete(sessExpiryKey(sess.ExpiresAt, token)); err != nil {
			return err
		}
		if err := txn.Delete(sessOwnerKey(sess.OwnerID, sess.ExpiresAt, token)); err != nil {
			return err
		}
		sess.ExpiresAt = expiresAt
		return s.writeSessionTxn(txn, sess)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Delete removes a session and all of its index entries.
func (s *SessionStore) Delete(ctx context.Context, token string) (bool, error) {
	found := false
	err := s.store.db.Update(func(txn *badger.Txn) error {
		sess, err := getSessionTxn(txn, token)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return nil
			}
			return err
		}
		found = true
		return deleteSessionTxn(txn, sess)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// TokensByOwner lists the owner's tokens in ascending expiry order.
func (s *SessionStore) TokensByOwner(ctx context.Context, ownerID int64, liveOnly bool, now int64) ([]string, error) {
	tokens := []string{}
	err := s.store.scanKeys(sessOwnerScanPrefix(ownerID), func(key []byte) bool {
		exp, token := splitOwnerKey(key)
		if liveOnly && exp <= now {
			return true
		}
		tokens = append(tokens, token)
		return true
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// TokensByIP lists the tokens recorded against an IP. Entries fall out
// of the index on their own once the horizon TTL lapses.
func (s *SessionStore) TokensByIP(ctx context.Context, ip string) ([]string, error) {
	prefix := []byte(sessIPPrefix + ip + ":")
	tokens := []string{}
	err := s.store.scanKeys(prefix, func(key []byte) bool {
		tokens = append(tokens, string(key[len(prefix):]))
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(tokens)
	return tokens, nil
}

// TokensExpiringBetween scans the expiry index over [from, until].
func (s *SessionStore) TokensExpiringBetween(ctx context.Context, from, until int64) ([]string, error) {
	tokens := []string{}
	err := s.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessExpiryPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(sessExpiryPrefix), be64(from)...)
		for it.Seek(seek); it.Valid(); it.Next() {
			exp, token := splitTimeKey(it.Item().KeyCopy(nil), sessExpiryPrefix)
			if exp > until {
				break
			}
			tokens = append(tokens, token)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// TokensInactiveBefore scans the activity index up to the cutoff.
func (s *SessionStore) TokensInactiveBefore(ctx context.Context, cutoff int64) ([]string, error) {
	tokens := []string{}
	err := s.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessActPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			act, token := splitTimeKey(it.Item().KeyCopy(nil), sessActPrefix)
			if act > cutoff {
				break
			}
			tokens = append(tokens, token)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// CountByOwner counts the owner's tracked sessions.
func (s *SessionStore) CountByOwner(ctx context.Context, ownerID int64) (int, error) {
	count := 0
	err := s.store.scanKeys(sessOwnerScanPrefix(ownerID), func([]byte) bool {
		count++
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// NextID allocates the next session handle from the shared sequence.
// Sequences hand out values from zero; handles start at one.
func (s *SessionStore) NextID(ctx context.Context) (int64, error) {
	n, err := s.store.seqSess.Next()
	if err != nil {
		return 0, fmt.Errorf("badgerkv: next session id: %w", err)
	}
	return int64(n) + 1, nil
}

// Stats walks the primary records and summarizes them.
func (s *SessionStore) Stats(ctx context.Context, now int64) (*storage.SessionStats, error) {
	stats := &storage.SessionStats{}
	owners := make(map[int64]struct{})

	err := s.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				sess, err := unmarshalSession(val)
				if err != nil {
					return err
				}
				stats.TotalTracked++
				if sess.IsExpiredAt(now) {
					stats.Expired++
				} else {
					stats.Live++
				}
				owners[sess.OwnerID] = struct{}{}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Owners = len(owners)
	return stats, nil
}
