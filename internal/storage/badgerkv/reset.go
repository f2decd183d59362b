package badgerkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/nyrvik/tokenvault/internal/core/domain"
	"github.com/nyrvik/tokenvault/internal/storage"
)

// Reset token key families, mirroring the session layout plus the two
// state sets.
//
//	r:<token>                         record JSON
//	rid:<be64 id>                     token
//	rx:<be64 expiry>:<token>          expiry index
//	ro:<be64 owner>:<be64 exp>:<tok>  per-owner index, expiry ordered
//	rp:<token>                        pending state set
//	ru:<token>                        used state set
const (
	resetKeyPrefix     = "r:"
	resetIDPrefix      = "rid:"
	resetExpiryPrefix  = "rx:"
	resetOwnerPrefix   = "ro:"
	resetPendingPrefix = "rp:"
	resetUsedPrefix    = "ru:"
)

// ResetTokenStore implements storage.ResetTokenRepository on Badger.
type ResetTokenStore struct {
	store *Store
}

var _ storage.ResetTokenRepository = (*ResetTokenStore)(nil)

func resetKey(token string) []byte {
	return []byte(resetKeyPrefix + token)
}

func resetIDKey(id int64) []byte {
	return append([]byte(resetIDPrefix), be64(id)...)
}

func resetExpiryKey(expiresAt int64, token string) []byte {
	k := append([]byte(resetExpiryPrefix), be64(expiresAt)...)
	k = append(k, ':')
	return append(k, token...)
}

func resetOwnerKey(ownerID, expiresAt int64, token string) []byte {
	k := append([]byte(resetOwnerPrefix), be64(ownerID)...)
	k = append(k, ':')
	k = append(k, be64(expiresAt)...)
	k = append(k, ':')
	return append(k, token...)
}

func resetOwnerScanPrefix(ownerID int64) []byte {
	k := append([]byte(resetOwnerPrefix), be64(ownerID)...)
	return append(k, ':')
}

func resetStateKey(prefix, token string) []byte {
	return []byte(prefix + token)
}

func unmarshalResetToken(data []byte) (*domain.ResetToken, error) {
	var r domain.ResetToken
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("badgerkv: unmarshal reset token: %w", err)
	}
	return &r, nil
}

func getResetTxn(txn *badger.Txn, token string) (*domain.ResetToken, error) {
	item, err := txn.Get(resetKey(token))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrResetTokenNotFound.WithDetails("token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("badgerkv: read reset token: %w", err)
	}
	var rt *domain.ResetToken
	err = item.Value(func(val []byte) error {
		var derr error
		rt, derr = unmarshalResetToken(val)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// writeResetTxn writes the record, indexes, and the state set entry
// matching the record's current state.
func (s *ResetTokenStore) writeResetTxn(txn *badger.Txn, rt *domain.ResetToken) error {
	data, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("badgerkv: marshal reset token: %w", err)
	}
	ttl := s.store.entryTTL(rt.ExpiresAt)

	if err := txn.SetEntry(badger.NewEntry(resetKey(rt.Token), data).WithTTL(ttl)); err != nil {
		return err
	}
	if err := txn.SetEntry(badger.NewEntry(resetIDKey(rt.ID), []byte(rt.Token)).WithTTL(ttl)); err != nil {
		return err
	}
	if err := setIndexEntry(txn, resetExpiryKey(rt.ExpiresAt, rt.Token), ttl); err != nil {
		return err
	}
	if err := setIndexEntry(txn, resetOwnerKey(rt.OwnerID, rt.ExpiresAt, rt.Token), ttl); err != nil {
		return err
	}
	statePrefix := resetPendingPrefix
	if rt.IsUsed {
		statePrefix = resetUsedPrefix
	}
	return setIndexEntry(txn, resetStateKey(statePrefix, rt.Token), ttl)
}

func deleteResetTxn(txn *badger.Txn, rt *domain.ResetToken) error {
	keys := [][]byte{
		resetKey(rt.Token),
		resetIDKey(rt.ID),
		resetExpiryKey(rt.ExpiresAt, rt.Token),
		resetOwnerKey(rt.OwnerID, rt.ExpiresAt, rt.Token),
		resetStateKey(resetPendingPrefix, rt.Token),
		resetStateKey(resetUsedPrefix, rt.Token),
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Create stores a reset token in the pending state. No per-owner cap
// applies.
func (s *ResetTokenStore) Create(ctx context.Context, rt *domain.ResetToken) error {
	return s.store.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(resetKey(rt.Token))
		if err == nil {
			return domain.ErrResetTokenConflict.WithDetails("token already exists")
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("badgerkv: check reset token: %w", err)
		}
		return s.writeResetTxn(txn, rt)
	})
}

// Get retrieves a reset token. Physical read, as for sessions.
func (s *ResetTokenStore) Get(ctx context.Context, token string) (*domain.ResetToken, error) {
	var rt *domain.ResetToken
	err := s.store.db.View(func(txn *badger.Txn) error {
		var err error
		rt, err = getResetTxn(txn, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// GetByID resolves the id index and reads the token.
func (s *ResetTokenStore) GetByID(ctx context.Context, id int64) (*domain.ResetToken, error) {
	var rt *domain.ResetToken
	err := s.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resetIDKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrResetTokenNotFound.WithDetails("id not found")
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
		rt, err = getResetTxn(txn, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// MarkUsed performs the one-way pending-to-used transition and moves
// the token between the state sets in the same transaction.
func (s *ResetTokenStore) MarkUsed(ctx context.Context, token string, usedAt int64) (bool, error) {
	transitioned := false
	err := s.store.db.Update(func(txn *badger.Txn) error {
		rt, err := getResetTxn(txn, token)
		if err != nil {
			return err
		}
		if !rt.MarkUsed(usedAt) {
			return nil
		}
		transitioned = true
		if err := txn.Delete(resetStateKey(resetPendingPrefix, token)); err != nil {
			return err
		}
		return s.writeResetTxn(txn, rt)
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// Delete removes the token and all of its index entries.
func (s *ResetTokenStore) Delete(ctx context.Context, token string) (bool, error) {
	found := false
	err := s.store.db.Update(func(txn *badger.Txn) error {
		rt, err := getResetTxn(txn, token)
		if err != nil {
			if errors.Is(err, domain.ErrResetTokenNotFound) {
				return nil
			}
			return err
		}
		found = true
		return deleteResetTxn(txn, rt)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// TokensByOwner lists the owner's tokens in ascending expiry order.
// Filtering on pending needs the record state, so each hit costs one
// point read.
func (s *ResetTokenStore) TokensByOwner(ctx context.Context, ownerID int64, pendingOnly bool) ([]string, error) {
	tokens := []string{}
	err := s.store.db.View(func(txn *badger.Txn) error {
		prefix := resetOwnerScanPrefix(ownerID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			token := string(key[len(prefix)+9:])
			if pendingOnly {
				_, err := txn.Get(resetStateKey(resetPendingPrefix, token))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return fmt.Errorf("badgerkv: read state set: %w", err)
				}
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

// TokensExpiringBetween scans the expiry index over [from, until].
func (s *ResetTokenStore) TokensExpiringBetween(ctx context.Context, from, until int64) ([]string, error) {
	tokens := []string{}
	err := s.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(resetExpiryPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(resetExpiryPrefix), be64(from)...)
		for it.Seek(seek); it.Valid(); it.Next() {
			exp, token := splitTimeKey(it.Item().KeyCopy(nil), resetExpiryPrefix)
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

// PendingTokens lists tokens in the pending state, token order.
func (s *ResetTokenStore) PendingTokens(ctx context.Context) ([]string, error) {
	return s.stateSet(resetPendingPrefix)
}

// UsedTokens lists tokens in the used state, token order.
func (s *ResetTokenStore) UsedTokens(ctx context.Context) ([]string, error) {
	return s.stateSet(resetUsedPrefix)
}

func (s *ResetTokenStore) stateSet(prefix string) ([]string, error) {
	tokens := []string{}
	err := s.store.scanKeys([]byte(prefix), func(key []byte) bool {
		tokens = append(tokens, string(key[len(prefix):]))
		return true
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// NextID allocates the next token handle from the shared sequence.
func (s *ResetTokenStore) NextID(ctx context.Context) (int64, error) {
	n, err := s.store.seqReset.Next()
	if err != nil {
		return 0, fmt.Errorf("badgerkv: next reset token id: %w", err)
	}
	return int64(n) + 1, nil
}

// Stats walks the primary records and summarizes them.
func (s *ResetTokenStore) Stats(ctx context.Context, now int64) (*storage.ResetTokenStats, error) {
	stats := &storage.ResetTokenStats{}

	err := s.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(resetKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rt, err := unmarshalResetToken(val)
				if err != nil {
					return err
				}
				stats.TotalTracked++
				if rt.IsExpiredAt(now) {
					stats.Expired++
				} else {
					stats.Live++
				}
				if rt.IsUsed {
					stats.Used++
				} else {
					stats.Pending++
				}
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
	return stats, nil
}
