// Package badgerkv provides Badger-backed storage for TokenVault.
//
// Records are stored as JSON values keyed by token. Every secondary
// index is a key-encoded entry whose byte order matches the query
// order: big-endian timestamps sort numerically, so a prefix scan
// walks expiry and activity indexes cheapest-first with ties falling
// back to token lexical order. Each mutation runs in one Update
// transaction so the record and all of its index entries move
// together.
//
// Badger's entry TTL gives records native self-expiry. Entries carry
// a retention grace past logical expiry so an unswept record is still
// physically readable; the service layer decides what expiry means.
package badgerkv

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/nyrvik/tokenvault/internal/telemetry/logger"
)

// RetentionGrace keeps a record physically present past its logical
// expiry so validation can still tell "expired" from "never existed".
const RetentionGrace = time.Hour

// sequenceBandwidth is the id lease size per kind.
const sequenceBandwidth = 128

// Store wraps a Badger database shared by the session and reset token
// repositories.
type Store struct {
	db        *badger.DB
	seqSess   *badger.Sequence
	seqReset  *badger.Sequence
	clock     func() time.Time
	ipHorizon time.Duration
	log       logger.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithIPIndexHorizon sets the retention horizon of the IP index.
func WithIPIndexHorizon(d time.Duration) Option {
	return func(s *Store) {
		s.ipHorizon = d
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open opens or creates the database at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		clock:     time.Now,
		ipHorizon: 24 * time.Hour,
		log:       logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	badgerOpts := badger.DefaultOptions(dir)
	badgerOpts.Logger = &badgerLogger{log: s.log}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open db: %w", err)
	}
	s.db = db

	s.seqSess, err = db.GetSequence([]byte("seq:session"), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badgerkv: session sequence: %w", err)
	}
	s.seqReset, err = db.GetSequence([]byte("seq:reset"), sequenceBandwidth)
	if err != nil {
		s.seqSess.Release()
		db.Close()
		return nil, fmt.Errorf("badgerkv: reset sequence: %w", err)
	}

	s.log.Info("badger store opened", "dir", dir)
	return s, nil
}

// Close releases the id sequences and closes the database.
func (s *Store) Close() error {
	if err := s.seqSess.Release(); err != nil {
		s.log.Error("release session sequence", "error", err)
	}
	if err := s.seqReset.Release(); err != nil {
		s.log.Error("release reset sequence", "error", err)
	}
	return s.db.Close()
}

// RunGC runs one value log garbage collection pass.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

// Sessions returns the session repository view of the store.
func (s *Store) Sessions(maxPerOwner int) *SessionStore {
	return &SessionStore{store: s, maxPerOwner: maxPerOwner}
}

// ResetTokens returns the reset token repository view of the store.
func (s *Store) ResetTokens() *ResetTokenStore {
	return &ResetTokenStore{store: s}
}

func (s *Store) now() int64 {
	return s.clock().UnixMilli()
}

// entryTTL converts an absolute expiry into the entry lifetime,
// retention grace included. Entries already past their grace get a
// short floor so Badger never receives a dead entry; the next sweep
// removes them explicitly anyway.
func (s *Store) entryTTL(expiresAt int64) time.Duration {
	ttl := time.Duration(expiresAt-s.now())*time.Millisecond + RetentionGrace
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// be64 encodes a signed timestamp for key ordering. Flipping the sign
// bit makes negative values sort before positive ones.
func be64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return b[:]
}

// decodeBE64 reverses be64.
func decodeBE64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// setIndexEntry writes an index key with no value and the given TTL.
func setIndexEntry(txn *badger.Txn, key []byte, ttl time.Duration) error {
	return txn.SetEntry(badger.NewEntry(key, nil).WithTTL(ttl))
}

// scanKeys iterates keys under a prefix, invoking fn with each full
// key. fn returns false to stop.
func (s *Store) scanKeys(prefix []byte, fn func(key []byte) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if !fn(it.Item().KeyCopy(nil)) {
				break
			}
		}
		return nil
	})
}

// badgerLogger adapts the application logger to Badger's interface.
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
