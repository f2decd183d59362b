// Package rediskv provides Redis-backed storage for TokenVault.
//
// Records are hashes keyed by token. The ordered indexes are sorted
// sets scored by Unix-millisecond timestamps, so range queries come
// back expiry or activity ordered with Redis breaking score ties by
// member lexical order. State sets and the IP index are plain sets.
// Mutations batch the record and all of its index writes into one
// MULTI/EXEC pipeline.
//
// Redis is the backend of choice when several sweeper or application
// instances share one vault.
package rediskv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nyrvik/tokenvault/internal/telemetry/logger"
)

// RetentionGrace keeps a record physically present past its logical
// expiry so validation can still tell "expired" from "never existed".
const RetentionGrace = time.Hour

// Store wraps a Redis client shared by the session and reset token
// repositories.
type Store struct {
	client    *redis.Client
	prefix    string
	clock     func() time.Time
	ipHorizon time.Duration
	log       logger.Logger
}

// Options configures the Store.
type Options struct {
	// Addr is the Redis server address, host:port.
	Addr string

	// Password authenticates the connection, empty for none.
	Password string

	// DB selects the logical database.
	DB int

	// PoolSize caps the connection pool, zero for the client default.
	PoolSize int

	// KeyPrefix namespaces every key, useful on shared instances.
	KeyPrefix string

	// Clock overrides the time source.
	Clock func() time.Time

	// IPIndexHorizon is the retention horizon of the IP index.
	IPIndexHorizon time.Duration

	// Logger overrides the store logger.
	Logger logger.Logger
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("rediskv: ping %s: %w", opts.Addr, err)
	}

	s := &Store{
		client:    client,
		prefix:    opts.KeyPrefix,
		clock:     opts.Clock,
		ipHorizon: opts.IPIndexHorizon,
		log:       opts.Logger,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.ipHorizon <= 0 {
		s.ipHorizon = 24 * time.Hour
	}
	if s.log == nil {
		s.log = logger.Default()
	}

	s.log.Info("redis store connected", "addr", opts.Addr, "db", opts.DB)
	return s, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
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

// key prepends the configured namespace prefix.
func (s *Store) key(parts string) string {
	return s.prefix + parts
}

// expireAt returns the absolute point where Redis may drop the record,
// retention grace included.
func expireAt(expiresAt int64) time.Time {
	return time.UnixMilli(expiresAt).Add(RetentionGrace)
}
