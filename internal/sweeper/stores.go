package sweeper

import (
	"context"
	"fmt"

	"github.com/nyrvik/tokenvault/internal/config"
	"github.com/nyrvik/tokenvault/internal/storage"
	"github.com/nyrvik/tokenvault/internal/storage/badgerkv"
	"github.com/nyrvik/tokenvault/internal/storage/memory"
	"github.com/nyrvik/tokenvault/internal/storage/rediskv"
	"github.com/nyrvik/tokenvault/internal/telemetry/logger"
)

// Stores bundles the repositories of the configured backend.
type Stores struct {
	Sessions    storage.SessionRepository
	ResetTokens storage.ResetTokenRepository

	closer func() error
}

// Close releases the backend, a no-op for the memory backend.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// OpenStores constructs the storage backend named by the
// configuration.
func OpenStores(ctx context.Context, cfg *config.Config, log logger.Logger) (*Stores, error) {
	if log == nil {
		log = logger.Default()
	}
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return &Stores{
			Sessions: memory.NewSessionStore(
				memory.WithMaxSessionsPerOwner(cfg.Session.MaxPerOwner),
				memory.WithIPIndexHorizon(cfg.Session.IPIndexHorizon),
			),
			ResetTokens: memory.NewResetTokenStore(),
		}, nil

	case config.BackendBadger:
		store, err := badgerkv.Open(cfg.Store.Badger.Dir,
			badgerkv.WithIPIndexHorizon(cfg.Session.IPIndexHorizon),
			badgerkv.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("open badger backend: %w", err)
		}
		return &Stores{
			Sessions:    store.Sessions(cfg.Session.MaxPerOwner),
			ResetTokens: store.ResetTokens(),
			closer:      store.Close,
		}, nil

	case config.BackendRedis:
		store, err := rediskv.Open(ctx, rediskv.Options{
			Addr:           cfg.Store.Redis.Addr,
			Password:       cfg.Store.Redis.Password,
			DB:             cfg.Store.Redis.DB,
			PoolSize:       cfg.Store.Redis.PoolSize,
			KeyPrefix:      cfg.Store.Redis.KeyPrefix,
			IPIndexHorizon: cfg.Session.IPIndexHorizon,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis backend: %w", err)
		}
		return &Stores{
			Sessions:    store.Sessions(cfg.Session.MaxPerOwner),
			ResetTokens: store.ResetTokens(),
			closer:      store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
