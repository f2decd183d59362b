// Package config provides configuration loading for TokenVault.
//
// Configuration merges three sources with ascending priority:
// defaults, a YAML file, and TOKENVAULT_-prefixed environment
// variables. A watcher built on fsnotify reloads the log level when
// the file changes.
package config

import (
	"fmt"
	"time"

	"github.com/nyrvik/tokenvault/internal/core/domain"
)

// Backend names accepted by Store.Backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Store      StoreConfig      `koanf:"store"`
	Session    SessionConfig    `koanf:"session"`
	ResetToken ResetTokenConfig `koanf:"reset_token"`
	Cleanup    CleanupConfig    `koanf:"cleanup"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	// Backend is one of memory, badger, redis.
	Backend string       `koanf:"backend"`
	Badger  BadgerConfig `koanf:"badger"`
	Redis   RedisConfig  `koanf:"redis"`
}

// BadgerConfig configures the embedded Badger backend.
type BadgerConfig struct {
	// Dir is the database directory.
	Dir string `koanf:"dir"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	PoolSize int    `koanf:"pool_size"`
	// KeyPrefix namespaces every key, useful on shared instances.
	KeyPrefix string `koanf:"key_prefix"`
}

// SessionConfig holds session policy.
type SessionConfig struct {
	TTL              time.Duration `koanf:"ttl"`
	MaxPerOwner      int           `koanf:"max_per_owner"`
	InactivityWindow time.Duration `koanf:"inactivity_window"`
	IPIndexHorizon   time.Duration `koanf:"ip_index_horizon"`
}

// ResetTokenConfig holds reset token policy.
type ResetTokenConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// CleanupConfig paces the background sweeps.
type CleanupConfig struct {
	BatchSize int           `koanf:"batch_size"`
	Pause     time.Duration `koanf:"pause"`
	Interval  time.Duration `koanf:"interval"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			Badger: BadgerConfig{
				Dir: "/var/lib/tokenvault/badger",
			},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Session: SessionConfig{
			TTL:              domain.DefaultSessionTTL,
			MaxPerOwner:      domain.DefaultMaxSessionsPerOwner,
			InactivityWindow: domain.DefaultInactivityWindow,
			IPIndexHorizon:   domain.DefaultIPIndexHorizon,
		},
		ResetToken: ResetTokenConfig{
			TTL: domain.DefaultResetTokenTTL,
		},
		Cleanup: CleanupConfig{
			BatchSize: 100,
			Pause:     10 * time.Millisecond,
			Interval:  time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendBadger, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendBadger && c.Store.Badger.Dir == "" {
		return fmt.Errorf("badger backend requires store.badger.dir")
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		return fmt.Errorf("redis backend requires store.redis.addr")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.MaxPerOwner <= 0 {
		return fmt.Errorf("session.max_per_owner must be positive")
	}
	if c.ResetToken.TTL <= 0 {
		return fmt.Errorf("reset_token.ttl must be positive")
	}
	if c.Cleanup.BatchSize <= 0 {
		return fmt.Errorf("cleanup.batch_size must be positive")
	}
	if c.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup.interval must be positive")
	}
	return nil
}
