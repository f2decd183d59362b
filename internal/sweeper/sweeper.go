package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/nyrvik/tokenvault/internal/core/service"
	"github.com/nyrvik/tokenvault/internal/telemetry/logger"
)

// Config holds the sweep loop parameters.
type Config struct {
	// BatchSize bounds how many tokens one cleanup pass removes per
	// batch.
	BatchSize int

	// Interval is the time between sweep passes.
	Interval time.Duration

	// InactivityWindow is the idle time after which a session is
	// reaped. Zero disables the inactivity sweep.
	InactivityWindow time.Duration
}

// Summary reports what one sweep pass removed.
type Summary struct {
	ExpiredSessions    int `json:"expired_sessions"`
	InactiveSessions   int `json:"inactive_sessions"`
	ExpiredResetTokens int `json:"expired_reset_tokens"`
}

// Total returns the number of records removed in the pass.
func (s Summary) Total() int {
	return s.ExpiredSessions + s.InactiveSessions + s.ExpiredResetTokens
}

// Sweeper runs the cleanup passes.
type Sweeper struct {
	sessions *service.SessionService
	resets   *service.ResetTokenService
	cfg      Config
	log      logger.Logger
}

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithLogger sets the sweeper logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Sweeper) {
		s.log = l
	}
}

// New creates a Sweeper over the two services.
func New(sessions *service.SessionService, resets *service.ResetTokenService, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		sessions: sessions,
		resets:   resets,
		cfg:      cfg,
		log:      logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce executes one full sweep pass: expired sessions, inactive
// sessions when a window is configured, then expired reset tokens.
// Partial results are returned alongside the first error.
func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	n, err := s.sessions.CleanupExpired(ctx, s.cfg.BatchSize)
	sum.ExpiredSessions = n
	if err != nil {
		return sum, fmt.Errorf("cleanup expired sessions: %w", err)
	}

	if s.cfg.InactivityWindow > 0 {
		n, err = s.sessions.CleanupInactive(ctx, s.cfg.InactivityWindow, s.cfg.BatchSize)
		sum.InactiveSessions = n
		if err != nil {
			return sum, fmt.Errorf("cleanup inactive sessions: %w", err)
		}
	}

	n, err = s.resets.CleanupExpired(ctx, s.cfg.BatchSize)
	sum.ExpiredResetTokens = n
	if err != nil {
		return sum, fmt.Errorf("cleanup expired reset tokens: %w", err)
	}

	// Stats refresh the tracked/live gauges as a side effect.
	if _, err := s.sessions.Stats(ctx); err != nil {
		return sum, fmt.Errorf("session stats: %w", err)
	}
	if _, err := s.resets.Stats(ctx); err != nil {
		return sum, fmt.Errorf("reset token stats: %w", err)
	}

	return sum, nil
}

// Run sweeps immediately, then on every interval tick until the
// context is cancelled. Pass errors are logged, not fatal: a broken
// backend read should not take the sweeper down.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweeper started",
		"interval", s.cfg.Interval.String(),
		"batch_size", s.cfg.BatchSize,
		"inactivity_window", s.cfg.InactivityWindow.String())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	sum, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("sweep pass failed", "error", err, "partial_removed", sum.Total())
		return
	}
	if sum.Total() > 0 {
		s.log.Info("sweep pass complete",
			"expired_sessions", sum.ExpiredSessions,
			"inactive_sessions", sum.InactiveSessions,
			"expired_reset_tokens", sum.ExpiredResetTokens,
			"duration", time.Since(start).String())
		return
	}
	s.log.Debug("sweep pass complete, nothing to remove",
		"duration", time.Since(start).String())
}
