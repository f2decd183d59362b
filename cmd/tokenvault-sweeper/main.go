package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/nyrvik/tokenvault/internal/config"
	"github.com/nyrvik/tokenvault/internal/core/service"
	"github.com/nyrvik/tokenvault/internal/infra/buildinfo"
	"github.com/nyrvik/tokenvault/internal/infra/shutdown"
	"github.com/nyrvik/tokenvault/internal/storage"
	"github.com/nyrvik/tokenvault/internal/sweeper"
	"github.com/nyrvik/tokenvault/internal/telemetry/logger"
	"github.com/nyrvik/tokenvault/internal/telemetry/metric"
)

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newApp creates the CLI application.
func newApp() *cli.App {
	return &cli.App{
		Name:    "tokenvault-sweeper",
		Usage:   "TokenVault maintenance and cleanup process",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"TOKENVAULT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Sweep on the configured interval until terminated",
				Action: runAction,
			},
			{
				Name:   "once",
				Usage:  "Perform a single sweep pass and exit",
				Action: onceAction,
			},
			{
				Name:   "stats",
				Usage:  "Print store statistics as JSON",
				Action: statsAction,
			},
		},
	}
}

// environment holds everything a command action needs.
type environment struct {
	cfg      *config.Config
	log      logger.Logger
	stores   *sweeper.Stores
	registry *prometheus.Registry
	sessions *service.SessionService
	resets   *service.ResetTokenService
}

// setup loads configuration and wires logger, backend, metrics, and
// services.
func setup(c *cli.Context) (*environment, error) {
	configFile := c.String("config")

	opts := []config.LoaderOption{}
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	cfg, err := config.NewLoader(opts...).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	stores, err := sweeper.OpenStores(c.Context, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}

	registry := prometheus.NewRegistry()
	collector := metric.NewCollector(registry)

	sessions := service.NewSessionService(stores.Sessions,
		service.WithSessionLogger(log),
		service.WithSessionMetrics(collector),
		service.WithSessionTTL(cfg.Session.TTL),
		service.WithInactivityWindow(cfg.Session.InactivityWindow),
		service.WithSessionCleanupPause(cfg.Cleanup.Pause),
	)
	resets := service.NewResetTokenService(stores.ResetTokens,
		service.WithResetLogger(log),
		service.WithResetMetrics(collector),
		service.WithResetTTL(cfg.ResetToken.TTL),
		service.WithResetCleanupPause(cfg.Cleanup.Pause),
	)

	return &environment{
		cfg:      cfg,
		log:      log,
		stores:   stores,
		registry: registry,
		sessions: sessions,
		resets:   resets,
	}, nil
}

func (e *environment) newSweeper() *sweeper.Sweeper {
	return sweeper.New(e.sessions, e.resets, sweeper.Config{
		BatchSize:        e.cfg.Cleanup.BatchSize,
		Interval:         e.cfg.Cleanup.Interval,
		InactivityWindow: e.cfg.Session.InactivityWindow,
	}, sweeper.WithLogger(e.log))
}

// runAction is the long-running sweep loop.
func runAction(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}

	env.log.Info("starting tokenvault-sweeper",
		"version", buildinfo.Version,
		"backend", env.cfg.Store.Backend,
		"config", c.String("config"))

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	// Hooks run in reverse order: stop the loop, drain the metrics
	// server, then close the backend.
	shutdownHandler.OnShutdown(func(context.Context) error {
		env.log.Info("closing store backend")
		return env.stores.Close()
	})

	if env.cfg.Metrics.Enabled {
		metricsServer := sweeper.NewMetricsServer(env.cfg.Metrics.Addr, env.registry, env.log)
		metricsServer.Start()
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			env.log.Info("shutting down metrics server")
			return metricsServer.Shutdown(ctx)
		})
	}

	if configFile := c.String("config"); configFile != "" {
		watcher, err := startConfigWatcher(configFile, env.log)
		if err != nil {
			// A dead watcher only costs live log level reload.
			env.log.Warn("config watcher unavailable", "error", err)
		} else {
			shutdownHandler.OnShutdown(func(context.Context) error {
				return watcher.Stop()
			})
		}
	}

	shutdownHandler.OnShutdown(func(context.Context) error {
		cancel()
		return nil
	})

	go func() {
		err := env.newSweeper().Run(ctx)
		if err != nil && ctx.Err() == nil {
			env.log.Error("sweeper exited", "error", err)
			shutdownHandler.Trigger()
		}
	}()

	if err := shutdownHandler.Wait(); err != nil {
		env.log.Error("shutdown error", "error", err)
		return err
	}

	env.log.Info("sweeper stopped gracefully")
	return nil
}

// startConfigWatcher reloads the log level when the config file
// changes.
func startConfigWatcher(configFile string, log logger.Logger) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(config.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	watcher.OnChange(func(path string) {
		cfg, err := config.NewLoader(config.WithConfigFile(configFile)).Load()
		if err != nil {
			log.Warn("config reload failed", "path", path, "error", err)
			return
		}
		if cfg.Log.Level != logger.GetLevel() {
			logger.SetLevel(cfg.Log.Level)
			log.Info("log level changed", "level", cfg.Log.Level)
		}
	})
	if err := watcher.Watch(configFile); err != nil {
		watcher.Stop()
		return nil, err
	}
	watcher.StartAsync()
	return watcher, nil
}

// onceAction performs a single sweep pass and prints the summary.
func onceAction(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer env.stores.Close()

	sum, err := env.newSweeper().RunOnce(c.Context)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return printJSON(sum)
}

// statsAction prints the store summary for both record kinds.
func statsAction(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer env.stores.Close()

	sessStats, err := env.sessions.Stats(c.Context)
	if err != nil {
		return fmt.Errorf("session stats: %w", err)
	}
	resetStats, err := env.resets.Stats(c.Context)
	if err != nil {
		return fmt.Errorf("reset token stats: %w", err)
	}

	return printJSON(struct {
		Sessions    *storage.SessionStats    `json:"sessions"`
		ResetTokens *storage.ResetTokenStats `json:"reset_tokens"`
	}{sessStats, resetStats})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
