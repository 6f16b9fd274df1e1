package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/gateway"
	"github.com/poliport/poliport/internal/identity"
	"github.com/poliport/poliport/internal/middleware"
	"github.com/poliport/poliport/internal/observability"
	"github.com/poliport/poliport/internal/orchestrator"
	"github.com/poliport/poliport/internal/runtime"
	"github.com/poliport/poliport/internal/session"
	"github.com/poliport/poliport/internal/storage"
	"github.com/poliport/poliport/internal/toolpool"
)

const defaultConfigPath = "poliport.yaml"

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Poliport gateway",
		Long: `Start the Poliport gateway with the configured storage backend.

The server will:
1. Load configuration from the specified file (or poliport.yaml)
2. Open the storage backend (postgres, or memory for local development)
3. Wire the session manager, tool-client pool and orchestrator
4. Serve HTTP, WebSocket and metrics on the configured port

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  poliport serve

  # Start with custom config
  poliport serve --config /etc/poliport/production.yaml

  # Start with debug logging
  poliport serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	idp := identity.NewClient(cfg.Identity, logger, metrics)
	sessions := session.NewManager(store, idp, cfg.Session, logger, metrics)
	pool := toolpool.NewPool(cfg.Tools, sessions, logger, metrics)
	registry := middleware.NewRegistry(logger, metrics)

	// The echo runtime is the development default. Deployments with an
	// external agent runtime plug its client in through the same Builder seam.
	builder := runtime.EchoBuilder

	orch := orchestrator.New(store, sessions, pool, registry, builder, logger, metrics)
	srv := gateway.NewServer(cfg, store, sessions, pool, orch, logger, metrics)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres", "":
		store, err := storage.NewPostgresStore(storage.PostgresConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
			ConnectTimeout:  cfg.Storage.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		timeout := cfg.Storage.ConnectTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
