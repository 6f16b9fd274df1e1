package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/observability"
	"github.com/poliport/poliport/internal/session"
)

// buildCleanupCmd creates the "cleanup" command that runs one session sweep.
// The serve process runs the same sweep on a ticker; the command exists for
// cron-style deployments and manual runs.
func buildCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run the session cleanup sweep once",
		Long: `Run one two-phase session cleanup sweep.

Phase 1 soft-deletes sessions past their overall expiry. Phase 2 hard-deletes
rows whose retention window has passed, nulling conversation references so
conversation history survives the purge.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := observability.NewLogger(cfg.Logging)
			metrics := observability.NewNopMetrics()

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			sessions := session.NewManager(store, nil, cfg.Session, logger, metrics)
			result := sessions.CleanupExpiredSessions(cmd.Context())

			fmt.Fprintf(cmd.OutOrStdout(), "Soft-deleted: %d\nHard-deleted: %d\n",
				result.SoftDeleted, result.HardDeleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}
