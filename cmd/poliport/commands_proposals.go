package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/observability"
	"github.com/poliport/poliport/internal/orchestrator"
	"github.com/poliport/poliport/internal/storage"
	"github.com/poliport/poliport/pkg/models"
)

func loadStore(configPath string) (*config.Config, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return cfg, store, nil
}

// buildProposalsCmd creates the "proposals" command group for the proposal
// tracking queue.
func buildProposalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "Inspect and drain the proposal tracking queue",
	}
	cmd.AddCommand(buildProposalsListCmd(), buildProposalsProcessCmd())
	return cmd
}

func buildProposalsListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unprocessed proposal rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := loadStore(configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Proposals().ListUnprocessed(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list proposals: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No unprocessed proposals.")
				return nil
			}
			for _, row := range rows {
				payload, err := json.Marshal(row)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(payload))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of rows")
	return cmd
}

func buildProposalsProcessCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Print unprocessed proposals and mark them processed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadStore(configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := observability.NewLogger(cfg.Logging)
			metrics := observability.NewNopMetrics()
			orch := orchestrator.New(store, nil, nil, nil, nil, logger, metrics)

			out := cmd.OutOrStdout()
			processed, err := orch.PollProposals(cmd.Context(), limit, func(row *models.ProposalTracking) error {
				payload, err := json.Marshal(row)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(payload))
				return nil
			})
			if err != nil {
				return fmt.Errorf("process proposals: %w", err)
			}
			fmt.Fprintf(out, "Processed: %d\n", processed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of rows per run")
	return cmd
}
