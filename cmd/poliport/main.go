// Package main provides the CLI entry point for the Poliport chat gateway.
//
// Poliport fronts a multi-tenant insurance-agent chat platform: it owns
// browser sessions, the authentication upgrade flow against the identity
// provider, per-session tool-server clients and the streaming conversation
// orchestrator.
//
// # Basic Usage
//
// Start the gateway:
//
//	poliport serve --config poliport.yaml
//
// Run the session cleanup sweep once:
//
//	poliport cleanup
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "poliport",
		Short:        "Poliport - insurance chat gateway",
		Long:         "Poliport serves the conversation orchestrator, session lifecycle and tool-client pool behind one HTTP/WebSocket listener.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCleanupCmd(),
		buildProposalsCmd(),
	)
	return rootCmd
}
