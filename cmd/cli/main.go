package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"wearable-sync/internal/app"
	"wearable-sync/internal/config"
)

// sys is built once per invocation by the root command's pre-run hook
var sys *app.App

var rootCmd = &cobra.Command{
	Use:   "cli",
	Short: "Operator commands for wearable-sync",
	Long: `Operator commands for wearable-sync.

Commands run against the same database and configuration as the server,
read from the environment or a .env file in the working directory.

Examples:
  cli backfill user-123
  cli status user-123
  cli set-ftp user-123 250 --date 2024-03-01
  cli rotate-key`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		sys, err = app.New(cfg)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if sys != nil {
			sys.Close()
		}
	},
}

func main() {
	// Disable structured logging for CLI
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors
	})))

	rootCmd.AddCommand(
		backfillCmd,
		statusCmd,
		syncCmd,
		rotateKeyCmd,
		reconcileLifetimeCmd,
		replayLoadCmd,
		setFTPCmd,
		recommendCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
