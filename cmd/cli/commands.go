package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"wearable-sync/internal/database"
	"wearable-sync/internal/scheduler"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill <user-id>",
	Short: "Start a historical backfill for a connected user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := sys.Backfill.Start(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backfill %s is %s (%d chunks queued)\n", job.ID, job.Status, job.ChunksRequested)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show the latest backfill job and connection for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID := args[0]

		conn, err := sys.DB.GetConnection(ctx, userID)
		if err != nil {
			return err
		}
		if conn == nil {
			return fmt.Errorf("no connection for user %s", userID)
		}
		job, err := sys.Backfill.Status(ctx, userID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User:       %s\n", conn.UserID)
		fmt.Fprintf(out, "Connected:  %t\n", conn.Connected)
		if last := conn.LastSync(); !last.IsZero() {
			fmt.Fprintf(out, "Last sync:  %s\n", last.UTC().Format(time.RFC3339))
		} else {
			fmt.Fprintln(out, "Last sync:  never")
		}
		if job == nil {
			fmt.Fprintln(out, "Backfill:   none")
			return nil
		}
		fmt.Fprintf(out, "Backfill:   %s %s (%s to %s)\n", job.ID, job.Status, job.WindowStart, job.WindowEnd)
		fmt.Fprintf(out, "Chunks:     %d/%d received, %d failed\n", job.ChunksReceived, job.ChunksRequested, job.ChunksFailed)
		fmt.Fprintf(out, "Progress:   %.0f%%\n", job.Progress)
		if job.FailureReason != nil {
			fmt.Fprintf(out, "Failure:    %s\n", *job.FailureReason)
		}
		for _, e := range job.Errors {
			fmt.Fprintf(out, "  %s: %s\n", e.Kind, e.Message)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <user-id>",
	Short: "Sync a user now, ignoring the freshness window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := sys.Scheduler.RequestSync(cmd.Context(), args[0], scheduler.ReasonOperator)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-seal every stored session with the active vault key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := sys.Vault.RotateEncryptionKey(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Re-sealed %d sessions\n", n)
		return nil
	},
}

var reconcileLifetimeCmd = &cobra.Command{
	Use:   "reconcile-lifetime",
	Short: "Rebuild lifetime totals for every user from stored activities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := sys.Engine.ReconcileAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reconciled lifetime stats for %d users\n", n)
		return nil
	},
}

var replayLoadCmd = &cobra.Command{
	Use:   "replay-load <user-id>",
	Short: "Recompute a user's training load series from their first activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sys.Load.ReplayAll(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Training load replayed")
		return nil
	},
}

var setFTPDate string

var setFTPCmd = &cobra.Command{
	Use:   "set-ftp <user-id> <watts>",
	Short: "Record a functional threshold power effective from a date",
	Long: `Record a functional threshold power effective from a date.

Stored activities dated on or after the effective date are rescored against
the FTP in effect on their date, and training load is replayed from there.
Activities ingested afterwards use the FTP in effect on their start date.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		watts, err := strconv.ParseFloat(args[1], 64)
		if err != nil || watts <= 0 {
			return fmt.Errorf("watts must be a positive number, got %q", args[1])
		}
		date := setFTPDate
		if date == "" {
			date = sys.DB.Now().Format(database.DateLayout)
		}
		if _, err := time.Parse(database.DateLayout, date); err != nil {
			return fmt.Errorf("date must be YYYY-MM-DD, got %q", date)
		}

		n, err := sys.SetFTP(cmd.Context(), args[0], date, watts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "FTP for %s set to %.0fW from %s (%d activities rescored)\n", args[0], watts, date, n)
		return nil
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <user-id>",
	Short: "Generate and store a recommendation for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := sys.Recommendations.Generate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, json.RawMessage(rec.PayloadJSON))
	},
}

func init() {
	setFTPCmd.Flags().StringVar(&setFTPDate, "date", "", "Effective date (YYYY-MM-DD), defaults to today")
}
