package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vireo/runnerd/cmd/runnerd/commands"
	"github.com/vireo/runnerd/logger"
)

var rootCmd = &cobra.Command{
	Use:   "runnerd",
	Short: "runnerd - local job runner daemon",
	Long: `runnerd - local job runner daemon.

Schedules and supervises recurring subprocess jobs on this machine:
strategy runs and sandboxed scripts, each on its own interval, with run
history, per-run logs and a failure circuit breaker backed by SQLite.

Most commands talk to the daemon over its control socket and start a
background daemon automatically when none is running.

Examples:
  runnerd add rebalance --type strategy --strategy grid --action rebalance --interval 300
  runnerd add backup --type script --script backup.sh --interval 3600
  runnerd status                 # Daemon, jobs and recent runs
  runnerd runs rebalance         # Run history for one job
  runnerd report 42              # One run with its log tail
  runnerd stop                   # Stop the background daemon`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.EnsureCmd)
	rootCmd.AddCommand(commands.StopCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.AddCmd)
	rootCmd.AddCommand(commands.UpdateCmd)
	rootCmd.AddCommand(commands.PauseCmd)
	rootCmd.AddCommand(commands.ResumeCmd)
	rootCmd.AddCommand(commands.RmCmd)
	rootCmd.AddCommand(commands.RunOnceCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.ReportCmd)
	rootCmd.AddCommand(commands.KvCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
