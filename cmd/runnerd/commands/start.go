package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vireo/runnerd/config"
	"github.com/vireo/runnerd/daemon"
	"github.com/vireo/runnerd/launcher"
	"github.com/vireo/runnerd/logger"
)

// StartCmd starts the daemon, detached by default
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the runnerd daemon",
	Long: `Start the runnerd daemon.

By default the daemon is spawned in the background, detached from this
terminal, with its output in the daemon log inside the state directory.
With --foreground it runs in this process until interrupted; this is also
the mode the background spawn itself uses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		foreground, _ := cmd.Flags().GetBool("foreground")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if foreground {
			d, err := daemon.New(cfg, logger.Logger)
			if err != nil {
				return err
			}
			return d.Run()
		}

		spawned, err := launcher.New(cfg, logger.Logger).EnsureStarted()
		if err != nil {
			return err
		}
		if !spawned {
			fmt.Println("Daemon already running")
			return nil
		}
		fmt.Printf("Daemon started\n  Socket: %s\n  Log:    %s\n", cfg.SocketPath(), cfg.DaemonLogPath())
		return nil
	},
}

// EnsureCmd makes sure a background daemon is running
var EnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Start a background daemon if none is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		spawned, err := launcher.New(cfg, logger.Logger).EnsureStarted()
		if err != nil {
			return err
		}
		if spawned {
			fmt.Println("Daemon started")
		} else {
			fmt.Println("Daemon already running")
		}
		return nil
	},
}

// StopCmd stops a running background daemon
var StopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the runnerd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		stopped, err := launcher.New(cfg, logger.Logger).Stop()
		if err != nil {
			return err
		}
		if !stopped {
			fmt.Println("Daemon not running")
			return nil
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	StartCmd.Flags().Bool("foreground", false, "Run in the foreground instead of detaching")
}
