// Package commands implements the runnerd CLI. Every command except start
// is a thin control-socket client; commands that need a daemon start one in
// the background first.
package commands

import (
	"fmt"
	"time"

	"github.com/vireo/runnerd/config"
	"github.com/vireo/runnerd/control"
	"github.com/vireo/runnerd/launcher"
	"github.com/vireo/runnerd/logger"
)

// daemonClient loads config, makes sure a daemon is up, and returns a
// client for it
func daemonClient() (*control.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l := launcher.New(cfg, logger.Logger)
	spawned, err := l.EnsureStarted()
	if err != nil {
		return nil, err
	}
	if spawned {
		fmt.Println("Started background daemon")
	}
	return control.NewClient(cfg.SocketPath()), nil
}

// fmtEpoch renders an epoch-second timestamp for terminal output
func fmtEpoch(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

// fmtEpochPtr renders a nullable epoch timestamp
func fmtEpochPtr(ts *int64) string {
	if ts == nil {
		return "-"
	}
	return fmtEpoch(*ts)
}
