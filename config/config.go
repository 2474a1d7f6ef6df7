// Package config holds runnerd configuration, loaded with Viper from
// environment variables and an optional TOML file in the state directory.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the runnerd daemon configuration
type Config struct {
	// StateDir is the root directory for all persisted state: database,
	// control socket, daemon log, per-run logs, sandboxed scripts.
	// Overridable via RUNNERD_STATE_DIR.
	StateDir string `mapstructure:"state_dir"`

	Daemon DaemonConfig `mapstructure:"daemon"`
	Runner RunnerConfig `mapstructure:"runner"`
}

// DaemonConfig configures the scheduler/supervisor loop
type DaemonConfig struct {
	TickIntervalSeconds   int `mapstructure:"tick_interval_seconds"`   // Scheduler tick (default: 1)
	MaxWorkers            int `mapstructure:"max_workers"`             // Global concurrent-run cap (default: 4)
	MaxFailures           int `mapstructure:"max_failures"`            // Circuit breaker threshold (default: 3)
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"` // Per-run timeout unless job overrides (default: 900)
	GraceKillSeconds      int `mapstructure:"grace_kill_seconds"`      // SIGTERM → SIGKILL grace (default: 3)
	LogTailBytes          int `mapstructure:"log_tail_bytes"`          // Bounded log tail for reports/failures (default: 4096)
}

// RunnerConfig configures how job payloads become subprocess invocations
type RunnerConfig struct {
	// StrategyRunner is the binary invoked for type=strategy jobs
	StrategyRunner string `mapstructure:"strategy_runner"`
	// PythonBin is the interpreter used for .py script jobs
	PythonBin string `mapstructure:"python_bin"`
	// ShellBin is the interpreter used for .sh script jobs
	ShellBin string `mapstructure:"shell_bin"`
}

// TickInterval returns the scheduler tick interval as a duration
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Daemon.TickIntervalSeconds) * time.Second
}

// DefaultTimeout returns the daemon-wide run timeout as a duration
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Daemon.DefaultTimeoutSeconds) * time.Second
}

// GraceKill returns the SIGTERM-to-SIGKILL grace period as a duration
func (c *Config) GraceKill() time.Duration {
	return time.Duration(c.Daemon.GraceKillSeconds) * time.Second
}

// DatabasePath is the embedded SQLite database file
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "runnerd.db")
}

// SocketPath is the unix-domain control socket
func (c *Config) SocketPath() string {
	return filepath.Join(c.StateDir, "runnerd.sock")
}

// DaemonLogPath is the daemon-level log file (detached mode output)
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.StateDir, "runnerd.log")
}

// LogsDir holds one subdirectory per job, one log file per run
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// RunsDir is the sandbox root for script jobs; script_path must resolve
// inside it
func (c *Config) RunsDir() string {
	return filepath.Join(c.StateDir, "runs")
}

// EnsureDirs creates the state directory tree
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.StateDir, c.LogsDir(), c.RunsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}
