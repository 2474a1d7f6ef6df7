package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Daemon.TickIntervalSeconds)
	assert.Equal(t, 4, cfg.Daemon.MaxWorkers)
	assert.Equal(t, 3, cfg.Daemon.MaxFailures)
	assert.Equal(t, time.Second, cfg.TickInterval())
	assert.Equal(t, 15*time.Minute, cfg.DefaultTimeout())
	assert.Equal(t, 3*time.Second, cfg.GraceKill())
	assert.NotEmpty(t, cfg.StateDir)
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{StateDir: "/tmp/runnerd-test"}

	assert.Equal(t, filepath.Join("/tmp/runnerd-test", "runnerd.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/tmp/runnerd-test", "runnerd.sock"), cfg.SocketPath())
	assert.Equal(t, filepath.Join("/tmp/runnerd-test", "runnerd.log"), cfg.DaemonLogPath())
	assert.Equal(t, filepath.Join("/tmp/runnerd-test", "logs"), cfg.LogsDir())
	assert.Equal(t, filepath.Join("/tmp/runnerd-test", "runs"), cfg.RunsDir())
}

func TestStateDirFromEnv(t *testing.T) {
	t.Setenv("RUNNERD_STATE_DIR", "/tmp/elsewhere")
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/elsewhere", cfg.StateDir)
}

func TestEnsureDirs(t *testing.T) {
	cfg := &Config{StateDir: filepath.Join(t.TempDir(), "state")}
	require.NoError(t, cfg.EnsureDirs())

	assert.DirExists(t, cfg.StateDir)
	assert.DirExists(t, cfg.LogsDir())
	assert.DirExists(t, cfg.RunsDir())
}
