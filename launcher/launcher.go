// Package launcher manages the detached daemon lifecycle: starting runnerd
// in the background when it is not already up, and stopping it over the
// control socket.
package launcher

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vireo/runnerd/config"
	"github.com/vireo/runnerd/control"
	"github.com/vireo/runnerd/daemon"
	"github.com/vireo/runnerd/errors"
)

const (
	startDeadline = 10 * time.Second
	pollInterval  = 200 * time.Millisecond
)

// Launcher starts and stops the background daemon
type Launcher struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
}

// New creates a launcher for the configured state directory
func New(cfg *config.Config, logger *zap.SugaredLogger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger}
}

// EnsureStarted makes sure a daemon is answering on the control socket,
// spawning a detached one if needed. Returns true if a daemon was spawned,
// false if one was already running.
func (l *Launcher) EnsureStarted() (bool, error) {
	client := control.NewClient(l.cfg.SocketPath())
	if client.Ping() {
		return false, nil
	}

	if err := l.cfg.EnsureDirs(); err != nil {
		return false, errors.Wrap(err, "create state directories")
	}

	self, err := os.Executable()
	if err != nil {
		return false, errors.Wrap(err, "locate own executable")
	}

	logFile, err := os.OpenFile(l.cfg.DaemonLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return false, errors.Wrap(err, "open daemon log")
	}
	defer logFile.Close()

	cmd := exec.Command(self, "start", "--foreground")
	cmd.Env = append(os.Environ(), "RUNNERD_STATE_DIR="+l.cfg.StateDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New session: the daemon must survive this process and its terminal
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return false, errors.Wrap(err, "spawn daemon")
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	l.logger.Infow("Spawned daemon, waiting for control socket", "pid", pid)

	deadline := time.Now().Add(startDeadline)
	for time.Now().Before(deadline) {
		if client.Ping() {
			l.logger.Infow("Daemon is up", "pid", pid, "socket", l.cfg.SocketPath())
			return true, nil
		}
		time.Sleep(pollInterval)
	}

	tail, _ := daemon.TailFile(l.cfg.DaemonLogPath(), l.cfg.Daemon.LogTailBytes)
	if tail != "" {
		return false, errors.Newf("daemon did not come up within %s; log tail:\n%s", startDeadline, tail)
	}
	return false, errors.Newf("daemon did not come up within %s", startDeadline)
}

// Stop asks a running daemon to shut down and waits for the socket to stop
// answering. A daemon that was not running is not an error.
func (l *Launcher) Stop() (bool, error) {
	client := control.NewClient(l.cfg.SocketPath())
	if !client.Ping() {
		return false, nil
	}

	if _, err := client.Call("shutdown", nil); err != nil && !errors.IsDaemonUnreachable(err) {
		return false, err
	}

	deadline := time.Now().Add(startDeadline)
	for time.Now().Before(deadline) {
		if !client.Ping() {
			return true, nil
		}
		time.Sleep(pollInterval)
	}
	return false, errors.Newf("daemon still answering %s after shutdown request", l.cfg.SocketPath())
}
