package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vireo/runnerd/errors"
	"github.com/vireo/runnerd/store"
)

// tick runs one scheduler pass: reap before dispatch, so capacity freed by
// a finishing run is available to jobs dispatched in the same tick.
func (d *Daemon) tick(now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reapLocked(now)
	return d.dispatchLocked(now)
}

// reapLocked polls every tracked child without blocking. Exit 0 is OK,
// anything else is FAILED; a run past its timeout is marked TIMEOUT at
// once, then its process group is terminated across ticks. Nothing here
// sleeps: the lock is shared with every control handler.
func (d *Daemon) reapLocked(now time.Time) {
	for runID, p := range d.running {
		var ws syscall.WaitStatus
		wpid, err := syscall.Wait4(p.pid, &ws, syscall.WNOHANG, nil)

		switch {
		case err != nil:
			// ECHILD: the child vanished without us reaping it. Nothing
			// more can be learned from the OS.
			d.logger.Errorw("Lost track of child process",
				"job", p.jobName, "run_id", runID, "pid", p.pid, "error", err)
			if !p.timedOut {
				d.finishRunLocked(p, now, store.RunFailed, nil, "child process lost: "+err.Error())
			}
			delete(d.running, runID)

		case wpid == 0:
			d.escalateLocked(p, now)

		default:
			if p.timedOut {
				// Run already recorded as TIMEOUT; this wait only releases
				// the worker slot
				d.logger.Infow("Timed-out child reaped",
					"job", p.jobName, "run_id", runID, "pid", p.pid)
				delete(d.running, runID)
				continue
			}
			exitCode := exitStatus(ws)
			if exitCode == 0 {
				d.logger.Infow("Run finished",
					"job", p.jobName, "run_id", runID, "duration", now.Sub(p.startedAt).Round(time.Millisecond))
				d.finishRunLocked(p, now, store.RunOK, &exitCode, "")
			} else {
				detail := fmt.Sprintf("exit code %d", exitCode)
				if tail := d.readLogTail(p.logPath); tail != "" {
					detail = fmt.Sprintf("exit code %d\n%s", exitCode, tail)
				}
				d.logger.Warnw("Run failed",
					"job", p.jobName, "run_id", runID, "exit_code", exitCode)
				d.finishRunLocked(p, now, store.RunFailed, &exitCode, detail)
			}
			delete(d.running, runID)
		}
	}
}

// escalateLocked advances the timeout state machine for a still-running
// child: mark TIMEOUT and SIGTERM the group when the deadline passes, then
// SIGKILL once the grace period expires. The entry stays in the tracker
// until a Wait4 actually reaps the child.
func (d *Daemon) escalateLocked(p *runningProc, now time.Time) {
	switch {
	case !p.timedOut:
		if now.Sub(p.startedAt) <= p.timeout {
			return
		}
		d.logger.Warnw("Run timed out, terminating process group",
			"job", p.jobName, "run_id", p.runID, "pid", p.pid, "timeout", p.timeout)
		// Negative pid targets the group, so grandchildren die too
		syscall.Kill(-p.pid, syscall.SIGTERM)
		p.timedOut = true
		p.termAt = now
		detail := fmt.Sprintf("timed out after %s", p.timeout)
		d.finishRunLocked(p, now, store.RunTimeout, nil, detail)

	case !p.killSent:
		if now.Sub(p.termAt) <= d.cfg.GraceKill() {
			return
		}
		d.logger.Warnw("Grace period expired, force-killing process group",
			"job", p.jobName, "run_id", p.runID, "pid", p.pid)
		syscall.Kill(-p.pid, syscall.SIGKILL)
		p.killSent = true
	}
}

// finishRunLocked records a terminal run state and feeds the circuit
// breaker. Execution failures are persisted as data, never raised.
func (d *Daemon) finishRunLocked(p *runningProc, now time.Time, status store.RunStatus, exitCode *int, detail string) {
	var summary *string
	if detail != "" {
		summary = &detail
	}

	if err := d.store.FinishRun(p.runID, now.Unix(), status, exitCode, summary); err != nil {
		d.logger.Errorw("Failed to finish run", "run_id", p.runID, "error", err)
	}

	switch status {
	case store.RunOK:
		if err := d.store.RecordJobSuccess(p.jobID, now.Unix()); err != nil {
			d.logger.Errorw("Failed to record success", "job", p.jobName, "error", err)
		}
	case store.RunFailed, store.RunTimeout:
		d.recordFailureLocked(p.jobID, p.jobName, detail)
	}
}

// recordFailureLocked increments the failure counter and logs when the
// circuit breaker trips.
func (d *Daemon) recordFailureLocked(jobID int64, jobName, detail string) {
	failures, newStatus, err := d.store.RecordJobFailure(jobID, detail, d.cfg.Daemon.MaxFailures)
	if err != nil {
		d.logger.Errorw("Failed to record failure", "job", jobName, "error", err)
		return
	}
	if newStatus == store.StatusError {
		d.logger.Warnw("Circuit breaker tripped, job suspended until resumed",
			"job", jobName, "consecutive_failures", failures)
	}
}

// dispatchLocked starts every due job that fits under the global worker
// cap. A capacity-blocked job stays due and is retried on the next tick
// with no backoff.
func (d *Daemon) dispatchLocked(now time.Time) error {
	due, err := d.store.DueJobs(now.Unix())
	if err != nil {
		return errors.Wrap(err, "query due jobs")
	}

	for _, jw := range due {
		if len(d.running) >= d.cfg.Daemon.MaxWorkers {
			d.logger.Debugw("At worker capacity, deferring due jobs",
				"running", len(d.running), "max_workers", d.cfg.Daemon.MaxWorkers)
			break
		}
		if d.jobInFlightLocked(jw.Job.ID) {
			// At-most-one concurrent run per job, regardless of how the
			// interval compares to actual run duration
			continue
		}
		if _, err := d.startJobLocked(jw, now, false); err != nil {
			d.logger.Errorw("Failed to start job", "job", jw.Job.Name, "error", err)
			// Continue with other due jobs
		}
	}
	return nil
}

func (d *Daemon) jobInFlightLocked(jobID int64) bool {
	for _, p := range d.running {
		if p.jobID == jobID {
			return true
		}
	}
	return false
}

// startJobLocked creates the run row and spawns the subprocess in its own
// process group with output to a per-run log file. On a scheduled start the
// job's next_run_at is advanced before spawning, so a crash mid-spawn can
// never cause an immediate duplicate dispatch. Spawn failures are recorded
// as an immediately FAILED run and count toward the circuit breaker.
func (d *Daemon) startJobLocked(jw *store.JobWithState, now time.Time, forced bool) (int64, error) {
	job := &jw.Job

	if !forced {
		next := now.Unix() + int64(job.IntervalSeconds)
		if err := d.store.SetNextRunAt(job.ID, next); err != nil {
			return 0, errors.Wrap(err, "advance next_run_at")
		}
	}
	if err := d.store.SetJobLastRun(job.ID, now.Unix()); err != nil {
		return 0, errors.Wrap(err, "set last_run_at")
	}

	runID, err := d.store.CreateRun(job.ID, now.Unix(), "")
	if err != nil {
		return 0, errors.Wrap(err, "create run")
	}

	inv, spawnErr := d.spawnRun(job, runID)
	if spawnErr != nil {
		detail := "spawn failed: " + spawnErr.Error()
		d.logger.Errorw("Spawn failed", "job", job.Name, "run_id", runID, "error", spawnErr)
		if err := d.store.FinishRun(runID, now.Unix(), store.RunFailed, nil, &detail); err != nil {
			d.logger.Errorw("Failed to record spawn failure", "run_id", runID, "error", err)
		}
		d.recordFailureLocked(job.ID, job.Name, detail)
		return runID, spawnErr
	}

	d.logger.Infow("Run started",
		"job", job.Name, "run_id", runID, "pid", inv.pid, "forced", forced,
		"command", describeInvocation(inv.invocation))
	return runID, nil
}

type spawned struct {
	pid        int
	invocation *Invocation
}

// spawnRun builds the command, opens the per-run log and starts the child
// in its own process group. The log file descriptor is handed to the child;
// the daemon only ever reads a bounded tail of it afterwards.
func (d *Daemon) spawnRun(job *store.Job, runID int64) (*spawned, error) {
	builder, err := builderFor(job.Type, d.cfg)
	if err != nil {
		return nil, err
	}
	inv, err := builder.Build(job.Payload)
	if err != nil {
		return nil, err
	}

	logDir := filepath.Join(d.cfg.LogsDir(), job.Name)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("run-%d.log", runID))

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open run log")
	}
	defer logFile.Close()

	if err := d.store.UpdateRunLogPath(runID, logPath); err != nil {
		return nil, errors.Wrap(err, "record log path")
	}

	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = d.cfg.RunsDir()
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Env = append(cmd.Env,
		"RUNNERD_JOB_NAME="+job.Name,
		fmt.Sprintf("RUNNERD_RUN_ID=%d", runID),
		"RUNNERD_SOCKET="+d.cfg.SocketPath(),
	)
	// *os.File stdio keeps exec from spawning copier goroutines, and
	// Setpgid gives the child its own group so timeouts kill grandchildren
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	pid := cmd.Process.Pid
	// Detach the exec.Cmd: reaping happens via Wait4 in the tick loop
	cmd.Process.Release()

	if err := d.store.UpdateRunPID(runID, pid); err != nil {
		d.logger.Errorw("Failed to record run pid", "run_id", runID, "error", err)
	}

	d.running[runID] = &runningProc{
		runID:     runID,
		jobID:     job.ID,
		jobName:   job.Name,
		pid:       pid,
		startedAt: time.Now(),
		timeout:   inv.Timeout,
		logPath:   logPath,
	}
	return &spawned{pid: pid, invocation: inv}, nil
}

// readLogTail returns a bounded tail of a run log for failure summaries
func (d *Daemon) readLogTail(logPath string) string {
	if logPath == "" {
		return ""
	}
	tail, err := TailFile(logPath, d.cfg.Daemon.LogTailBytes)
	if err != nil {
		return ""
	}
	return tail
}

// exitStatus maps a wait status to a conventional exit code; death by
// signal becomes 128+signo.
func exitStatus(ws syscall.WaitStatus) int {
	if ws.Exited() {
		return ws.ExitStatus()
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return -1
}
