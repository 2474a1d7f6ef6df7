package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vireo/runnerd/config"
	"github.com/vireo/runnerd/errors"
	"github.com/vireo/runnerd/store"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	cfg := &config.Config{
		StateDir: t.TempDir(),
		Daemon: config.DaemonConfig{
			TickIntervalSeconds:   1,
			MaxWorkers:            2,
			MaxFailures:           2,
			DefaultTimeoutSeconds: 60,
			GraceKillSeconds:      1,
			LogTailBytes:          2048,
		},
		Runner: config.RunnerConfig{
			StrategyRunner: "runnerd-strategy",
			PythonBin:      "python3",
			ShellBin:       "/bin/sh",
		},
	}

	d, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(d.stop)
	return d
}

func writeScript(t *testing.T, d *Daemon, name, body string) {
	t.Helper()
	path := filepath.Join(d.cfg.RunsDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700))
}

func addScriptJob(t *testing.T, d *Daemon, name, script string, intervalSeconds int, payload map[string]interface{}) {
	t.Helper()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["script_path"] = script
	_, err := d.Handle("add_job", map[string]interface{}{
		"name":             name,
		"type":             "script",
		"interval_seconds": intervalSeconds,
		"payload":          payload,
	})
	require.NoError(t, err)

	// Park the schedule so ticks in waitTerminal only reap; tests that
	// exercise scheduled dispatch force dueness explicitly.
	jw, err := d.store.GetJob(name)
	require.NoError(t, err)
	require.NoError(t, d.store.SetNextRunAt(jw.Job.ID, time.Now().Unix()+3600))
}

func forceDue(t *testing.T, d *Daemon, name string) {
	t.Helper()
	jw, err := d.store.GetJob(name)
	require.NoError(t, err)
	require.NoError(t, d.store.SetNextRunAt(jw.Job.ID, time.Now().Unix()-1))
}

// waitTerminal ticks until the run leaves RUNNING or the deadline expires
func waitTerminal(t *testing.T, d *Daemon, runID int64) *store.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, d.tick(time.Now()))
		run, err := d.store.GetRun(runID)
		require.NoError(t, err)
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("run %d never reached a terminal state", runID)
	return nil
}

func runOnce(t *testing.T, d *Daemon, name string) int64 {
	t.Helper()
	result, err := d.Handle("run_once", map[string]interface{}{"name": name})
	require.NoError(t, err)
	return result.(map[string]interface{})["run_id"].(int64)
}

func TestScheduledRunSuccess(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "ok.sh", "#!/bin/sh\necho done\nexit 0\n")
	addScriptJob(t, d, "nightly", "ok.sh", 3600, nil)
	forceDue(t, d, "nightly")

	before := time.Now().Unix()
	require.NoError(t, d.tick(time.Now()))

	jw, err := d.store.GetJob("nightly")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, jw.State.NextRunAt, before+3600)

	runs, err := d.store.RunsForJob(jw.Job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := waitTerminal(t, d, runs[0].RunID)
	assert.Equal(t, store.RunOK, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 0, *run.ExitCode)

	jw, err = d.store.GetJob("nightly")
	require.NoError(t, err)
	assert.Equal(t, 0, jw.State.ConsecutiveFailures)
	assert.NotNil(t, jw.State.LastOkAt)
}

func TestFailureTripsCircuitBreaker(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "bad.sh", "#!/bin/sh\necho oops >&2\nexit 3\n")
	addScriptJob(t, d, "flaky", "bad.sh", 3600, nil)

	run := waitTerminal(t, d, runOnce(t, d, "flaky"))
	assert.Equal(t, store.RunFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 3, *run.ExitCode)
	require.NotNil(t, run.Summary)
	assert.Contains(t, *run.Summary, "oops")

	jw, err := d.store.GetJob("flaky")
	require.NoError(t, err)
	assert.Equal(t, 1, jw.State.ConsecutiveFailures)
	assert.Equal(t, store.StatusActive, jw.State.Status)

	waitTerminal(t, d, runOnce(t, d, "flaky"))

	jw, err = d.store.GetJob("flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, jw.State.ConsecutiveFailures)
	assert.Equal(t, store.StatusError, jw.State.Status)

	// Breaker-tripped jobs are not dispatched and refuse run_once
	due, err := d.store.DueJobs(time.Now().Unix() + 7200)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = d.Handle("run_once", map[string]interface{}{"name": "flaky"})
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestResumeReactivatesTrippedJob(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "bad.sh", "#!/bin/sh\nexit 1\n")
	addScriptJob(t, d, "flaky", "bad.sh", 3600, nil)

	waitTerminal(t, d, runOnce(t, d, "flaky"))
	waitTerminal(t, d, runOnce(t, d, "flaky"))

	before := time.Now().Unix()
	_, err := d.Handle("resume_job", map[string]interface{}{"name": "flaky"})
	require.NoError(t, err)

	jw, err := d.store.GetJob("flaky")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, jw.State.Status)
	assert.GreaterOrEqual(t, jw.State.NextRunAt, before)
	assert.LessOrEqual(t, jw.State.NextRunAt, time.Now().Unix())
}

func TestAtMostOneRunPerJob(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "slow.sh", "#!/bin/sh\nsleep 30\n")
	addScriptJob(t, d, "slow", "slow.sh", 1, nil)
	forceDue(t, d, "slow")

	require.NoError(t, d.tick(time.Now()))

	jw, err := d.store.GetJob("slow")
	require.NoError(t, err)

	// Force the job due again while the first run is still in flight
	require.NoError(t, d.store.SetNextRunAt(jw.Job.ID, time.Now().Unix()-10))
	require.NoError(t, d.tick(time.Now()))

	runs, err := d.store.RunsForJob(jw.Job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = d.Handle("run_once", map[string]interface{}{"name": "slow"})
	assert.True(t, errors.Is(err, errors.ErrJobRunning))
}

func TestWorkerCapacity(t *testing.T) {
	d := newTestDaemon(t)
	d.cfg.Daemon.MaxWorkers = 1
	writeScript(t, d, "slow.sh", "#!/bin/sh\nsleep 30\n")
	addScriptJob(t, d, "first", "slow.sh", 3600, nil)
	addScriptJob(t, d, "second", "slow.sh", 3600, nil)

	runOnce(t, d, "first")

	_, err := d.Handle("run_once", map[string]interface{}{"name": "second"})
	assert.True(t, errors.Is(err, errors.ErrAtCapacity))

	// A capacity-blocked due job keeps its next_run_at, so it stays due
	forceDue(t, d, "second")
	require.NoError(t, d.tick(time.Now()))
	jw, err := d.store.GetJob("second")
	require.NoError(t, err)
	runs, err := d.store.RunsForJob(jw.Job.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.LessOrEqual(t, jw.State.NextRunAt, time.Now().Unix())
}

func TestTimeoutKillsRun(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "hang.sh", "#!/bin/sh\nsleep 30\n")
	addScriptJob(t, d, "hang", "hang.sh", 3600, map[string]interface{}{"timeout_seconds": 1})

	runID := runOnce(t, d, "hang")

	time.Sleep(1100 * time.Millisecond)
	run := waitTerminal(t, d, runID)

	assert.Equal(t, store.RunTimeout, run.Status)
	require.NotNil(t, run.Summary)
	assert.Contains(t, *run.Summary, "timed out")

	jw, err := d.store.GetJob("hang")
	require.NoError(t, err)
	assert.Equal(t, 1, jw.State.ConsecutiveFailures)
}

func TestSpawnFailureIsRecordedAsFailedRun(t *testing.T) {
	d := newTestDaemon(t)
	d.cfg.Runner.StrategyRunner = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := d.Handle("add_job", map[string]interface{}{
		"name":             "ghost",
		"type":             "strategy",
		"interval_seconds": 3600,
		"payload":          map[string]interface{}{"strategy": "grid", "action": "run"},
	})
	require.NoError(t, err)

	_, err = d.Handle("run_once", map[string]interface{}{"name": "ghost"})
	require.Error(t, err)

	jw, err := d.store.GetJob("ghost")
	require.NoError(t, err)
	runs, err := d.store.RunsForJob(jw.Job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunFailed, runs[0].Status)
	require.NotNil(t, runs[0].Summary)
	assert.Contains(t, *runs[0].Summary, "spawn failed")
	assert.Equal(t, 1, jw.State.ConsecutiveFailures)
}

func TestRunOncePausedJobRejected(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "ok.sh", "#!/bin/sh\nexit 0\n")
	addScriptJob(t, d, "parked", "ok.sh", 3600, nil)

	_, err := d.Handle("pause_job", map[string]interface{}{"name": "parked"})
	require.NoError(t, err)

	_, err = d.Handle("run_once", map[string]interface{}{"name": "parked"})
	assert.True(t, errors.IsInvalidRequest(err))

	// Paused jobs never dispatch
	jw, err := d.store.GetJob("parked")
	require.NoError(t, err)
	require.NoError(t, d.store.SetNextRunAt(jw.Job.ID, time.Now().Unix()-10))
	require.NoError(t, d.tick(time.Now()))
	runs, err := d.store.RunsForJob(jw.Job.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDeleteRunningJobRejected(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "slow.sh", "#!/bin/sh\nsleep 30\n")
	addScriptJob(t, d, "busy", "slow.sh", 3600, nil)

	runOnce(t, d, "busy")

	_, err := d.Handle("delete_job", map[string]interface{}{"name": "busy"})
	assert.True(t, errors.Is(err, errors.ErrJobRunning))
}

func TestRunReportIncludesLogTail(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "noisy.sh", "#!/bin/sh\nfor i in 1 2 3; do echo \"line $i\"; done\n")
	addScriptJob(t, d, "noisy", "noisy.sh", 3600, nil)

	runID := runOnce(t, d, "noisy")
	waitTerminal(t, d, runID)

	result, err := d.Handle("run_report", map[string]interface{}{"run_id": runID})
	require.NoError(t, err)
	report := result.(*RunReport)
	assert.Equal(t, store.RunOK, report.Run.Status)
	assert.Contains(t, report.LogTail, "line 3")
}

func TestAddJobValidation(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.Handle("add_job", map[string]interface{}{
		"name": "x", "type": "cron", "interval_seconds": 60,
	})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = d.Handle("add_job", map[string]interface{}{
		"name": "x", "type": "script", "interval_seconds": 0,
		"payload": map[string]interface{}{"script_path": "a.sh"},
	})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = d.Handle("add_job", map[string]interface{}{
		"name": "x", "type": "script", "interval_seconds": 60,
		"payload": map[string]interface{}{"script_path": "../../etc/cron.sh"},
	})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = d.Handle("add_job", map[string]interface{}{
		"name": "x", "type": "strategy", "interval_seconds": 60,
		"payload": map[string]interface{}{"strategy": "grid"},
	})
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestAddJobRejectsPathLikeNames(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "ok.sh", "#!/bin/sh\nexit 0\n")

	for _, name := range []string{"../../escaped-logs/pwned", "a/b", `a\b`, "..", "."} {
		_, err := d.Handle("add_job", map[string]interface{}{
			"name": name, "type": "script", "interval_seconds": 60,
			"payload": map[string]interface{}{"script_path": "ok.sh"},
		})
		assert.True(t, errors.IsInvalidRequest(err), "name %q should be rejected", name)
	}

	// Names without separators are unaffected
	addScriptJob(t, d, "dots.are.fine", "ok.sh", 60, nil)
}

func TestMutatingHandlersWaitForDaemonLock(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "ok.sh", "#!/bin/sh\nexit 0\n")
	addScriptJob(t, d, "victim", "ok.sh", 3600, nil)

	// While the scheduler lock is held (as during a tick), delete_job must
	// block instead of racing its in-flight check against dispatch
	d.mu.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := d.Handle("delete_job", map[string]interface{}{"name": "victim"})
		done <- err
	}()

	select {
	case <-done:
		d.mu.Unlock()
		t.Fatal("delete_job completed without the daemon lock")
	case <-time.After(100 * time.Millisecond):
	}
	d.mu.Unlock()

	require.NoError(t, <-done)
	_, err := d.store.GetJob("victim")
	assert.True(t, errors.IsNotFound(err))
}

func TestTimeoutEscalationDoesNotBlockTick(t *testing.T) {
	d := newTestDaemon(t)
	d.cfg.Daemon.GraceKillSeconds = 2
	// Ignores SIGTERM and restarts its sleep, so only SIGKILL ends it
	writeScript(t, d, "stubborn.sh", "#!/bin/sh\ntrap '' TERM\nwhile :; do sleep 1; done\n")
	addScriptJob(t, d, "stubborn", "stubborn.sh", 3600, map[string]interface{}{"timeout_seconds": 1})

	runID := runOnce(t, d, "stubborn")
	time.Sleep(1100 * time.Millisecond)

	// The tick that marks the run TIMEOUT must not sit out the grace
	// period while holding the scheduler lock
	start := time.Now()
	require.NoError(t, d.tick(time.Now()))
	assert.Less(t, time.Since(start), time.Second)

	run, err := d.store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunTimeout, run.Status)

	// Child still alive and tracked; the slot is not freed early
	d.mu.Lock()
	tracked := len(d.running)
	d.mu.Unlock()
	assert.Equal(t, 1, tracked)

	// After the grace period a later tick escalates to SIGKILL and keeps
	// reaping until the child is actually gone
	time.Sleep(2100 * time.Millisecond)
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, d.tick(time.Now()))
		d.mu.Lock()
		tracked = len(d.running)
		d.mu.Unlock()
		if tracked == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed-out child was never reaped")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// TIMEOUT recorded exactly once, one failure counted
	run, err = d.store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunTimeout, run.Status)
	jw, err := d.store.GetJob("stubborn")
	require.NoError(t, err)
	assert.Equal(t, 1, jw.State.ConsecutiveFailures)
}

func TestUpdateJobValidatesNewPayload(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "ok.sh", "#!/bin/sh\nexit 0\n")
	addScriptJob(t, d, "job", "ok.sh", 3600, nil)

	_, err := d.Handle("update_job", map[string]interface{}{
		"name":    "job",
		"payload": map[string]interface{}{"script_path": "../escape.sh"},
	})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = d.Handle("update_job", map[string]interface{}{
		"name": "job", "interval_seconds": 120,
	})
	require.NoError(t, err)

	jw, err := d.store.GetJob("job")
	require.NoError(t, err)
	assert.Equal(t, 120, jw.Job.IntervalSeconds)
}

func TestStaleRunsSweptOnStartup(t *testing.T) {
	stateDir := t.TempDir()
	cfg := &config.Config{
		StateDir: stateDir,
		Daemon: config.DaemonConfig{
			TickIntervalSeconds: 1, MaxWorkers: 2, MaxFailures: 3,
			DefaultTimeoutSeconds: 60, GraceKillSeconds: 1, LogTailBytes: 2048,
		},
		Runner: config.RunnerConfig{ShellBin: "/bin/sh", PythonBin: "python3", StrategyRunner: "runnerd-strategy"},
	}

	d1, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	jobID, err := d1.store.AddJob("orphan", store.JobTypeScript,
		json.RawMessage(`{"script_path": "x.sh"}`), 60, store.StatusActive, time.Now().Unix())
	require.NoError(t, err)
	runID, err := d1.store.CreateRun(jobID, time.Now().Unix(), "")
	require.NoError(t, err)
	d1.stop()

	d2, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(d2.stop)

	run, err := d2.store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunAborted, run.Status)
}

func TestKVRoundTripOverHandler(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.Handle("kv_set", map[string]interface{}{
		"namespace": "grid", "key": "position", "value": "long",
	})
	require.NoError(t, err)

	result, err := d.Handle("kv_get", map[string]interface{}{
		"namespace": "grid", "key": "position",
	})
	require.NoError(t, err)
	assert.Equal(t, "long", result.(*store.KVEntry).Value)

	_, err = d.Handle("kv_get", map[string]interface{}{
		"namespace": "grid", "key": "missing",
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestStatusSnapshot(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "ok.sh", "#!/bin/sh\nexit 0\n")
	addScriptJob(t, d, "snap", "ok.sh", 3600, nil)

	result, err := d.Handle("status", nil)
	require.NoError(t, err)
	snap := result.(*StatusSnapshot)
	assert.Equal(t, os.Getpid(), snap.PID)
	assert.Equal(t, d.cfg.Daemon.MaxWorkers, snap.MaxWorkers)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "snap", snap.Jobs[0].Job.Name)
}

func TestUnknownMethod(t *testing.T) {
	d := newTestDaemon(t)
	_, err := d.Handle("reap_all", nil)
	assert.True(t, errors.IsInvalidRequest(err))
	assert.Contains(t, err.Error(), "reap_all")
}

func TestLogPathLayout(t *testing.T) {
	d := newTestDaemon(t)
	writeScript(t, d, "ok.sh", "#!/bin/sh\nexit 0\n")
	addScriptJob(t, d, "layout", "ok.sh", 3600, nil)

	runID := runOnce(t, d, "layout")
	run := waitTerminal(t, d, runID)

	expected := filepath.Join(d.cfg.LogsDir(), "layout", fmt.Sprintf("run-%d.log", runID))
	assert.Equal(t, expected, run.LogPath)
	_, err := os.Stat(expected)
	assert.NoError(t, err)
}
