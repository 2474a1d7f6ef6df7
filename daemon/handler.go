package daemon

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vireo/runnerd/errors"
	"github.com/vireo/runnerd/proto"
	"github.com/vireo/runnerd/store"
)

// Handle dispatches one control-plane request. Implements control.Handler;
// every method runs on the same mutex as the tick loop, so handlers observe
// a consistent tracker and store.
func (d *Daemon) Handle(method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case "status":
		return d.handleStatus()
	case "shutdown":
		return d.handleShutdown()
	case "add_job":
		return d.handleAddJob(params)
	case "update_job":
		return d.handleUpdateJob(params)
	case "pause_job":
		return d.handlePauseJob(params)
	case "resume_job":
		return d.handleResumeJob(params)
	case "delete_job":
		return d.handleDeleteJob(params)
	case "run_once":
		return d.handleRunOnce(params)
	case "job_runs":
		return d.handleJobRuns(params)
	case "run_report":
		return d.handleRunReport(params)
	case "kv_get":
		return d.handleKVGet(params)
	case "kv_set":
		return d.handleKVSet(params)
	default:
		return nil, errors.NewInvalidRequest("unknown method %q", method)
	}
}

func (d *Daemon) handleShutdown() (interface{}, error) {
	d.logger.Infow("Shutdown requested over control socket")
	// Answer before the listener goes away; stop() runs from Run's select
	d.Shutdown()
	return map[string]string{"stopping": "true"}, nil
}

// validateJobName rejects names that cannot be used as a single path
// component; the name becomes the job's log directory under the state dir.
func validateJobName(name string) error {
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return errors.NewInvalidRequest("job name %q must not contain path separators", name)
	}
	return nil
}

func (d *Daemon) handleAddJob(params map[string]interface{}) (interface{}, error) {
	name, err := proto.StringParam(params, "name")
	if err != nil {
		return nil, err
	}
	if err := validateJobName(name); err != nil {
		return nil, err
	}
	typStr, err := proto.StringParam(params, "type")
	if err != nil {
		return nil, err
	}
	if !store.IsValidJobType(typStr) {
		return nil, errors.NewInvalidRequest("unknown job type %q", typStr)
	}
	typ := store.JobType(typStr)

	interval, err := proto.IntParam(params, "interval_seconds")
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, errors.NewInvalidRequest("interval_seconds must be positive")
	}

	payload, err := proto.OptionalMapParam(params, "payload")
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	builder, err := builderFor(typ, d.cfg)
	if err != nil {
		return nil, err
	}
	if err := builder.Validate(payload); err != nil {
		return nil, err
	}

	// New jobs are due immediately
	d.mu.Lock()
	jobID, err := d.store.AddJob(name, typ, payload, interval, store.StatusActive, time.Now().Unix())
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	d.logger.Infow("Job added", "job", name, "type", typ, "interval_seconds", interval)
	return map[string]interface{}{"job_id": jobID, "name": name}, nil
}

func (d *Daemon) handleUpdateJob(params map[string]interface{}) (interface{}, error) {
	name, err := proto.StringParam(params, "name")
	if err != nil {
		return nil, err
	}
	payload, err := proto.OptionalMapParam(params, "payload")
	if err != nil {
		return nil, err
	}
	interval, err := proto.OptionalIntParam(params, "interval_seconds", 0)
	if err != nil {
		return nil, err
	}
	if interval < 0 {
		return nil, errors.NewInvalidRequest("interval_seconds must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if payload != nil {
		jw, err := d.store.GetJob(name)
		if err != nil {
			return nil, err
		}
		builder, err := builderFor(jw.Job.Type, d.cfg)
		if err != nil {
			return nil, err
		}
		if err := builder.Validate(payload); err != nil {
			return nil, err
		}
	}

	if err := d.store.UpdateJob(name, payload, interval); err != nil {
		return nil, err
	}
	d.logger.Infow("Job updated", "job", name)
	return map[string]string{"name": name}, nil
}

func (d *Daemon) handlePauseJob(params map[string]interface{}) (interface{}, error) {
	name, err := proto.StringParam(params, "name")
	if err != nil {
		return nil, err
	}
	// A run already in flight finishes normally; pause only stops future
	// dispatch
	d.mu.Lock()
	err = d.store.SetJobStatus(name, store.StatusPaused)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.logger.Infow("Job paused", "job", name)
	return map[string]string{"name": name, "status": string(store.StatusPaused)}, nil
}

// handleResumeJob reactivates a PAUSED or breaker-tripped ERROR job. The
// failure counter is left intact; the next successful run clears it.
func (d *Daemon) handleResumeJob(params map[string]interface{}) (interface{}, error) {
	name, err := proto.StringParam(params, "name")
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	jw, err := d.store.GetJob(name)
	if err != nil {
		return nil, err
	}
	if err := d.store.SetJobStatus(name, store.StatusActive); err != nil {
		return nil, err
	}
	// Due now, not at whatever stale next_run_at it was parked with
	if err := d.store.SetNextRunAt(jw.Job.ID, time.Now().Unix()); err != nil {
		return nil, err
	}
	d.logger.Infow("Job resumed", "job", name, "was", jw.State.Status)
	return map[string]string{"name": name, "status": string(store.StatusActive)}, nil
}

func (d *Daemon) handleDeleteJob(params map[string]interface{}) (interface{}, error) {
	name, err := proto.StringParam(params, "name")
	if err != nil {
		return nil, err
	}

	// Held across the in-flight check and the delete, so a tick cannot
	// dispatch the job in between
	d.mu.Lock()
	defer d.mu.Unlock()

	jw, err := d.store.GetJob(name)
	if err != nil {
		return nil, err
	}
	if d.jobInFlightLocked(jw.Job.ID) {
		return nil, errors.Wrapf(errors.ErrJobRunning, "job %q", name)
	}

	if err := d.store.DeleteJob(name); err != nil {
		return nil, err
	}
	d.logger.Infow("Job deleted", "job", name)
	return map[string]string{"name": name}, nil
}

// handleRunOnce starts one immediate run outside the schedule. The job must
// be ACTIVE, not already running, and a worker slot must be free; the
// regular next_run_at is left untouched.
func (d *Daemon) handleRunOnce(params map[string]interface{}) (interface{}, error) {
	name, err := proto.StringParam(params, "name")
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	jw, err := d.store.GetJob(name)
	if err != nil {
		return nil, err
	}
	if jw.State.Status != store.StatusActive {
		return nil, errors.NewInvalidRequest("job %q is %s, resume it before run_once", name, jw.State.Status)
	}

	if d.jobInFlightLocked(jw.Job.ID) {
		return nil, errors.Wrapf(errors.ErrJobRunning, "job %q", name)
	}
	if len(d.running) >= d.cfg.Daemon.MaxWorkers {
		return nil, errors.Wrapf(errors.ErrAtCapacity, "%d of %d workers busy", len(d.running), d.cfg.Daemon.MaxWorkers)
	}

	runID, err := d.startJobLocked(jw, time.Now(), true)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"run_id": runID, "name": name}, nil
}

func (d *Daemon) handleJobRuns(params map[string]interface{}) (interface{}, error) {
	name, err := proto.StringParam(params, "name")
	if err != nil {
		return nil, err
	}
	limit, err := proto.OptionalIntParam(params, "limit", 20)
	if err != nil {
		return nil, err
	}
	jw, err := d.store.GetJob(name)
	if err != nil {
		return nil, err
	}
	runs, err := d.store.RunsForJob(jw.Job.ID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"job": jw, "runs": runs}, nil
}

// RunReport is a run row plus a bounded tail of its captured output
type RunReport struct {
	Run     *store.Run `json:"run"`
	LogTail string     `json:"log_tail,omitempty"`
}

func (d *Daemon) handleRunReport(params map[string]interface{}) (interface{}, error) {
	runID, err := proto.Int64Param(params, "run_id")
	if err != nil {
		return nil, err
	}
	run, err := d.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Run: run}
	if run.LogPath != "" {
		tail, err := TailFile(run.LogPath, d.cfg.Daemon.LogTailBytes)
		if err == nil {
			report.LogTail = tail
		}
	}
	return report, nil
}

func (d *Daemon) handleKVGet(params map[string]interface{}) (interface{}, error) {
	namespace, err := proto.StringParam(params, "namespace")
	if err != nil {
		return nil, err
	}
	key, err := proto.StringParam(params, "key")
	if err != nil {
		return nil, err
	}
	return d.store.KVGet(namespace, key)
}

func (d *Daemon) handleKVSet(params map[string]interface{}) (interface{}, error) {
	namespace, err := proto.StringParam(params, "namespace")
	if err != nil {
		return nil, err
	}
	key, err := proto.StringParam(params, "key")
	if err != nil {
		return nil, err
	}
	value, err := proto.OptionalStringParam(params, "value")
	if err != nil {
		return nil, err
	}
	if err := d.store.KVSet(namespace, key, value); err != nil {
		return nil, err
	}
	return map[string]string{"namespace": namespace, "key": key}, nil
}
