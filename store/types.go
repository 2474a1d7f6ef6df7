// Package store persists job definitions, scheduling state, run history and
// worker scratch state in the embedded SQLite database. Every operation is
// serialized by a single mutex: SQLite is not safe for concurrent writers
// from multiple goroutines on one connection.
package store

import "encoding/json"

// JobType identifies how a job's payload becomes a subprocess invocation
type JobType string

const (
	JobTypeStrategy JobType = "strategy"
	JobTypeScript   JobType = "script"
)

// IsValidJobType returns true if the string is a known job type
func IsValidJobType(s string) bool {
	switch JobType(s) {
	case JobTypeStrategy, JobTypeScript:
		return true
	default:
		return false
	}
}

// JobStatus is the scheduling state of a job
type JobStatus string

const (
	StatusActive JobStatus = "ACTIVE"
	StatusPaused JobStatus = "PAUSED"
	// StatusError is set by the circuit breaker after max_failures
	// consecutive failed runs; the job no longer runs until resumed
	StatusError JobStatus = "ERROR"
)

// RunStatus is the lifecycle state of one execution attempt
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunOK      RunStatus = "OK"
	RunFailed  RunStatus = "FAILED"
	RunTimeout RunStatus = "TIMEOUT"
	// RunAborted marks runs left RUNNING by a previous daemon process;
	// the supervisor is gone so the outcome cannot be trusted
	RunAborted RunStatus = "ABORTED"
)

// IsTerminal reports whether the status is final
func (s RunStatus) IsTerminal() bool {
	return s != RunRunning
}

// Job is a named, persistent schedule definition. Name and Type are
// immutable after creation; payload and interval may be updated.
type Job struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Type            JobType         `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	IntervalSeconds int             `json:"interval_seconds"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// JobState is the mutable scheduling state paired 1:1 with a Job.
// Kept in its own table so definition edits and scheduling updates
// never clobber each other.
type JobState struct {
	JobID               int64     `json:"job_id"`
	Status              JobStatus `json:"status"`
	NextRunAt           int64     `json:"next_run_at"`
	LastRunAt           *int64    `json:"last_run_at,omitempty"`
	LastOkAt            *int64    `json:"last_ok_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           *string   `json:"last_error,omitempty"`
}

// JobWithState pairs a job definition with its scheduling state
type JobWithState struct {
	Job   Job      `json:"job"`
	State JobState `json:"state"`
}

// Run records one execution attempt. Created RUNNING, transitions exactly
// once to a terminal state.
type Run struct {
	RunID      int64     `json:"run_id"`
	JobID      int64     `json:"job_id"`
	StartedAt  int64     `json:"started_at"`
	FinishedAt *int64    `json:"finished_at,omitempty"`
	Status     RunStatus `json:"status"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	LogPath    string    `json:"log_path"`
	Summary    *string   `json:"summary,omitempty"`
	PID        *int      `json:"pid,omitempty"`
}

// RunWithJob adds the owning job's name for history listings
type RunWithJob struct {
	Run
	JobName string `json:"job_name"`
}

// KVEntry is a namespaced key/value record for worker scratch state
type KVEntry struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}
