package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vireo/runnerd/errors"
)

// Store handles all durable state for the daemon. It owns every row in the
// database; callers never touch the *sql.DB directly.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore creates a store over an opened, migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func now() int64 {
	return time.Now().UTC().Unix()
}

// isUniqueViolation detects a UNIQUE constraint failure from the driver
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// AddJob creates a job definition and its scheduling state in one
// transaction. Returns ErrDuplicate if the name is taken.
func (s *Store) AddJob(name string, typ JobType, payload json.RawMessage, intervalSeconds int, status JobStatus, nextRunAt int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin add_job")
	}
	defer tx.Rollback()

	ts := now()
	res, err := tx.Exec(`
		INSERT INTO jobs (name, type, payload, interval_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, name, string(typ), string(payload), intervalSeconds, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, errors.Wrapf(errors.ErrDuplicate, "job %q", name)
		}
		return 0, errors.Wrap(err, "insert job")
	}

	jobID, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "job id")
	}

	if _, err := tx.Exec(`
		INSERT INTO job_state (job_id, status, next_run_at, consecutive_failures)
		VALUES (?, ?, ?, 0)
	`, jobID, string(status), nextRunAt); err != nil {
		return 0, errors.Wrap(err, "insert job state")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit add_job")
	}
	return jobID, nil
}

// UpdateJob updates a job's payload and/or interval. Name and type are
// immutable. Nil payload / zero interval leave the field untouched.
func (s *Store) UpdateJob(name string, payload json.RawMessage, intervalSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload == nil && intervalSeconds <= 0 {
		return errors.NewInvalidRequest("update_job: nothing to update")
	}

	query := "UPDATE jobs SET updated_at = ?"
	args := []interface{}{now()}
	if payload != nil {
		query += ", payload = ?"
		args = append(args, string(payload))
	}
	if intervalSeconds > 0 {
		query += ", interval_seconds = ?"
		args = append(args, intervalSeconds)
	}
	query += " WHERE name = ?"
	args = append(args, name)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.NewNotFound("job %q", name)
	}
	return nil
}

// DeleteJob removes a job, its state and its run history. The daemon is
// responsible for rejecting deletion while a run is in flight.
func (s *Store) DeleteJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM jobs WHERE name = ?", name)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.NewNotFound("job %q", name)
	}
	return nil
}

// SetJobStatus updates a job's scheduling status by name
func (s *Store) SetJobStatus(name string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE job_state SET status = ?
		WHERE job_id = (SELECT id FROM jobs WHERE name = ?)
	`, string(status), name)
	if err != nil {
		return errors.Wrap(err, "set job status")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.NewNotFound("job %q", name)
	}
	return nil
}

// SetNextRunAt advances a job's next eligible run time
func (s *Store) SetNextRunAt(jobID int64, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE job_state SET next_run_at = ? WHERE job_id = ?", ts, jobID)
	return errors.Wrap(err, "set next_run_at")
}

// SetJobLastRun records the start time of the latest run
func (s *Store) SetJobLastRun(jobID int64, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE job_state SET last_run_at = ? WHERE job_id = ?", ts, jobID)
	return errors.Wrap(err, "set last_run_at")
}

// RecordJobSuccess resets the failure counter and clears the last error
func (s *Store) RecordJobSuccess(jobID int64, okAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE job_state
		SET last_ok_at = ?, consecutive_failures = 0, last_error = NULL
		WHERE job_id = ?
	`, okAt, jobID)
	return errors.Wrap(err, "record job success")
}

// RecordJobFailure increments the consecutive failure counter and applies the
// circuit breaker: when the new count reaches maxFailures an ACTIVE job flips
// to ERROR in the same transaction. Returns the updated count and resulting
// status for caller logging.
func (s *Store) RecordJobFailure(jobID int64, errText string, maxFailures int) (int, JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, "", errors.Wrap(err, "begin record_job_failure")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE job_state
		SET consecutive_failures = consecutive_failures + 1, last_error = ?
		WHERE job_id = ?
	`, errText, jobID); err != nil {
		return 0, "", errors.Wrap(err, "increment failures")
	}

	var failures int
	var status string
	if err := tx.QueryRow(
		"SELECT consecutive_failures, status FROM job_state WHERE job_id = ?", jobID,
	).Scan(&failures, &status); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", errors.NewNotFound("job id %d", jobID)
		}
		return 0, "", errors.Wrap(err, "read failure count")
	}

	if failures >= maxFailures && JobStatus(status) == StatusActive {
		if _, err := tx.Exec(
			"UPDATE job_state SET status = ? WHERE job_id = ?", string(StatusError), jobID,
		); err != nil {
			return 0, "", errors.Wrap(err, "trip circuit breaker")
		}
		status = string(StatusError)
	}

	if err := tx.Commit(); err != nil {
		return 0, "", errors.Wrap(err, "commit record_job_failure")
	}
	return failures, JobStatus(status), nil
}

const jobColumns = `
	j.id, j.name, j.type, j.payload, j.interval_seconds, j.created_at, j.updated_at,
	s.status, s.next_run_at, s.last_run_at, s.last_ok_at, s.consecutive_failures, s.last_error
`

func scanJobWithState(scan func(dest ...interface{}) error) (*JobWithState, error) {
	var jw JobWithState
	var payload string
	var lastRunAt, lastOkAt sql.NullInt64
	var lastError sql.NullString

	err := scan(
		&jw.Job.ID, &jw.Job.Name, &jw.Job.Type, &payload, &jw.Job.IntervalSeconds,
		&jw.Job.CreatedAt, &jw.Job.UpdatedAt,
		&jw.State.Status, &jw.State.NextRunAt, &lastRunAt, &lastOkAt,
		&jw.State.ConsecutiveFailures, &lastError,
	)
	if err != nil {
		return nil, err
	}

	jw.Job.Payload = json.RawMessage(payload)
	jw.State.JobID = jw.Job.ID
	if lastRunAt.Valid {
		v := lastRunAt.Int64
		jw.State.LastRunAt = &v
	}
	if lastOkAt.Valid {
		v := lastOkAt.Int64
		jw.State.LastOkAt = &v
	}
	if lastError.Valid {
		v := lastError.String
		jw.State.LastError = &v
	}
	return &jw, nil
}

// GetJob returns a job and its state by name
func (s *Store) GetJob(name string) (*JobWithState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT `+jobColumns+`
		FROM jobs j JOIN job_state s ON s.job_id = j.id
		WHERE j.name = ?
	`, name)

	jw, err := scanJobWithState(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFound("job %q", name)
		}
		return nil, errors.Wrap(err, "get job")
	}
	return jw, nil
}

// ListJobs returns all jobs with state, ordered by id
func (s *Store) ListJobs() ([]*JobWithState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT ` + jobColumns + `
		FROM jobs j JOIN job_state s ON s.job_id = j.id
		ORDER BY j.id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var jobs []*JobWithState
	for rows.Next() {
		jw, err := scanJobWithState(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, jw)
	}
	return jobs, errors.Wrap(rows.Err(), "list jobs")
}

// DueJobs returns jobs eligible to start: ACTIVE with next_run_at <= now.
// Ordered by (next_run_at, id) ascending so equally-overdue jobs are served
// oldest-definition-first, deterministically.
func (s *Store) DueJobs(nowTS int64) ([]*JobWithState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM jobs j JOIN job_state s ON s.job_id = j.id
		WHERE s.status = ? AND s.next_run_at <= ?
		ORDER BY s.next_run_at ASC, j.id ASC
	`, string(StatusActive), nowTS)
	if err != nil {
		return nil, errors.Wrap(err, "due jobs")
	}
	defer rows.Close()

	var jobs []*JobWithState
	for rows.Next() {
		jw, err := scanJobWithState(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan due job")
		}
		jobs = append(jobs, jw)
	}
	return jobs, errors.Wrap(rows.Err(), "due jobs")
}
