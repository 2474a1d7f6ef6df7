package store

import (
	"database/sql"

	"github.com/vireo/runnerd/errors"
)

// CreateRun inserts a new run row in RUNNING state and returns its id
func (s *Store) CreateRun(jobID int64, startedAt int64, logPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO runs (job_id, started_at, status, log_path)
		VALUES (?, ?, ?, ?)
	`, jobID, startedAt, string(RunRunning), logPath)
	if err != nil {
		return 0, errors.Wrap(err, "create run")
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "run id")
	}
	return runID, nil
}

// UpdateRunPID records the OS process id once the child is spawned
func (s *Store) UpdateRunPID(runID int64, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE runs SET pid = ? WHERE run_id = ?", pid, runID)
	return errors.Wrap(err, "update run pid")
}

// UpdateRunLogPath records where the run's output is captured
func (s *Store) UpdateRunLogPath(runID int64, logPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE runs SET log_path = ? WHERE run_id = ?", logPath, runID)
	return errors.Wrap(err, "update run log path")
}

// FinishRun transitions a run to a terminal state. A run only transitions
// out of RUNNING once; finishing an already-terminal run is a no-op.
func (s *Store) FinishRun(runID int64, finishedAt int64, status RunStatus, exitCode *int, summary *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !status.IsTerminal() {
		return errors.NewInvalidRequest("finish_run: %s is not a terminal status", status)
	}

	_, err := s.db.Exec(`
		UPDATE runs
		SET finished_at = ?, status = ?, exit_code = ?, summary = ?
		WHERE run_id = ? AND status = ?
	`, finishedAt, string(status), nullableInt(exitCode), nullableString(summary), runID, string(RunRunning))
	return errors.Wrap(err, "finish run")
}

// MarkStaleRunningRunsAborted bulk-transitions every RUNNING run to ABORTED.
// Called once at daemon startup, before the scheduler loop: the supervising
// process that created those rows is gone, so their children cannot be
// trusted or re-attached.
func (s *Store) MarkStaleRunningRunsAborted(note string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, finished_at = ?, summary = ?
		WHERE status = ?
	`, string(RunAborted), now(), note, string(RunRunning))
	if err != nil {
		return 0, errors.Wrap(err, "mark stale runs aborted")
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return count, nil
}

const runColumns = `run_id, job_id, started_at, finished_at, status, exit_code, log_path, summary, pid`

func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var r Run
	var finishedAt sql.NullInt64
	var exitCode, pid sql.NullInt64
	var summary sql.NullString

	err := scan(&r.RunID, &r.JobID, &r.StartedAt, &finishedAt, &r.Status,
		&exitCode, &r.LogPath, &summary, &pid)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		v := finishedAt.Int64
		r.FinishedAt = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if summary.Valid {
		v := summary.String
		r.Summary = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		r.PID = &v
	}
	return &r, nil
}

// GetRun returns one run by id
func (s *Store) GetRun(runID int64) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE run_id = ?", runID)
	r, err := scanRun(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFound("run %d", runID)
		}
		return nil, errors.Wrap(err, "get run")
	}
	return r, nil
}

// RunsForJob returns a job's runs, newest first
func (s *Store) RunsForJob(jobID int64, limit int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		"SELECT "+runColumns+" FROM runs WHERE job_id = ? ORDER BY run_id DESC LIMIT ?",
		jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "runs for job")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "runs for job")
}

// LastRuns returns the most recent runs across all jobs, with job names
func (s *Store) LastRuns(limit int) ([]*RunWithJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT r.run_id, r.job_id, r.started_at, r.finished_at, r.status,
		       r.exit_code, r.log_path, r.summary, r.pid, j.name
		FROM runs r JOIN jobs j ON j.id = r.job_id
		ORDER BY r.run_id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "last runs")
	}
	defer rows.Close()

	var runs []*RunWithJob
	for rows.Next() {
		var rj RunWithJob
		var finishedAt, exitCode, pid sql.NullInt64
		var summary sql.NullString

		err := rows.Scan(&rj.RunID, &rj.JobID, &rj.StartedAt, &finishedAt, &rj.Status,
			&exitCode, &rj.LogPath, &summary, &pid, &rj.JobName)
		if err != nil {
			return nil, errors.Wrap(err, "scan last run")
		}

		if finishedAt.Valid {
			v := finishedAt.Int64
			rj.FinishedAt = &v
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			rj.ExitCode = &v
		}
		if summary.Valid {
			v := summary.String
			rj.Summary = &v
		}
		if pid.Valid {
			v := int(pid.Int64)
			rj.PID = &v
		}
		runs = append(runs, &rj)
	}
	return runs, errors.Wrap(rows.Err(), "last runs")
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
