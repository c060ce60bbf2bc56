package db

import (
	"database/sql"
	"time"
)

// CreateRun creates a new run record
func (db *DB) CreateRun(run *Run) error {
	query := `
		INSERT INTO runs (run_id, work_list, test_run, agent_count, total, completed_count,
			skipped, status, started_at, updated_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		run.RunID,
		run.WorkList,
		run.TestRun,
		run.AgentCount,
		run.Total,
		run.CompletedCount,
		run.Skipped,
		run.Status,
		run.StartedAt,
		run.UpdatedAt,
		run.CompletedAt,
		run.Error,
	)
	if IsDuplicate(err) {
		return ErrDuplicate
	}

	return err
}

// GetRun retrieves a run by its run ID
func (db *DB) GetRun(runID string) (*Run, error) {
	run := &Run{}

	query := `
		SELECT run_id, work_list, test_run, agent_count, total, completed_count,
			skipped, status, started_at, updated_at, completed_at, error
		FROM runs
		WHERE run_id = ?
	`

	err := db.QueryRow(query, runID).Scan(
		&run.RunID,
		&run.WorkList,
		&run.TestRun,
		&run.AgentCount,
		&run.Total,
		&run.CompletedCount,
		&run.Skipped,
		&run.Status,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
		&run.Error,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return run, nil
}

// UpdateRunProgress records how far a run got. CompletedCount is the resume
// point of the run.
func (db *DB) UpdateRunProgress(runID string, completed, skipped int, at time.Time) error {
	query := `
		UPDATE runs
		SET completed_count = ?, skipped = ?, updated_at = ?
		WHERE run_id = ?
	`

	result, err := db.Exec(query, completed, skipped, at, runID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ResumeRun marks a stopped or aborted run as running again
func (db *DB) ResumeRun(runID string, at time.Time) error {
	query := `
		UPDATE runs
		SET status = ?, updated_at = ?, completed_at = NULL, error = NULL
		WHERE run_id = ?
	`

	result, err := db.Exec(query, RunStatusRunning, at, runID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// CompleteRun marks a run as ended with status
func (db *DB) CompleteRun(runID, status string, errorMsg *string, at time.Time) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, updated_at = ?, error = ?
		WHERE run_id = ?
	`

	result, err := db.Exec(query, status, at, at, errorMsg, runID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
