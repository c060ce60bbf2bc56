package db

import (
	"fmt"
	"time"
)

// InsertRoundRecords writes a batch of round rows in one transaction
func (db *DB) InsertRoundRecords(records []RoundRecord) error {
	if len(records) == 0 {
		return nil
	}

	return db.WithTransaction(func(tx *Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO round_records (run_id, status, mode, round, iteration, attempt, target, agent,
				date, ready_ms, wait_ms, request_ms, done_ms, finished_ms, max_delay_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			_, err := stmt.Exec(
				r.RunID,
				r.Status,
				r.Mode,
				r.Round,
				r.Iteration,
				r.Attempt,
				r.Target,
				r.Agent,
				r.Date,
				r.ReadyMs,
				r.WaitMs,
				r.RequestMs,
				r.DoneMs,
				r.FinishedMs,
				r.MaxDelayMs,
				r.Error,
			)
			if err != nil {
				return fmt.Errorf("failed to insert round record for %s: %w", r.Agent, err)
			}
		}
		return nil
	})
}

// GetRoundRecords retrieves the round rows of a run in insertion order
func (db *DB) GetRoundRecords(runID string) ([]RoundRecord, error) {
	query := `
		SELECT id, run_id, status, mode, round, iteration, attempt, target, agent,
			date, ready_ms, wait_ms, request_ms, done_ms, finished_ms, max_delay_ms, error
		FROM round_records
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []RoundRecord{}
	for rows.Next() {
		var r RoundRecord
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Status,
			&r.Mode,
			&r.Round,
			&r.Iteration,
			&r.Attempt,
			&r.Target,
			&r.Agent,
			&r.Date,
			&r.ReadyMs,
			&r.WaitMs,
			&r.RequestMs,
			&r.DoneMs,
			&r.FinishedMs,
			&r.MaxDelayMs,
			&r.Error,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// InsertRunEvents writes a batch of events in one transaction
func (db *DB) InsertRunEvents(events []RunEvent) error {
	if len(events) == 0 {
		return nil
	}

	return db.WithTransaction(func(tx *Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO run_events (run_id, kind, agent, iteration, target, date, value_ms, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range events {
			if _, err := stmt.Exec(e.RunID, e.Kind, e.Agent, e.Iteration, e.Target, e.Date, e.ValueMs, e.Detail); err != nil {
				return fmt.Errorf("failed to insert %s event: %w", e.Kind, err)
			}
		}
		return nil
	})
}

// GetRunEvents retrieves the events of a run, optionally only one kind
func (db *DB) GetRunEvents(runID, kind string) ([]RunEvent, error) {
	query := `
		SELECT id, run_id, kind, agent, iteration, target, date, value_ms, detail
		FROM run_events
		WHERE run_id = ? AND (? = '' OR kind = ?)
		ORDER BY id
	`

	rows, err := db.Query(query, runID, kind, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []RunEvent{}
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.Agent, &e.Iteration, &e.Target, &e.Date, &e.ValueMs, &e.Detail); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// NewRoundRecord converts offsets to the stored representation
func NewRoundRecord(runID, status, mode string, round, iteration, attempt int, target, agent string, date time.Time,
	ready, wait, request, done, finished, maxDelay time.Duration, errText string) RoundRecord {
	return RoundRecord{
		RunID:      runID,
		Status:     status,
		Mode:       mode,
		Round:      round,
		Iteration:  iteration,
		Attempt:    attempt,
		Target:     target,
		Agent:      agent,
		Date:       date,
		ReadyMs:    millis(ready),
		WaitMs:     millis(wait),
		RequestMs:  millis(request),
		DoneMs:     millis(done),
		FinishedMs: millis(finished),
		MaxDelayMs: millis(maxDelay),
		Error:      nullString(errText),
	}
}

// NewRunEvent converts an event to the stored representation
func NewRunEvent(runID, kind, agent string, iteration int, target string, date time.Time, value time.Duration, detail string) RunEvent {
	e := RunEvent{
		RunID:     runID,
		Kind:      kind,
		Agent:     nullString(agent),
		Iteration: iteration,
		Target:    nullString(target),
		Date:      date,
		Detail:    nullString(detail),
	}
	if value != 0 {
		e.ValueMs = millis(value)
	}
	return e
}
