package db

import "fmt"

// SaveCalibrationProfiles stores the profiles of one calibration of a run
func (db *DB) SaveCalibrationProfiles(profiles []CalibrationProfile) error {
	if len(profiles) == 0 {
		return nil
	}

	return db.WithTransaction(func(tx *Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO calibration_profiles (run_id, calibration, agent, avg_request_ms, avg_done_ms,
				wait_ms, done_offset_ms, rounds, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range profiles {
			_, err := stmt.Exec(p.RunID, p.Calibration, p.Agent, p.AvgRequestMs, p.AvgDoneMs,
				p.WaitMs, p.DoneOffsetMs, p.Rounds, p.ComputedAt)
			if IsDuplicate(err) {
				return fmt.Errorf("%w: calibration %d of %s for %s", ErrDuplicate, p.Calibration, p.RunID, p.Agent)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// NextCalibration returns the number the next calibration of a run gets
func (db *DB) NextCalibration(runID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COALESCE(MAX(calibration), 0) + 1 FROM calibration_profiles WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// LatestCalibrationProfiles returns the profiles of the most recent
// calibration of a run, ErrNotFound when the run never calibrated
func (db *DB) LatestCalibrationProfiles(runID string) ([]CalibrationProfile, error) {
	query := `
		SELECT run_id, calibration, agent, avg_request_ms, avg_done_ms, wait_ms,
			done_offset_ms, rounds, computed_at
		FROM calibration_profiles
		WHERE run_id = ? AND calibration = (
			SELECT MAX(calibration) FROM calibration_profiles WHERE run_id = ?
		)
		ORDER BY avg_request_ms, agent
	`

	rows, err := db.Query(query, runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []CalibrationProfile
	for rows.Next() {
		var p CalibrationProfile
		err := rows.Scan(&p.RunID, &p.Calibration, &p.Agent, &p.AvgRequestMs, &p.AvgDoneMs,
			&p.WaitMs, &p.DoneOffsetMs, &p.Rounds, &p.ComputedAt)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(profiles) == 0 {
		return nil, ErrNotFound
	}

	return profiles, nil
}
