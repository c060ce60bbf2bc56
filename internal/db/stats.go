package db

import "time"

// CreateSyncStats inserts a period of synchronization statistics
func (db *DB) CreateSyncStats(stats *SyncStats) error {
	query := `
		INSERT INTO sync_stats (
			stats_period_id, run_id, start_time, end_time, rounds_completed, calibration_rounds,
			items_skipped, ready_timeouts, retries, disconnects, calibrations, script_errors,
			min_max_delay_ms, max_max_delay_ms, avg_max_delay_ms, slow_rounds
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		stats.StatsPeriodID,
		stats.RunID,
		stats.StartTime,
		stats.EndTime,
		stats.RoundsCompleted,
		stats.CalibrationRounds,
		stats.ItemsSkipped,
		stats.ReadyTimeouts,
		stats.Retries,
		stats.Disconnects,
		stats.Calibrations,
		stats.ScriptErrors,
		stats.MinMaxDelayMs,
		stats.MaxMaxDelayMs,
		stats.AvgMaxDelayMs,
		stats.SlowRounds,
	)

	return err
}

// GetSyncStats retrieves the statistics periods of a run that overlap
// [startTime, endTime)
func (db *DB) GetSyncStats(runID string, startTime, endTime time.Time) ([]SyncStats, error) {
	query := `
		SELECT
			stats_period_id, run_id, start_time, end_time, rounds_completed, calibration_rounds,
			items_skipped, ready_timeouts, retries, disconnects, calibrations, script_errors,
			min_max_delay_ms, max_max_delay_ms, avg_max_delay_ms, slow_rounds
		FROM sync_stats
		WHERE run_id = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time
	`

	rows, err := db.Query(query, runID, endTime, startTime)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []SyncStats
	for rows.Next() {
		var s SyncStats
		err := rows.Scan(
			&s.StatsPeriodID,
			&s.RunID,
			&s.StartTime,
			&s.EndTime,
			&s.RoundsCompleted,
			&s.CalibrationRounds,
			&s.ItemsSkipped,
			&s.ReadyTimeouts,
			&s.Retries,
			&s.Disconnects,
			&s.Calibrations,
			&s.ScriptErrors,
			&s.MinMaxDelayMs,
			&s.MaxMaxDelayMs,
			&s.AvgMaxDelayMs,
			&s.SlowRounds,
		)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if stats == nil {
		stats = []SyncStats{}
	}

	return stats, nil
}
