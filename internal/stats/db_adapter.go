package stats

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/db"
)

// DBAdapter adapts the internal db.DB to the DatabaseWriter interface
type DBAdapter struct {
	db interface {
		CreateSyncStats(stats *db.SyncStats) error
	}
}

// NewDBAdapter creates a new database adapter
func NewDBAdapter(database *db.DB) *DBAdapter {
	return &DBAdapter{db: database}
}

// WriteSyncStats writes a period of synchronization statistics
func (a *DBAdapter) WriteSyncStats(periodID, runID string, startTime, endTime time.Time, data *SyncStatsAccumulator) error {
	stats := &db.SyncStats{
		StatsPeriodID:     periodID,
		RunID:             runID,
		StartTime:         startTime,
		EndTime:           endTime,
		RoundsCompleted:   data.RoundsCompleted,
		CalibrationRounds: data.CalibrationRounds,
		ItemsSkipped:      data.ItemsSkipped,
		ReadyTimeouts:     data.ReadyTimeouts,
		Retries:           data.Retries,
		Disconnects:       data.Disconnects,
		Calibrations:      data.Calibrations,
		ScriptErrors:      data.ScriptErrors,
		SlowRounds:        data.SlowRounds,
	}

	if len(data.MaxDelaySamples) > 0 {
		minDelay, maxDelay, avgDelay := calculateMinMaxAvgDuration(data.MaxDelaySamples)
		stats.MinMaxDelayMs = int64Ptr(minDelay.Milliseconds())
		stats.MaxMaxDelayMs = int64Ptr(maxDelay.Milliseconds())
		stats.AvgMaxDelayMs = float64Ptr(float64(avgDelay.Microseconds()) / 1000)
	}

	if err := a.db.CreateSyncStats(stats); err != nil {
		return fmt.Errorf("failed to write sync stats: %w", err)
	}

	return nil
}

// Helper functions to convert values to pointers
func int64Ptr(i int64) *int64 {
	return &i
}

func float64Ptr(f float64) *float64 {
	return &f
}
