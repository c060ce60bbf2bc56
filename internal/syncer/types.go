package syncer

import (
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/db"
)

// Writer persists batches. *db.DB implements it.
type Writer interface {
	InsertRoundRecords(records []db.RoundRecord) error
	InsertRunEvents(events []db.RunEvent) error
	NextCalibration(runID string) (int, error)
	SaveCalibrationProfiles(profiles []db.CalibrationProfile) error
	UpdateRunProgress(runID string, completed, skipped int, at time.Time) error
	CompleteRun(runID, status string, errorMsg *string, at time.Time) error
}

// Batch is everything buffered between two flushes
type Batch struct {
	Rounds       []db.RoundRecord
	Events       []db.RunEvent
	Calibrations [][]db.CalibrationProfile
	Progress     *Progress
	Completion   *Completion
}

func (b *Batch) empty() bool {
	return len(b.Rounds) == 0 && len(b.Events) == 0 && len(b.Calibrations) == 0 &&
		b.Progress == nil && b.Completion == nil
}

// Progress is the resume point of a run
type Progress struct {
	RunID     string
	Completed int
	Skipped   int
	At        time.Time
}

// Completion marks the end of a run
type Completion struct {
	RunID  string
	Status string
	Error  string
	At     time.Time
}

// Stats provides current syncer statistics
type Stats struct {
	BufferedRecords int
	BatchesWritten  int64
	WriteErrors     int64
	Dropped         int64
}
