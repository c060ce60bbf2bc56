package db

import "time"

// Run statuses
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusAborted  = "aborted"
	RunStatusStopped  = "stopped"
)

// Run is one coordinator run over a work list
type Run struct {
	RunID          string
	WorkList       string
	TestRun        bool
	AgentCount     int
	Total          int
	CompletedCount int
	Skipped        int
	Status         string
	StartedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	Error          *string
}

// RoundRecord is one agent's row for a round. Offsets are milliseconds;
// nil means the sample is missing.
type RoundRecord struct {
	ID         int64
	RunID      string
	Status     string
	Mode       string
	Round      int
	Iteration  int
	Attempt    int
	Target     string
	Agent      string
	Date       time.Time
	ReadyMs    *int64
	WaitMs     *int64
	RequestMs  *int64
	DoneMs     *int64
	FinishedMs *int64
	MaxDelayMs *int64
	Error      *string
}

// RunEvent is a coordinator event that is not a round row
type RunEvent struct {
	ID        int64
	RunID     string
	Kind      string
	Agent     *string
	Iteration int
	Target    *string
	Date      time.Time
	ValueMs   *int64
	Detail    *string
}

// CalibrationProfile is one agent's compensation from one calibration
type CalibrationProfile struct {
	RunID        string
	Calibration  int
	Agent        string
	AvgRequestMs int64
	AvgDoneMs    int64
	WaitMs       int64
	DoneOffsetMs int64
	Rounds       int
	ComputedAt   time.Time
}

// SyncStats is a period of synchronization quality statistics
type SyncStats struct {
	StatsPeriodID     string
	RunID             string
	StartTime         time.Time
	EndTime           time.Time
	RoundsCompleted   int
	CalibrationRounds int
	ItemsSkipped      int
	ReadyTimeouts     int
	Retries           int
	Disconnects       int
	Calibrations      int
	ScriptErrors      int
	MinMaxDelayMs     *int64
	MaxMaxDelayMs     *int64
	AvgMaxDelayMs     *float64
	SlowRounds        int
}
