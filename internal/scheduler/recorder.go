package scheduler

import (
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
)

// Round record statuses
const (
	StatusCalibration  = "CALIBRATION"
	StatusRequest      = "REQUEST"
	StatusCrawled      = "CRAWLED"
	StatusErrorTimeout = "ERROR TIMEOUT"
)

// Event record kinds
const (
	KindConnected    = "CONNECTED"
	KindDisconnected = "DISCONNECTED"
	KindRejected     = "REJECTED"
	KindPing         = "PING"
	KindNextURL      = "NEXTURL"
	KindSkipURL      = "SKIPURL"
	KindCompleted    = "COMPLETED"
	KindReadyTimeout = "READY TIMEOUT"
	KindRetry        = "RETRY"
	KindScriptError  = "ERROR"
	KindCalibrated   = "CALIBRATED"
	KindAborted      = "ABORTED"
	KindFinished     = "FINISHED"
)

// RoundRecord is one agent's row for a completed or failed round
type RoundRecord struct {
	RunID     string
	Status    string
	Mode      Mode
	Round     int // slot in the agent's round log
	Iteration int // work item index, or test iteration
	Attempt   int
	Target    string
	Agent     string
	Date      time.Time
	Ready     time.Duration
	Wait      time.Duration
	Request   time.Duration
	Done      time.Duration
	Finished  time.Duration
	MaxDelay  time.Duration
	Error     string
}

// EventRecord is a notable coordinator event that is not a round row
type EventRecord struct {
	RunID     string
	Kind      string
	Agent     string
	Iteration int
	Target    string
	Date      time.Time
	Value     time.Duration
	Detail    string
}

// Recorder is the write-only sink for everything the coordinator persists.
// Implementations are called from the scheduler loop and must not block.
type Recorder interface {
	RecordRound(rows []RoundRecord)
	RecordEvent(ev EventRecord)
	RecordCalibration(runID string, profiles []calibration.Profile)
}

// Flusher is implemented by recorders that buffer
type Flusher interface {
	Flush(now time.Time)
}

// MultiRecorder fans records out to several sinks
type MultiRecorder []Recorder

func (m MultiRecorder) RecordRound(rows []RoundRecord) {
	for _, r := range m {
		r.RecordRound(rows)
	}
}

func (m MultiRecorder) RecordEvent(ev EventRecord) {
	for _, r := range m {
		r.RecordEvent(ev)
	}
}

func (m MultiRecorder) RecordCalibration(runID string, profiles []calibration.Profile) {
	for _, r := range m {
		r.RecordCalibration(runID, profiles)
	}
}

func (m MultiRecorder) Flush(now time.Time) {
	for _, r := range m {
		if f, ok := r.(Flusher); ok {
			f.Flush(now)
		}
	}
}

// discardRecorder is used when no sink is configured
type discardRecorder struct{}

func (discardRecorder) RecordRound([]RoundRecord) {}
func (discardRecorder) RecordEvent(EventRecord) {}
func (discardRecorder) RecordCalibration(string, []calibration.Profile) {}
