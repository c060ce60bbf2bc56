package scheduler

import (
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/inbox"
	"github.com/livinlefevreloca/syncrawl/internal/registry"
)

// Phase is the coordinator's position in its lifecycle
type Phase int

const (
	PhaseWaitingForAgents Phase = iota // Fewer agents than configured
	PhaseProbing                       // Latency probe in flight
	PhaseCalibrating                   // Calibration rounds
	PhaseRunning                       // Test or crawl rounds
	PhasePaused                        // An agent dropped out mid-run
	PhaseFinished                      // Work list exhausted
	PhaseAborted                       // Fatal error
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForAgents:
		return "waiting_for_agents"
	case PhaseProbing:
		return "probing"
	case PhaseCalibrating:
		return "calibrating"
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseFinished:
		return "finished"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Mode is the kind of round being dispatched
type Mode int

const (
	ModeCalibration Mode = iota
	ModeTest
	ModeCrawl
)

func (m Mode) String() string {
	switch m {
	case ModeCalibration:
		return "calibration"
	case ModeTest:
		return "test"
	case ModeCrawl:
		return "crawl"
	default:
		return "unknown"
	}
}

// logKind maps a mode to the agent log it writes
func (m Mode) logKind() registry.LogKind {
	if m == ModeCalibration {
		return registry.CalibrationLog
	}
	return registry.CrawlLog
}

// RoundStatus tracks a round through the watchdog state machine
type RoundStatus int

const (
	RoundDispatched RoundStatus = iota
	RoundAllReady
	RoundAllDone
)

func (s RoundStatus) String() string {
	switch s {
	case RoundDispatched:
		return "dispatched"
	case RoundAllReady:
		return "all_ready"
	case RoundAllDone:
		return "all_done"
	default:
		return "unknown"
	}
}

// Round is the single active unit of coordination
type Round struct {
	Seq           int64
	Mode          Mode
	Target        string
	Index         int // slot in the agents' round logs
	ItemIndex     int // work item index for crawl rounds
	Status        RoundStatus
	DispatchedAt  time.Time
	GoAt          time.Time
	ExpectedCount int
	PendingReady  int
	PendingCount  int
	Attempt       int
}

// State is everything the scheduler loop mutates. Only the loop goroutine
// touches it.
type State struct {
	Phase Phase
	Mode  Mode
	Round *Round

	// Crawl progress; CompletedCount is the resumption point
	CompletedCount int
	Skipped        int

	// DoneTimeouts per work item. Survives pauses; cleared when the item
	// completes or is skipped.
	Attempts map[int]int

	// Next free slot per log kind
	CalibrationIndex int
	CrawlIndex       int
	TestDone         int

	Seq int64

	ProbeSentAt time.Time
	probed      map[registry.AgentID]bool

	CalibrationStartedAt time.Time
	Calibrations         int
}

// AgentStatus is a read-only view of one agent
type AgentStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	LatencyMs int64  `json:"latency_ms"`
	WaitMs    int64  `json:"wait_ms"`
}

// RoundView is a read-only view of the active round
type RoundView struct {
	Seq          int64     `json:"seq"`
	Mode         string    `json:"mode"`
	Target       string    `json:"target"`
	Index        int       `json:"index"`
	Status       string    `json:"status"`
	Attempt      int       `json:"attempt"`
	PendingReady int       `json:"pending_ready"`
	PendingCount int       `json:"pending_count"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Status is the response to a status query
type Status struct {
	RunID            string                `json:"run_id"`
	Phase            string                `json:"phase"`
	Mode             string                `json:"mode"`
	Agents           []AgentStatus         `json:"agents"`
	Round            *RoundView            `json:"round,omitempty"`
	CompletedCount   int                   `json:"completed_count"`
	Total            int                   `json:"total"`
	Skipped          int                   `json:"skipped"`
	CalibrationRound int                   `json:"calibration_round"`
	Calibrations     int                   `json:"calibrations"`
	Profiles         []calibration.Profile `json:"profiles"`
	Inbox            inbox.Stats           `json:"inbox"`
}
