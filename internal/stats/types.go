package stats

import "time"

// StatsSource identifies which kind of record the stats came from
type StatsSource int

const (
	StatsSourceRound StatsSource = iota
	StatsSourceEvent
	StatsSourceCalibration
)

// StatsMessage is the container for all stats messages
type StatsMessage struct {
	Source    StatsSource
	Timestamp time.Time
	RunID     string
	Data      interface{} // Actual type depends on Source
}

// RoundStatsData summarizes one finished round
type RoundStatsData struct {
	Calibration bool
	Crawled     bool
	MaxDelay    time.Duration // negative when no agent reported
}

// EventStatsData carries the kind of a coordinator event
type EventStatsData struct {
	Kind string
}

// CalibrationStatsData summarizes one finished calibration
type CalibrationStatsData struct {
	Agents int
	Spread time.Duration
}

// SyncStatsAccumulator accumulates synchronization statistics for a period
type SyncStatsAccumulator struct {
	RoundsCompleted   int
	CalibrationRounds int
	ItemsSkipped      int
	ReadyTimeouts     int
	Retries           int
	Disconnects       int
	Calibrations      int
	ScriptErrors      int
	SlowRounds        int

	// Samples for min/max/avg calculations
	MaxDelaySamples []time.Duration
}

// AddRound adds a round summary to the accumulator
func (acc *SyncStatsAccumulator) AddRound(data *RoundStatsData, slow time.Duration) {
	if data.Calibration {
		acc.CalibrationRounds++
		return
	}
	if !data.Crawled {
		return
	}
	acc.RoundsCompleted++
	if data.MaxDelay < 0 {
		return
	}
	acc.MaxDelaySamples = append(acc.MaxDelaySamples, data.MaxDelay)
	if data.MaxDelay > slow {
		acc.SlowRounds++
	}
}

// Empty reports whether nothing was accumulated
func (acc *SyncStatsAccumulator) Empty() bool {
	return acc.RoundsCompleted == 0 && acc.CalibrationRounds == 0 && acc.ItemsSkipped == 0 &&
		acc.ReadyTimeouts == 0 && acc.Retries == 0 && acc.Disconnects == 0 &&
		acc.Calibrations == 0 && acc.ScriptErrors == 0
}

// Reset clears the accumulator for a new period
func (acc *SyncStatsAccumulator) Reset() {
	*acc = SyncStatsAccumulator{MaxDelaySamples: make([]time.Duration, 0)}
}
