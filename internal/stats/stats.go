package stats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/inbox"
	"github.com/livinlefevreloca/syncrawl/internal/scheduler"
)

// DatabaseWriter interface for database operations
type DatabaseWriter interface {
	WriteSyncStats(periodID, runID string, startTime, endTime time.Time, data *SyncStatsAccumulator) error
}

// StatsCollector aggregates synchronization quality per period and writes one
// row per period. It implements scheduler.Recorder; records are handed over
// through an inbox so the scheduler loop never waits on the collector.
type StatsCollector struct {
	db     DatabaseWriter
	inbox  *inbox.Inbox[StatsMessage]
	config Config
	logger *slog.Logger
	now    func() time.Time

	// Mutex protects all mutable fields below
	mu sync.Mutex

	// Current stats period tracking
	runID           string
	currentPeriod   string
	periodStartTime time.Time

	// Accumulator for current period
	syncStats *SyncStatsAccumulator

	// Message counter for threshold-based flushing
	messageCount int

	// Shutdown coordination
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(config Config, db DatabaseWriter, logger *slog.Logger) *StatsCollector {
	sc := &StatsCollector{
		db:     db,
		inbox:  inbox.New[StatsMessage](config.InboxBufferSize, config.InboxSendTimeout, logger),
		config: config,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	sc.syncStats = &SyncStatsAccumulator{}
	sc.syncStats.Reset()
	sc.startNewPeriod()
	return sc
}

// RecordRound implements scheduler.Recorder
func (sc *StatsCollector) RecordRound(rows []scheduler.RoundRecord) {
	if len(rows) == 0 {
		return
	}

	data := &RoundStatsData{MaxDelay: -1}
	for _, r := range rows {
		switch r.Status {
		case scheduler.StatusCalibration:
			data.Calibration = true
		case scheduler.StatusCrawled:
			data.Crawled = true
		}
		if r.MaxDelay > data.MaxDelay {
			data.MaxDelay = r.MaxDelay
		}
	}

	sc.send(StatsMessage{Source: StatsSourceRound, Timestamp: rows[0].Date, RunID: rows[0].RunID, Data: data})
}

// RecordEvent implements scheduler.Recorder
func (sc *StatsCollector) RecordEvent(ev scheduler.EventRecord) {
	sc.send(StatsMessage{Source: StatsSourceEvent, Timestamp: ev.Date, RunID: ev.RunID, Data: &EventStatsData{Kind: ev.Kind}})
}

// RecordCalibration implements scheduler.Recorder
func (sc *StatsCollector) RecordCalibration(runID string, profiles []calibration.Profile) {
	data := &CalibrationStatsData{Agents: len(profiles)}
	if len(profiles) > 0 {
		// Profiles are sorted, so the first agent waits the longest
		data.Spread = profiles[0].Wait
	}
	sc.send(StatsMessage{Source: StatsSourceCalibration, Timestamp: sc.now(), RunID: runID, Data: data})
}

// send enqueues without blocking; stats are best effort
func (sc *StatsCollector) send(msg StatsMessage) {
	if !sc.inbox.TrySend(msg) {
		sc.logger.Warn("stats inbox full, dropping message", "source", msg.Source)
	}
}

// Start begins the stats collection loop
func (sc *StatsCollector) Start() {
	sc.logger.Info("starting stats collector",
		"period", sc.config.PeriodDuration,
		"flush_interval", sc.config.FlushInterval)

	sc.wg.Add(1)
	go sc.run()
}

// Stop gracefully shuts down the stats collector
func (sc *StatsCollector) Stop() error {
	var stopErr error
	sc.stopOnce.Do(func() {
		sc.logger.Info("stopping stats collector")

		// Signal shutdown and wait for run loop to exit
		close(sc.done)
		sc.wg.Wait()

		// Drain what the loop did not get to
		for {
			msg, ok := sc.inbox.TryReceive()
			if !ok {
				break
			}
			sc.processMessage(msg)
		}

		// Final flush of any pending stats
		if err := sc.flush(); err != nil {
			sc.logger.Error("final flush failed", "error", err)
			stopErr = err
			return
		}

		sc.logger.Info("stats collector stopped")
	})
	return stopErr
}

// Snapshot returns a copy of the current period's accumulator
func (sc *StatsCollector) Snapshot() SyncStatsAccumulator {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	acc := *sc.syncStats
	acc.MaxDelaySamples = append([]time.Duration(nil), sc.syncStats.MaxDelaySamples...)
	return acc
}

// run is the main stats collection loop
func (sc *StatsCollector) run() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.done:
			sc.logger.Debug("shutdown signal received")
			return

		case <-ticker.C:
			sc.mu.Lock()
			periodOver := sc.now().Sub(sc.periodStartTime) >= sc.config.PeriodDuration
			sc.mu.Unlock()

			if periodOver {
				if err := sc.flush(); err != nil {
					sc.logger.Error("period flush failed", "error", err)
				}
			}

		case env := <-sc.inbox.C():
			sc.inbox.Received(env)
			sc.processMessage(env.Msg)

			sc.mu.Lock()
			shouldFlush := sc.messageCount >= sc.config.FlushThreshold
			sc.mu.Unlock()

			if shouldFlush {
				if err := sc.flush(); err != nil {
					sc.logger.Error("threshold flush failed", "error", err)
				}
			}
		}
	}
}

// processMessage routes a message to the accumulator
func (sc *StatsCollector) processMessage(msg StatsMessage) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if msg.RunID != "" {
		sc.runID = msg.RunID
	}
	sc.messageCount++

	switch msg.Source {
	case StatsSourceRound:
		data, ok := msg.Data.(*RoundStatsData)
		if !ok {
			sc.logger.Error("invalid round stats data type")
			return
		}
		sc.syncStats.AddRound(data, sc.config.SlowRoundThreshold)

	case StatsSourceEvent:
		data, ok := msg.Data.(*EventStatsData)
		if !ok {
			sc.logger.Error("invalid event stats data type")
			return
		}
		switch data.Kind {
		case scheduler.KindSkipURL:
			sc.syncStats.ItemsSkipped++
		case scheduler.KindReadyTimeout:
			sc.syncStats.ReadyTimeouts++
		case scheduler.KindRetry:
			sc.syncStats.Retries++
		case scheduler.KindDisconnected:
			sc.syncStats.Disconnects++
		case scheduler.KindScriptError:
			sc.syncStats.ScriptErrors++
		}

	case StatsSourceCalibration:
		if _, ok := msg.Data.(*CalibrationStatsData); !ok {
			sc.logger.Error("invalid calibration stats data type")
			return
		}
		sc.syncStats.Calibrations++

	default:
		sc.logger.Error("unknown stats source", "source", msg.Source)
	}
}

// flush writes the current period to the database and starts a new one
func (sc *StatsCollector) flush() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	// Don't write a row for a period with nothing in it
	if sc.messageCount == 0 || sc.syncStats.Empty() || sc.runID == "" {
		sc.messageCount = 0
		return nil
	}

	periodEnd := sc.now()

	sc.logger.Debug("flushing stats to database",
		"period", sc.currentPeriod,
		"messages", sc.messageCount)

	if err := sc.db.WriteSyncStats(sc.currentPeriod, sc.runID, sc.periodStartTime, periodEnd, sc.syncStats); err != nil {
		return fmt.Errorf("write sync stats failed: %w", err)
	}

	sc.syncStats.Reset()
	sc.messageCount = 0
	sc.startNewPeriodLocked(periodEnd)

	sc.logger.Debug("flush complete")
	return nil
}

// startNewPeriod starts a new stats period
func (sc *StatsCollector) startNewPeriod() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.startNewPeriodLocked(sc.now())
}

func (sc *StatsCollector) startNewPeriodLocked(at time.Time) {
	sc.currentPeriod = generatePeriodID(at)
	sc.periodStartTime = at
	sc.logger.Debug("started new period", "period", sc.currentPeriod)
}

// generatePeriodID generates a unique period ID starting with the period's
// start time so IDs sort chronologically
func generatePeriodID(t time.Time) string {
	return fmt.Sprintf("period-%d-%s", t.Unix(), uuid.NewString()[:8])
}

// Helper functions for min/max/avg calculations

func calculateMinMaxAvgDuration(values []time.Duration) (min, max, avg time.Duration) {
	if len(values) == 0 {
		return 0, 0, 0
	}

	min = values[0]
	max = values[0]
	var sum time.Duration

	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}

	avg = sum / time.Duration(len(values))
	return min, max, avg
}
