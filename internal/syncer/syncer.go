package syncer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/db"
	"github.com/livinlefevreloca/syncrawl/internal/scheduler"
)

// Syncer buffers coordinator records and writes them to the database from a
// background goroutine so the scheduler loop never waits on disk. It
// implements scheduler.Recorder and scheduler.Flusher.
type Syncer struct {
	// Configuration
	config Config
	logger *slog.Logger

	// Buffering, guarded by mu
	mu        sync.Mutex
	pending   Batch
	buffered  int
	progress  Progress
	lastFlush time.Time
	started   bool

	batches chan Batch

	// Counters
	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	// Control
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSyncer creates a new syncer with the specified configuration
func NewSyncer(config Config, logger *slog.Logger) (*Syncer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Syncer{
		config:  config,
		logger:  logger,
		batches: make(chan Batch, config.BatchChannelSize),
	}, nil
}

// Resume seeds the progress counters of a resumed run
func (s *Syncer) Resume(runID string, completed, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = Progress{RunID: runID, Completed: completed, Skipped: skipped}
}

// RecordRound buffers the rows of a finished round
func (s *Syncer) RecordRound(rows []scheduler.RoundRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reserve(len(rows)) {
		return
	}
	for _, r := range rows {
		s.pending.Rounds = append(s.pending.Rounds, db.NewRoundRecord(
			r.RunID, r.Status, r.Mode.String(), r.Round, r.Iteration, r.Attempt, r.Target, r.Agent, r.Date,
			r.Ready, r.Wait, r.Request, r.Done, r.Finished, r.MaxDelay, r.Error))
	}
}

// RecordEvent buffers an event and tracks run progress from it
func (s *Syncer) RecordEvent(ev scheduler.EventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.track(ev)

	if !s.reserve(1) {
		return
	}
	s.pending.Events = append(s.pending.Events,
		db.NewRunEvent(ev.RunID, ev.Kind, ev.Agent, ev.Iteration, ev.Target, ev.Date, ev.Value, ev.Detail))
}

// RecordCalibration buffers the profiles of a finished calibration
func (s *Syncer) RecordCalibration(runID string, profiles []calibration.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(profiles) == 0 || !s.reserve(len(profiles)) {
		return
	}

	rows := make([]db.CalibrationProfile, 0, len(profiles))
	for _, p := range profiles {
		rows = append(rows, db.CalibrationProfile{
			RunID:        runID,
			Agent:        p.Name,
			AvgRequestMs: p.AvgRequestDelay.Milliseconds(),
			AvgDoneMs:    p.AvgDoneDelay.Milliseconds(),
			WaitMs:       p.Wait.Milliseconds(),
			DoneOffsetMs: p.DoneOffset.Milliseconds(),
			Rounds:       p.Rounds,
			ComputedAt:   p.ComputedAt,
		})
	}
	s.pending.Calibrations = append(s.pending.Calibrations, rows)
}

// track folds run-level events into the progress and completion of the run.
// Must be called with mu held.
func (s *Syncer) track(ev scheduler.EventRecord) {
	switch ev.Kind {
	case scheduler.KindCompleted:
		s.progress.RunID = ev.RunID
		s.progress.Completed = ev.Iteration
		s.progress.At = ev.Date
		s.pending.Progress = s.snapshotProgress()

	case scheduler.KindSkipURL:
		s.progress.RunID = ev.RunID
		s.progress.Skipped++
		s.progress.At = ev.Date
		s.pending.Progress = s.snapshotProgress()

	case scheduler.KindFinished:
		s.progress.RunID = ev.RunID
		s.progress.Completed = ev.Iteration
		s.progress.At = ev.Date
		s.pending.Progress = s.snapshotProgress()
		s.pending.Completion = &Completion{RunID: ev.RunID, Status: db.RunStatusFinished, At: ev.Date}

	case scheduler.KindAborted:
		s.pending.Completion = &Completion{RunID: ev.RunID, Status: db.RunStatusAborted, Error: ev.Detail, At: ev.Date}
	}
}

func (s *Syncer) snapshotProgress() *Progress {
	p := s.progress
	return &p
}

// reserve accounts for n new records. Returns false, dropping them, when the
// buffer is already at its maximum. Must be called with mu held.
func (s *Syncer) reserve(n int) bool {
	if s.buffered+n > s.config.MaxBufferedRecords {
		s.dropped.Add(int64(n))
		s.logger.Error("record buffer exceeded maximum size, dropping records",
			"buffered", s.buffered,
			"max", s.config.MaxBufferedRecords,
			"dropped", n)
		return false
	}
	s.buffered += n
	return true
}

// Flush hands the buffered records to the writer once the flush threshold is
// reached or the flush interval has passed since the last flush. A pending
// completion always flushes.
func (s *Syncer) Flush(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.empty() {
		return
	}

	due := s.buffered >= s.config.FlushThreshold ||
		now.Sub(s.lastFlush) >= s.config.FlushInterval ||
		s.pending.Completion != nil
	if !due {
		return
	}

	select {
	case s.batches <- s.pending:
		s.logger.Debug("flushed records to writer",
			"rounds", len(s.pending.Rounds),
			"events", len(s.pending.Events),
			"calibrations", len(s.pending.Calibrations))
		s.pending = Batch{}
		s.buffered = 0
		s.lastFlush = now
	default:
		s.logger.Warn("syncer channel full, keeping records buffered",
			"buffered", s.buffered)
	}
}

// GetStats returns current syncer statistics
func (s *Syncer) GetStats() Stats {
	s.mu.Lock()
	buffered := s.buffered
	s.mu.Unlock()

	return Stats{
		BufferedRecords: buffered,
		BatchesWritten:  s.written.Load(),
		WriteErrors:     s.failed.Load(),
		Dropped:         s.dropped.Load(),
	}
}

// GetConfig returns the syncer configuration
func (s *Syncer) GetConfig() Config {
	return s.config
}

// Start launches the background writer goroutine
func (s *Syncer) Start(w Writer) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runWriter(w)
}

// runWriter writes batches until the channel is closed and drained
func (s *Syncer) runWriter(w Writer) {
	defer s.wg.Done()

	for batch := range s.batches {
		if err := s.writeBatch(w, batch); err != nil {
			s.failed.Add(1)
			s.logger.Error("failed to write batch", "error", err)
			continue
		}
		s.written.Add(1)
	}

	s.logger.Debug("syncer writer shut down")
}

// writeBatch writes every part of a batch, continuing past failures so one
// bad part does not lose the rest. Returns the first error.
func (s *Syncer) writeBatch(w Writer, b Batch) error {
	var firstErr error
	note := func(err error, what string) {
		if err == nil {
			return
		}
		s.logger.Error("database write failed", "what", what, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	note(w.InsertRoundRecords(b.Rounds), "round records")
	note(w.InsertRunEvents(b.Events), "run events")

	for _, profiles := range b.Calibrations {
		n, err := w.NextCalibration(profiles[0].RunID)
		if err != nil {
			note(err, "calibration number")
			continue
		}
		for i := range profiles {
			profiles[i].Calibration = n
		}
		note(w.SaveCalibrationProfiles(profiles), "calibration profiles")
	}

	if p := b.Progress; p != nil && p.RunID != "" {
		note(w.UpdateRunProgress(p.RunID, p.Completed, p.Skipped, p.At), "run progress")
	}

	if c := b.Completion; c != nil {
		var msg *string
		if c.Error != "" {
			msg = &c.Error
		}
		note(w.CompleteRun(c.RunID, c.Status, msg, c.At), "run completion")
	}

	return firstErr
}

// Shutdown performs graceful shutdown ensuring all buffered records are
// persisted
func (s *Syncer) Shutdown() error {
	s.closeOnce.Do(func() {
		s.logger.Info("starting syncer shutdown")

		// Final flush; blocking is fine here since the writer is draining
		s.mu.Lock()
		if s.started && !s.pending.empty() {
			s.logger.Debug("performing final flush", "records", s.buffered)
			s.batches <- s.pending
		}
		s.pending = Batch{}
		s.buffered = 0
		s.mu.Unlock()

		// The writer ranges over the channel, so closing it lets the writer
		// drain what is left and exit
		close(s.batches)
		s.wg.Wait()

		s.logger.Info("syncer shutdown complete",
			"batches_written", s.written.Load(),
			"write_errors", s.failed.Load())
	})
	return nil
}

// RestoreProfiles converts stored calibration rows back into engine profiles,
// used when a run is resumed from the database
func RestoreProfiles(rows []db.CalibrationProfile) []calibration.Profile {
	profiles := make([]calibration.Profile, 0, len(rows))
	for _, r := range rows {
		profiles = append(profiles, calibration.Profile{
			Name:            r.Agent,
			AvgRequestDelay: time.Duration(r.AvgRequestMs) * time.Millisecond,
			AvgDoneDelay:    time.Duration(r.AvgDoneMs) * time.Millisecond,
			Wait:            time.Duration(r.WaitMs) * time.Millisecond,
			DoneOffset:      time.Duration(r.DoneOffsetMs) * time.Millisecond,
			Rounds:          r.Rounds,
			ComputedAt:      r.ComputedAt,
		})
	}
	return profiles
}
