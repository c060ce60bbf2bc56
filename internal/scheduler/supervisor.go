package scheduler

import (
	"github.com/livinlefevreloca/syncrawl/internal/protocol"
	"github.com/livinlefevreloca/syncrawl/internal/registry"
)

// armReady (re)starts the ready watchdog
func (s *Scheduler) armReady() {
	s.stopReady()
	gen := s.readyGen
	s.readyTimer = s.clock.AfterFunc(s.config.ReadyTimeout, func() {
		s.Post(Event{Type: EventReadyTimeout, At: s.clock.Now(), Generation: gen})
	})
}

// stopReady disarms the ready watchdog. Expiries already queued become stale.
func (s *Scheduler) stopReady() {
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	s.readyGen++
}

// armDone (re)starts the done watchdog
func (s *Scheduler) armDone() {
	s.stopDone()
	gen := s.doneGen
	s.doneTimer = s.clock.AfterFunc(s.config.DoneTimeout, func() {
		s.Post(Event{Type: EventDoneTimeout, At: s.clock.Now(), Generation: gen})
	})
}

// stopDone disarms the done watchdog
func (s *Scheduler) stopDone() {
	if s.doneTimer != nil {
		s.doneTimer.Stop()
		s.doneTimer = nil
	}
	s.doneGen++
}

func (s *Scheduler) stopWatchdogs() {
	s.stopReady()
	s.stopDone()
}

// handleReadyTimeout kills and re-sends the round to every agent that has not
// reported ready. Agents that are ready keep waiting.
func (s *Scheduler) handleReadyTimeout(ev Event) {
	if ev.Generation != s.readyGen || s.readyTimer == nil {
		s.logger.Debug("ignoring stale ready timeout")
		return
	}
	s.readyTimer = nil

	if s.state.Phase == PhaseProbing {
		s.handleProbeTimeout()
		return
	}

	r := s.state.Round
	if r == nil || r.Status != RoundDispatched {
		return
	}

	kill := protocol.MustNew(protocol.EventKillChild, protocol.KillTimeout)
	resend := s.urlMessage(r)

	for _, a := range s.registry.Lagging(r.Mode.logKind(), registry.FieldReady, r.Index) {
		s.logger.Warn("agent not ready in time, restarting it",
			"agent", a.Name,
			"mode", r.Mode.String(),
			"round", r.Index,
			"target", r.Target,
			"timeout", s.config.ReadyTimeout)

		if err := a.Send(kill); err != nil {
			s.logger.Warn("failed to send kill", "agent", a.Name, "error", err)
		}
		if err := a.Send(resend); err != nil {
			s.logger.Warn("failed to re-send round", "agent", a.Name, "error", err)
		}

		s.recorder.RecordEvent(EventRecord{
			RunID:     s.runID,
			Kind:      KindReadyTimeout,
			Agent:     a.Name,
			Iteration: r.ItemIndex,
			Target:    r.Target,
			Date:      ev.At,
			Value:     s.config.ReadyTimeout,
		})
	}

	s.armReady()
}

// handleDoneTimeout kills the whole fleet and retries or skips the round
func (s *Scheduler) handleDoneTimeout(ev Event) {
	if ev.Generation != s.doneGen || s.doneTimer == nil {
		s.logger.Debug("ignoring stale done timeout")
		return
	}
	s.doneTimer = nil

	r := s.state.Round
	if r == nil || r.Status != RoundAllReady {
		return
	}

	kind := r.Mode.logKind()
	lagging := make(map[registry.AgentID]bool)
	var names []string
	for _, a := range s.registry.Lagging(kind, registry.FieldFinished, r.Index) {
		lagging[a.ID] = true
		names = append(names, a.Name)
	}

	s.registry.Broadcast(protocol.MustNew(protocol.EventKillChild, protocol.KillTimeout))
	r.Attempt++

	s.logger.Warn("round timed out",
		"mode", r.Mode.String(),
		"round", r.Index,
		"item", r.ItemIndex,
		"target", r.Target,
		"attempt", r.Attempt,
		"lagging", names)

	rows := make([]RoundRecord, 0, s.registry.Len())
	for _, a := range s.registry.Agents() {
		row := s.roundRow(r, a, StatusErrorTimeout)
		row.Date = ev.At
		if lagging[a.ID] {
			row.Error = "done timeout"
		}
		rows = append(rows, row)
	}
	s.recorder.RecordRound(rows)

	// Discard the partial round so the retry reuses the same slot
	s.registry.TruncateLogs(kind, r.Index)

	if r.Mode == ModeCalibration {
		s.dispatch(r.Attempt)
		return
	}
	s.saveAttempt(r.ItemIndex, r.Attempt)

	if r.Attempt < s.config.WebsiteAttempts {
		s.recorder.RecordEvent(EventRecord{
			RunID:     s.runID,
			Kind:      KindRetry,
			Iteration: r.ItemIndex,
			Target:    r.Target,
			Date:      ev.At,
			Detail:    attemptDetail(r.Attempt),
		})
		s.dispatch(r.Attempt)
		return
	}

	s.skip(r, ev)
}

// skip permanently gives up on the round's work item
func (s *Scheduler) skip(r *Round, ev Event) {
	s.state.Skipped++

	s.logger.Warn("skipping work item",
		"item", r.ItemIndex,
		"target", r.Target,
		"attempts", r.Attempt)

	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindSkipURL,
		Iteration: r.ItemIndex,
		Target:    r.Target,
		Date:      ev.At,
		Detail:    attemptDetail(r.Attempt - 1),
	})

	delete(s.state.Attempts, r.ItemIndex)
	if r.Mode == ModeTest {
		s.state.TestDone++
	} else {
		s.state.CompletedCount++
		s.recordCompleted()
	}
	s.next()
}

// next dispatches the following round, finishing or recalibrating first when
// due. Recalibration only happens between work items.
func (s *Scheduler) next() {
	if s.exhausted() {
		s.finish()
		return
	}

	if s.state.Mode == ModeCrawl &&
		s.config.ReCalibration > 0 &&
		s.state.CompletedCount%s.config.ReCalibration == 0 {
		s.logger.Info("periodic recalibration", "completed", s.state.CompletedCount)
		s.startCalibration()
		return
	}

	s.dispatch(0)
}
