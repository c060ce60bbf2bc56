package scheduler

import (
	"strconv"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/protocol"
	"github.com/livinlefevreloca/syncrawl/internal/registry"
)

// startCalibration discards all profiles and runs a calibration phase from
// round zero
func (s *Scheduler) startCalibration() {
	s.engine.Reset()
	s.resetLogs()

	s.state.Phase = PhaseCalibrating
	s.state.Mode = ModeCalibration
	s.state.CalibrationStartedAt = s.clock.Now()
	s.registry.SetState(registry.Participating)

	s.logger.Info("starting calibration",
		"rounds", s.config.CalibrationRounds,
		"completed", s.state.CompletedCount)

	s.dispatch(0)
}

// startMode begins dispatching test or crawl rounds
func (s *Scheduler) startMode(mode Mode) {
	s.state.Phase = PhaseRunning
	s.state.Mode = mode

	if s.exhausted() {
		s.finish()
		return
	}
	s.dispatch(s.state.Attempts[s.currentItem()])
}

// currentItem is the work item or test iteration the next round addresses
func (s *Scheduler) currentItem() int {
	if s.state.Mode == ModeTest {
		return s.state.TestDone
	}
	return s.state.CompletedCount
}

func (s *Scheduler) saveAttempt(item, attempt int) {
	if s.state.Attempts == nil {
		s.state.Attempts = make(map[int]int)
	}
	s.state.Attempts[item] = attempt
}

func (s *Scheduler) exhausted() bool {
	if s.state.Mode == ModeTest {
		return s.state.TestDone >= s.config.TestIterations
	}
	return s.state.CompletedCount >= len(s.targets)
}

// dispatch opens a new round for the current mode and hands its target to
// every agent
func (s *Scheduler) dispatch(attempt int) {
	s.stopWatchdogs()

	n := s.registry.Len()
	s.state.Seq++
	r := &Round{
		Seq:           s.state.Seq,
		Mode:          s.state.Mode,
		ItemIndex:     s.state.CompletedCount,
		Status:        RoundDispatched,
		DispatchedAt:  s.clock.Now(),
		ExpectedCount: n,
		PendingReady:  n,
		PendingCount:  n,
		Attempt:       attempt,
	}

	switch r.Mode {
	case ModeCalibration:
		r.Target = protocol.TargetCalibration
		r.Index = s.state.CalibrationIndex
	case ModeTest:
		r.Target = protocol.TargetTest
		r.Index = s.state.CrawlIndex
		r.ItemIndex = s.state.TestDone
	case ModeCrawl:
		r.Target = s.targets[s.state.CompletedCount]
		r.Index = s.state.CrawlIndex
	}

	s.state.Round = r
	s.registry.Broadcast(s.urlMessage(r))

	if r.Mode == ModeCrawl {
		s.recorder.RecordEvent(EventRecord{
			RunID:     s.runID,
			Kind:      KindNextURL,
			Iteration: r.ItemIndex,
			Target:    r.Target,
			Date:      r.DispatchedAt,
			Detail:    attemptDetail(attempt),
		})
	}

	s.logger.Debug("round dispatched",
		"seq", r.Seq,
		"mode", r.Mode.String(),
		"round", r.Index,
		"item", r.ItemIndex,
		"target", r.Target,
		"attempt", attempt)

	s.armReady()
}

func (s *Scheduler) urlMessage(r *Round) protocol.Message {
	payload := protocol.URLPayload{
		Target: r.Target,
		Index:  r.ItemIndex,
		Round:  r.Seq,
		Total:  s.total(),
	}
	if r.Mode == ModeCalibration {
		payload.Index = r.Index
		payload.Total = s.config.CalibrationRounds
	}
	return protocol.MustNew(protocol.EventURL, payload)
}

// acceptSignal checks that a round signal belongs to the active round in the
// expected status. Signals echoing an older round sequence are stale.
func (s *Scheduler) acceptSignal(agent *registry.Agent, ev Event, want RoundStatus) bool {
	r := s.state.Round
	if r == nil || r.Status != want {
		s.logger.Debug("discarding signal outside its round status",
			"agent", agent.Name,
			"event", ev.Message.Event)
		return false
	}
	if seq, ok := ev.Message.Round(); ok && seq != r.Seq {
		s.logger.Debug("discarding signal from superseded round",
			"agent", agent.Name,
			"event", ev.Message.Event,
			"signal_seq", seq,
			"seq", r.Seq)
		return false
	}
	return true
}

// handleReady records an agent's ready signal and starts the round once
// every agent is ready
func (s *Scheduler) handleReady(agent *registry.Agent, ev Event) {
	if !s.acceptSignal(agent, ev, RoundDispatched) {
		return
	}

	r := s.state.Round
	kind := r.Mode.logKind()
	if !s.slotOpen(agent, kind, registry.FieldReady, r.Index) {
		s.logger.Debug("discarding stale ready", "agent", agent.Name, "round", r.Index)
		return
	}

	s.appendLog(agent, kind, registry.FieldReady, ev.At.Sub(r.DispatchedAt))
	r.PendingReady = r.ExpectedCount - s.registry.CountWith(kind, registry.FieldReady, r.Index)

	if r.PendingReady == 0 {
		s.allReady()
	}
}

// slotOpen reports whether the agent's next sample for field belongs to the
// round at index. Any other length means the signal is stale.
func (s *Scheduler) slotOpen(agent *registry.Agent, kind registry.LogKind, field registry.Field, index int) bool {
	n, err := s.registry.LogLengthAt(agent.ID, kind, field)
	return err == nil && n == index
}

func (s *Scheduler) appendLog(agent *registry.Agent, kind registry.LogKind, field registry.Field, value time.Duration) {
	if err := s.registry.AppendLog(agent.ID, kind, field, value); err != nil {
		s.logger.Error("failed to record sample",
			"agent", agent.Name,
			"field", field.String(),
			"error", err)
	}
}

// allReady broadcasts the synchronized go signal
func (s *Scheduler) allReady() {
	r := s.state.Round
	r.Status = RoundAllReady
	r.GoAt = s.clock.Now()

	s.stopReady()
	s.registry.Broadcast(protocol.MustNew(protocol.EventBrowserGo, protocol.RoundPayload{Round: r.Seq}))
	s.armDone()

	s.logger.Debug("all agents ready", "seq", r.Seq, "round", r.Index)
}

// handleCallback records the ground-truth arrival of a calibration or test
// request on the coordinator's own endpoint
func (s *Scheduler) handleCallback(ev Event) {
	r := s.state.Round
	if r == nil || r.Status != RoundAllReady || r.Mode == ModeCrawl {
		s.logger.Debug("ignoring callback outside a calibration round",
			"agent_id", ev.AgentID,
			"agent", ev.AgentName)
		return
	}

	agent, ok := s.registry.Get(registry.AgentID(ev.AgentID))
	if !ok {
		agent, ok = s.registry.ByName(ev.AgentName)
	}
	if !ok {
		s.logger.Warn("callback from unknown agent",
			"agent_id", ev.AgentID,
			"agent", ev.AgentName)
		return
	}

	kind := r.Mode.logKind()
	if !s.slotOpen(agent, kind, registry.FieldRequest, r.Index) {
		return
	}
	s.appendLog(agent, kind, registry.FieldRequest, ev.At.Sub(r.GoAt))
}

// handleCrawled records the agent's self-reported completion time
func (s *Scheduler) handleCrawled(agent *registry.Agent, ev Event) {
	if !s.acceptSignal(agent, ev, RoundAllReady) {
		return
	}

	r := s.state.Round
	kind := r.Mode.logKind()
	if !s.slotOpen(agent, kind, registry.FieldDone, r.Index) {
		s.logger.Debug("discarding stale done", "agent", agent.Name, "round", r.Index)
		return
	}
	s.appendLog(agent, kind, registry.FieldDone, ev.At.Sub(r.GoAt))
}

// handleFinished records the agent's done signal and completes the round
// once every agent is done
func (s *Scheduler) handleFinished(agent *registry.Agent, ev Event) {
	if !s.acceptSignal(agent, ev, RoundAllReady) {
		return
	}

	r := s.state.Round
	kind := r.Mode.logKind()
	if !s.slotOpen(agent, kind, registry.FieldFinished, r.Index) {
		s.logger.Debug("discarding stale finished", "agent", agent.Name, "round", r.Index)
		return
	}

	// Keep the parallel sequences aligned when a signal never arrived
	if s.slotOpen(agent, kind, registry.FieldDone, r.Index) {
		s.appendLog(agent, kind, registry.FieldDone, registry.Missing)
	}
	if s.slotOpen(agent, kind, registry.FieldRequest, r.Index) {
		request := registry.Missing
		if r.Mode == ModeCrawl {
			profile, _ := s.engine.Profile(agent.Name)
			request = calibration.EstimateArrival(agent.Log(kind).At(registry.FieldDone, r.Index), profile)
		}
		s.appendLog(agent, kind, registry.FieldRequest, request)
	}
	s.appendLog(agent, kind, registry.FieldFinished, ev.At.Sub(r.GoAt))

	r.PendingCount = r.ExpectedCount - s.registry.CountWith(kind, registry.FieldFinished, r.Index)
	if r.PendingCount == 0 {
		s.completeRound()
	}
}

// completeRound closes the active round, records it and moves on
func (s *Scheduler) completeRound() {
	r := s.state.Round
	r.Status = RoundAllDone
	s.stopWatchdogs()

	kind := r.Mode.logKind()
	agents := s.registry.Agents()

	requests := make([]time.Duration, 0, len(agents))
	for _, a := range agents {
		requests = append(requests, a.Log(kind).At(registry.FieldRequest, r.Index))
	}
	maxDelay := calibration.MaxDelay(requests)

	complete := true
	rows := make([]RoundRecord, 0, len(agents))
	for _, a := range agents {
		log := a.Log(kind)
		s.appendLog(a, kind, registry.FieldWait, s.waitFor(a.Name, r.Mode))
		s.appendLog(a, kind, registry.FieldMaxDelay, maxDelay)
		log.Dates = append(log.Dates, r.GoAt)

		row := s.roundRow(r, a, statusFor(r.Mode))
		if !log.IsCurrent(r.Index) || row.Request == registry.Missing || row.Done == registry.Missing {
			complete = false
			row.Error = "missing sample"
		}
		rows = append(rows, row)
	}
	s.recorder.RecordRound(rows)

	s.logger.Info("round complete",
		"mode", r.Mode.String(),
		"round", r.Index,
		"item", r.ItemIndex,
		"target", r.Target,
		"max_delay_ms", maxDelay.Milliseconds())

	switch r.Mode {
	case ModeCalibration:
		s.completeCalibrationRound(r, complete)
	case ModeTest:
		delete(s.state.Attempts, r.ItemIndex)
		s.state.CrawlIndex++
		s.state.TestDone++
		s.next()
	case ModeCrawl:
		delete(s.state.Attempts, r.ItemIndex)
		s.state.CrawlIndex++
		s.state.CompletedCount++
		s.recordCompleted()
		s.next()
	}
}

// recordCompleted emits the resumption point after a work item is done
func (s *Scheduler) recordCompleted() {
	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindCompleted,
		Iteration: s.state.CompletedCount,
		Date:      s.clock.Now(),
	})
}

func (s *Scheduler) roundRow(r *Round, a *registry.Agent, status string) RoundRecord {
	log := a.Log(r.Mode.logKind())
	return RoundRecord{
		RunID:     s.runID,
		Status:    status,
		Mode:      r.Mode,
		Round:     r.Index,
		Iteration: r.ItemIndex,
		Attempt:   r.Attempt,
		Target:    r.Target,
		Agent:     a.Name,
		Date:      r.DispatchedAt,
		Ready:     log.At(registry.FieldReady, r.Index),
		Wait:      s.waitFor(a.Name, r.Mode),
		Request:   log.At(registry.FieldRequest, r.Index),
		Done:      log.At(registry.FieldDone, r.Index),
		Finished:  log.At(registry.FieldFinished, r.Index),
		MaxDelay:  log.At(registry.FieldMaxDelay, r.Index),
	}
}

func statusFor(mode Mode) string {
	switch mode {
	case ModeCalibration:
		return StatusCalibration
	case ModeTest:
		return StatusRequest
	default:
		return StatusCrawled
	}
}

// waitFor is the compensating delay an agent applies in a mode. Calibration
// rounds measure raw delays, so nothing is applied there.
func (s *Scheduler) waitFor(name string, mode Mode) time.Duration {
	if mode == ModeCalibration {
		return 0
	}
	p, _ := s.engine.Profile(name)
	return p.Wait
}

// completeCalibrationRound retries rounds with missing samples and computes
// profiles after the last round
func (s *Scheduler) completeCalibrationRound(r *Round, complete bool) {
	if !complete {
		s.logger.Warn("calibration round incomplete, retrying", "round", r.Index)
		s.registry.TruncateLogs(registry.CalibrationLog, r.Index)
		s.recorder.RecordEvent(EventRecord{
			RunID:     s.runID,
			Kind:      KindRetry,
			Iteration: r.Index,
			Target:    r.Target,
			Date:      s.clock.Now(),
			Detail:    "missing calibration sample",
		})
		s.dispatch(r.Attempt + 1)
		return
	}

	s.state.CalibrationIndex++
	if s.state.CalibrationIndex < s.config.CalibrationRounds {
		s.dispatch(0)
		return
	}

	s.finishCalibration()
}

// finishCalibration derives and distributes the compensating delays
func (s *Scheduler) finishCalibration() {
	agents := s.registry.Agents()
	samples := make([]calibration.Samples, 0, len(agents))
	for _, a := range agents {
		log := a.Log(registry.CalibrationLog)
		samples = append(samples, calibration.Samples{
			Name:    a.Name,
			Request: log.Values(registry.FieldRequest),
			Done:    log.Values(registry.FieldDone),
		})
	}

	now := s.clock.Now()
	profiles, err := s.engine.Compute(samples, now)
	if err != nil {
		s.logger.Error("calibration failed, restarting", "error", err)
		s.startCalibration()
		return
	}

	s.state.Calibrations++
	took := now.Sub(s.state.CalibrationStartedAt)

	s.recorder.RecordCalibration(s.runID, profiles)
	s.sendWaitingTimes()

	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindCalibrated,
		Iteration: s.state.CompletedCount,
		Date:      now,
		Value:     s.engine.Spread(),
		Detail:    took.Round(time.Second).String(),
	})

	s.logger.Info("calibration complete",
		"took", took.Round(time.Second),
		"spread_ms", s.engine.Spread().Milliseconds(),
		"calibrations", s.state.Calibrations)

	if s.state.Calibrations == 1 && !s.config.TestRun {
		remaining := len(s.targets) - s.state.CompletedCount
		s.logger.Info("estimated crawl time",
			"items", remaining,
			"estimate", calibration.EstimateCrawlTime(remaining, s.config.CalibrationRounds, s.config.ReCalibration, took).Round(time.Second))
	}

	s.startMode(s.workMode())
}

// sendWaitingTimes delivers each agent its compensating delay
func (s *Scheduler) sendWaitingTimes() {
	for _, a := range s.registry.Agents() {
		p, ok := s.engine.Profile(a.Name)
		if !ok {
			continue
		}
		if err := a.Send(protocol.MustNew(protocol.EventWaitingTime, p.Wait.Milliseconds())); err != nil {
			s.logger.Warn("failed to send waiting time", "agent", a.Name, "error", err)
			continue
		}
		s.logger.Info("waiting time delivered",
			"agent", a.Name,
			"wait_ms", p.Wait.Milliseconds(),
			"done_offset_ms", p.DoneOffset.Milliseconds())
	}
}

func attemptDetail(attempt int) string {
	if attempt == 0 {
		return ""
	}
	return "attempt " + strconv.Itoa(attempt+1)
}
