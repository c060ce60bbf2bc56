package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/inbox"
	"github.com/livinlefevreloca/syncrawl/internal/protocol"
	"github.com/livinlefevreloca/syncrawl/internal/registry"
)

var ErrLatencyExceeded = errors.New("scheduler: agent latency exceeds allowed ping")

// Options carries the per-run inputs of a Scheduler
type Options struct {
	// Run identifier; generated when empty
	RunID string

	// Work list, consumed strictly in order
	Targets []string

	// Work items already completed by a previous run with the same RunID
	CompletedCount int

	// Optional collaborators
	Clock    Clock
	Recorder Recorder
	Engine   *calibration.Engine
}

// Scheduler coordinates the agent fleet. Every piece of coordination state is
// owned by the goroutine running Run; other goroutines talk to it through Post.
type Scheduler struct {
	// Configuration
	config Config
	logger *slog.Logger
	clock  Clock
	runID  string

	// Work
	targets []string

	// Collaborators
	registry *registry.Registry
	engine   *calibration.Engine
	recorder Recorder

	// Communication
	inbox *inbox.Inbox[Event]

	// Sessions that opened but have not sent initialization yet
	pending map[string]protocol.Conn

	// State (accessed only by main loop)
	state State

	// Watchdogs; an expiry is valid only if its generation is current
	readyTimer Timer
	readyGen   uint64
	doneTimer  Timer
	doneGen    uint64

	fatal error
}

// New creates a scheduler with validated configuration
func New(config Config, opts Options, logger *slog.Logger) (*Scheduler, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	if opts.CompletedCount < 0 || opts.CompletedCount > len(opts.Targets) {
		return nil, fmt.Errorf("CompletedCount %d out of range for %d targets", opts.CompletedCount, len(opts.Targets))
	}

	if !config.TestRun && len(opts.Targets) == 0 {
		return nil, fmt.Errorf("work list is empty")
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	clock := opts.Clock
	if clock == nil {
		clock = RealClock{}
	}

	recorder := opts.Recorder
	if recorder == nil {
		recorder = discardRecorder{}
	}

	engine := opts.Engine
	if engine == nil {
		engine = calibration.NewEngine(logger)
	}

	reg := registry.New(config.AgentCount, config.ReCalibrateOnDisconnect, logger)
	reg.AddObserver(engine)

	s := &Scheduler{
		config:   config,
		logger:   logger.With("run_id", runID),
		clock:    clock,
		runID:    runID,
		targets:  opts.Targets,
		registry: reg,
		engine:   engine,
		recorder: recorder,
		inbox:    inbox.New[Event](config.InboxBufferSize, config.InboxSendTimeout, logger),
		pending:  make(map[string]protocol.Conn),
	}

	s.state.Phase = PhaseWaitingForAgents
	s.state.CompletedCount = opts.CompletedCount
	s.state.Mode = ModeCalibration
	if engine.Complete() {
		s.state.Mode = s.workMode()
	}

	return s, nil
}

// RunID returns the identifier of this run
func (s *Scheduler) RunID() string {
	return s.runID
}

// Post hands an event to the scheduler loop. Returns false if the inbox
// stayed full for longer than the send timeout.
func (s *Scheduler) Post(ev Event) bool {
	return s.inbox.Send(ev)
}

// Status asks the scheduler loop for a snapshot of its state
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	resp := make(chan Status, 1)
	if !s.Post(Event{Type: EventGetStatus, ResponseChan: resp}) {
		return Status{}, fmt.Errorf("scheduler inbox full")
	}

	select {
	case st := <-resp:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run is the main scheduler loop. It returns nil once the work list is
// exhausted or ctx is cancelled, and ErrLatencyExceeded when the fleet is too
// far away to be synchronized.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		"agent_count", s.config.AgentCount,
		"targets", len(s.targets),
		"completed", s.state.CompletedCount,
		"test_run", s.config.TestRun)

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	defer s.stopWatchdogs()

	for {
		select {
		case <-ctx.Done():
			s.cancel()
			s.flush()
			return nil

		case <-ticker.C:
			s.flush()
			s.inbox.UpdateDepthStats()

		case env := <-s.inbox.C():
			s.inbox.Received(env)
			s.handleEvent(env.Msg)

			if done, err := s.terminated(); done {
				s.flush()
				return err
			}
		}
	}
}

func (s *Scheduler) terminated() (bool, error) {
	switch s.state.Phase {
	case PhaseFinished:
		return true, nil
	case PhaseAborted:
		return true, s.fatal
	default:
		return false, nil
	}
}

// handleEvent dispatches events to appropriate handlers
func (s *Scheduler) handleEvent(ev Event) {
	if ev.Type == EventGetStatus {
		s.handleGetStatus(ev)
		return
	}

	if s.state.Phase == PhaseFinished || s.state.Phase == PhaseAborted {
		s.logger.Debug("ignoring event after termination", "type", ev.Type.String())
		return
	}

	switch ev.Type {
	case EventConnected:
		s.handleConnected(ev)
	case EventDisconnected:
		s.handleDisconnected(ev)
	case EventAgentMessage:
		s.handleAgentMessage(ev)
	case EventCallback:
		s.handleCallback(ev)
	case EventReadyTimeout:
		s.handleReadyTimeout(ev)
	case EventDoneTimeout:
		s.handleDoneTimeout(ev)
	default:
		s.logger.Warn("unknown event type", "type", ev.Type)
	}
}

func (s *Scheduler) handleAgentMessage(ev Event) {
	if ev.Message.Event == protocol.EventInitialization {
		s.handleInitialization(ev)
		return
	}

	agent, ok := s.registry.ByConn(ev.ConnID)
	if !ok {
		s.logger.Debug("message from unregistered connection",
			"conn", ev.ConnID,
			"event", ev.Message.Event)
		return
	}

	switch ev.Message.Event {
	case protocol.EventPingResults:
		s.handlePingResult(agent, ev)
	case protocol.EventBrowserReady:
		s.handleReady(agent, ev)
	case protocol.EventURLCrawled:
		s.handleCrawled(agent, ev)
	case protocol.EventBrowserFinished:
		s.handleFinished(agent, ev)
	case protocol.EventScriptError:
		s.handleScriptError(agent, ev)
	default:
		s.logger.Warn("unknown agent event", "agent", agent.Name, "event", ev.Message.Event)
	}
}

func (s *Scheduler) handleConnected(ev Event) {
	if ev.Conn == nil {
		return
	}
	s.pending[ev.ConnID] = ev.Conn
	s.logger.Debug("session opened", "conn", ev.ConnID)
}

// handleInitialization registers the agent behind a session
func (s *Scheduler) handleInitialization(ev Event) {
	conn, ok := s.pending[ev.ConnID]
	if !ok {
		s.logger.Warn("initialization from unknown or registered session", "conn", ev.ConnID)
		return
	}
	delete(s.pending, ev.ConnID)

	name := ev.Message.Text()
	if name == "" {
		name = conn.ID()
	}

	id, err := s.registry.Register(name, conn, ev.At)
	if err != nil {
		reason := protocol.CloseCancel
		if errors.Is(err, registry.ErrCapacityExceeded) {
			reason = protocol.CloseTooManyClients
		}
		s.reject(conn, name, reason, err, ev.At)
		return
	}

	if err := conn.Send(protocol.MustNew(protocol.EventRegistered, protocol.RegisteredPayload{
		ID:         string(id),
		AgentCount: s.config.AgentCount,
		RunID:      s.runID,
	})); err != nil {
		s.logger.Warn("failed to acknowledge registration", "agent", name, "error", err)
	}

	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindConnected,
		Agent:     name,
		Iteration: s.state.CompletedCount,
		Date:      ev.At,
		Detail:    fmt.Sprintf("%d/%d agents connected", s.registry.Len(), s.config.AgentCount),
	})

	s.logger.Info("agent connected",
		"agent", name,
		"agent_id", id,
		"connected", s.registry.Len(),
		"expected", s.config.AgentCount)

	if s.registry.Full() {
		s.onFleetComplete()
	}
}

func (s *Scheduler) reject(conn protocol.Conn, name, reason string, err error, at time.Time) {
	s.logger.Warn("rejecting agent", "agent", name, "reason", reason, "error", err)

	if sendErr := conn.Send(protocol.MustNew(protocol.EventClose, reason)); sendErr != nil {
		s.logger.Debug("failed to send close", "agent", name, "error", sendErr)
	}
	conn.Close(reason)

	s.recorder.RecordEvent(EventRecord{
		RunID:  s.runID,
		Kind:   KindRejected,
		Agent:  name,
		Date:   at,
		Detail: err.Error(),
	})
}

// onFleetComplete starts or resumes work once every expected agent is present
func (s *Scheduler) onFleetComplete() {
	switch s.state.Phase {
	case PhaseWaitingForAgents, PhasePaused:
		s.startProbe()
	}
}

// handleDisconnected pauses the active round; recovery starts when the fleet
// is complete again
func (s *Scheduler) handleDisconnected(ev Event) {
	if _, ok := s.pending[ev.ConnID]; ok {
		delete(s.pending, ev.ConnID)
		return
	}

	agent, ok := s.registry.ByConn(ev.ConnID)
	if !ok {
		return
	}

	name := agent.Name
	if err := s.registry.Unregister(agent.ID); err != nil {
		s.logger.Error("failed to unregister agent", "agent", name, "error", err)
		return
	}

	index := -1
	if s.state.Round != nil {
		index = s.state.Round.Index
	}
	s.logger.Warn("agent disconnected",
		"agent", name,
		"phase", s.state.Phase.String(),
		"round", index,
		"connected", s.registry.Len())

	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindDisconnected,
		Agent:     name,
		Iteration: s.state.CompletedCount,
		Date:      ev.At,
	})

	switch s.state.Phase {
	case PhaseWaitingForAgents, PhasePaused:
		return
	case PhaseProbing:
		s.stopWatchdogs()
		if s.state.Seq > 0 {
			s.state.Phase = PhasePaused
		} else {
			s.state.Phase = PhaseWaitingForAgents
		}
	default:
		s.pause()
	}
}

// pause cancels the active round and flushes the round logs
func (s *Scheduler) pause() {
	s.stopWatchdogs()
	s.state.Round = nil
	s.registry.Broadcast(protocol.MustNew(protocol.EventKillChild, protocol.KillCancel))
	s.resetLogs()
	s.state.Phase = PhasePaused

	s.logger.Info("run paused, waiting for agents",
		"mode", s.state.Mode.String(),
		"completed", s.state.CompletedCount)
}

func (s *Scheduler) resetLogs() {
	s.registry.ResetLogs(registry.CalibrationLog)
	s.registry.ResetLogs(registry.CrawlLog)
	s.state.CalibrationIndex = 0
	s.state.CrawlIndex = 0
}

func (s *Scheduler) handleScriptError(agent *registry.Agent, ev Event) {
	text := ev.Message.Text()
	log := agent.Log(s.state.Mode.logKind())
	log.Errors = append(log.Errors, text)

	index := -1
	target := ""
	if r := s.state.Round; r != nil {
		index = r.Index
		target = r.Target
	}

	s.logger.Warn("agent script error",
		"agent", agent.Name,
		"round", index,
		"target", target,
		"error", text)

	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindScriptError,
		Agent:     agent.Name,
		Iteration: s.state.CompletedCount,
		Target:    target,
		Date:      ev.At,
		Detail:    text,
	})
}

// abort terminates the run with a fatal error
func (s *Scheduler) abort(err error) {
	s.logger.Error("aborting run", "error", err)

	s.fatal = err
	s.stopWatchdogs()
	s.state.Round = nil
	s.state.Phase = PhaseAborted
	s.closeAll(protocol.CloseCancel)

	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindAborted,
		Iteration: s.state.CompletedCount,
		Date:      s.clock.Now(),
		Detail:    err.Error(),
	})
}

// cancel stops agents when the coordinator itself shuts down
func (s *Scheduler) cancel() {
	if s.state.Phase == PhaseFinished || s.state.Phase == PhaseAborted {
		return
	}
	s.logger.Info("cancelling run", "completed", s.state.CompletedCount)
	s.stopWatchdogs()
	s.registry.Broadcast(protocol.MustNew(protocol.EventKillChild, protocol.KillCancel))
	s.closeAll(protocol.CloseCancel)
}

func (s *Scheduler) closeAll(reason string) {
	msg := protocol.MustNew(protocol.EventClose, reason)
	for _, a := range s.registry.Agents() {
		if err := a.Send(msg); err != nil {
			s.logger.Debug("failed to send close", "agent", a.Name, "error", err)
		}
		a.Conn.Close(reason)
	}
	for id, conn := range s.pending {
		conn.Close(reason)
		delete(s.pending, id)
	}
}

// finish ends a run whose work list is exhausted
func (s *Scheduler) finish() {
	s.stopWatchdogs()
	s.state.Round = nil
	s.state.Phase = PhaseFinished

	s.logger.Info("run finished",
		"completed", s.state.CompletedCount,
		"skipped", s.state.Skipped,
		"calibrations", s.state.Calibrations)

	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindFinished,
		Iteration: s.state.CompletedCount,
		Date:      s.clock.Now(),
		Detail:    fmt.Sprintf("%d skipped", s.state.Skipped),
	})

	s.closeAll(protocol.CloseFinished)
}

func (s *Scheduler) flush() {
	if f, ok := s.recorder.(Flusher); ok {
		f.Flush(s.clock.Now())
	}
}

// handleGetStatus returns a snapshot of the scheduler state
func (s *Scheduler) handleGetStatus(ev Event) {
	if ev.ResponseChan == nil {
		return
	}
	ev.ResponseChan <- s.snapshot()
}

func (s *Scheduler) snapshot() Status {
	st := Status{
		RunID:            s.runID,
		Phase:            s.state.Phase.String(),
		Mode:             s.state.Mode.String(),
		CompletedCount:   s.state.CompletedCount,
		Total:            s.total(),
		Skipped:          s.state.Skipped,
		CalibrationRound: s.state.CalibrationIndex,
		Calibrations:     s.state.Calibrations,
		Profiles:         s.engine.Profiles(),
		Inbox:            s.inbox.GetStats(),
	}

	for _, a := range s.registry.Agents() {
		as := AgentStatus{
			ID:        string(a.ID),
			Name:      a.Name,
			State:     a.State.String(),
			LatencyMs: a.Latency.Milliseconds(),
		}
		if p, ok := s.engine.Profile(a.Name); ok {
			as.WaitMs = p.Wait.Milliseconds()
		}
		st.Agents = append(st.Agents, as)
	}

	if r := s.state.Round; r != nil {
		st.Round = &RoundView{
			Seq:          r.Seq,
			Mode:         r.Mode.String(),
			Target:       r.Target,
			Index:        r.Index,
			Status:       r.Status.String(),
			Attempt:      r.Attempt,
			PendingReady: r.PendingReady,
			PendingCount: r.PendingCount,
			DispatchedAt: r.DispatchedAt,
		}
	}

	return st
}

// total is the number of rounds the current work mode has to complete
func (s *Scheduler) total() int {
	if s.config.TestRun {
		return s.config.TestIterations
	}
	return len(s.targets)
}

// workMode is the mode rounds run in once calibration is complete
func (s *Scheduler) workMode() Mode {
	if s.config.TestRun {
		return ModeTest
	}
	return ModeCrawl
}
