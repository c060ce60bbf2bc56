package scheduler

import (
	"fmt"

	"github.com/livinlefevreloca/syncrawl/internal/protocol"
	"github.com/livinlefevreloca/syncrawl/internal/registry"
)

// startProbe measures every agent's round trip before any round is dispatched.
// The ready watchdog bounds how long the fleet may take to answer.
func (s *Scheduler) startProbe() {
	s.state.Phase = PhaseProbing
	s.state.probed = make(map[registry.AgentID]bool, s.registry.Len())
	s.state.ProbeSentAt = s.clock.Now()

	s.logger.Info("probing agent latency",
		"agents", s.registry.Len(),
		"allowed_ping", s.config.AllowedPing)

	s.registry.Broadcast(protocol.MustNew(protocol.EventPing, nil))
	s.armReady()
}

// handlePingResult records one agent's one-way latency. A single agent over
// the allowed ping aborts the whole run.
func (s *Scheduler) handlePingResult(agent *registry.Agent, ev Event) {
	if s.state.Phase != PhaseProbing || s.state.probed[agent.ID] {
		s.logger.Debug("ignoring unexpected ping result", "agent", agent.Name)
		return
	}

	latency := ev.At.Sub(s.state.ProbeSentAt) / 2
	agent.Latency = latency
	s.state.probed[agent.ID] = true

	s.recorder.RecordEvent(EventRecord{
		RunID:     s.runID,
		Kind:      KindPing,
		Agent:     agent.Name,
		Iteration: s.state.CompletedCount,
		Date:      ev.At,
		Value:     latency,
	})

	s.logger.Info("agent latency",
		"agent", agent.Name,
		"latency_ms", latency.Milliseconds())

	if latency > s.config.AllowedPing {
		s.abort(fmt.Errorf("%w: %s has %v, allowed %v",
			ErrLatencyExceeded, agent.Name, latency, s.config.AllowedPing))
		return
	}

	agent.State = registry.LatencyChecked

	if len(s.state.probed) < s.registry.Len() {
		return
	}

	s.stopReady()
	s.afterProbe()
}

// handleProbeTimeout treats agents that never answered as out of range
func (s *Scheduler) handleProbeTimeout() {
	var missing []string
	for _, a := range s.registry.Agents() {
		if !s.state.probed[a.ID] {
			missing = append(missing, a.Name)
		}
	}
	s.abort(fmt.Errorf("%w: no ping answer from %v within %v",
		ErrLatencyExceeded, missing, s.config.ReadyTimeout))
}

// afterProbe calibrates unless every agent already has a profile from an
// earlier phase that is still valid
func (s *Scheduler) afterProbe() {
	names := make([]string, 0, s.registry.Len())
	for _, a := range s.registry.Agents() {
		names = append(names, a.Name)
	}

	if s.state.Mode == ModeCalibration || !s.engine.Covers(names) {
		s.startCalibration()
		return
	}

	s.logger.Info("reusing calibration profiles", "mode", s.state.Mode.String())
	s.registry.SetState(registry.Participating)
	s.sendWaitingTimes()
	s.startMode(s.state.Mode)
}
