package scheduler

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/protocol"
	"github.com/livinlefevreloca/syncrawl/internal/testutil"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AgentCount = 2
	cfg.CalibrationRounds = 2
	cfg.ReCalibration = 0
	cfg.InboxBufferSize = 100
	cfg.InboxSendTimeout = time.Second
	return cfg
}

// memoryRecorder keeps everything the scheduler records
type memoryRecorder struct {
	mu           sync.Mutex
	rounds       [][]RoundRecord
	events       []EventRecord
	calibrations [][]calibration.Profile
}

func (m *memoryRecorder) RecordRound(rows []RoundRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds = append(m.rounds, rows)
}

func (m *memoryRecorder) RecordEvent(ev EventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memoryRecorder) RecordCalibration(_ string, profiles []calibration.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibrations = append(m.calibrations, profiles)
}

func (m *memoryRecorder) eventsOf(kind string) []EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventRecord
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memoryRecorder) roundsWith(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rows := range m.rounds {
		if len(rows) > 0 && rows[0].Status == status {
			n++
		}
	}
	return n
}

// timing places an agent's signals relative to the go broadcast. Zero
// values suppress the signal.
type timing struct {
	request  time.Duration
	done     time.Duration
	finished time.Duration
}

func uniform(request time.Duration) timing {
	return timing{request: request, done: request + 10*ms, finished: request + 20*ms}
}

type harness struct {
	t      *testing.T
	s      *Scheduler
	clock  *testutil.FakeClock
	rec    *memoryRecorder
	logger *testutil.TestLogger
	conns  map[string]*testutil.FakeConn
	names  []string
}

func newHarness(t *testing.T, cfg Config, targets []string) *harness {
	t.Helper()

	clock := testutil.NewFakeClock(testEpoch)
	rec := &memoryRecorder{}
	logger := testutil.NewTestLogger()

	s, err := New(cfg, Options{
		RunID:    "run-1",
		Targets:  targets,
		Clock:    clock,
		Recorder: rec,
	}, logger.Logger())
	require.NoError(t, err)

	return &harness{
		t:      t,
		s:      s,
		clock:  clock,
		rec:    rec,
		logger: logger,
		conns:  make(map[string]*testutil.FakeConn),
	}
}

// connect opens a session for name and sends initialization
func (h *harness) connect(name string) *testutil.FakeConn {
	conn := testutil.NewFakeConn("conn-" + name)
	h.s.handleEvent(ConnectedEvent(conn, h.clock.Now()))
	h.s.handleEvent(MessageEvent(conn.ID(),
		protocol.MustNew(protocol.EventInitialization, name), h.clock.Now()))

	if a, ok := h.s.registry.ByName(name); ok && a.Conn == conn {
		h.conns[name] = conn
		known := false
		for _, n := range h.names {
			known = known || n == name
		}
		if !known {
			h.names = append(h.names, name)
		}
	}
	return conn
}

func (h *harness) disconnect(name string) {
	h.s.handleEvent(DisconnectedEvent(h.conns[name].ID(), h.clock.Now()))
}

func (h *harness) emit(name, event string, payload any) {
	h.s.handleEvent(MessageEvent(h.conns[name].ID(), protocol.MustNew(event, payload), h.clock.Now()))
}

func (h *harness) seq() int64 {
	if h.s.state.Round == nil {
		return 0
	}
	return h.s.state.Round.Seq
}

// signal sends a round signal echoing the active round sequence
func (h *harness) signal(name, event string) {
	h.emit(name, event, protocol.RoundPayload{Name: name, Round: h.seq()})
}

func (h *harness) callback(name string) {
	h.s.handleEvent(CallbackEvent("", name, h.clock.Now()))
}

// advance moves the clock and processes the watchdog events it produced
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.drain()
}

// drain handles every queued event without blocking
func (h *harness) drain() {
	for {
		ev, ok := h.s.inbox.TryReceive()
		if !ok {
			return
		}
		h.s.handleEvent(ev)
	}
}

// connectAll connects every name and answers the latency probe
func (h *harness) connectAll(names ...string) {
	for _, n := range names {
		h.connect(n)
	}
	h.probe(20 * ms)
}

// probe answers the latency probe from every agent after rtt
func (h *harness) probe(rtt time.Duration) {
	h.advance(rtt)
	for _, n := range h.names {
		h.emit(n, protocol.EventPingResults, n)
	}
}

func (h *harness) readyAll() {
	h.advance(10 * ms)
	for _, n := range h.names {
		h.signal(n, protocol.EventBrowserReady)
	}
	require.Equal(h.t, RoundAllReady, h.s.state.Round.Status)
}

// playRound drives the active round to completion using per-agent timings
func (h *harness) playRound(timings map[string]timing) {
	h.t.Helper()
	h.readyAll()

	type step struct {
		at time.Duration
		fn func()
	}
	var steps []step
	for _, n := range h.names {
		n := n
		tm := timings[n]
		if tm.request > 0 {
			steps = append(steps, step{tm.request, func() { h.callback(n) }})
		}
		if tm.done > 0 {
			steps = append(steps, step{tm.done, func() { h.signal(n, protocol.EventURLCrawled) }})
		}
		if tm.finished > 0 {
			steps = append(steps, step{tm.finished, func() { h.signal(n, protocol.EventBrowserFinished) }})
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].at < steps[j].at })

	var elapsed time.Duration
	for _, st := range steps {
		h.advance(st.at - elapsed)
		elapsed = st.at
		st.fn()
	}
}

// calibrate plays every calibration round with the same timings
func (h *harness) calibrate(timings map[string]timing) {
	h.t.Helper()
	for i := 0; i < h.s.config.CalibrationRounds; i++ {
		require.Equal(h.t, ModeCalibration, h.s.state.Mode)
		h.playRound(timings)
	}
}

func (h *harness) lastURL(name string) protocol.URLPayload {
	h.t.Helper()
	msg, ok := h.conns[name].Last(protocol.EventURL)
	require.True(h.t, ok, "no url sent to %s", name)
	var payload protocol.URLPayload
	require.NoError(h.t, msg.Unmarshal(&payload))
	return payload
}
