package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/syncrawl/internal/protocol"
)

// Browser drives the page an agent visits targets with
type Browser interface {
	// Prepare opens a fresh page that identifies itself with userAgent. An
	// empty userAgent keeps the engine's default.
	Prepare(ctx context.Context, userAgent string) error

	// Visit navigates the prepared page and returns once the response arrived
	Visit(ctx context.Context, target string) error

	// Reset closes the page, abandoning any navigation in flight
	Reset(ctx context.Context) error

	Close() error
}

var (
	// ErrClosed is returned by Run when the coordinator ends the session for
	// any reason other than a finished run.
	ErrClosed = errors.New("agent: closed by coordinator")

	// ErrUnreachable is returned by Run after MaxReconnects failed attempts
	ErrUnreachable = errors.New("agent: coordinator unreachable")

	errSessionClosed = errors.New("session closed")
)

// Agent is one member of the fleet. It holds a single websocket session to
// the coordinator and replays every round it is handed on its browser.
type Agent struct {
	config  Config
	browser Browser
	logger  *slog.Logger
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	id     string
	runID  string
	wait   time.Duration
	round  int64
	target string
	cancel context.CancelFunc
	visits sync.WaitGroup
}

// New creates an agent. The browser is owned by the caller.
func New(config Config, browser Browser, logger *slog.Logger) *Agent {
	return &Agent{
		config:  config,
		browser: browser,
		logger:  logger.With("agent", config.Name),
		limiter: rate.NewLimiter(rate.Every(config.ReconnectInterval), 1),
		sleep:   sleepCtx,
	}
}

// ID returns the identifier assigned by the coordinator on the last
// registration.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Run connects to the coordinator and serves rounds until the run finishes,
// the coordinator closes the session, or ctx is cancelled. Dropped
// connections are re-established no faster than ReconnectInterval.
func (a *Agent) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil
		}

		reason, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			if reason == protocol.CloseFinished {
				a.logger.Info("run finished, agent exiting")
				return nil
			}
			return fmt.Errorf("%w: %s", ErrClosed, reason)
		}

		failures++
		a.logger.Warn("session ended, reconnecting",
			"error", err,
			"failures", failures,
			"interval", a.config.ReconnectInterval)
		if a.config.MaxReconnects > 0 && failures >= a.config.MaxReconnects {
			return fmt.Errorf("%w after %d attempts: %v", ErrUnreachable, failures, err)
		}
	}
}

// session holds one websocket connection. It returns the close reason when
// the coordinator ended the session, or an error when the connection failed.
func (a *Agent) session(ctx context.Context) (string, error) {
	ws, _, err := websocket.Dial(ctx, a.config.CoordinatorURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to dial coordinator: %w", err)
	}
	defer func() { _ = ws.CloseNow() }()

	a.logger.Info("connected to coordinator", "url", a.config.CoordinatorURL)

	s := &session{agent: a, ws: ws}
	defer a.stopVisit(context.Background(), false)

	if err := s.send(ctx, protocol.EventInitialization, a.config.Name); err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan protocol.Message, 16)

	g.Go(func() error {
		defer close(frames)
		for {
			_, frame, err := ws.Read(gctx)
			if err != nil {
				var ce websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
					s.setClosed(ce.Reason)
					return nil
				}
				return fmt.Errorf("failed to read frame: %w", err)
			}
			msg, err := protocol.Decode(frame)
			if err != nil {
				a.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			select {
			case frames <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for msg := range frames {
			if done := s.handle(gctx, msg); done {
				return errSessionClosed
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if reason, ok := s.closed(); ok {
			return reason, nil
		}
		return "", err
	}
	if reason, ok := s.closed(); ok {
		return reason, nil
	}
	return "", errors.New("connection closed without reason")
}

type session struct {
	agent *Agent
	ws    *websocket.Conn

	mu        sync.Mutex
	reason    string
	hasReason bool
}

func (s *session) setClosed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasReason {
		s.reason = reason
		s.hasReason = true
	}
}

func (s *session) closed() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.hasReason
}

func (s *session) send(ctx context.Context, event string, payload any) error {
	msg, err := protocol.New(event, payload)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	if err := s.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// handle applies one coordinator message. It reports true once the
// coordinator closed the session.
func (s *session) handle(ctx context.Context, msg protocol.Message) bool {
	a := s.agent

	switch msg.Event {
	case protocol.EventRegistered:
		var p protocol.RegisteredPayload
		if err := msg.Unmarshal(&p); err != nil {
			a.logger.Warn("invalid registration", "error", err)
			return false
		}
		a.mu.Lock()
		a.id = p.ID
		a.runID = p.RunID
		a.mu.Unlock()
		a.logger.Info("registered", "agent_id", p.ID, "run_id", p.RunID, "fleet", p.AgentCount)

	case protocol.EventPing:
		if err := s.send(ctx, protocol.EventPingResults, nil); err != nil {
			a.logger.Warn("failed to answer ping", "error", err)
		}

	case protocol.EventWaitingTime:
		wait := time.Duration(msg.Int()) * time.Millisecond
		a.mu.Lock()
		a.wait = wait
		a.mu.Unlock()
		a.logger.Info("waiting time updated", "wait", wait)

	case protocol.EventURL:
		var p protocol.URLPayload
		if err := msg.Unmarshal(&p); err != nil {
			a.logger.Warn("invalid url message", "error", err)
			return false
		}
		s.prepare(ctx, p)

	case protocol.EventBrowserGo:
		round, _ := msg.Round()
		s.start(ctx, round)

	case protocol.EventKillChild:
		a.logger.Info("visit killed", "reason", msg.Text())
		a.stopVisit(ctx, true)

	case protocol.EventClose:
		reason := msg.Text()
		a.logger.Info("coordinator closed session", "reason", reason)
		s.setClosed(reason)
		return true

	default:
		a.logger.Debug("ignoring message", "event", msg.Event)
	}
	return false
}

// prepare readies the browser for a new round and reports ready
func (s *session) prepare(ctx context.Context, p protocol.URLPayload) {
	a := s.agent
	a.stopVisit(ctx, false)

	target, userAgent := a.resolve(p.Target)

	a.mu.Lock()
	a.round = p.Round
	a.target = p.Target
	a.mu.Unlock()

	if err := a.browser.Prepare(ctx, userAgent); err != nil {
		a.logger.Error("failed to prepare browser", "round", p.Round, "error", err)
		s.scriptError(ctx, fmt.Sprintf("prepare %s: %v", target, err))
		return
	}

	a.logger.Debug("browser ready", "round", p.Round, "target", p.Target, "index", p.Index, "total", p.Total)
	if err := s.send(ctx, protocol.EventBrowserReady, protocol.RoundPayload{Name: a.config.Name, Round: p.Round}); err != nil {
		a.logger.Warn("failed to report ready", "round", p.Round, "error", err)
	}
}

// start launches the visit for round in the background
func (s *session) start(ctx context.Context, round int64) {
	a := s.agent

	a.mu.Lock()
	if round != a.round {
		a.mu.Unlock()
		a.logger.Warn("ignoring go for stale round", "round", round, "current", a.round)
		return
	}
	if a.cancel != nil {
		a.mu.Unlock()
		a.logger.Warn("visit already running", "round", round)
		return
	}
	target := a.target
	wait := a.wait
	if target == protocol.TargetCalibration {
		wait = 0
	}
	vctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.visits.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.visits.Done()
		defer a.clearVisit(round)
		s.visit(vctx, round, target, wait)
	}()
}

func (s *session) visit(ctx context.Context, round int64, target string, wait time.Duration) {
	a := s.agent
	url, _ := a.resolve(target)

	if wait > 0 {
		if err := a.sleep(ctx, wait); err != nil {
			return
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, a.config.NavigationTimeout)
	err := a.browser.Visit(navCtx, url)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		a.logger.Error("navigation failed", "round", round, "target", target, "error", err)
		s.scriptError(ctx, fmt.Sprintf("visit %s: %v", url, err))
		return
	}

	if err := s.send(ctx, protocol.EventURLCrawled, protocol.RoundPayload{Round: round}); err != nil {
		a.logger.Warn("failed to report crawled", "round", round, "error", err)
		return
	}

	if err := a.sleep(ctx, a.config.VisitDuration); err != nil {
		return
	}

	if err := s.send(ctx, protocol.EventBrowserFinished, protocol.RoundPayload{Round: round}); err != nil {
		a.logger.Warn("failed to report finished", "round", round, "error", err)
		return
	}
	a.logger.Debug("visit finished", "round", round, "target", target, "wait", wait)
}

func (s *session) scriptError(ctx context.Context, text string) {
	if err := s.send(ctx, protocol.EventScriptError, text); err != nil {
		s.agent.logger.Warn("failed to report script error", "error", err)
	}
}

func (a *Agent) clearVisit(round int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.round == round && a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// stopVisit cancels the running visit and waits for it to return. With
// reset the browser page is dropped too.
func (a *Agent) stopVisit(ctx context.Context, reset bool) {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.visits.Wait()

	if reset {
		if err := a.browser.Reset(ctx); err != nil {
			a.logger.Warn("failed to reset browser", "error", err)
		}
	}
}

// resolve maps a dispatched target to the URL to open and the User-Agent to
// send. Calibration and test rounds hit the coordinator's callback, which
// identifies the agent by its User-Agent.
func (a *Agent) resolve(target string) (string, string) {
	switch target {
	case protocol.TargetCalibration, protocol.TargetTest:
		a.mu.Lock()
		id := a.id
		a.mu.Unlock()
		return a.config.callbackBase() + "/client/" + id, a.config.Name
	default:
		return target, ""
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
