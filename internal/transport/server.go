package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/livinlefevreloca/syncrawl/internal/protocol"
	"github.com/livinlefevreloca/syncrawl/internal/scheduler"
)

// Coordinator is the scheduler surface the server feeds
type Coordinator interface {
	Post(ev scheduler.Event) bool
	Status(ctx context.Context) (scheduler.Status, error)
}

// Server exposes the agent websocket channel and the callback endpoints
type Server struct {
	config Config
	coord  Coordinator
	logger *slog.Logger
	now    func() time.Time

	httpServer *http.Server
}

// NewServer creates a server feeding coord
func NewServer(config Config, coord Coordinator, logger *slog.Logger) *Server {
	s := &Server{
		config: config,
		coord:  coord,
		logger: logger.With("component", "transport"),
		now:    time.Now,
	}

	s.httpServer = &http.Server{
		Addr:              config.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /client/{id}", s.handleClientCallback)
	mux.HandleFunc("GET /{$}", s.handleRootCallback)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("coordinator listening",
			"addr", ln.Addr().String(),
			"callback_url", s.config.BaseURL())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// handleWebsocket runs one agent session: the handler goroutine reads, a
// second goroutine writes
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.config.InsecureSkipVerify,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.config.ReadLimit)

	conn := newConn(uuid.New().String(), ws, s.config.SendBuffer, s.config.WriteTimeout, s.logger)
	s.logger.Debug("session opened", "conn", conn.ID(), "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop(ctx)
	}()

	if !s.coord.Post(scheduler.ConnectedEvent(conn, s.now())) {
		s.logger.Error("scheduler inbox full, dropping session", "conn", conn.ID())
		conn.Close(protocol.CloseCancel)
		<-writerDone
		return
	}

	err = conn.readLoop(ctx, s.now, func(msg protocol.Message, at time.Time) {
		if !s.coord.Post(scheduler.MessageEvent(conn.ID(), msg, at)) {
			s.logger.Error("scheduler inbox full, dropping message",
				"conn", conn.ID(),
				"event", msg.Event)
		}
	})
	if err != nil && !errors.Is(err, errNormalClosure) {
		s.logger.Debug("session read ended", "conn", conn.ID(), "error", err)
	}

	conn.Close("")
	cancel()
	<-writerDone

	s.coord.Post(scheduler.DisconnectedEvent(conn.ID(), s.now()))
}

// handleClientCallback is where calibration and test navigations land. The
// arrival time is taken before anything else.
func (s *Server) handleClientCallback(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	s.callback(w, r.PathValue("id"), r.UserAgent(), at)
}

// handleRootCallback accepts callbacks that only carry the agent name in
// the User-Agent header
func (s *Server) handleRootCallback(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	s.callback(w, "", r.UserAgent(), at)
}

func (s *Server) callback(w http.ResponseWriter, agentID, agentName string, at time.Time) {
	if !s.coord.Post(scheduler.CallbackEvent(agentID, agentName, at)) {
		s.logger.Error("scheduler inbox full, dropping callback", "agent_id", agentID, "agent", agentName)
		http.Error(w, "coordinator busy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<!doctype html><title>syncrawl</title><p>ok</p>"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := s.coord.Status(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Warn("failed to encode status", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
