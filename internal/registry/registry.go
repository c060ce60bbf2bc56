package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/syncrawl/internal/protocol"
)

var (
	ErrCapacityExceeded = errors.New("registry: capacity exceeded")
	ErrDuplicateName    = errors.New("registry: agent name already registered")
	ErrAgentNotFound    = errors.New("registry: agent not found")
)

// AgentID identifies one registration of an agent. A reconnecting agent
// keeps its name but receives a new AgentID.
type AgentID string

// State is the lifecycle of an agent inside the registry
type State int

const (
	Disconnected State = iota
	Connected
	LatencyChecked
	Participating
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case LatencyChecked:
		return "latency_checked"
	case Participating:
		return "participating"
	default:
		return "unknown"
	}
}

// Agent is one connected browser worker
type Agent struct {
	ID          AgentID
	Name        string
	Conn        protocol.Conn
	State       State
	ConnectedAt time.Time
	Latency     time.Duration

	calibration *RoundLog
	crawl       *RoundLog
}

// Log returns the agent's round log of the given kind
func (a *Agent) Log(kind LogKind) *RoundLog {
	if kind == CalibrationLog {
		return a.calibration
	}
	return a.crawl
}

// Send delivers msg to the agent, ignoring agents without a live connection
func (a *Agent) Send(msg protocol.Message) error {
	if a.Conn == nil {
		return fmt.Errorf("agent %s has no connection", a.Name)
	}
	return a.Conn.Send(msg)
}

// Observer is notified about registry membership changes
type Observer interface {
	AgentUnregistered(name string)
}

// Registry tracks connected agents in registration order. It is not safe for
// concurrent use; the scheduler loop owns it.
type Registry struct {
	capacity               int
	invalidateOnDisconnect bool
	logger                 *slog.Logger

	agents    []*Agent
	byID      map[AgentID]*Agent
	byName    map[string]*Agent
	observers []Observer
}

// New creates a registry holding at most capacity agents. When
// invalidateOnDisconnect is set, observers are told to drop what they know
// about an agent as soon as it unregisters.
func New(capacity int, invalidateOnDisconnect bool, logger *slog.Logger) *Registry {
	return &Registry{
		capacity:               capacity,
		invalidateOnDisconnect: invalidateOnDisconnect,
		logger:                 logger,
		byID:                   make(map[AgentID]*Agent),
		byName:                 make(map[string]*Agent),
	}
}

// AddObserver subscribes o to unregister notifications
func (r *Registry) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Register adds an agent under name. It fails with ErrCapacityExceeded when
// the registry is full and with ErrDuplicateName while another live agent
// holds the same name.
func (r *Registry) Register(name string, conn protocol.Conn, now time.Time) (AgentID, error) {
	if len(r.agents) >= r.capacity {
		return "", fmt.Errorf("%w: %d agents registered", ErrCapacityExceeded, r.capacity)
	}
	if _, exists := r.byName[name]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	agent := &Agent{
		ID:          AgentID(uuid.New().String()),
		Name:        name,
		Conn:        conn,
		State:       Connected,
		ConnectedAt: now,
		calibration: newRoundLog(CalibrationLog),
		crawl:       newRoundLog(CrawlLog),
	}

	r.agents = append(r.agents, agent)
	r.byID[agent.ID] = agent
	r.byName[name] = agent

	r.logger.Debug("agent registered",
		"agent", name,
		"agent_id", agent.ID,
		"registered", len(r.agents),
		"capacity", r.capacity)

	return agent.ID, nil
}

// Unregister removes an agent
func (r *Registry) Unregister(id AgentID) error {
	agent, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	agent.State = Disconnected
	delete(r.byID, id)
	delete(r.byName, agent.Name)
	for i, a := range r.agents {
		if a.ID == id {
			r.agents = append(r.agents[:i], r.agents[i+1:]...)
			break
		}
	}

	if r.invalidateOnDisconnect {
		for _, o := range r.observers {
			o.AgentUnregistered(agent.Name)
		}
	}

	r.logger.Debug("agent unregistered", "agent", agent.Name, "agent_id", id)
	return nil
}

// AppendLog appends value to the field of the agent's log of the given kind
func (r *Registry) AppendLog(id AgentID, kind LogKind, field Field, value time.Duration) error {
	agent, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	agent.Log(kind).Append(field, value)
	return nil
}

// LogLengthAt returns how many samples field holds in the agent's log
func (r *Registry) LogLengthAt(id AgentID, kind LogKind, field Field) (int, error) {
	agent, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return agent.Log(kind).Len(field), nil
}

// Get looks an agent up by id
func (r *Registry) Get(id AgentID) (*Agent, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// ByName looks an agent up by name
func (r *Registry) ByName(name string) (*Agent, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// ByConn finds the agent bound to a connection id
func (r *Registry) ByConn(connID string) (*Agent, bool) {
	for _, a := range r.agents {
		if a.Conn != nil && a.Conn.ID() == connID {
			return a, true
		}
	}
	return nil, false
}

// Agents returns the registered agents in registration order
func (r *Registry) Agents() []*Agent {
	out := make([]*Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Len returns the number of registered agents
func (r *Registry) Len() int {
	return len(r.agents)
}

// Capacity returns the configured agent count
func (r *Registry) Capacity() int {
	return r.capacity
}

// Full reports whether the configured agent count is reached
func (r *Registry) Full() bool {
	return len(r.agents) >= r.capacity
}

// SetState moves every registered agent to state
func (r *Registry) SetState(state State) {
	for _, a := range r.agents {
		a.State = state
	}
}

// Broadcast sends msg to every registered agent. Send failures are logged
// and do not stop delivery to the remaining agents.
func (r *Registry) Broadcast(msg protocol.Message) {
	for _, a := range r.agents {
		if err := a.Send(msg); err != nil {
			r.logger.Warn("failed to send message to agent",
				"agent", a.Name,
				"event", msg.Event,
				"error", err)
		}
	}
}

// ResetLogs empties the logs of the given kind for every agent
func (r *Registry) ResetLogs(kind LogKind) {
	for _, a := range r.agents {
		a.Log(kind).Reset()
	}
}

// TruncateLogs drops samples at or after roundIndex for every agent
func (r *Registry) TruncateLogs(kind LogKind, roundIndex int) {
	for _, a := range r.agents {
		a.Log(kind).Truncate(roundIndex)
	}
}

// CountWith returns how many agents already hold a sample for field at
// roundIndex
func (r *Registry) CountWith(kind LogKind, field Field, roundIndex int) int {
	n := 0
	for _, a := range r.agents {
		if a.Log(kind).Has(field, roundIndex) {
			n++
		}
	}
	return n
}

// Lagging returns the agents that have not signalled field for roundIndex
func (r *Registry) Lagging(kind LogKind, field Field, roundIndex int) []*Agent {
	var out []*Agent
	for _, a := range r.agents {
		if !a.Log(kind).Has(field, roundIndex) {
			out = append(out, a)
		}
	}
	return out
}
