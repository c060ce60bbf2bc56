package scheduler

import (
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/protocol"
)

// EventType identifies what happened
type EventType int

const (
	EventConnected    EventType = iota // A transport session opened
	EventDisconnected                  // A transport session closed
	EventAgentMessage                  // A frame arrived from an agent
	EventCallback                      // The calibration callback endpoint was hit
	EventReadyTimeout                  // Ready watchdog expired
	EventDoneTimeout                   // Done watchdog expired
	EventGetStatus                     // Status query
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventAgentMessage:
		return "agent_message"
	case EventCallback:
		return "callback"
	case EventReadyTimeout:
		return "ready_timeout"
	case EventDoneTimeout:
		return "done_timeout"
	case EventGetStatus:
		return "get_status"
	default:
		return "unknown"
	}
}

// Event is the unit of work processed by the scheduler loop. Transport code
// stamps At on arrival so offsets are measured on the coordinator's clock
// independent of inbox queueing.
type Event struct {
	Type    EventType
	At      time.Time
	ConnID  string
	Conn    protocol.Conn
	Message protocol.Message

	// Callback identification: agent id from the path, or agent name from
	// the User-Agent header
	AgentID   string
	AgentName string

	// Watchdog generation the expiry belongs to
	Generation uint64

	ResponseChan chan Status
}

// ConnectedEvent announces a new transport session
func ConnectedEvent(conn protocol.Conn, at time.Time) Event {
	return Event{Type: EventConnected, ConnID: conn.ID(), Conn: conn, At: at}
}

// DisconnectedEvent announces that a transport session closed
func DisconnectedEvent(connID string, at time.Time) Event {
	return Event{Type: EventDisconnected, ConnID: connID, At: at}
}

// MessageEvent wraps an inbound frame
func MessageEvent(connID string, msg protocol.Message, at time.Time) Event {
	return Event{Type: EventAgentMessage, ConnID: connID, Message: msg, At: at}
}

// CallbackEvent reports a calibration callback request
func CallbackEvent(agentID, agentName string, at time.Time) Event {
	return Event{Type: EventCallback, AgentID: agentID, AgentName: agentName, At: at}
}
