package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Event names of the agent channel.
const (
	EventInitialization  = "initialization"
	EventRegistered      = "registered"
	EventPing            = "ping"
	EventPingResults     = "pingresults"
	EventURL             = "url"
	EventBrowserReady    = "browserready"
	EventBrowserGo       = "browsergo"
	EventURLCrawled      = "urlcrawled"
	EventBrowserFinished = "browserfinished"
	EventKillChild       = "killchildprocess"
	EventWaitingTime     = "waitingtime"
	EventScriptError     = "scripterror"
	EventClose           = "close"
)

// Sentinel targets carried by EventURL.
const (
	TargetCalibration = "calibration"
	TargetTest        = "test"
)

// Kill reasons.
const (
	KillTimeout = "timeout"
	KillCancel  = "cancel"
)

// Close reasons.
const (
	CloseFinished       = "finished"
	CloseCancel         = "cancel"
	CloseTooManyClients = "toomanyclients"
)

var ErrMalformedMessage = errors.New("protocol: malformed message")

// Message is one frame on the agent channel
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// URLPayload dispatches a round to an agent
type URLPayload struct {
	Target string `json:"target"`
	Index  int    `json:"index"`
	Round  int64  `json:"round"`
	Total  int    `json:"total"`
}

// RoundPayload is echoed back by agents on every round signal
type RoundPayload struct {
	Name  string `json:"name,omitempty"`
	Round int64  `json:"round"`
}

// RegisteredPayload acknowledges an initialization
type RegisteredPayload struct {
	ID         string `json:"id"`
	AgentCount int    `json:"agent_count"`
	RunID      string `json:"run_id"`
}

// New builds a message with a JSON encoded payload. A nil payload produces
// a message without data.
func New(event string, payload any) (Message, error) {
	msg := Message{Event: event}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	msg.Data = data
	return msg, nil
}

// MustNew is New for payloads that cannot fail to encode.
func MustNew(event string, payload any) Message {
	msg, err := New(event, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Encode serializes the message into a single frame
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a frame without unmarshalling the payload.
func Decode(frame []byte) (Message, error) {
	if !gjson.ValidBytes(frame) {
		return Message{}, ErrMalformedMessage
	}
	event := gjson.GetBytes(frame, "event")
	if event.Type != gjson.String || event.Str == "" {
		return Message{}, fmt.Errorf("%w: missing event name", ErrMalformedMessage)
	}
	msg := Message{Event: event.Str}
	if data := gjson.GetBytes(frame, "data"); data.Exists() {
		msg.Data = json.RawMessage(data.Raw)
	}
	return msg, nil
}

// Text returns the payload as a plain string. Agents send names and error
// texts either as a JSON string or wrapped in an object with a name field.
func (m Message) Text() string {
	if len(m.Data) == 0 {
		return ""
	}
	r := gjson.ParseBytes(m.Data)
	switch {
	case r.Type == gjson.String:
		return r.Str
	case r.IsObject() && r.Get("name").Exists():
		return r.Get("name").String()
	default:
		return r.Raw
	}
}

// Round returns the round sequence number echoed in the payload and whether
// one was present.
func (m Message) Round() (int64, bool) {
	if len(m.Data) == 0 {
		return 0, false
	}
	r := gjson.GetBytes(m.Data, "round")
	if !r.Exists() {
		return 0, false
	}
	return r.Int(), true
}

// Int returns a numeric payload.
func (m Message) Int() int64 {
	return gjson.ParseBytes(m.Data).Int()
}

// Unmarshal decodes the payload into v.
func (m Message) Unmarshal(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedMessage, m.Event)
	}
	return json.Unmarshal(m.Data, v)
}

// Conn is the coordinator side of one agent connection. Send must not block
// the caller on network I/O.
type Conn interface {
	ID() string
	Send(msg Message) error
	Close(reason string)
}
