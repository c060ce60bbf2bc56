package testutil

import (
	"errors"
	"sync"

	"github.com/livinlefevreloca/syncrawl/internal/protocol"
)

var ErrConnClosed = errors.New("connection closed")

// FakeConn records every message sent to an agent
type FakeConn struct {
	mu          sync.Mutex
	id          string
	sent        []protocol.Message
	closed      bool
	closeReason string
}

func NewFakeConn(id string) *FakeConn {
	return &FakeConn{id: id}
}

func (c *FakeConn) ID() string {
	return c.id
}

func (c *FakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *FakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
}

// Sent returns a copy of all messages sent so far
func (c *FakeConn) Sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Events returns the event names sent so far, in order
func (c *FakeConn) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.Event
	}
	return out
}

// Count returns how many messages with event were sent
func (c *FakeConn) Count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, m := range c.sent {
		if m.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent message with event
func (c *FakeConn) Last(event string) (protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Event == event {
			return c.sent[i], true
		}
	}
	return protocol.Message{}, false
}

func (c *FakeConn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeReason
}

func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}
