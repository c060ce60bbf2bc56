package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/livinlefevreloca/syncrawl/internal/protocol"
)

var (
	ErrConnClosed    = errors.New("transport: connection closed")
	ErrSendQueueFull = errors.New("transport: send queue full")
	errNormalClosure = errors.New("transport: closed by peer")
)

// Conn is one agent session. Send only queues; a writer goroutine owns the
// socket's write side.
type Conn struct {
	id           string
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	send      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason string
}

func newConn(id string, ws *websocket.Conn, buffer int, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	return &Conn{
		id:           id,
		ws:           ws,
		logger:       logger.With("conn", id),
		writeTimeout: writeTimeout,
		send:         make(chan protocol.Message, buffer),
		done:         make(chan struct{}),
	}
}

// ID implements protocol.Conn
func (c *Conn) ID() string {
	return c.id
}

// Send implements protocol.Conn. It never blocks on the network.
func (c *Conn) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close implements protocol.Conn. Messages queued before Close are still
// written, then the socket closes with reason.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writeLoop drains the send queue until the connection is closed or ctx ends
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				c.logger.Debug("write failed", "event", msg.Event, "error", err)
				c.Close("")
				_ = c.ws.CloseNow()
				return
			}

		case <-c.done:
			c.flush(ctx)
			if err := c.ws.Close(websocket.StatusNormalClosure, c.closeReason()); err != nil {
				c.logger.Debug("close handshake failed", "error", err)
			}
			return

		case <-ctx.Done():
			c.Close("")
			_ = c.ws.CloseNow()
			return
		}
	}
}

// flush writes what is still queued
func (c *Conn) flush(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, frame)
}

// readLoop decodes inbound frames and hands them to deliver with their
// arrival time. It returns when the socket closes.
func (c *Conn) readLoop(ctx context.Context, now func() time.Time, deliver func(protocol.Message, time.Time)) error {
	for {
		_, frame, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return errNormalClosure
			}
			return err
		}
		at := now()

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(frame))
			continue
		}
		deliver(msg, at)
	}
}
