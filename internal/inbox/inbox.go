package inbox

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Envelope wraps a message with the time it entered the inbox
type Envelope[T any] struct {
	Msg        T
	EnqueuedAt time.Time
}

// Inbox is a bounded, typed message queue with a send timeout. Many
// goroutines may send; a single consumer receives.
type Inbox[T any] struct {
	ch      chan Envelope[T]
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats tracks inbox usage and performance metrics
type Stats struct {
	TotalSent     int64         `json:"total_sent"`
	TotalReceived int64         `json:"total_received"`
	TimeoutCount  int64         `json:"timeout_count"`
	DroppedCount  int64         `json:"dropped_count"`
	CurrentDepth  int           `json:"current_depth"`
	MaxDepthSeen  int           `json:"max_depth_seen"`
	MaxWait       time.Duration `json:"max_wait"`
	TotalWait     time.Duration `json:"total_wait"`
}

// New creates a new inbox with the specified buffer size and timeout
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan Envelope[T], bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send enqueues msg, waiting at most the configured timeout for space.
// Returns false if the message was not delivered.
func (ib *Inbox[T]) Send(msg T) bool {
	env := Envelope[T]{Msg: msg, EnqueuedAt: time.Now()}

	select {
	case ib.ch <- env:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		return true
	default:
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- env:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		return true
	case <-timer.C:
		atomic.AddInt64(&ib.stats.TimeoutCount, 1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TrySend enqueues msg only if there is space right now
func (ib *Inbox[T]) TrySend(msg T) bool {
	select {
	case ib.ch <- Envelope[T]{Msg: msg, EnqueuedAt: time.Now()}:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		return true
	default:
		atomic.AddInt64(&ib.stats.DroppedCount, 1)
		return false
	}
}

// C exposes the receive side for use in select statements. Callers must
// pass every envelope they take from it to Received.
func (ib *Inbox[T]) C() <-chan Envelope[T] {
	return ib.ch
}

// Received records receive statistics for an envelope taken from C
func (ib *Inbox[T]) Received(env Envelope[T]) {
	atomic.AddInt64(&ib.stats.TotalReceived, 1)

	wait := time.Since(env.EnqueuedAt)
	ib.mu.Lock()
	ib.stats.TotalWait += wait
	if wait > ib.stats.MaxWait {
		ib.stats.MaxWait = wait
	}
	ib.mu.Unlock()
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case env := <-ib.ch:
		ib.Received(env)
		return env.Msg, true
	default:
		var zero T
		return zero, false
	}
}

// UpdateDepthStats updates the current and maximum depth statistics
func (ib *Inbox[T]) UpdateDepthStats() {
	depth := len(ib.ch)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.stats.CurrentDepth = depth
	if depth > ib.stats.MaxDepthSeen {
		ib.stats.MaxDepthSeen = depth
	}
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		TimeoutCount:  atomic.LoadInt64(&ib.stats.TimeoutCount),
		DroppedCount:  atomic.LoadInt64(&ib.stats.DroppedCount),
		CurrentDepth:  ib.stats.CurrentDepth,
		MaxDepthSeen:  ib.stats.MaxDepthSeen,
		MaxWait:       ib.stats.MaxWait,
		TotalWait:     ib.stats.TotalWait,
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the inbox channel
func (ib *Inbox[T]) Close() {
	close(ib.ch)
}
