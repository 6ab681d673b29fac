package bus

import (
	"log/slog"
	"sync"
	"time"
)

const publishTimeout = 10 * time.Second

// Queue delivers one-shot notifications. Each item is received by exactly one
// consumer and is never replayed; items published before a consumer attaches
// wait in the buffer.
type Queue[T any] struct {
	items   chan T
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue[T any](bufferSize int, logger *slog.Logger) *Queue[T] {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		items:   make(chan T, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish enqueues item. It blocks up to the publish timeout when the buffer
// is full and drops the item after that.
func (q *Queue[T]) Publish(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed queue")
		return false
	}

	select {
	case q.items <- item:
		return true
	default:
	}

	q.logger.Warn("event queue full, waiting...")
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.items <- item:
		return true
	case <-timer.C:
		q.logger.Error("event dropped: queue full", "timeout", q.timeout)
		return false
	}
}

// Events returns the receive side. Every item is delivered once across all readers.
func (q *Queue[T]) Events() <-chan T {
	return q.items
}

// Close stops accepting items. Buffered items can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
}
