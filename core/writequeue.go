package core

import (
	"context"
	"sync"
)

// writeQueue is an unbounded FIFO of byte chunks. Push never blocks; the
// consumer drains everything queued so far in one call.
type writeQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
	closed bool
	signal chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{signal: make(chan struct{}, 1)}
}

// Push copies p onto the queue. It reports false after Close.
func (q *writeQueue) Push(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	chunk := append([]byte(nil), p...)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.chunks = append(q.chunks, chunk)
	q.size += len(chunk)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain returns all queued bytes concatenated in push order.
func (q *writeQueue) Drain() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	out := make([]byte, 0, q.size)
	for _, chunk := range q.chunks {
		out = append(out, chunk...)
	}
	q.chunks = nil
	q.size = 0
	return out
}

// Wait blocks until a push happens or ctx ends.
func (q *writeQueue) Wait(ctx context.Context) bool {
	select {
	case <-q.signal:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close discards pending bytes and rejects further pushes.
func (q *writeQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.chunks = nil
	q.size = 0
	q.mu.Unlock()
}
