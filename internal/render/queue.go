package render

import (
	"context"
	"sync"
)

// Sink receives the JSON-encoded messages a render emits: progress events
// followed by exactly one terminal message.
type Sink interface {
	Put(msg []byte)
}

// Queue is an unbounded FIFO Sink. Put never blocks, so a slow consumer
// cannot stall the engine's step loop; memory grows instead.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	signal chan struct{}
	done   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put appends msg. Messages put after Close are dropped.
func (q *Queue) Put(msg []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Close marks the end of the stream. Buffered messages remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Next blocks until a message is available and returns it. It returns false
// once the queue is closed and drained, or when ctx is done.
func (q *Queue) Next(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-q.signal:
		case <-q.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
