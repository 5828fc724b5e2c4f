package ingest

import (
	"sync"

	"chatlog/cmd/internal/metrics"
	"chatlog/cmd/internal/twitch"
)

// Queue is an unbounded FIFO of actions. Push never blocks, so the event source is never slowed by storage.
type Queue struct {
	mu    sync.Mutex
	items []Action
	ready chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends a and wakes the consumer.
func (q *Queue) Push(a Action) {
	q.mu.Lock()
	q.items = append(q.items, a)
	n := len(q.items)
	q.mu.Unlock()

	metrics.IngestQueueDepth.Set(float64(n))
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Emit extracts ev and queues the resulting action. It is the event sink handed to the transport.
func (q *Queue) Emit(ev twitch.Event) {
	q.Push(Extract(ev))
}

// TryPop removes and returns the oldest action, if any.
func (q *Queue) TryPop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	a := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Drop the backing array so a burst does not pin memory.
		q.items = nil
	}
	metrics.IngestQueueDepth.Set(float64(len(q.items)))
	return a, true
}

// Ready is signalled after a Push. A single signal may stand for many pushed actions.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Len reports the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
