package flow

import (
	"context"
)

// RunQueue holds the flows waiting for a worker, in the order they became
// runnable. It is a bounded FIFO: producers block (or fail fast with
// TryEnqueue) while it is full, which is where backpressure comes from.
//
// The Manager enqueues a flow once when its mailbox goes from empty to
// non-empty, so the queue depth is bounded by the number of runnable flows,
// not the number of events.
type RunQueue struct {
	items chan FlowID
}

// NewRunQueue creates a queue holding at most capacity flows.
func NewRunQueue(capacity int) *RunQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &RunQueue{items: make(chan FlowID, capacity)}
}

// Enqueue adds a flow, blocking while the queue is full until ctx is done.
func (q *RunQueue) Enqueue(ctx context.Context, id FlowID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.items <- id:
		return nil
	}
}

// TryEnqueue adds a flow without blocking. It reports false if the queue is
// full.
func (q *RunQueue) TryEnqueue(id FlowID) bool {
	select {
	case q.items <- id:
		return true
	default:
		return false
	}
}

// Dequeue removes the flow that became runnable first, blocking until one
// is available or ctx is done.
func (q *RunQueue) Dequeue(ctx context.Context) (FlowID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case id := <-q.items:
		return id, nil
	}
}

// Len returns the number of queued flows.
func (q *RunQueue) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *RunQueue) Cap() int { return cap(q.items) }
