package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRunQueue_FIFO(t *testing.T) {
	q := NewRunQueue(8)
	ctx := context.Background()

	want := []FlowID{"flow_c", "flow_a", "flow_b"}
	for _, id := range want {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	for _, id := range want {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got != id {
			t.Errorf("Dequeue() = %s, want %s", got, id)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after draining", q.Len())
	}
}

func TestRunQueue_Backpressure(t *testing.T) {
	q := NewRunQueue(2)
	if q.Cap() != 2 {
		t.Fatalf("Cap() = %d, want 2", q.Cap())
	}
	if !q.TryEnqueue("flow_1") || !q.TryEnqueue("flow_2") {
		t.Fatal("TryEnqueue failed below capacity")
	}
	if q.TryEnqueue("flow_3") {
		t.Fatal("TryEnqueue succeeded on a full queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, "flow_3"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue on full queue = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(context.Background(), "flow_3") }()

	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Enqueue: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not unblock after Dequeue")
	}
}

func TestRunQueue_DequeueCancelled(t *testing.T) {
	q := NewRunQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = q.Dequeue(ctx)
	}()
	cancel()
	wg.Wait()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Dequeue = %v, want context.Canceled", err)
	}
}

func TestRunQueue_ConcurrentProducers(t *testing.T) {
	q := NewRunQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(ctx, NewFlowID())
		}()
	}

	seen := make(map[FlowID]bool)
	for len(seen) < n {
		id, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue after %d items: %v", len(seen), err)
		}
		if seen[id] {
			t.Fatalf("flow %s dequeued twice", id)
		}
		seen[id] = true
	}
	wg.Wait()
}
