package flow_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dshills/flowmachine/flow"
	"github.com/dshills/flowmachine/flow/emit"
	"github.com/dshills/flowmachine/flow/store"
)

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// manualTimers records scheduled timers and fires them on demand.
type manualTimers struct {
	mu     sync.Mutex
	timers []manualTimer
}

type manualTimer struct {
	id       flow.FlowID
	deadline time.Time
	in       flow.Inbound
}

func (m *manualTimers) Schedule(id flow.FlowID, deadline time.Time, in flow.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append(m.timers, manualTimer{id: id, deadline: deadline, in: in})
}

func (m *manualTimers) Stop() {}

func (m *manualTimers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// FireAll posts TimerFired for every scheduled timer and forgets them.
func (m *manualTimers) FireAll() {
	m.mu.Lock()
	timers := m.timers
	m.timers = nil
	m.mu.Unlock()
	for _, t := range timers {
		_ = t.in.Post(t.id, flow.TimerFired(t.deadline))
	}
}

// newTestManager starts a manager over st and stops it at cleanup.
func newTestManager(t *testing.T, reg *flow.Registry, st store.Store, opts ...flow.Option) *flow.Manager {
	t.Helper()
	mgr, err := flow.NewManager(reg, st, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})
	return mgr
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// echoLogic completes with its input.
func echoLogic() flow.Logic {
	return flow.NewLogic("echo", func(sc flow.StepContext) flow.Instruction {
		return flow.Complete(sc.Input)
	})
}

// awaitLogic awaits op once and completes with its result.
func awaitLogic(name string, op flow.ExternalOperation) flow.Logic {
	return flow.NewLogic(name, func(sc flow.StepContext) flow.Instruction {
		if sc.Step == 0 {
			return flow.Await(op)
		}
		return flow.Complete(sc.Results[0])
	})
}

// receiveLogic receives n messages on session and completes with their
// payloads in order.
func receiveLogic(name, session string, n int) flow.Logic {
	return flow.NewLogic(name, func(sc flow.StepContext) flow.Instruction {
		if sc.Step < n {
			return flow.Receive(session)
		}
		return flow.Complete(sc.Results)
	})
}

// noopOp is an operation whose function must never run during a pure
// transition.
func noopOp(name string) flow.ExternalOperation {
	return flow.ResultOperation(name, func(context.Context, flow.DedupID) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
}

func newBuffered() *emit.BufferedEmitter { return emit.NewBufferedEmitter() }
