package flow

import (
	"context"
	"sync"
	"time"

	"github.com/mohae/deepcopy"
)

// ActionRunner performs the side effects of a transition on behalf of a
// Fiber. The Manager implements it.
type ActionRunner interface {
	// Persist durably writes cp. The transition is discarded if it fails.
	Persist(ctx context.Context, cp Checkpoint) error

	// Execute performs one non-write action. It must not block on the flow.
	Execute(ctx context.Context, cp Checkpoint, a Action)
}

// Fiber is the execution unit of one flow. It owns the flow's current
// checkpoint and applies one event at a time; callers guarantee that
// ScheduleEvent is never called concurrently for the same fiber.
type Fiber struct {
	sm *StateMachine

	mu sync.RWMutex
	cp Checkpoint
}

// NewFiber wraps a checkpoint.
func NewFiber(sm *StateMachine, cp Checkpoint) *Fiber {
	return &Fiber{sm: sm, cp: cp}
}

// ID returns the flow ID.
func (f *Fiber) ID() FlowID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cp.FlowID
}

// Checkpoint returns a deep copy of the current checkpoint.
func (f *Fiber) Checkpoint() Checkpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cp.Clone()
}

// ScheduleEvent runs one transition: it computes the next checkpoint,
// persists it if it changed, adopts it, and then executes the remaining
// actions. A persistence failure leaves the fiber at its last durable
// checkpoint and returns a *PersistenceError; no action runs.
//
// The returned Transition lets the caller observe what happened.
func (f *Fiber) ScheduleEvent(ctx context.Context, ev Event, runner ActionRunner) (Transition, error) {
	f.mu.RLock()
	current := f.cp
	f.mu.RUnlock()

	tr := f.sm.Transition(current, ev)
	if tr.Changed {
		if err := runner.Persist(ctx, tr.Next); err != nil {
			return tr, &PersistenceError{FlowID: current.FlowID, Version: tr.Next.Version, Err: err}
		}
		f.mu.Lock()
		f.cp = tr.Next
		f.mu.Unlock()
	}

	for _, a := range tr.Actions {
		if a.Kind == ActionWriteCheckpoint {
			continue
		}
		runner.Execute(ctx, tr.Next, a)
	}
	return tr, nil
}

// Snapshot is a read-only view of a fiber, safe to share.
type Snapshot struct {
	FlowID  FlowID
	Logic   string
	State   FlowState
	Version int64
	Step    int

	// PendingOperation is the dedup ID the flow is waiting on, if any.
	PendingOperation DedupID

	UpdatedAt time.Time
}

// Snapshot returns a deep-copied view of the fiber's current state.
func (f *Fiber) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return snapshotOf(f.cp)
}

func snapshotOf(cp Checkpoint) Snapshot {
	s := Snapshot{
		FlowID:    cp.FlowID,
		Logic:     cp.Logic,
		State:     deepcopy.Copy(cp.State).(FlowState),
		Version:   cp.Version,
		Step:      cp.State.Step,
		UpdatedAt: cp.Timestamp,
	}
	if d, ok := cp.State.AwaitingOperation(); ok {
		s.PendingOperation = d
	}
	return s
}
