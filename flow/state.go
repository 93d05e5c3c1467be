package flow

import (
	"encoding/json"
	"time"

	"github.com/mohae/deepcopy"
)

// StateKind tags the FlowState variant.
type StateKind string

const (
	StateUnstarted StateKind = "unstarted"
	StateRunning   StateKind = "running"
	StateSuspended StateKind = "suspended"
	StateCompleted StateKind = "completed"
	StateFailed    StateKind = "failed"
	StateKilled    StateKind = "killed"
)

// Terminal reports whether no further event can change a flow in this state.
func (k StateKind) Terminal() bool {
	return k == StateCompleted || k == StateFailed || k == StateKilled
}

// WaitKind tags the WaitReason variant.
type WaitKind string

const (
	WaitExternalFuture WaitKind = "external_future"
	WaitExternalResult WaitKind = "external_result"
	WaitMessage        WaitKind = "message"
	WaitTimer          WaitKind = "timer"
)

// WaitReason says what a suspended flow is waiting for.
type WaitReason struct {
	Kind WaitKind `json:"kind"`

	// DedupID is set for external waits, and for timer waits with Retry set.
	DedupID DedupID `json:"dedup_id,omitempty"`

	// SessionID is set for message waits.
	SessionID string `json:"session_id,omitempty"`

	// Deadline is set for timer waits.
	Deadline time.Time `json:"deadline,omitempty"`

	// Retry marks a backoff timer: when it fires, the step re-issues the
	// external operation DedupID instead of advancing.
	Retry bool `json:"retry,omitempty"`
}

// FlowState is the state machine state of one flow: a tagged variant over
// Unstarted, Running(step), Suspended(wait), Completed(result),
// Failed(error) and Killed.
type FlowState struct {
	Kind StateKind `json:"kind"`

	// Step is the program counter: the index of the next instruction.
	Step int `json:"step"`

	// Attempt counts transient failures of the current step's operation.
	Attempt int `json:"attempt,omitempty"`

	// Wait is set when Kind is StateSuspended.
	Wait *WaitReason `json:"wait,omitempty"`

	// Result is set when Kind is StateCompleted.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is set when Kind is StateFailed or StateKilled.
	Error *ErrorInfo `json:"error,omitempty"`
}

// Unstarted returns the initial state.
func Unstarted() FlowState { return FlowState{Kind: StateUnstarted} }

// Running returns a running state at step.
func Running(step int) FlowState { return FlowState{Kind: StateRunning, Step: step} }

// Suspended returns a suspended state at step.
func Suspended(step int, wait WaitReason) FlowState {
	return FlowState{Kind: StateSuspended, Step: step, Wait: &wait}
}

// Terminal reports whether the state is Completed, Failed or Killed.
func (s FlowState) Terminal() bool { return s.Kind.Terminal() }

// Err returns the failure as an error for Failed and Killed states.
func (s FlowState) Err() error {
	if s.Error == nil {
		return nil
	}
	return s.Error
}

// AwaitingOperation returns the dedup ID the state is waiting on: an
// external wait, or a retry timer that will re-issue it.
func (s FlowState) AwaitingOperation() (DedupID, bool) {
	if s.Kind != StateSuspended || s.Wait == nil {
		return "", false
	}
	switch s.Wait.Kind {
	case WaitExternalFuture, WaitExternalResult:
		return s.Wait.DedupID, true
	case WaitTimer:
		if s.Wait.Retry {
			return s.Wait.DedupID, true
		}
	}
	return "", false
}

// Clone returns a deep copy, safe to hand to other goroutines.
func (s FlowState) Clone() FlowState {
	return deepcopy.Copy(s).(FlowState)
}
