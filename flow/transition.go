package flow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/dshills/flowmachine/flow/store"
)

// DefaultMaxStepsPerTransition bounds how many instructions one transition
// may execute before the flow is considered runaway.
const DefaultMaxStepsPerTransition = 1000

var nullResult = json.RawMessage("null")

// StateMachine is the pure transition function over checkpoints.
//
// Transition never touches the clock, the store or the network: its only
// inputs are the checkpoint, the event (including the event's At time), the
// registered Logic and the retry policy. Identical inputs always produce
// identical outputs, which is what makes re-running a step after a restart
// safe.
type StateMachine struct {
	registry *Registry
	retry    RetryPolicy
	maxSteps int
}

// NewStateMachine creates a state machine. A zero retry policy means
// DefaultRetryPolicy; maxSteps <= 0 means DefaultMaxStepsPerTransition.
func NewStateMachine(registry *Registry, retry RetryPolicy, maxSteps int) *StateMachine {
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxStepsPerTransition
	}
	return &StateMachine{registry: registry, retry: retry, maxSteps: maxSteps}
}

// Transition is the output of one state machine step.
type Transition struct {
	// Next is the resulting checkpoint. Equal to the input when Changed is false.
	Next Checkpoint

	// Actions are the side effects to perform, in order.
	Actions []Action

	// Changed reports whether Next differs from the input and must be written.
	Changed bool
}

// transition is the working state of one Transition call.
type transition struct {
	sm      *StateMachine
	cp      Checkpoint
	at      time.Time
	actions []Action
	changed bool
}

// Transition computes the next checkpoint and actions for ev.
func (sm *StateMachine) Transition(cp Checkpoint, ev Event) Transition {
	t := &transition{sm: sm, cp: cp.Clone(), at: ev.At.UTC()}
	t.cp.Outbox = nil

	if cp.State.Terminal() {
		return Transition{Next: cp}
	}

	switch ev.Kind {
	case EventKillRequested:
		t.setState(FlowState{
			Kind:  StateKilled,
			Step:  cp.State.Step,
			Error: &ErrorInfo{Code: CodeKilled, Message: "flow killed"},
		})
		t.actions = append(t.actions, Action{Kind: ActionFail, Error: t.cp.State.Error})

	case EventStarted:
		if cp.State.Kind == StateUnstarted {
			t.cp.State = Running(0)
			t.changed = true
			t.run(false)
		}

	case EventMessageReceived:
		t.receive(ev.Message)

	case EventOperationCompleted:
		t.complete(ev)

	case EventTimerFired:
		if w := cp.State.Wait; cp.State.Kind == StateSuspended && w != nil && w.Kind == WaitTimer && w.Deadline.Equal(ev.Deadline) {
			t.fireTimer()
		}

	case EventRetryRequested:
		t.retry()
	}

	if !t.changed {
		return Transition{Next: cp, Actions: t.actions}
	}

	t.cp.Version = cp.Version + 1
	t.cp.Timestamp = t.at
	actions := make([]Action, 0, len(t.actions)+1)
	actions = append(actions, Action{Kind: ActionWriteCheckpoint})
	actions = append(actions, t.actions...)
	return Transition{Next: t.cp, Actions: actions, Changed: true}
}

func (t *transition) setState(s FlowState) {
	if !reflect.DeepEqual(t.cp.State, s) {
		t.changed = true
	}
	t.cp.State = s
}

// advance records the result of the current step and moves to the next one.
func (t *transition) advance(result json.RawMessage) {
	if len(result) == 0 {
		result = nullResult
	}
	t.cp.Results = append(t.cp.Results, result)
	t.cp.State = Running(t.cp.State.Step + 1)
	t.changed = true
}

func (t *transition) fail(info *ErrorInfo) {
	t.setState(FlowState{Kind: StateFailed, Step: t.cp.State.Step, Error: info})
	t.actions = append(t.actions, Action{Kind: ActionFail, Error: info})
}

func (t *transition) receive(msg *Message) {
	if msg == nil || msg.ID == "" || t.cp.hasSeen(msg.ID) {
		return
	}
	t.cp.remember(msg.ID)
	t.changed = true

	st := t.cp.State
	if st.Kind == StateSuspended && st.Wait != nil && st.Wait.Kind == WaitMessage && st.Wait.SessionID == msg.SessionID {
		t.advance(msg.Payload)
		t.run(false)
		return
	}
	t.cp.Inbox = append(t.cp.Inbox, *msg)
}

func (t *transition) complete(ev Event) {
	d, ok := t.cp.State.AwaitingOperation()
	if !ok || d != ev.DedupID {
		return
	}
	retrying := t.cp.State.Wait.Kind == WaitTimer

	switch {
	case ev.Error == nil:
		t.cp.fold(d, OperationRecord{Status: store.OperationCompleted, Result: ev.Result})
		t.advance(ev.Result)
		t.run(false)

	case !ev.Error.Transient:
		t.cp.fold(d, OperationRecord{Status: store.OperationFailed, Error: ev.Error})
		t.fail(ev.Error)

	case retrying:
		// Already backing off; a late transient failure changes nothing.

	default:
		attempt := t.cp.State.Attempt + 1
		if attempt >= t.sm.retry.MaxAttempts {
			info := &ErrorInfo{
				Code:    CodeMaxAttempts,
				Message: fmt.Sprintf("%s after %d attempts: %s", ErrMaxAttemptsExceeded, attempt, ev.Error.Message),
			}
			t.cp.fold(d, OperationRecord{Status: store.OperationFailed, Error: info})
			t.fail(info)
			return
		}

		deadline := t.at.Add(t.sm.retry.Delay(string(d), attempt))
		next := Suspended(t.cp.State.Step, WaitReason{Kind: WaitTimer, DedupID: d, Deadline: deadline, Retry: true})
		next.Attempt = attempt
		t.setState(next)
		t.actions = append(t.actions, Action{Kind: ActionScheduleTimer, Deadline: deadline})
	}
}

func (t *transition) fireTimer() {
	if t.cp.State.Wait.Retry {
		attempt := t.cp.State.Attempt
		t.cp.State = Running(t.cp.State.Step)
		t.cp.State.Attempt = attempt
		t.changed = true
		t.run(true)
		return
	}
	t.advance(nil)
	t.run(false)
}

func (t *transition) retry() {
	st := t.cp.State
	switch {
	case st.Kind == StateUnstarted:
		t.cp.State = Running(0)
		t.changed = true
		t.run(false)
	case st.Kind != StateSuspended || st.Wait == nil:
	case st.Wait.Kind == WaitExternalFuture || st.Wait.Kind == WaitExternalResult:
		attempt := st.Attempt
		t.cp.State = Running(st.Step)
		t.cp.State.Attempt = attempt
		t.run(true)
	case st.Wait.Kind == WaitTimer:
		t.fireTimer()
	}
}

// run executes instructions from the current step until the flow suspends
// or terminates. reissue applies to an Await at the first step only.
func (t *transition) run(reissue bool) {
	logic, err := t.sm.registry.Lookup(t.cp.Logic)
	if err != nil {
		t.fail(&ErrorInfo{Code: CodeUnknownLogic, Message: err.Error()})
		return
	}

	for n := 0; ; n++ {
		if n >= t.sm.maxSteps {
			t.fail(&ErrorInfo{Code: CodeStepBudget, Message: fmt.Sprintf("%s (%d)", ErrStepBudgetExceeded, t.sm.maxSteps)})
			return
		}

		instr, perr := callStep(logic, t.cp.stepContext())
		if perr != nil {
			t.fail(perr)
			return
		}

		step := t.cp.State.Step
		switch instr.Kind {
		case InstructionAwait:
			if err := instr.Operation.validate(); err != nil {
				t.fail(NewErrorInfo(err))
				return
			}
			d := NewDedupID(t.cp.FlowID, step)
			if rec, ok := t.cp.Operations[d]; ok {
				if rec.Status == store.OperationCompleted {
					t.advance(rec.Result)
					reissue = false
					continue
				}
				t.fail(rec.Error)
				return
			}

			next := Suspended(step, WaitReason{Kind: instr.Operation.waitKind(), DedupID: d})
			next.Attempt = t.cp.State.Attempt
			t.setState(next)
			t.actions = append(t.actions, Action{Kind: ActionRequestOperation, Request: &OperationRequest{
				FlowID:    t.cp.FlowID,
				Step:      step,
				DedupID:   d,
				Operation: instr.Operation,
				Reissue:   reissue,
			}})
			return

		case InstructionSend:
			msg := Message{
				ID:        string(NewDedupID(t.cp.FlowID, step)),
				To:        instr.To,
				SessionID: instr.SessionID,
				Payload:   instr.Payload,
			}
			t.cp.Outbox = append(t.cp.Outbox, msg)
			t.actions = append(t.actions, Action{Kind: ActionSendMessage, Message: &msg})
			t.advance(nil)

		case InstructionReceive:
			if m, ok := t.cp.takeInbox(instr.SessionID); ok {
				t.advance(m.Payload)
				continue
			}
			t.setState(Suspended(step, WaitReason{Kind: WaitMessage, SessionID: instr.SessionID}))
			return

		case InstructionSleep:
			deadline := t.at.Add(instr.Duration)
			t.setState(Suspended(step, WaitReason{Kind: WaitTimer, Deadline: deadline}))
			t.actions = append(t.actions, Action{Kind: ActionScheduleTimer, Deadline: deadline})
			return

		case InstructionComplete:
			result := instr.Payload
			if len(result) == 0 {
				result = nullResult
			}
			t.setState(FlowState{Kind: StateCompleted, Step: step, Result: result})
			t.actions = append(t.actions, Action{Kind: ActionComplete, Result: result})
			return

		case InstructionFail:
			info := NewErrorInfo(instr.Err)
			if info.Code == "" {
				info.Code = CodeBusiness
			}
			info.Transient = false
			t.fail(info)
			return

		default:
			t.fail(&ErrorInfo{Code: CodeInvalidInstruction, Message: fmt.Sprintf("step %d returned instruction kind %q", step, instr.Kind)})
			return
		}
	}
}

// callStep runs one logic step, converting a panic into a failure.
func callStep(logic Logic, sc StepContext) (instr Instruction, failure *ErrorInfo) {
	defer func() {
		if r := recover(); r != nil {
			failure = &ErrorInfo{Code: CodePanic, Message: fmt.Sprintf("logic %s panicked at step %d: %v", logic.Name(), sc.Step, r)}
		}
	}()
	return logic.Step(sc), nil
}

// Resume returns the actions that re-arm a rehydrated flow: re-sending the
// outbox of its last transition, re-requesting an awaited external
// operation, and re-scheduling a timer. The checkpoint is not changed.
func (sm *StateMachine) Resume(cp Checkpoint, reissue bool) []Action {
	if cp.State.Terminal() {
		return nil
	}

	var actions []Action
	for i := range cp.Outbox {
		msg := cp.Outbox[i]
		actions = append(actions, Action{Kind: ActionSendMessage, Message: &msg})
	}

	st := cp.State
	if st.Kind != StateSuspended || st.Wait == nil {
		return actions
	}

	switch st.Wait.Kind {
	case WaitTimer:
		actions = append(actions, Action{Kind: ActionScheduleTimer, Deadline: st.Wait.Deadline})
	case WaitExternalFuture, WaitExternalResult:
		logic, err := sm.registry.Lookup(cp.Logic)
		if err != nil {
			return actions
		}
		instr, failure := callStep(logic, cp.stepContext())
		if failure != nil || instr.Kind != InstructionAwait || instr.Operation.validate() != nil {
			return actions
		}
		actions = append(actions, Action{Kind: ActionRequestOperation, Request: &OperationRequest{
			FlowID:    cp.FlowID,
			Step:      st.Step,
			DedupID:   st.Wait.DedupID,
			Operation: instr.Operation,
			Reissue:   reissue,
		}})
	}
	return actions
}
