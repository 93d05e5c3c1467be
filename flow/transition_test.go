package flow_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/flowmachine/flow"
	"github.com/dshills/flowmachine/flow/store"
)

const testFlowID flow.FlowID = "flow_test"

func actionKinds(actions []flow.Action) []flow.ActionKind {
	out := make([]flow.ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func assertActions(t *testing.T, actions []flow.Action, want ...flow.ActionKind) {
	t.Helper()
	got := actionKinds(actions)
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("actions = %v, want %v", got, want)
		}
	}
}

func findAction(actions []flow.Action, kind flow.ActionKind) (flow.Action, bool) {
	for _, a := range actions {
		if a.Kind == kind {
			return a, true
		}
	}
	return flow.Action{}, false
}

func start(t *testing.T, sm *flow.StateMachine, logic string, input json.RawMessage) flow.Transition {
	t.Helper()
	tr := sm.Transition(flow.NewCheckpoint(testFlowID, logic, input), flow.Started().WithTime(epoch))
	if !tr.Changed {
		t.Fatal("Started did not change an unstarted flow")
	}
	return tr
}

func TestTransition_AwaitSuspendsThenCompletes(t *testing.T) {
	reg := flow.NewRegistry(awaitLogic("charge", noopOp("charge")))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	cp := flow.NewCheckpoint(testFlowID, "charge", nil)
	tr := sm.Transition(cp, flow.Started().WithTime(epoch))

	if cp.State.Kind != flow.StateUnstarted || cp.Version != 0 {
		t.Fatalf("input checkpoint was mutated: %+v", cp.State)
	}
	if tr.Next.Version != 1 {
		t.Errorf("version = %d, want 1", tr.Next.Version)
	}
	if !tr.Next.Timestamp.Equal(epoch) {
		t.Errorf("timestamp = %v, want %v", tr.Next.Timestamp, epoch)
	}
	assertActions(t, tr.Actions, flow.ActionWriteCheckpoint, flow.ActionRequestOperation)

	st := tr.Next.State
	if st.Kind != flow.StateSuspended || st.Wait == nil || st.Wait.Kind != flow.WaitExternalResult {
		t.Fatalf("state = %+v, want suspended on external result", st)
	}
	want := flow.NewDedupID(testFlowID, 0)
	if st.Wait.DedupID != want {
		t.Errorf("dedup id = %s, want %s", st.Wait.DedupID, want)
	}
	req := tr.Actions[1].Request
	if req.DedupID != want || req.Operation.Name != "charge" || req.Reissue || req.Step != 0 {
		t.Errorf("request = %+v", req)
	}

	t.Run("completion for another dedup id is ignored", func(t *testing.T) {
		other := sm.Transition(tr.Next, flow.OperationSucceeded("flow_test:7", json.RawMessage(`1`)).WithTime(epoch))
		if other.Changed || len(other.Actions) != 0 {
			t.Fatalf("mismatched completion changed the flow: %+v", other)
		}
		if other.Next.Version != 1 {
			t.Errorf("version = %d, want 1", other.Next.Version)
		}
	})

	t.Run("success completes", func(t *testing.T) {
		done := sm.Transition(tr.Next, flow.OperationSucceeded(want, json.RawMessage(`{"ok":true}`)).WithTime(epoch.Add(time.Second)))
		if done.Next.State.Kind != flow.StateCompleted {
			t.Fatalf("state = %s, want completed", done.Next.State.Kind)
		}
		if string(done.Next.State.Result) != `{"ok":true}` {
			t.Errorf("result = %s", done.Next.State.Result)
		}
		if done.Next.Version != 2 {
			t.Errorf("version = %d, want 2", done.Next.Version)
		}
		assertActions(t, done.Actions, flow.ActionWriteCheckpoint, flow.ActionComplete)
		rec, ok := done.Next.Operations[want]
		if !ok || rec.Status != store.OperationCompleted {
			t.Errorf("operation record not folded: %+v", done.Next.Operations)
		}
	})
}

func TestTransition_TransientFailureRetriesWithBackoff(t *testing.T) {
	policy := flow.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	reg := flow.NewRegistry(awaitLogic("charge", noopOp("charge")))
	sm := flow.NewStateMachine(reg, policy, 0)
	d := flow.NewDedupID(testFlowID, 0)

	cp := start(t, sm, "charge", nil).Next
	at := epoch.Add(time.Second)

	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		tr := sm.Transition(cp, flow.OperationFailed(d, flow.Transient(errors.New("flaky"))).WithTime(at))
		st := tr.Next.State
		if st.Kind != flow.StateSuspended || st.Wait.Kind != flow.WaitTimer || !st.Wait.Retry {
			t.Fatalf("attempt %d: state = %+v, want retry timer", attempt, st)
		}
		if st.Attempt != attempt {
			t.Errorf("attempt = %d, want %d", st.Attempt, attempt)
		}
		wantDeadline := at.Add(policy.Delay(string(d), attempt))
		if !st.Wait.Deadline.Equal(wantDeadline) {
			t.Errorf("deadline = %v, want %v", st.Wait.Deadline, wantDeadline)
		}
		assertActions(t, tr.Actions, flow.ActionWriteCheckpoint, flow.ActionScheduleTimer)

		late := sm.Transition(tr.Next, flow.OperationFailed(d, flow.Transient(errors.New("late"))).WithTime(at))
		if late.Changed {
			t.Error("transient failure during backoff changed the flow")
		}
		stale := sm.Transition(tr.Next, flow.TimerFired(wantDeadline.Add(time.Millisecond)).WithTime(at))
		if stale.Changed {
			t.Error("timer for another deadline changed the flow")
		}

		fired := sm.Transition(tr.Next, flow.TimerFired(wantDeadline).WithTime(wantDeadline))
		if fired.Next.State.Wait == nil || fired.Next.State.Wait.Kind != flow.WaitExternalResult {
			t.Fatalf("after timer: state = %+v, want external wait", fired.Next.State)
		}
		if fired.Next.State.Attempt != attempt {
			t.Errorf("attempt after timer = %d, want %d", fired.Next.State.Attempt, attempt)
		}
		a, ok := findAction(fired.Actions, flow.ActionRequestOperation)
		if !ok || !a.Request.Reissue || a.Request.DedupID != d {
			t.Fatalf("timer did not reissue the operation: %v", actionKinds(fired.Actions))
		}
		cp = fired.Next
		at = wantDeadline
	}

	final := sm.Transition(cp, flow.OperationFailed(d, flow.Transient(errors.New("flaky"))).WithTime(at))
	st := final.Next.State
	if st.Kind != flow.StateFailed || st.Error.Code != flow.CodeMaxAttempts {
		t.Fatalf("state = %+v, want failed with %s", st, flow.CodeMaxAttempts)
	}
	if rec := final.Next.Operations[d]; rec.Status != store.OperationFailed {
		t.Errorf("operation record = %+v, want failed", rec)
	}
	assertActions(t, final.Actions, flow.ActionWriteCheckpoint, flow.ActionFail)
}

func TestTransition_PermanentFailureFailsFlow(t *testing.T) {
	reg := flow.NewRegistry(awaitLogic("charge", noopOp("charge")))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)
	d := flow.NewDedupID(testFlowID, 0)

	cp := start(t, sm, "charge", nil).Next
	tr := sm.Transition(cp, flow.OperationFailed(d, errors.New("card declined")).WithTime(epoch))

	st := tr.Next.State
	if st.Kind != flow.StateFailed {
		t.Fatalf("state = %s, want failed", st.Kind)
	}
	if st.Error.Message != "card declined" || st.Error.Transient {
		t.Errorf("error = %+v", st.Error)
	}
	if st.Err() == nil {
		t.Error("Err() = nil for failed state")
	}
	assertActions(t, tr.Actions, flow.ActionWriteCheckpoint, flow.ActionFail)
}

func TestTransition_LogicPanicFailsFlow(t *testing.T) {
	reg := flow.NewRegistry(flow.NewLogic("boom", func(flow.StepContext) flow.Instruction {
		panic("kaboom")
	}))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	tr := start(t, sm, "boom", nil)
	if tr.Next.State.Kind != flow.StateFailed || tr.Next.State.Error.Code != flow.CodePanic {
		t.Fatalf("state = %+v, want failed with %s", tr.Next.State, flow.CodePanic)
	}
}

func TestTransition_KillIsFinal(t *testing.T) {
	reg := flow.NewRegistry(awaitLogic("charge", noopOp("charge")))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)
	d := flow.NewDedupID(testFlowID, 0)

	cp := start(t, sm, "charge", nil).Next
	killed := sm.Transition(cp, flow.KillRequested().WithTime(epoch))
	if killed.Next.State.Kind != flow.StateKilled || killed.Next.State.Error.Code != flow.CodeKilled {
		t.Fatalf("state = %+v, want killed", killed.Next.State)
	}
	assertActions(t, killed.Actions, flow.ActionWriteCheckpoint, flow.ActionFail)

	late := sm.Transition(killed.Next, flow.OperationSucceeded(d, json.RawMessage(`1`)).WithTime(epoch))
	if late.Changed || len(late.Actions) != 0 {
		t.Fatalf("completion after kill changed the flow: %+v", late)
	}
	if late.Next.State.Kind != flow.StateKilled {
		t.Errorf("state = %s, want killed", late.Next.State.Kind)
	}
}

func TestTransition_MessagesDedupAndBuffer(t *testing.T) {
	reg := flow.NewRegistry(receiveLogic("rx", "s1", 2))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	cp := start(t, sm, "rx", nil).Next
	if w := cp.State.Wait; w == nil || w.Kind != flow.WaitMessage || w.SessionID != "s1" {
		t.Fatalf("state = %+v, want message wait on s1", cp.State)
	}

	other := sm.Transition(cp, flow.MessageReceived(flow.Message{ID: "m0", SessionID: "s2", Payload: json.RawMessage(`0`)}).WithTime(epoch))
	if !other.Changed || len(other.Next.Inbox) != 1 {
		t.Fatalf("message for another session was not buffered: %+v", other.Next.Inbox)
	}
	if other.Next.State.Step != 0 {
		t.Errorf("step = %d, want 0", other.Next.State.Step)
	}

	first := sm.Transition(other.Next, flow.MessageReceived(flow.Message{ID: "m1", SessionID: "s1", Payload: json.RawMessage(`1`)}).WithTime(epoch))
	if first.Next.State.Step != 1 || first.Next.State.Kind != flow.StateSuspended {
		t.Fatalf("state = %+v, want suspended at step 1", first.Next.State)
	}

	dup := sm.Transition(first.Next, flow.MessageReceived(flow.Message{ID: "m1", SessionID: "s1", Payload: json.RawMessage(`1`)}).WithTime(epoch))
	if dup.Changed {
		t.Fatal("duplicate message changed the flow")
	}

	second := sm.Transition(first.Next, flow.MessageReceived(flow.Message{ID: "m2", SessionID: "s1", Payload: json.RawMessage(`2`)}).WithTime(epoch))
	if second.Next.State.Kind != flow.StateCompleted {
		t.Fatalf("state = %s, want completed", second.Next.State.Kind)
	}
	if got := string(second.Next.State.Result); got != `[1,2]` {
		t.Errorf("result = %s, want [1,2]", got)
	}
	if len(second.Next.Inbox) != 1 || second.Next.Inbox[0].ID != "m0" {
		t.Errorf("inbox = %+v, want only m0", second.Next.Inbox)
	}
}

func TestTransition_SeenMessagesAreBounded(t *testing.T) {
	reg := flow.NewRegistry(receiveLogic("rx", "s1", flow.SeenWindow+10))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	cp := start(t, sm, "rx", nil).Next
	for i := 0; i < flow.SeenWindow+5; i++ {
		msg := flow.Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1", Payload: json.RawMessage(`1`)}
		tr := sm.Transition(cp, flow.MessageReceived(msg).WithTime(epoch))
		if !tr.Changed {
			t.Fatalf("message %d not accepted", i)
		}
		cp = tr.Next
	}
	if len(cp.Seen) != flow.SeenWindow {
		t.Fatalf("len(Seen) = %d, want %d", len(cp.Seen), flow.SeenWindow)
	}
	if cp.Seen[0] != "m5" || cp.Seen[len(cp.Seen)-1] != fmt.Sprintf("m%d", flow.SeenWindow+4) {
		t.Errorf("window = [%s .. %s], want the newest IDs", cp.Seen[0], cp.Seen[len(cp.Seen)-1])
	}

	recent := flow.Message{ID: fmt.Sprintf("m%d", flow.SeenWindow), SessionID: "s1", Payload: json.RawMessage(`1`)}
	if sm.Transition(cp, flow.MessageReceived(recent).WithTime(epoch)).Changed {
		t.Error("duplicate inside the window changed the flow")
	}
}

func TestTransition_BufferedMessageIsNeverDuplicated(t *testing.T) {
	reg := flow.NewRegistry(receiveLogic("rx", "s1", 1))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	cp := start(t, sm, "rx", nil).Next
	parked := flow.Message{ID: "early", SessionID: "s2", Payload: json.RawMessage(`0`)}
	cp = sm.Transition(cp, flow.MessageReceived(parked).WithTime(epoch)).Next
	cp.Seen = nil

	if sm.Transition(cp, flow.MessageReceived(parked).WithTime(epoch)).Changed {
		t.Error("redelivered inbox message was buffered twice")
	}
}

func TestTransition_MessageBeforeReceiveIsBuffered(t *testing.T) {
	reg := flow.NewRegistry(receiveLogic("rx", "s1", 1))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	cp := flow.NewCheckpoint(testFlowID, "rx", nil)
	early := sm.Transition(cp, flow.MessageReceived(flow.Message{ID: "m1", SessionID: "s1", Payload: json.RawMessage(`"hi"`)}).WithTime(epoch))
	if early.Next.State.Kind != flow.StateUnstarted || len(early.Next.Inbox) != 1 {
		t.Fatalf("early message not buffered: %+v", early.Next)
	}

	tr := sm.Transition(early.Next, flow.Started().WithTime(epoch))
	if tr.Next.State.Kind != flow.StateCompleted {
		t.Fatalf("state = %s, want completed", tr.Next.State.Kind)
	}
	if got := string(tr.Next.State.Result); got != `["hi"]` {
		t.Errorf("result = %s", got)
	}
	if len(tr.Next.Inbox) != 0 {
		t.Errorf("inbox not drained: %+v", tr.Next.Inbox)
	}
}

func TestTransition_SendFillsOutboxForOneTransition(t *testing.T) {
	reg := flow.NewRegistry(flow.NewLogic("ping", func(sc flow.StepContext) flow.Instruction {
		switch sc.Step {
		case 0:
			return flow.Send("bank", "s", map[string]int{"x": 1})
		case 1:
			return flow.Receive("s")
		default:
			return flow.Complete(sc.Results[1])
		}
	}))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	tr := start(t, sm, "ping", nil)
	assertActions(t, tr.Actions, flow.ActionWriteCheckpoint, flow.ActionSendMessage)
	msg := tr.Actions[1].Message
	if msg.ID != string(flow.NewDedupID(testFlowID, 0)) || msg.To != "bank" || string(msg.Payload) != `{"x":1}` {
		t.Errorf("message = %+v", msg)
	}
	if len(tr.Next.Outbox) != 1 {
		t.Fatalf("outbox = %+v, want the sent message", tr.Next.Outbox)
	}
	if tr.Next.State.Step != 1 || tr.Next.State.Wait.Kind != flow.WaitMessage {
		t.Errorf("state = %+v, want message wait at step 1", tr.Next.State)
	}

	reply := sm.Transition(tr.Next, flow.MessageReceived(flow.Message{ID: "r1", SessionID: "s", Payload: json.RawMessage(`"pong"`)}).WithTime(epoch))
	if len(reply.Next.Outbox) != 0 {
		t.Errorf("outbox carried over: %+v", reply.Next.Outbox)
	}
	if string(reply.Next.State.Result) != `"pong"` {
		t.Errorf("result = %s", reply.Next.State.Result)
	}
}

func TestTransition_SleepArmsTimer(t *testing.T) {
	reg := flow.NewRegistry(flow.NewLogic("nap", func(sc flow.StepContext) flow.Instruction {
		if sc.Step == 0 {
			return flow.Sleep(5 * time.Second)
		}
		return flow.Complete("woke")
	}))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	tr := start(t, sm, "nap", nil)
	deadline := epoch.Add(5 * time.Second)
	a, ok := findAction(tr.Actions, flow.ActionScheduleTimer)
	if !ok || !a.Deadline.Equal(deadline) {
		t.Fatalf("timer action = %+v, want deadline %v", a, deadline)
	}
	if tr.Next.State.Wait.Retry {
		t.Error("sleep timer marked as retry")
	}

	woke := sm.Transition(tr.Next, flow.TimerFired(deadline).WithTime(deadline.Add(time.Second)))
	if woke.Next.State.Kind != flow.StateCompleted || string(woke.Next.State.Result) != `"woke"` {
		t.Fatalf("state = %+v, want completed", woke.Next.State)
	}
	if string(woke.Next.Results[0]) != "null" {
		t.Errorf("sleep result = %s, want null", woke.Next.Results[0])
	}
}

func TestTransition_StepBudget(t *testing.T) {
	reg := flow.NewRegistry(flow.NewLogic("spin", func(sc flow.StepContext) flow.Instruction {
		return flow.Send("peer", "s", sc.Step)
	}))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 10)

	tr := start(t, sm, "spin", nil)
	if tr.Next.State.Kind != flow.StateFailed || tr.Next.State.Error.Code != flow.CodeStepBudget {
		t.Fatalf("state = %+v, want failed with %s", tr.Next.State, flow.CodeStepBudget)
	}
}

func TestTransition_FoldedRecordIsNotRequestedAgain(t *testing.T) {
	reg := flow.NewRegistry(awaitLogic("charge", noopOp("charge")))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)
	d := flow.NewDedupID(testFlowID, 0)

	cp := flow.NewCheckpoint(testFlowID, "charge", nil)
	cp.Operations = map[flow.DedupID]flow.OperationRecord{
		d: {Status: store.OperationCompleted, Result: json.RawMessage(`42`)},
	}
	tr := sm.Transition(cp, flow.Started().WithTime(epoch))
	if _, ok := findAction(tr.Actions, flow.ActionRequestOperation); ok {
		t.Fatal("completed operation was requested again")
	}
	if string(tr.Next.State.Result) != `42` {
		t.Errorf("result = %s, want 42", tr.Next.State.Result)
	}
}

func TestTransition_UnknownLogicAndBadInstructions(t *testing.T) {
	reg := flow.NewRegistry(
		flow.NewLogic("bogus", func(flow.StepContext) flow.Instruction {
			return flow.Instruction{Kind: "teleport"}
		}),
		flow.NewLogic("quit", func(flow.StepContext) flow.Instruction {
			return flow.Fail(nil)
		}),
		flow.NewLogic("hollow", func(flow.StepContext) flow.Instruction {
			return flow.Await(flow.ExternalOperation{Kind: flow.OperationResult, Name: "hollow"})
		}),
	)
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	tests := []struct {
		logic string
		code  string
	}{
		{"missing", flow.CodeUnknownLogic},
		{"bogus", flow.CodeInvalidInstruction},
		{"quit", flow.CodeBusiness},
		{"hollow", flow.CodeInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.logic, func(t *testing.T) {
			tr := start(t, sm, tt.logic, nil)
			if tr.Next.State.Kind != flow.StateFailed || tr.Next.State.Error.Code != tt.code {
				t.Fatalf("state = %+v, want failed with %s", tr.Next.State, tt.code)
			}
		})
	}
}

func TestTransition_RetryRequested(t *testing.T) {
	reg := flow.NewRegistry(awaitLogic("charge", noopOp("charge")))
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	t.Run("starts an unstarted flow", func(t *testing.T) {
		tr := sm.Transition(flow.NewCheckpoint(testFlowID, "charge", nil), flow.RetryRequested().WithTime(epoch))
		if tr.Next.State.Kind != flow.StateSuspended {
			t.Fatalf("state = %s, want suspended", tr.Next.State.Kind)
		}
	})

	t.Run("reissues an awaited operation", func(t *testing.T) {
		cp := start(t, sm, "charge", nil).Next
		tr := sm.Transition(cp, flow.RetryRequested().WithTime(epoch))
		a, ok := findAction(tr.Actions, flow.ActionRequestOperation)
		if !ok || !a.Request.Reissue {
			t.Fatalf("retry did not reissue: %v", actionKinds(tr.Actions))
		}
		if tr.Next.State.Wait.DedupID != cp.State.Wait.DedupID {
			t.Errorf("dedup id changed across retry")
		}
	})

	t.Run("ignored for terminal flows", func(t *testing.T) {
		cp := start(t, sm, "charge", nil).Next
		killed := sm.Transition(cp, flow.KillRequested().WithTime(epoch)).Next
		tr := sm.Transition(killed, flow.RetryRequested().WithTime(epoch))
		if tr.Changed || len(tr.Actions) != 0 {
			t.Fatal("retry changed a killed flow")
		}
	})
}

func TestStateMachine_Resume(t *testing.T) {
	reg := flow.NewRegistry(
		awaitLogic("charge", noopOp("charge")),
		flow.NewLogic("ping", func(sc flow.StepContext) flow.Instruction {
			if sc.Step == 0 {
				return flow.Send("bank", "s", 1)
			}
			return flow.Sleep(time.Minute)
		}),
	)
	sm := flow.NewStateMachine(reg, flow.RetryPolicy{}, 0)

	t.Run("re-requests awaited operation", func(t *testing.T) {
		cp := start(t, sm, "charge", nil).Next
		actions := sm.Resume(cp, false)
		assertActions(t, actions, flow.ActionRequestOperation)
		if actions[0].Request.DedupID != flow.NewDedupID(testFlowID, 0) || actions[0].Request.Reissue {
			t.Errorf("request = %+v", actions[0].Request)
		}
		if !sm.Resume(cp, true)[0].Request.Reissue {
			t.Error("reissue flag not propagated")
		}
	})

	t.Run("re-sends outbox before re-arming timer", func(t *testing.T) {
		cp := start(t, sm, "ping", nil).Next
		actions := sm.Resume(cp, false)
		assertActions(t, actions, flow.ActionSendMessage, flow.ActionScheduleTimer)
		if !actions[1].Deadline.Equal(epoch.Add(time.Minute)) {
			t.Errorf("deadline = %v", actions[1].Deadline)
		}
	})

	t.Run("terminal flows resume nothing", func(t *testing.T) {
		cp := start(t, sm, "charge", nil).Next
		killed := sm.Transition(cp, flow.KillRequested().WithTime(epoch)).Next
		if actions := sm.Resume(killed, true); len(actions) != 0 {
			t.Errorf("actions = %v", actionKinds(actions))
		}
	})
}
