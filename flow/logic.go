package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logic is the deterministic program a flow runs.
//
// Step is called with the flow's input and the results of every earlier
// step, and returns the instruction for step sc.Step. It must be a pure
// function of its StepContext: the state machine re-runs steps after a
// restart or retry and relies on getting the same instruction back.
//
// Example:
//
//	type transfer struct{}
//
//	func (transfer) Name() string { return "transfer" }
//
//	func (transfer) Step(sc flow.StepContext) flow.Instruction {
//	    switch sc.Step {
//	    case 0:
//	        return flow.Await(flow.ResultOf("debit", debit))
//	    case 1:
//	        return flow.Send("bank-b", "credit", sc.Results[0])
//	    case 2:
//	        return flow.Receive("credit")
//	    default:
//	        return flow.Complete(sc.Results[2])
//	    }
//	}
type Logic interface {
	Name() string
	Step(sc StepContext) Instruction
}

// LogicFunc adapts a function into a Logic.
type LogicFunc struct {
	name string
	fn   func(StepContext) Instruction
}

// NewLogic returns a Logic named name that runs fn.
func NewLogic(name string, fn func(StepContext) Instruction) *LogicFunc {
	return &LogicFunc{name: name, fn: fn}
}

// Name implements Logic.
func (l *LogicFunc) Name() string { return l.name }

// Step implements Logic.
func (l *LogicFunc) Step(sc StepContext) Instruction { return l.fn(sc) }

// StepContext is everything a Logic may read.
type StepContext struct {
	FlowID FlowID
	Step   int
	Input  json.RawMessage

	// Results holds one entry per completed step: the operation result for
	// Await, the payload for Receive, and null for Send and Sleep.
	Results []json.RawMessage
}

// DecodeInput unmarshals the flow input into v.
func (sc StepContext) DecodeInput(v any) error {
	if len(sc.Input) == 0 {
		return nil
	}
	return json.Unmarshal(sc.Input, v)
}

// DecodeResult unmarshals the result of an earlier step into v.
func (sc StepContext) DecodeResult(step int, v any) error {
	if step < 0 || step >= len(sc.Results) {
		return fmt.Errorf("no result for step %d (have %d)", step, len(sc.Results))
	}
	return json.Unmarshal(sc.Results[step], v)
}

// InstructionKind tags the Instruction variant.
type InstructionKind string

const (
	InstructionAwait    InstructionKind = "await"
	InstructionSend     InstructionKind = "send"
	InstructionReceive  InstructionKind = "receive"
	InstructionSleep    InstructionKind = "sleep"
	InstructionComplete InstructionKind = "complete"
	InstructionFail     InstructionKind = "fail"
)

// Instruction is what a Logic asks the state machine to do at one step.
type Instruction struct {
	Kind InstructionKind

	Operation ExternalOperation // Await

	To        Party           // Send
	SessionID string          // Send, Receive
	Payload   json.RawMessage // Send; Complete result

	Duration time.Duration // Sleep

	Err error // Fail
}

// Await suspends the flow until op completes.
func Await(op ExternalOperation) Instruction {
	return Instruction{Kind: InstructionAwait, Operation: op}
}

// Send sends payload to a peer on a session and continues immediately.
func Send(to Party, sessionID string, payload any) Instruction {
	raw, err := marshalValue(payload)
	if err != nil {
		return Fail(err)
	}
	return Instruction{Kind: InstructionSend, To: to, SessionID: sessionID, Payload: raw}
}

// Receive suspends the flow until a message arrives on sessionID.
func Receive(sessionID string) Instruction {
	return Instruction{Kind: InstructionReceive, SessionID: sessionID}
}

// Sleep suspends the flow for d, measured from the time of the event that
// reached this step.
func Sleep(d time.Duration) Instruction {
	return Instruction{Kind: InstructionSleep, Duration: d}
}

// Complete finishes the flow with result.
func Complete(result any) Instruction {
	raw, err := marshalValue(result)
	if err != nil {
		return Fail(err)
	}
	return Instruction{Kind: InstructionComplete, Payload: raw}
}

// Fail finishes the flow with a business failure.
func Fail(err error) Instruction {
	if err == nil {
		err = &FlowError{Code: CodeBusiness, Message: "flow failed"}
	}
	return Instruction{Kind: InstructionFail, Err: err}
}

// Registry maps logic names to Logic implementations. Checkpoints store only
// the name, so every Logic a node may resume must be registered before
// Manager.Start.
type Registry struct {
	mu     sync.RWMutex
	logics map[string]Logic
}

// NewRegistry creates a registry holding logics.
func NewRegistry(logics ...Logic) *Registry {
	r := &Registry{logics: make(map[string]Logic)}
	for _, l := range logics {
		_ = r.Register(l)
	}
	return r
}

// Register adds a logic. Returns an error for an empty or duplicate name.
func (r *Registry) Register(l Logic) error {
	if l == nil || l.Name() == "" {
		return &FlowError{Code: "INVALID_LOGIC", Message: "logic name cannot be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.logics[l.Name()]; exists {
		return &FlowError{Code: "DUPLICATE_LOGIC", Message: "duplicate logic name: " + l.Name()}
	}
	r.logics[l.Name()] = l
	return nil
}

// Lookup returns the logic registered under name.
func (r *Registry) Lookup(name string) (Logic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLogic, name)
	}
	return l, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.logics))
	for n := range r.logics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
