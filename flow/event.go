package flow

import (
	"encoding/json"
	"time"
)

// EventKind tags the Event variant.
type EventKind string

const (
	// EventStarted is the first stimulus of a new flow.
	EventStarted EventKind = "started"

	// EventMessageReceived delivers a peer message.
	EventMessageReceived EventKind = "message_received"

	// EventOperationCompleted delivers the outcome of an external operation.
	EventOperationCompleted EventKind = "operation_completed"

	// EventTimerFired reports that a scheduled deadline passed.
	EventTimerFired EventKind = "timer_fired"

	// EventRetryRequested is an operator (or the manager) asking a flow to
	// re-attempt whatever it is waiting on.
	EventRetryRequested EventKind = "retry_requested"

	// EventKillRequested forces a non-terminal flow to Killed.
	EventKillRequested EventKind = "kill_requested"
)

// Event is an external stimulus delivered to one flow.
//
// At is the logical time of the event. Transitions read time only from At,
// never from the clock, which keeps them deterministic; the Manager stamps
// events that arrive without one.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	// Message is set for EventMessageReceived.
	Message *Message `json:"message,omitempty"`

	// DedupID, Result and Error are set for EventOperationCompleted.
	DedupID DedupID         `json:"dedup_id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`

	// Deadline is set for EventTimerFired.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Started returns the event that starts an Unstarted flow.
func Started() Event { return Event{Kind: EventStarted} }

// MessageReceived returns an event delivering msg.
func MessageReceived(msg Message) Event {
	return Event{Kind: EventMessageReceived, Message: &msg}
}

// OperationSucceeded returns a successful completion for dedupID.
func OperationSucceeded(dedupID DedupID, result json.RawMessage) Event {
	return Event{Kind: EventOperationCompleted, DedupID: dedupID, Result: result}
}

// OperationFailed returns a failed completion for dedupID. Errors marked
// with Transient are retried; any other error fails the flow.
func OperationFailed(dedupID DedupID, err error) Event {
	return Event{Kind: EventOperationCompleted, DedupID: dedupID, Error: NewErrorInfo(err)}
}

// TimerFired returns the event for a passed deadline.
func TimerFired(deadline time.Time) Event {
	return Event{Kind: EventTimerFired, Deadline: deadline}
}

// RetryRequested returns a manual retry event.
func RetryRequested() Event { return Event{Kind: EventRetryRequested} }

// KillRequested returns a kill event.
func KillRequested() Event { return Event{Kind: EventKillRequested} }

// WithTime returns a copy of the event stamped with at.
func (e Event) WithTime(at time.Time) Event {
	e.At = at
	return e
}
