package flow

import (
	"encoding/json"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/dshills/flowmachine/flow/store"
)

// Checkpoint is the durable snapshot of one flow: everything the state
// machine needs to resume it exactly where it left off.
//
// A checkpoint is immutable once written; each transition that changes a
// flow produces a new checkpoint with Version incremented by one, which the
// store swaps in atomically.
type Checkpoint struct {
	// FlowID identifies the flow.
	FlowID FlowID `json:"flow_id"`

	// Logic names the registered Logic the flow runs.
	Logic string `json:"logic"`

	// Input is the flow's start argument.
	Input json.RawMessage `json:"input,omitempty"`

	// State is the state machine state.
	State FlowState `json:"state"`

	// Results holds one entry per completed step.
	Results []json.RawMessage `json:"results,omitempty"`

	// Inbox buffers messages that arrived before the flow asked for them.
	Inbox []Message `json:"inbox,omitempty"`

	// Seen lists the most recently accepted message IDs, oldest first, at
	// most SeenWindow of them.
	Seen []string `json:"seen,omitempty"`

	// Outbox holds the messages sent by the transition that produced this
	// checkpoint. They are re-sent after a restart.
	Outbox []Message `json:"outbox,omitempty"`

	// Operations holds terminal external operation records folded in from
	// completion events, keyed by dedup ID.
	Operations map[DedupID]OperationRecord `json:"operations,omitempty"`

	// Version is the logical checkpoint version, +1 per write.
	Version int64 `json:"version"`

	// Timestamp is the logical time of the event that produced the checkpoint.
	Timestamp time.Time `json:"timestamp"`
}

// OperationRecord is the folded, terminal form of an external operation
// record inside a checkpoint.
type OperationRecord struct {
	Status store.OperationStatus `json:"status"`
	Result json.RawMessage       `json:"result,omitempty"`
	Error  *ErrorInfo            `json:"error,omitempty"`
}

// NewCheckpoint returns the version-0 checkpoint of an unstarted flow.
func NewCheckpoint(id FlowID, logic string, input json.RawMessage) Checkpoint {
	return Checkpoint{
		FlowID: id,
		Logic:  logic,
		Input:  input,
		State:  Unstarted(),
	}
}

// Clone returns a deep copy.
func (c Checkpoint) Clone() Checkpoint {
	return deepcopy.Copy(c).(Checkpoint)
}

// SeenWindow is how many accepted message IDs a checkpoint remembers for
// duplicate detection. Transports redeliver within seconds, so a duplicate
// older than the window is not expected. Messages still buffered in the
// inbox are always recognised, however old.
const SeenWindow = 1024

func (c *Checkpoint) hasSeen(messageID string) bool {
	for _, id := range c.Seen {
		if id == messageID {
			return true
		}
	}
	for _, m := range c.Inbox {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

// remember records an accepted message ID, dropping the oldest beyond
// SeenWindow.
func (c *Checkpoint) remember(messageID string) {
	c.Seen = append(c.Seen, messageID)
	if over := len(c.Seen) - SeenWindow; over > 0 {
		c.Seen = append([]string(nil), c.Seen[over:]...)
	}
}

// takeInbox removes and returns the oldest buffered message for sessionID.
func (c *Checkpoint) takeInbox(sessionID string) (Message, bool) {
	for i, m := range c.Inbox {
		if m.SessionID == sessionID {
			c.Inbox = append(c.Inbox[:i:i], c.Inbox[i+1:]...)
			if len(c.Inbox) == 0 {
				c.Inbox = nil
			}
			return m, true
		}
	}
	return Message{}, false
}

func (c *Checkpoint) fold(d DedupID, rec OperationRecord) {
	if c.Operations == nil {
		c.Operations = make(map[DedupID]OperationRecord)
	}
	c.Operations[d] = rec
}

func (c Checkpoint) stepContext() StepContext {
	return StepContext{
		FlowID:  c.FlowID,
		Step:    c.State.Step,
		Input:   c.Input,
		Results: c.Results,
	}
}
