package flow

import (
	"encoding/json"
	"time"
)

// ActionKind tags the Action variant.
type ActionKind string

const (
	ActionWriteCheckpoint  ActionKind = "write_checkpoint"
	ActionSendMessage      ActionKind = "send_message"
	ActionRequestOperation ActionKind = "request_operation"
	ActionScheduleTimer    ActionKind = "schedule_timer"
	ActionComplete         ActionKind = "complete"
	ActionFail             ActionKind = "fail"
)

// Action is a side effect requested by a transition. The Manager performs
// actions in order; WriteCheckpoint, when present, is always first.
type Action struct {
	Kind ActionKind

	Message  *Message          // SendMessage
	Request  *OperationRequest // RequestOperation
	Deadline time.Time         // ScheduleTimer

	Result json.RawMessage // Complete
	Error  *ErrorInfo      // Fail
}

// OperationRequest asks the Executor to run an external operation.
type OperationRequest struct {
	FlowID    FlowID
	Step      int
	DedupID   DedupID
	Operation ExternalOperation

	// Reissue allows the Executor to re-invoke a record that is still
	// pending from an earlier attempt or an earlier process.
	Reissue bool
}
