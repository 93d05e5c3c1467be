package emit

// Event represents an observability event emitted while flows execute.
//
// Events describe what the flow manager did on behalf of a flow:
//   - Flow start, suspension, completion, failure and kill
//   - Checkpoint writes and persistence failures
//   - External operation requests, completions and retries
//   - Startup rehydration and parking of corrupt checkpoints
//
// Events are emitted to an Emitter which can log them, turn them into
// OpenTelemetry spans, or keep them in memory for inspection.
type Event struct {
	// FlowID identifies the flow the event concerns.
	// Empty for manager-level events (startup, shutdown).
	FlowID string

	// Step is the flow's program counter when the event was emitted.
	Step int

	// Msg names the event (see the Msg* constants).
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "state": Flow state kind after the transition
	//   - "dedup_id": External operation deduplication ID
	//   - "version": Checkpoint version
	//   - "attempt": External operation attempt number
	//   - "error": Error details
	//   - "duration_ms": Transition duration in milliseconds
	Meta map[string]interface{}
}

// Event names emitted by the flow manager.
const (
	MsgFlowStarted         = "flow_started"
	MsgFlowSuspended       = "flow_suspended"
	MsgFlowCompleted       = "flow_completed"
	MsgFlowFailed          = "flow_failed"
	MsgFlowKilled          = "flow_killed"
	MsgFlowParked          = "flow_parked"
	MsgFlowResumed         = "flow_resumed"
	MsgCheckpointWritten   = "checkpoint_written"
	MsgPersistenceFailed   = "persistence_failed"
	MsgOperationRequested  = "operation_requested"
	MsgOperationCompleted  = "operation_completed"
	MsgOperationReplayed   = "operation_replayed"
	MsgEventDiscarded      = "event_discarded"
	MsgMessageSent         = "message_sent"
	MsgTimerScheduled      = "timer_scheduled"
	MsgManagerStarted      = "manager_started"
	MsgManagerStopped      = "manager_stopped"
	MsgCheckpointCorrupted = "checkpoint_corrupted"
)
