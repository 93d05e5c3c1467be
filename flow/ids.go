// Package flow implements a checkpointed, crash-recoverable state machine
// for long-running multi-party flows.
//
// A flow is authored as a deterministic Logic that yields one Instruction
// per step. The StateMachine turns (Checkpoint, Event) into the next
// Checkpoint plus Actions; a Fiber applies one transition at a time; the
// Executor runs external work with deduplication; and the Manager owns the
// worker pool, per-flow mailboxes and persistence through the store package.
package flow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FlowID identifies one flow instance. Stable across restarts; primary key
// for checkpoints and the in-memory registry.
type FlowID string

// String implements fmt.Stringer.
func (id FlowID) String() string { return string(id) }

const flowIDPrefix = "flow_"

// onceNamespace scopes the name-based UUIDs used by FlowIDForKey.
var onceNamespace = uuid.MustParse("6f1c2d9e-3b7a-4f4e-9a51-0c8d2e7b5a13")

// NewFlowID returns a fresh, time-ordered flow ID ("flow_" + UUIDv7).
func NewFlowID() FlowID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source fails.
		id = uuid.New()
	}
	return FlowID(flowIDPrefix + id.String())
}

// FlowIDForKey derives a deterministic flow ID from a caller-chosen key.
// Used by StartFlowOnce so a service started on every boot issues its flow
// at most once.
func FlowIDForKey(key string) FlowID {
	return FlowID(flowIDPrefix + uuid.NewSHA1(onceNamespace, []byte(key)).String())
}

// ParseFlowID validates an externally supplied flow ID.
func ParseFlowID(s string) (FlowID, error) {
	rest, ok := strings.CutPrefix(s, flowIDPrefix)
	if !ok {
		return "", fmt.Errorf("invalid flow id %q: missing %q prefix", s, flowIDPrefix)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return "", fmt.Errorf("invalid flow id %q: %w", s, err)
	}
	return FlowID(s), nil
}

// DedupID identifies one logical external operation. It is derived only from
// the flow ID and the step index, so re-entering a step after any number of
// restarts or retries yields the same value.
type DedupID string

// NewDedupID returns the deduplication ID for a flow step: "<flowID>:<step>".
func NewDedupID(id FlowID, step int) DedupID {
	return DedupID(fmt.Sprintf("%s:%d", id, step))
}

// String implements fmt.Stringer.
func (d DedupID) String() string { return string(d) }
