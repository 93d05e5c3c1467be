package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrReplayMismatch is returned by VerifyReplay when re-running a recorded
// event sequence produces a different transition than was recorded.
var ErrReplayMismatch = errors.New("replay mismatch: transition differs from recording")

// RecordedTransition is the fingerprint of one transition: the event that
// drove it and a hash of what it produced.
type RecordedTransition struct {
	Event Event `json:"event"`

	// Version is the checkpoint version after the transition.
	Version int64 `json:"version"`

	// Hash is "sha256:<hex>" over the next checkpoint and the actions.
	Hash string `json:"hash"`
}

// Replay applies events to cp in order and returns the final checkpoint
// and one recording per event. Replay performs no side effects; it is the
// state machine run in isolation.
func Replay(sm *StateMachine, cp Checkpoint, events []Event) (Checkpoint, []RecordedTransition, error) {
	recorded := make([]RecordedTransition, 0, len(events))
	for i, ev := range events {
		tr := sm.Transition(cp, ev)
		hash, err := transitionHash(tr)
		if err != nil {
			return cp, recorded, fmt.Errorf("event %d: %w", i, err)
		}
		recorded = append(recorded, RecordedTransition{Event: ev, Version: tr.Next.Version, Hash: hash})
		cp = tr.Next
	}
	return cp, recorded, nil
}

// VerifyReplay re-runs a recording from cp and checks every transition
// matches. A mismatch means the flow's Logic is not deterministic, or has
// changed since the recording was taken.
func VerifyReplay(sm *StateMachine, cp Checkpoint, recording []RecordedTransition) error {
	for i, rec := range recording {
		tr := sm.Transition(cp, rec.Event)
		hash, err := transitionHash(tr)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if hash != rec.Hash {
			return fmt.Errorf("%w: event %d (%s): expected %s, got %s", ErrReplayMismatch, i, rec.Event.Kind, rec.Hash, hash)
		}
		cp = tr.Next
	}
	return nil
}

// transitionHash fingerprints a transition. Operations are reduced to
// their kind and name because their functions cannot be serialized.
func transitionHash(tr Transition) (string, error) {
	type actionView struct {
		Kind     ActionKind      `json:"kind"`
		Message  *Message        `json:"message,omitempty"`
		DedupID  DedupID         `json:"dedup_id,omitempty"`
		OpKind   OperationKind   `json:"op_kind,omitempty"`
		OpName   string          `json:"op_name,omitempty"`
		Reissue  bool            `json:"reissue,omitempty"`
		Deadline string          `json:"deadline,omitempty"`
		Result   json.RawMessage `json:"result,omitempty"`
		Error    *ErrorInfo      `json:"error,omitempty"`
	}

	views := make([]actionView, 0, len(tr.Actions))
	for _, a := range tr.Actions {
		v := actionView{Kind: a.Kind, Message: a.Message, Result: a.Result, Error: a.Error}
		if a.Request != nil {
			v.DedupID = a.Request.DedupID
			v.OpKind = a.Request.Operation.Kind
			v.OpName = a.Request.Operation.Name
			v.Reissue = a.Request.Reissue
		}
		if !a.Deadline.IsZero() {
			v.Deadline = a.Deadline.UTC().Format("2006-01-02T15:04:05.999999999Z")
		}
		views = append(views, v)
	}

	data, err := json.Marshal(struct {
		Next    Checkpoint   `json:"next"`
		Changed bool         `json:"changed"`
		Actions []actionView `json:"actions"`
	}{tr.Next, tr.Changed, views})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transition: %w", err)
	}

	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
