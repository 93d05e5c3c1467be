// Package ops provides ready-made external operations for flows.
//
// Every operation here receives the flow's dedup ID on each invocation. A
// flow that crashes between invoking an operation and recording its outcome
// invokes it again with the same ID, so the remote side can use the ID to
// drop the repeat.
package ops

import (
	"context"
	"encoding/json"

	"github.com/dshills/flowmachine/flow"
)

// Caller is blocking work addressed by dedup ID. *HTTPCaller requests and
// *Mock implement it.
type Caller interface {
	Call(ctx context.Context, dedupID flow.DedupID) (json.RawMessage, error)
}

// Operation wraps c as a blocking external operation named name.
func Operation(name string, c Caller) flow.ExternalOperation {
	return flow.ResultOperation(name, c.Call)
}
