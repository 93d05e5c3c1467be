package ops

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dshills/flowmachine/flow"
)

// Mock is a scripted Caller for tests and demos.
//
// Each call consumes the next entry of Errs (nil entries succeed) and, on
// success, the next entry of Responses. Once Responses is exhausted the last
// one repeats.
//
//	charge := &ops.Mock{
//	    Errs:      []error{flow.Transient(errors.New("gateway busy"))},
//	    Responses: []any{map[string]string{"receipt": "r-1"}},
//	}
//	return flow.Await(ops.Operation("charge", charge))
type Mock struct {
	Responses []any
	Errs      []error

	// Calls records the dedup ID of every invocation.
	Calls []flow.DedupID

	mu      sync.Mutex
	callIdx int
	respIdx int
}

// Call implements Caller.
func (m *Mock) Call(ctx context.Context, dedupID flow.DedupID) (json.RawMessage, error) {
	if ctx.Err() != nil {
		return nil, flow.Transient(ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, dedupID)
	idx := m.callIdx
	m.callIdx++
	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return nil, m.Errs[idx]
	}

	if len(m.Responses) == 0 {
		return json.RawMessage(`null`), nil
	}
	r := m.respIdx
	if r >= len(m.Responses) {
		r = len(m.Responses) - 1
	} else {
		m.respIdx++
	}
	return json.Marshal(m.Responses[r])
}

// Reset clears the call history and rewinds the script.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIdx = 0
	m.respIdx = 0
}

// CallCount returns the number of calls so far.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
