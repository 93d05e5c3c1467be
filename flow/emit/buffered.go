package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are kept per flow in emission order and can be queried with an
// optional filter. Mostly used by tests and by the admin API's history view.
//
// Warning: every event is retained until Clear is called.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	mgr, err := flow.NewManager(logics, st, flow.WithEmitter(emitter))
//
//	// ... run flows ...
//
//	all := emitter.GetHistory(flowID)
//	failures := emitter.GetHistoryWithFilter(flowID, emit.HistoryFilter{Msg: emit.MsgFlowFailed})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // flowID -> events
}

// HistoryFilter specifies criteria for filtering history.
//
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	Msg     string // Filter by message (empty = no filter)
	MinStep *int   // Minimum step number (nil = no filter)
	MaxStep *int   // Maximum step number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.FlowID] = append(b.events[event.FlowID], event)
}

// GetHistory returns a copy of all events for a flow in emission order.
// Manager-level events are stored under the empty flow ID.
func (b *BufferedEmitter) GetHistory(flowID string) []Event {
	return b.GetHistoryWithFilter(flowID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for a flow that match filter.
// Never returns nil.
func (b *BufferedEmitter) GetHistoryWithFilter(flowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[flowID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Count returns how many events named msg were emitted for a flow.
func (b *BufferedEmitter) Count(flowID, msg string) int {
	return len(b.GetHistoryWithFilter(flowID, HistoryFilter{Msg: msg}))
}

func (f HistoryFilter) matches(event Event) bool {
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Clear removes stored events for one flow, or for all flows when flowID is empty.
func (b *BufferedEmitter) Clear(flowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if flowID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, flowID)
	}
}
