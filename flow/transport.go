package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Party names a node on the network.
type Party string

// Message is a peer-to-peer message between flows.
//
// ID is derived from the sending flow and step, so a message re-sent after a
// restart carries the same ID and the receiver drops the duplicate.
type Message struct {
	ID        string          `json:"id"`
	From      Party           `json:"from,omitempty"`
	To        Party           `json:"to"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// FlowID addresses the receiving flow. Empty means the receiving node
	// routes by session (see LoopbackTransport).
	FlowID FlowID `json:"flow_id,omitempty"`
}

// Transport delivers messages to peers. Delivery is at-least-once; the
// receiving state machine deduplicates by message ID.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Inbound receives messages addressed to the local node. *Manager
// implements it.
type Inbound interface {
	Post(id FlowID, ev Event) error
}

// LoopbackTransport routes messages between parties hosted in one process.
// Each party registers the Inbound that receives its messages and, for
// messages without a FlowID, the flow that owns each session.
type LoopbackTransport struct {
	mu       sync.RWMutex
	parties  map[Party]Inbound
	sessions map[Party]map[string]FlowID
}

// NewLoopbackTransport creates an empty loopback network.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{
		parties:  make(map[Party]Inbound),
		sessions: make(map[Party]map[string]FlowID),
	}
}

// Register attaches a party to the network.
func (t *LoopbackTransport) Register(p Party, in Inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parties[p] = in
	if t.sessions[p] == nil {
		t.sessions[p] = make(map[string]FlowID)
	}
}

// Bind routes messages for (party, session) to flow id.
func (t *LoopbackTransport) Bind(p Party, sessionID string, id FlowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[p] == nil {
		t.sessions[p] = make(map[string]FlowID)
	}
	t.sessions[p][sessionID] = id
}

// Send implements Transport.
func (t *LoopbackTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	in, ok := t.parties[msg.To]
	target := msg.FlowID
	if target == "" {
		target = t.sessions[msg.To][msg.SessionID]
	}
	t.mu.RUnlock()

	if !ok {
		return Transient(fmt.Errorf("party %q is not reachable", msg.To))
	}
	if target == "" {
		return Transient(fmt.Errorf("party %q has no flow bound to session %q", msg.To, msg.SessionID))
	}
	return in.Post(target, MessageReceived(msg))
}
