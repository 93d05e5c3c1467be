package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps checkpoints and operation records in maps guarded by a single
// RWMutex. Designed for:
//   - Testing and development
//   - Single-process deployments where losing flows on exit is acceptable
//
// MemStore copies every byte slice on the way in and on the way out, so
// callers can never observe or cause a torn checkpoint by mutating a buffer.
//
// For durable persistence use SQLiteStore, MySQLStore, RedisStore or FileStore.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Record    // flowID -> current checkpoint
	operations  map[string]Operation // dedupID -> record
	closed      bool

	// failSave, when set, is returned by Save. Lets tests simulate a
	// persistence outage without a real backend.
	failSave error
}

// NewMemStore creates an empty in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	mgr, err := flow.NewManager(logics, st, flow.WithMaxWorkers(4))
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string]Record),
		operations:  make(map[string]Operation),
	}
}

// FailSaves makes every subsequent Save return err. Pass nil to restore normal
// behaviour.
func (m *MemStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSave = err
}

// Save implements CheckpointStore.
func (m *MemStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failSave != nil {
		return m.failSave
	}

	if cur, ok := m.checkpoints[rec.FlowID]; ok && cur.Version >= rec.Version {
		return ErrVersionConflict
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Data = cloneBytes(rec.Data)
	m.checkpoints[rec.FlowID] = rec
	return nil
}

// Load implements CheckpointStore.
func (m *MemStore) Load(_ context.Context, flowID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}

	rec, ok := m.checkpoints[flowID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Data = cloneBytes(rec.Data)
	return rec, nil
}

// LoadAll implements CheckpointStore.
func (m *MemStore) LoadAll(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Record, 0, len(m.checkpoints))
	for _, rec := range m.checkpoints {
		rec.Data = cloneBytes(rec.Data)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// Delete implements CheckpointStore.
func (m *MemStore) Delete(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.checkpoints, flowID)
	return nil
}

// GetOperation implements OperationStore.
func (m *MemStore) GetOperation(_ context.Context, dedupID string) (Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Operation{}, ErrClosed
	}

	op, ok := m.operations[dedupID]
	if !ok {
		return Operation{}, ErrNotFound
	}
	op.Result = cloneBytes(op.Result)
	return op, nil
}

// PutOperation implements OperationStore.
func (m *MemStore) PutOperation(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if cur, ok := m.operations[op.DedupID]; ok && cur.Status.Terminal() {
		return ErrOperationTerminal
	}

	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	op.Result = cloneBytes(op.Result)
	m.operations[op.DedupID] = op
	return nil
}

// CompleteOperation implements OperationStore.
func (m *MemStore) CompleteOperation(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	cur, ok := m.operations[op.DedupID]
	if !ok || cur.Status.Terminal() {
		return ErrNotFound
	}

	cur.Status = op.Status
	cur.Result = cloneBytes(op.Result)
	cur.Error = op.Error
	cur.UpdatedAt = time.Now().UTC()
	m.operations[op.DedupID] = cur
	return nil
}

// ListOperations implements OperationStore.
func (m *MemStore) ListOperations(_ context.Context, flowID string) ([]Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Operation
	for _, op := range m.operations {
		if op.FlowID == flowID {
			op.Result = cloneBytes(op.Result)
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DedupID < out[j].DedupID })
	return out, nil
}

// DeleteOperations implements OperationStore.
func (m *MemStore) DeleteOperations(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for id, op := range m.operations {
		if op.FlowID == flowID {
			delete(m.operations, id)
		}
	}
	return nil
}

// Close implements Store. Data is discarded.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.checkpoints = nil
	m.operations = nil
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
