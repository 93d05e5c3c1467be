// Package store provides durable persistence for flow checkpoints and
// external operation records.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested flow ID or dedup ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by Save when the stored checkpoint already has
// a version greater than or equal to the one being written.
//
// Versions are assigned by the flow manager and increase by one for every
// transition that changes a flow. A conflict means another writer (or a stale
// retry of this writer) has already published a newer checkpoint; the write is
// rejected so the current checkpoint is never replaced by an older one.
var ErrVersionConflict = errors.New("checkpoint version conflict")

// ErrOperationTerminal is returned by PutOperation when the stored record
// already holds a completed or failed outcome. Terminal records are never
// replaced, so an operation cannot be re-armed once it has finished.
var ErrOperationTerminal = errors.New("operation record is terminal")

// ErrClosed is returned by every operation on a store after Close.
var ErrClosed = errors.New("store is closed")

// Record is one persisted checkpoint.
//
// Data is the opaque output of the checkpoint codec. The store never looks
// inside it, which keeps decoding failures (corrupt checkpoints) a concern of
// the flow manager rather than of the persistence layer.
type Record struct {
	// FlowID identifies the flow this checkpoint belongs to.
	FlowID string

	// Version is the logical checkpoint version. Monotonically increasing per flow.
	Version int64

	// Status is a coarse, queryable copy of the flow state kind
	// (e.g. "suspended", "completed"). Informational only.
	Status string

	// Data is the encoded checkpoint.
	Data []byte

	// UpdatedAt records when this version was written.
	UpdatedAt time.Time
}

// OperationStatus is the lifecycle status of an external operation record.
type OperationStatus string

const (
	// OperationPending means the operation was requested and has not reached a
	// terminal outcome. Transiently failed operations stay pending.
	OperationPending OperationStatus = "pending"

	// OperationCompleted means the operation produced a result.
	OperationCompleted OperationStatus = "completed"

	// OperationFailed means the operation failed permanently.
	OperationFailed OperationStatus = "failed"
)

// Terminal reports whether the status is final. Terminal records are never re-run.
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// Operation is an external operation record keyed by its deduplication ID.
type Operation struct {
	DedupID   string
	FlowID    string
	Name      string
	Status    OperationStatus
	Result    []byte
	Error     string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckpointStore persists the current checkpoint of each flow.
//
// Implementations must guarantee that Save is atomic: a reader either sees
// the previous checkpoint or the new one, never a partial write, and a failed
// Save leaves the previous checkpoint readable.
type CheckpointStore interface {
	// Save atomically replaces the current checkpoint for rec.FlowID.
	// Returns ErrVersionConflict if a checkpoint with version >= rec.Version exists.
	Save(ctx context.Context, rec Record) error

	// Load returns the current checkpoint for a flow, or ErrNotFound.
	Load(ctx context.Context, flowID string) (Record, error)

	// LoadAll returns every stored checkpoint, ordered by flow ID.
	// Used at startup to rehydrate flows.
	LoadAll(ctx context.Context) ([]Record, error)

	// Delete removes the checkpoint for a flow. Deleting a missing flow is not an error.
	Delete(ctx context.Context, flowID string) error
}

// OperationStore persists external operation records.
type OperationStore interface {
	// GetOperation returns the record for a dedup ID, or ErrNotFound.
	GetOperation(ctx context.Context, dedupID string) (Operation, error)

	// PutOperation inserts a record or replaces a pending one. Returns
	// ErrOperationTerminal if the stored record is already terminal.
	PutOperation(ctx context.Context, op Operation) error

	// CompleteOperation writes a terminal (or still-pending, after a transient
	// failure) outcome to an existing non-terminal record. Returns ErrNotFound
	// if the record does not exist or is already terminal, so an outcome that
	// arrives after the owning flow was purged cannot resurrect the record.
	CompleteOperation(ctx context.Context, op Operation) error

	// ListOperations returns the records owned by a flow, ordered by dedup ID.
	ListOperations(ctx context.Context, flowID string) ([]Operation, error)

	// DeleteOperations removes every record owned by a flow.
	DeleteOperations(ctx context.Context, flowID string) error
}

// Store combines both persistence contracts. All backends in this package
// implement it.
type Store interface {
	CheckpointStore
	OperationStore

	// Close releases backend resources. Subsequent calls return ErrClosed.
	Close() error
}
