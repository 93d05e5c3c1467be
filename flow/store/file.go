package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore is a filesystem implementation of Store.
//
// Layout under the root directory:
//
//	checkpoints/<flow>.json
//	operations/<flow>/<dedup>.json
//
// File names are base64url-encoded IDs. Every write goes to a temp file in
// the destination directory, is fsynced, renamed over the target and
// followed by an fsync of the directory, so a crash leaves either the old or
// the new file and never a partial one.
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates (if needed) and opens a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"checkpoints", "operations"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (f *FileStore) Dir() string { return f.dir }

func encodeName(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id)) + ".json"
}

func (f *FileStore) checkpointPath(flowID string) string {
	return filepath.Join(f.dir, "checkpoints", encodeName(flowID))
}

func (f *FileStore) operationsDir(flowID string) string {
	return filepath.Join(f.dir, "operations", strings.TrimSuffix(encodeName(flowID), ".json"))
}

// Save implements CheckpointStore.
func (f *FileStore) Save(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	path := f.checkpointPath(rec.FlowID)
	var cur Record
	err := readJSON(path, &cur)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("failed to read checkpoint version: %w", err)
	case cur.Version >= rec.Version:
		return ErrVersionConflict
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if err := writeFileAtomic(path, rec); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load implements CheckpointStore.
func (f *FileStore) Load(_ context.Context, flowID string) (Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return Record{}, ErrClosed
	}

	var rec Record
	err := readJSON(f.checkpointPath(flowID), &rec)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return rec, nil
}

// LoadAll implements CheckpointStore.
//
// A checkpoint file that cannot be parsed is returned with only FlowID set
// and nil Data, so the manager parks it as corrupt instead of losing it.
func (f *FileStore) LoadAll(_ context.Context) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}

	dir := filepath.Join(f.dir, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec Record
		if err := readJSON(filepath.Join(dir, e.Name()), &rec); err != nil {
			raw, decErr := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(e.Name(), ".json"))
			if decErr != nil {
				continue
			}
			rec = Record{FlowID: string(raw)}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// Delete implements CheckpointStore.
func (f *FileStore) Delete(_ context.Context, flowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := os.Remove(f.checkpointPath(flowID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// operationPath finds a record by dedup ID. Records are filed under their
// flow, so the lookup scans flow directories.
func (f *FileStore) operationPath(dedupID string) (string, error) {
	name := encodeName(dedupID)
	matches, err := filepath.Glob(filepath.Join(f.dir, "operations", "*", name))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fs.ErrNotExist
	}
	return matches[0], nil
}

// GetOperation implements OperationStore.
func (f *FileStore) GetOperation(_ context.Context, dedupID string) (Operation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return Operation{}, ErrClosed
	}

	var op Operation
	path, err := f.operationPath(dedupID)
	if err == nil {
		err = readJSON(path, &op)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, fmt.Errorf("failed to load operation: %w", err)
	}
	return op, nil
}

// PutOperation implements OperationStore.
func (f *FileStore) PutOperation(_ context.Context, op Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	if path, err := f.operationPath(op.DedupID); err == nil {
		var cur Operation
		if err := readJSON(path, &cur); err != nil {
			return fmt.Errorf("failed to load operation: %w", err)
		}
		if cur.Status.Terminal() {
			return ErrOperationTerminal
		}
	}

	dir := f.operationsDir(op.FlowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create operations directory: %w", err)
	}
	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	if err := writeFileAtomic(filepath.Join(dir, encodeName(op.DedupID)), op); err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

// CompleteOperation implements OperationStore.
func (f *FileStore) CompleteOperation(_ context.Context, op Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	path, err := f.operationPath(op.DedupID)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to locate operation: %w", err)
	}
	var cur Operation
	if err := readJSON(path, &cur); err != nil {
		return fmt.Errorf("failed to load operation: %w", err)
	}
	if cur.Status.Terminal() {
		return ErrNotFound
	}

	cur.Status = op.Status
	cur.Result = op.Result
	cur.Error = op.Error
	cur.UpdatedAt = time.Now().UTC()
	if err := writeFileAtomic(path, cur); err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}
	return nil
}

// ListOperations implements OperationStore.
func (f *FileStore) ListOperations(_ context.Context, flowID string) ([]Operation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}

	dir := f.operationsDir(flowID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	var out []Operation
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var op Operation
		if err := readJSON(filepath.Join(dir, e.Name()), &op); err != nil {
			return nil, fmt.Errorf("failed to load operation: %w", err)
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DedupID < out[j].DedupID })
	return out, nil
}

// DeleteOperations implements OperationStore.
func (f *FileStore) DeleteOperations(_ context.Context, flowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := os.RemoveAll(f.operationsDir(flowID)); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}
	return nil
}

// Close marks the store closed. Files are left on disk.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// writeFileAtomic replaces path with the JSON encoding of v.
func writeFileAtomic(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
