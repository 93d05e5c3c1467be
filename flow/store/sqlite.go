package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps checkpoints and operation records in a single-file database.
// Designed for:
//   - Single-node deployments with durable flows and zero setup
//   - Development and crash/restart testing
//
// SQLiteStore uses WAL mode and wraps every checkpoint write in a transaction,
// so a crash mid-write leaves the previous checkpoint intact.
//
// Schema:
//   - flow_checkpoints: one current checkpoint per flow
//   - flow_operations: external operation records, indexed by flow
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./flows.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./flows.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_checkpoints (
			flow_id TEXT NOT NULL PRIMARY KEY,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flow_operations (
			dedup_id TEXT NOT NULL PRIMARY KEY,
			flow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			result BLOB,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_operations_flow_id ON flow_operations(flow_id)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save implements CheckpointStore.
//
// The version check and the upsert run in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, "SELECT version FROM flow_checkpoints WHERE flow_id = ?", rec.FlowID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read checkpoint version: %w", err)
	case current >= rec.Version:
		return ErrVersionConflict
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_checkpoints (flow_id, version, status, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			version = excluded.version,
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, rec.FlowID, rec.Version, rec.Status, rec.Data, updatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *SQLiteStore) Load(ctx context.Context, flowID string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT flow_id, version, status, data, updated_at FROM flow_checkpoints WHERE flow_id = ?", flowID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return rec, nil
}

// LoadAll implements CheckpointStore.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return queryRecords(ctx, s.db,
		"SELECT flow_id, version, status, data, updated_at FROM flow_checkpoints ORDER BY flow_id")
}

// Delete implements CheckpointStore.
func (s *SQLiteStore) Delete(ctx context.Context, flowID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM flow_checkpoints WHERE flow_id = ?", flowID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// GetOperation implements OperationStore.
func (s *SQLiteStore) GetOperation(ctx context.Context, dedupID string) (Operation, error) {
	if err := s.checkOpen(); err != nil {
		return Operation{}, err
	}
	return getOperation(ctx, s.db, "SELECT "+operationColumns+" FROM flow_operations WHERE dedup_id = ?", dedupID)
}

// PutOperation implements OperationStore.
func (s *SQLiteStore) PutOperation(ctx context.Context, op Operation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	created, updated := timestamps(op)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
		WHERE flow_operations.status = ?
	`, op.DedupID, op.FlowID, op.Name, string(op.Status), op.Result, op.Error, op.Attempts, created, updated,
		string(OperationPending))
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrOperationTerminal
	}
	return nil
}

// CompleteOperation implements OperationStore.
func (s *SQLiteStore) CompleteOperation(ctx context.Context, op Operation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return completeOperation(ctx, s.db, `
		UPDATE flow_operations SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE dedup_id = ? AND status = ?
	`, op)
}

// ListOperations implements OperationStore.
func (s *SQLiteStore) ListOperations(ctx context.Context, flowID string) ([]Operation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return queryOperations(ctx, s.db,
		"SELECT "+operationColumns+" FROM flow_operations WHERE flow_id = ? ORDER BY dedup_id", flowID)
}

// DeleteOperations implements OperationStore.
func (s *SQLiteStore) DeleteOperations(ctx context.Context, flowID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM flow_operations WHERE flow_id = ?", flowID); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}
	return nil
}

// Close closes the database connection. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
