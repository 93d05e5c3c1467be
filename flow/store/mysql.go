package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production nodes requiring durable flows
//   - Deployments where the checkpoint database is shared infrastructure
//
// Checkpoint writes lock the flow's row with SELECT ... FOR UPDATE before the
// version check, so two writers racing on the same flow are serialized by
// InnoDB and the loser gets ErrVersionConflict.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    st, err := store.NewMySQLStore(dsn)
//
// The store creates its tables if they don't exist.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	checkpoints := `
		CREATE TABLE IF NOT EXISTS flow_checkpoints (
			flow_id VARCHAR(255) NOT NULL PRIMARY KEY,
			version BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			data LONGBLOB NOT NULL,
			updated_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, checkpoints); err != nil {
		return fmt.Errorf("failed to create flow_checkpoints table: %w", err)
	}

	operations := `
		CREATE TABLE IF NOT EXISTS flow_operations (
			dedup_id VARCHAR(255) NOT NULL PRIMARY KEY,
			flow_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			result LONGBLOB NULL,
			error TEXT NULL,
			attempts INT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_operations_flow_id (flow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, operations); err != nil {
		return fmt.Errorf("failed to create flow_operations table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Save implements CheckpointStore.
func (m *MySQLStore) Save(ctx context.Context, rec Record) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM flow_checkpoints WHERE flow_id = ? FOR UPDATE", rec.FlowID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to lock checkpoint row: %w", err)
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
		ON DUPLICATE KEY UPDATE
			version = VALUES(version),
			status = VALUES(status),
			data = VALUES(data),
			updated_at = VALUES(updated_at)
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
func (m *MySQLStore) Load(ctx context.Context, flowID string) (Record, error) {
	if err := m.checkOpen(); err != nil {
		return Record{}, err
	}

	row := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore) LoadAll(ctx context.Context) ([]Record, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return queryRecords(ctx, m.db,
		"SELECT flow_id, version, status, data, updated_at FROM flow_checkpoints ORDER BY flow_id")
}

// Delete implements CheckpointStore.
func (m *MySQLStore) Delete(ctx context.Context, flowID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, "DELETE FROM flow_checkpoints WHERE flow_id = ?", flowID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// GetOperation implements OperationStore.
func (m *MySQLStore) GetOperation(ctx context.Context, dedupID string) (Operation, error) {
	if err := m.checkOpen(); err != nil {
		return Operation{}, err
	}
	return getOperation(ctx, m.db, "SELECT "+operationColumns+" FROM flow_operations WHERE dedup_id = ?", dedupID)
}

// PutOperation implements OperationStore.
func (m *MySQLStore) PutOperation(ctx context.Context, op Operation) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM flow_operations WHERE dedup_id = ? FOR UPDATE", op.DedupID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to lock operation row: %w", err)
	case OperationStatus(status).Terminal():
		return ErrOperationTerminal
	}

	created, updated := timestamps(op)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			status = VALUES(status),
			result = VALUES(result),
			error = VALUES(error),
			attempts = VALUES(attempts),
			updated_at = VALUES(updated_at)
	`, op.DedupID, op.FlowID, op.Name, string(op.Status), op.Result, op.Error, op.Attempts, created, updated)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit operation: %w", err)
	}
	return nil
}

// CompleteOperation implements OperationStore.
func (m *MySQLStore) CompleteOperation(ctx context.Context, op Operation) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return completeOperation(ctx, m.db, `
		UPDATE flow_operations SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE dedup_id = ? AND status = ?
	`, op)
}

// ListOperations implements OperationStore.
func (m *MySQLStore) ListOperations(ctx context.Context, flowID string) ([]Operation, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return queryOperations(ctx, m.db,
		"SELECT "+operationColumns+" FROM flow_operations WHERE flow_id = ? ORDER BY dedup_id", flowID)
}

// DeleteOperations implements OperationStore.
func (m *MySQLStore) DeleteOperations(ctx context.Context, flowID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, "DELETE FROM flow_operations WHERE flow_id = ?", flowID); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}
	return nil
}

// Close closes the connection pool. Safe to call multiple times.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
