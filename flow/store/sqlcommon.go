package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Column order shared by every operation query in the SQL backends.
const operationColumns = "dedup_id, flow_id, name, status, result, error, attempts, created_at, updated_at"

func scanOperation(row rowScanner) (Operation, error) {
	var (
		op             Operation
		status         string
		result         []byte
		createdAt, upd int64
		errText        sql.NullString
	)
	if err := row.Scan(&op.DedupID, &op.FlowID, &op.Name, &status, &result, &errText, &op.Attempts, &createdAt, &upd); err != nil {
		return Operation{}, err
	}
	op.Status = OperationStatus(status)
	op.Result = result
	op.Error = errText.String
	op.CreatedAt = time.Unix(0, createdAt).UTC()
	op.UpdatedAt = time.Unix(0, upd).UTC()
	return op, nil
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		updatedAt int64
	)
	if err := row.Scan(&rec.FlowID, &rec.Version, &rec.Status, &rec.Data, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

// queryRecords runs a checkpoint query and collects every row.
func queryRecords(ctx context.Context, db *sql.DB, query string, args ...any) ([]Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

// queryOperations runs an operation query and collects every row.
func queryOperations(ctx context.Context, db *sql.DB, query string, args ...any) ([]Operation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return out, nil
}

// getOperation loads a single record, translating sql.ErrNoRows.
func getOperation(ctx context.Context, db *sql.DB, query, dedupID string) (Operation, error) {
	op, err := scanOperation(db.QueryRowContext(ctx, query, dedupID))
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, fmt.Errorf("failed to load operation: %w", err)
	}
	return op, nil
}

// completeOperation updates a live non-terminal record. The status guard in
// the WHERE clause makes the update a no-op for terminal or missing rows.
func completeOperation(ctx context.Context, db *sql.DB, query string, op Operation) error {
	res, err := db.ExecContext(ctx, query,
		string(op.Status), op.Result, op.Error, time.Now().UnixNano(),
		op.DedupID, string(OperationPending))
	if err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func timestamps(op Operation) (created, updated int64) {
	now := time.Now()
	if op.CreatedAt.IsZero() {
		return now.UnixNano(), now.UnixNano()
	}
	return op.CreatedAt.UnixNano(), now.UnixNano()
}
