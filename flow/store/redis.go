package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of Store.
//
// Checkpoints and operation records are Redis hashes; per-flow sets index
// the records a flow owns. Checkpoint writes use WATCH/MULTI so the version
// check and the replace are one optimistic transaction.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st := store.NewRedisStore(client, "flowmachine")
//
// The caller owns the client lifecycle; Close only marks the store closed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	closed chan struct{}
}

// NewRedisStore creates a Redis-backed store. All keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowmachine"
	}
	return &RedisStore{client: client, prefix: prefix, closed: make(chan struct{})}
}

func (r *RedisStore) checkpointKey(flowID string) string { return r.prefix + ":cp:" + flowID }

func (r *RedisStore) checkpointIndex() string { return r.prefix + ":cp:ids" }

func (r *RedisStore) operationKey(dedupID string) string { return r.prefix + ":op:" + dedupID }

func (r *RedisStore) flowOperations(flowID string) string { return r.prefix + ":flowops:" + flowID }

func (r *RedisStore) checkOpen() error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
		return nil
	}
}

// Ping verifies the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Save implements CheckpointStore.
func (r *RedisStore) Save(ctx context.Context, rec Record) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.checkpointKey(rec.FlowID)
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Int64()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to read checkpoint version: %w", err)
		case current >= rec.Version:
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"flow_id":    rec.FlowID,
				"version":    rec.Version,
				"status":     rec.Status,
				"data":       rec.Data,
				"updated_at": updatedAt.UnixNano(),
			})
			pipe.SAdd(ctx, r.checkpointIndex(), rec.FlowID)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil && !errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return err
}

// Load implements CheckpointStore.
func (r *RedisStore) Load(ctx context.Context, flowID string) (Record, error) {
	if err := r.checkOpen(); err != nil {
		return Record{}, err
	}

	vals, err := r.client.HGetAll(ctx, r.checkpointKey(flowID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}
	return mapToRecord(vals)
}

// LoadAll implements CheckpointStore.
func (r *RedisStore) LoadAll(ctx context.Context) ([]Record, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.checkpointIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sort.Strings(ids)

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete implements CheckpointStore.
func (r *RedisStore) Delete(ctx context.Context, flowID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.checkpointKey(flowID))
		pipe.SRem(ctx, r.checkpointIndex(), flowID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// GetOperation implements OperationStore.
func (r *RedisStore) GetOperation(ctx context.Context, dedupID string) (Operation, error) {
	if err := r.checkOpen(); err != nil {
		return Operation{}, err
	}

	vals, err := r.client.HGetAll(ctx, r.operationKey(dedupID)).Result()
	if err != nil {
		return Operation{}, fmt.Errorf("failed to load operation: %w", err)
	}
	if len(vals) == 0 {
		return Operation{}, ErrNotFound
	}
	return mapToOperation(vals)
}

// PutOperation implements OperationStore.
func (r *RedisStore) PutOperation(ctx context.Context, op Operation) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	created, updated := timestamps(op)
	key := r.operationKey(op.DedupID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if OperationStatus(status).Terminal() {
			return ErrOperationTerminal
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"dedup_id":   op.DedupID,
				"flow_id":    op.FlowID,
				"name":       op.Name,
				"status":     string(op.Status),
				"result":     op.Result,
				"error":      op.Error,
				"attempts":   op.Attempts,
				"created_at": created,
				"updated_at": updated,
			})
			pipe.SAdd(ctx, r.flowOperations(op.FlowID), op.DedupID)
			return nil
		})
		return err
	}, key)
	if err == nil || errors.Is(err, ErrOperationTerminal) {
		return err
	}
	return fmt.Errorf("failed to save operation: %w", err)
}

// CompleteOperation implements OperationStore.
func (r *RedisStore) CompleteOperation(ctx context.Context, op Operation) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.operationKey(op.DedupID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if OperationStatus(status).Terminal() {
			return ErrNotFound
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"status":     string(op.Status),
				"result":     op.Result,
				"error":      op.Error,
				"updated_at": time.Now().UnixNano(),
			})
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// Another writer touched the record first; it is no longer ours to complete.
		return ErrNotFound
	default:
		return fmt.Errorf("failed to complete operation: %w", err)
	}
}

// ListOperations implements OperationStore.
func (r *RedisStore) ListOperations(ctx context.Context, flowID string) ([]Operation, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.flowOperations(flowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	sort.Strings(ids)

	var out []Operation
	for _, id := range ids {
		op, err := r.GetOperation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// DeleteOperations implements OperationStore.
func (r *RedisStore) DeleteOperations(ctx context.Context, flowID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	index := r.flowOperations(flowID)
	ids, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("failed to list operations: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, r.operationKey(id))
		}
		pipe.Del(ctx, index)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}
	return nil
}

// Close marks the store closed. The Redis client is left open.
func (r *RedisStore) Close() error {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
	return nil
}

func mapToRecord(vals map[string]string) (Record, error) {
	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid checkpoint version %q: %w", vals["version"], err)
	}
	updated, _ := strconv.ParseInt(vals["updated_at"], 10, 64)
	return Record{
		FlowID:    vals["flow_id"],
		Version:   version,
		Status:    vals["status"],
		Data:      []byte(vals["data"]),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, nil
}

func mapToOperation(vals map[string]string) (Operation, error) {
	attempts, err := strconv.Atoi(vals["attempts"])
	if err != nil {
		return Operation{}, fmt.Errorf("invalid operation attempts %q: %w", vals["attempts"], err)
	}
	created, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(vals["updated_at"], 10, 64)

	op := Operation{
		DedupID:   vals["dedup_id"],
		FlowID:    vals["flow_id"],
		Name:      vals["name"],
		Status:    OperationStatus(vals["status"]),
		Error:     vals["error"],
		Attempts:  attempts,
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}
	if r := vals["result"]; r != "" {
		op.Result = []byte(r)
	}
	return op, nil
}
