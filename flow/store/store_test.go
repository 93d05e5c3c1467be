package store_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/dshills/flowmachine/flow/store"
)

// Interface compliance checks.
var (
	_ store.Store = (*store.MemStore)(nil)
	_ store.Store = (*store.SQLiteStore)(nil)
	_ store.Store = (*store.MySQLStore)(nil)
	_ store.Store = (*store.RedisStore)(nil)
	_ store.Store = (*store.FileStore)(nil)
)

// runStoreContract exercises the behaviour every backend must share.
// newStore must return an empty store; the contract closes it.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()

		_, err := s.Load(ctx, "flow_missing")
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("save then load round trips", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()

		rec := store.Record{FlowID: "flow_a", Version: 1, Status: "suspended", Data: []byte(`{"k":"v"}`)}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		got, err := s.Load(ctx, "flow_a")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.Version != 1 || got.Status != "suspended" || !bytes.Equal(got.Data, rec.Data) {
			t.Errorf("round trip mismatch: got %+v", got)
		}
		if got.UpdatedAt.IsZero() {
			t.Error("expected UpdatedAt to be set")
		}
	})

	t.Run("stale version is rejected and previous checkpoint survives", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()

		if err := s.Save(ctx, store.Record{FlowID: "flow_b", Version: 2, Status: "running", Data: []byte("two")}); err != nil {
			t.Fatalf("Save v2 failed: %v", err)
		}
		for _, v := range []int64{1, 2} {
			err := s.Save(ctx, store.Record{FlowID: "flow_b", Version: v, Status: "running", Data: []byte("stale")})
			if !errors.Is(err, store.ErrVersionConflict) {
				t.Errorf("version %d: expected ErrVersionConflict, got %v", v, err)
			}
		}

		got, err := s.Load(ctx, "flow_b")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if string(got.Data) != "two" {
			t.Errorf("expected surviving data %q, got %q", "two", got.Data)
		}

		if err := s.Save(ctx, store.Record{FlowID: "flow_b", Version: 3, Status: "completed", Data: []byte("three")}); err != nil {
			t.Fatalf("Save v3 failed: %v", err)
		}
		got, _ = s.Load(ctx, "flow_b")
		if got.Version != 3 || string(got.Data) != "three" {
			t.Errorf("expected v3 replacement, got %+v", got)
		}
	})

	t.Run("load all is ordered by flow id", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()

		for _, id := range []string{"flow_c", "flow_a", "flow_b"} {
			if err := s.Save(ctx, store.Record{FlowID: id, Version: 1, Status: "suspended", Data: []byte(id)}); err != nil {
				t.Fatalf("Save %s failed: %v", id, err)
			}
		}

		all, err := s.LoadAll(ctx)
		if err != nil {
			t.Fatalf("LoadAll failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 records, got %d", len(all))
		}
		for i, want := range []string{"flow_a", "flow_b", "flow_c"} {
			if all[i].FlowID != want {
				t.Errorf("position %d: expected %s, got %s", i, want, all[i].FlowID)
			}
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()

		_ = s.Save(ctx, store.Record{FlowID: "flow_d", Version: 1, Status: "completed", Data: []byte("x")})
		if err := s.Delete(ctx, "flow_d"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(ctx, "flow_d"); err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}
		if _, err := s.Load(ctx, "flow_d"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("operation lifecycle", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()

		if _, err := s.GetOperation(ctx, "flow_e:1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		op := store.Operation{DedupID: "flow_e:1", FlowID: "flow_e", Name: "charge", Status: store.OperationPending, Attempts: 1}
		if err := s.PutOperation(ctx, op); err != nil {
			t.Fatalf("PutOperation failed: %v", err)
		}

		// Transient outcome keeps the record pending and completable.
		op.Error = "timeout"
		if err := s.CompleteOperation(ctx, op); err != nil {
			t.Fatalf("pending CompleteOperation failed: %v", err)
		}

		op.Status = store.OperationCompleted
		op.Result = []byte(`"receipt-1"`)
		op.Error = ""
		if err := s.CompleteOperation(ctx, op); err != nil {
			t.Fatalf("CompleteOperation failed: %v", err)
		}

		got, err := s.GetOperation(ctx, "flow_e:1")
		if err != nil {
			t.Fatalf("GetOperation failed: %v", err)
		}
		if got.Status != store.OperationCompleted || string(got.Result) != `"receipt-1"` || got.Attempts != 1 || got.Name != "charge" {
			t.Errorf("unexpected record: %+v", got)
		}

		// Terminal records are never rewritten.
		op.Status = store.OperationFailed
		if err := s.CompleteOperation(ctx, op); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound completing terminal record, got %v", err)
		}
		if err := s.CompleteOperation(ctx, store.Operation{DedupID: "flow_e:9", Status: store.OperationCompleted}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound completing missing record, got %v", err)
		}
	})

	t.Run("terminal operation cannot be re-armed", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()

		op := store.Operation{DedupID: "flow_h:1", FlowID: "flow_h", Name: "ship", Status: store.OperationPending, Attempts: 1}
		if err := s.PutOperation(ctx, op); err != nil {
			t.Fatalf("PutOperation failed: %v", err)
		}

		// A pending record may be rewritten for another attempt.
		op.Attempts = 2
		if err := s.PutOperation(ctx, op); err != nil {
			t.Fatalf("pending PutOperation failed: %v", err)
		}

		done := op
		done.Status = store.OperationCompleted
		done.Result = []byte(`{"parcel":"p-1"}`)
		if err := s.CompleteOperation(ctx, done); err != nil {
			t.Fatalf("CompleteOperation failed: %v", err)
		}

		op.Attempts = 3
		if err := s.PutOperation(ctx, op); !errors.Is(err, store.ErrOperationTerminal) {
			t.Fatalf("expected ErrOperationTerminal, got %v", err)
		}
		got, err := s.GetOperation(ctx, "flow_h:1")
		if err != nil {
			t.Fatalf("GetOperation failed: %v", err)
		}
		if got.Status != store.OperationCompleted || got.Attempts != 2 || string(got.Result) != `{"parcel":"p-1"}` {
			t.Errorf("terminal record was rewritten: %+v", got)
		}
	})

	t.Run("operations are indexed by flow", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()

		for _, op := range []store.Operation{
			{DedupID: "flow_f:2", FlowID: "flow_f", Name: "b", Status: store.OperationPending},
			{DedupID: "flow_f:1", FlowID: "flow_f", Name: "a", Status: store.OperationCompleted},
			{DedupID: "flow_g:1", FlowID: "flow_g", Name: "c", Status: store.OperationPending},
		} {
			if err := s.PutOperation(ctx, op); err != nil {
				t.Fatalf("PutOperation failed: %v", err)
			}
		}

		ops, err := s.ListOperations(ctx, "flow_f")
		if err != nil {
			t.Fatalf("ListOperations failed: %v", err)
		}
		if len(ops) != 2 || ops[0].DedupID != "flow_f:1" || ops[1].DedupID != "flow_f:2" {
			t.Fatalf("unexpected operations: %+v", ops)
		}

		if err := s.DeleteOperations(ctx, "flow_f"); err != nil {
			t.Fatalf("DeleteOperations failed: %v", err)
		}
		ops, _ = s.ListOperations(ctx, "flow_f")
		if len(ops) != 0 {
			t.Errorf("expected no operations after delete, got %d", len(ops))
		}
		if _, err := s.GetOperation(ctx, "flow_g:1"); err != nil {
			t.Errorf("other flow's record should survive: %v", err)
		}
	})

	t.Run("closed store rejects operations", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		if err := s.Save(ctx, store.Record{FlowID: "x", Version: 1}); !errors.Is(err, store.ErrClosed) {
			t.Errorf("Save: expected ErrClosed, got %v", err)
		}
		if _, err := s.Load(ctx, "x"); !errors.Is(err, store.ErrClosed) {
			t.Errorf("Load: expected ErrClosed, got %v", err)
		}
		if _, err := s.GetOperation(ctx, "x:1"); !errors.Is(err, store.ErrClosed) {
			t.Errorf("GetOperation: expected ErrClosed, got %v", err)
		}
	})
}
