package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/flowmachine/flow/store"
)

func TestMemStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store {
		return store.NewMemStore()
	})
}

// TestMemStore_CopiesData verifies that callers mutating their buffers after
// Save or Load cannot alter the stored checkpoint.
func TestMemStore_CopiesData(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	data := []byte("original")
	if err := s.Save(ctx, store.Record{FlowID: "flow_1", Version: 1, Data: data}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data[0] = 'X'

	got, _ := s.Load(ctx, "flow_1")
	if string(got.Data) != "original" {
		t.Fatalf("stored data mutated through caller buffer: %q", got.Data)
	}
	got.Data[0] = 'Y'

	again, _ := s.Load(ctx, "flow_1")
	if string(again.Data) != "original" {
		t.Fatalf("stored data mutated through loaded buffer: %q", again.Data)
	}
}

func TestMemStore_FailSaves(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	outage := errors.New("disk full")

	if err := s.Save(ctx, store.Record{FlowID: "flow_1", Version: 1, Data: []byte("v1")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.FailSaves(outage)
	if err := s.Save(ctx, store.Record{FlowID: "flow_1", Version: 2, Data: []byte("v2")}); !errors.Is(err, outage) {
		t.Fatalf("expected injected error, got %v", err)
	}

	got, _ := s.Load(ctx, "flow_1")
	if got.Version != 1 {
		t.Errorf("failed save must leave version 1, got %d", got.Version)
	}

	s.FailSaves(nil)
	if err := s.Save(ctx, store.Record{FlowID: "flow_1", Version: 2, Data: []byte("v2")}); err != nil {
		t.Errorf("Save after recovery failed: %v", err)
	}
}
