package ops_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowmachine/flow"
	"github.com/dshills/flowmachine/flow/ops"
	"github.com/dshills/flowmachine/flow/store"
)

func TestOperation_RetriedUntilSuccess(t *testing.T) {
	charge := &ops.Mock{
		Errs:      []error{flow.Transient(errors.New("busy")), flow.Transient(errors.New("busy"))},
		Responses: []any{map[string]string{"receipt": "r-1"}},
	}
	reg := flow.NewRegistry(flow.NewLogic("pay", func(sc flow.StepContext) flow.Instruction {
		if sc.Step == 0 {
			return flow.Await(ops.Operation("charge", charge))
		}
		return flow.Complete(sc.Results[0])
	}))

	mgr, err := flow.NewManager(reg, store.NewMemStore(),
		flow.WithRetryPolicy(flow.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		flow.WithRetainTerminal(true))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = mgr.Start(ctx)
	require.NoError(t, err)
	defer func() { _ = mgr.Stop(context.Background()) }()

	id, err := mgr.StartFlow(ctx, "pay", nil)
	require.NoError(t, err)
	st, err := mgr.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, flow.StateCompleted, st.Kind)
	assert.JSONEq(t, `{"receipt":"r-1"}`, string(st.Result))
	require.Equal(t, 3, charge.CallCount())
	want := flow.NewDedupID(id, 0)
	for _, got := range charge.Calls {
		assert.Equal(t, want, got)
	}
}
