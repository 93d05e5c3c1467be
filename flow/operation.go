package flow

import (
	"context"
	"encoding/json"
	"fmt"
)

// OperationKind tags the ExternalOperation variant.
type OperationKind string

const (
	// OperationFuture is work that reports completion asynchronously through
	// a channel and manages its own concurrency.
	OperationFuture OperationKind = "future"

	// OperationResult is blocking work run on the executor's bounded pool.
	OperationResult OperationKind = "result"
)

// Outcome is the result of one external operation invocation.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// FutureFunc starts deferred work and returns a channel that yields exactly
// one Outcome. It is called on the submitting goroutine and must not block.
type FutureFunc func(ctx context.Context, dedupID DedupID) (<-chan Outcome, error)

// ResultFunc performs blocking work and returns its result directly.
type ResultFunc func(ctx context.Context, dedupID DedupID) (json.RawMessage, error)

// ExternalOperation is work a flow waits on outside its deterministic logic.
// Exactly one of the two function fields is set, matching Kind.
//
// Implementations should use the dedup ID they are given to make their own
// side effects idempotent: a crash can happen after the call but before its
// outcome is recorded.
type ExternalOperation struct {
	Kind OperationKind
	Name string

	future FutureFunc
	result ResultFunc
}

// FutureOperation builds a future-style operation.
func FutureOperation(name string, fn FutureFunc) ExternalOperation {
	return ExternalOperation{Kind: OperationFuture, Name: name, future: fn}
}

// ResultOperation builds a blocking operation.
func ResultOperation(name string, fn ResultFunc) ExternalOperation {
	return ExternalOperation{Kind: OperationResult, Name: name, result: fn}
}

// TypedOutcome is the typed counterpart of Outcome used by FutureOf.
type TypedOutcome[T any] struct {
	Value T
	Err   error
}

// ResultOf adapts a typed blocking function. The value is JSON-encoded into
// the flow's results; an encoding failure fails the operation permanently.
//
// Example:
//
//	charge := flow.ResultOf("charge", func(ctx context.Context, id flow.DedupID) (Receipt, error) {
//	    return payments.Charge(ctx, string(id), amount)
//	})
func ResultOf[T any](name string, fn func(ctx context.Context, dedupID DedupID) (T, error)) ExternalOperation {
	return ResultOperation(name, func(ctx context.Context, dedupID DedupID) (json.RawMessage, error) {
		v, err := fn(ctx, dedupID)
		if err != nil {
			return nil, err
		}
		return marshalValue(v)
	})
}

// FutureOf adapts a typed future-style function.
func FutureOf[T any](name string, fn func(ctx context.Context, dedupID DedupID) (<-chan TypedOutcome[T], error)) ExternalOperation {
	return FutureOperation(name, func(ctx context.Context, dedupID DedupID) (<-chan Outcome, error) {
		typed, err := fn(ctx, dedupID)
		if err != nil {
			return nil, err
		}
		out := make(chan Outcome, 1)
		go func() {
			defer close(out)
			select {
			case o, ok := <-typed:
				if !ok {
					out <- Outcome{Err: Transient(fmt.Errorf("operation %s: future closed without outcome", name))}
					return
				}
				if o.Err != nil {
					out <- Outcome{Err: o.Err}
					return
				}
				raw, err := marshalValue(o.Value)
				out <- Outcome{Result: raw, Err: err}
			case <-ctx.Done():
				out <- Outcome{Err: Transient(ctx.Err())}
			}
		}()
		return out, nil
	})
}

func (op ExternalOperation) validate() error {
	switch {
	case op.Kind == OperationFuture && op.future != nil:
		return nil
	case op.Kind == OperationResult && op.result != nil:
		return nil
	default:
		return &FlowError{Code: CodeInvalidOperation, Message: fmt.Sprintf("operation %q has no function for kind %q", op.Name, op.Kind)}
	}
}

func (op ExternalOperation) waitKind() WaitKind {
	if op.Kind == OperationFuture {
		return WaitExternalFuture
	}
	return WaitExternalResult
}

func marshalValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &FlowError{Code: CodeInvalidOperation, Message: "failed to encode value", Cause: err}
	}
	return b, nil
}
