package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// operationTimeout determines the timeout for an operation: a per-name
// override, then the executor default, then 0 (unlimited).
func operationTimeout(name string, overrides map[string]time.Duration, defaultTimeout time.Duration) time.Duration {
	if d, ok := overrides[name]; ok && d > 0 {
		return d
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// runWithTimeout calls a blocking operation, bounding it by timeout when
// one is set. Exceeding the timeout is a transient failure, so the step is
// retried under the retry policy.
func runWithTimeout(ctx context.Context, fn ResultFunc, dedupID DedupID, name string, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		return fn(ctx, dedupID)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(timeoutCtx, dedupID)
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, Transient(&FlowError{
			Message: fmt.Sprintf("operation %s (%s) exceeded timeout of %v", name, dedupID, timeout),
			Code:    CodeOperationTimeout,
		})
	}
	return result, err
}
