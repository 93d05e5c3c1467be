package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/flowmachine/flow/emit"
	"github.com/dshills/flowmachine/flow/store"
)

// Executor runs external operations on behalf of suspended flows and
// delivers their outcomes back as OperationCompleted events.
//
// Every operation is keyed by its dedup ID in the operation store. Before
// invoking, the Executor consults the record:
//
//   - terminal: the stored outcome is replayed, the operation is not called
//   - in flight in this process: the request is a no-op
//   - pending from an earlier process: not called unless the request is a
//     reissue (retry timer, RetryFlow, or ReissuePendingOnStart)
//
// The record is written Pending before the call and terminal after it, so
// an operation whose record is terminal is never invoked again.
//
// Blocking operations run on a bounded pool; future operations manage their
// own concurrency. Neither ever blocks the fiber worker that submitted it.
type Executor struct {
	ops     store.OperationStore
	inbound Inbound
	sem     *semaphore.Weighted
	retry   RetryPolicy
	clock   Clock

	timeout   time.Duration
	timeouts  map[string]time.Duration
	breakerCf *CircuitBreakerSettings

	emitter emit.Emitter
	logger  *slog.Logger
	metrics *PrometheusMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[DedupID]struct{}
	breakers map[string]*gobreaker.CircuitBreaker[json.RawMessage]
	stopped  bool
}

func newExecutor(ops store.OperationStore, in Inbound, cfg *managerConfig) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		ops:       ops,
		inbound:   in,
		sem:       semaphore.NewWeighted(int64(cfg.opts.BlockingPoolSize)),
		retry:     cfg.opts.Retry,
		clock:     cfg.clock,
		timeout:   cfg.opts.OperationTimeout,
		timeouts:  cfg.opts.OperationTimeouts,
		breakerCf: cfg.breaker,
		emitter:   cfg.emitter,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[DedupID]struct{}),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[json.RawMessage]),
	}
}

// Submit starts req without blocking on the operation itself.
func (e *Executor) Submit(ctx context.Context, req OperationRequest) {
	d := req.DedupID

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if _, busy := e.inflight[d]; busy {
		e.mu.Unlock()
		return
	}
	e.inflight[d] = struct{}{}
	e.mu.Unlock()

	now := e.clock.Now()
	rec, err := e.ops.GetOperation(ctx, string(d))
	switch {
	case err == nil && rec.Status.Terminal():
		e.release(d)
		e.replay(req, rec)
		return

	case err == nil && !req.Reissue:
		// Pending from an earlier process; its outcome arrives through
		// DeliverEvent or a later reissue.
		e.release(d)
		e.logger.Debug("operation pending from earlier run, not reissued",
			"flow_id", req.FlowID, "dedup_id", d, "attempts", rec.Attempts)
		return

	case err == nil:
		rec.Attempts++
		rec.Status = store.OperationPending
		rec.UpdatedAt = now

	case errors.Is(err, store.ErrNotFound):
		rec = store.Operation{
			DedupID:   string(d),
			FlowID:    string(req.FlowID),
			Name:      req.Operation.Name,
			Status:    store.OperationPending,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}

	default:
		e.release(d)
		e.fail(req, Transient(fmt.Errorf("read operation record %s: %w", d, err)))
		return
	}

	if err := e.ops.PutOperation(ctx, rec); err != nil {
		e.release(d)
		if errors.Is(err, store.ErrOperationTerminal) {
			// Finished between the read and the write, possibly in another process.
			if rec, err := e.ops.GetOperation(ctx, string(d)); err == nil && rec.Status.Terminal() {
				e.replay(req, rec)
				return
			}
		}
		e.fail(req, Transient(fmt.Errorf("write operation record %s: %w", d, err)))
		return
	}

	e.emitter.Emit(emit.Event{
		FlowID: string(req.FlowID),
		Step:   req.Step,
		Msg:    emit.MsgOperationRequested,
		Meta: map[string]interface{}{
			"dedup_id":  string(d),
			"operation": req.Operation.Name,
			"kind":      string(req.Operation.Kind),
			"attempt":   rec.Attempts,
		},
	})

	switch req.Operation.Kind {
	case OperationFuture:
		e.startFuture(req)
	default:
		go e.runBlocking(req)
	}
}

// replay delivers a stored terminal outcome without invoking the operation.
func (e *Executor) replay(req OperationRequest, rec store.Operation) {
	e.metrics.IncrementReplays(req.Operation.Name)
	e.emitter.Emit(emit.Event{
		FlowID: string(req.FlowID),
		Step:   req.Step,
		Msg:    emit.MsgOperationReplayed,
		Meta:   map[string]interface{}{"dedup_id": string(rec.DedupID), "status": string(rec.Status)},
	})
	go e.deliver(req.FlowID, eventFromRecord(rec))
}

// startFuture calls the future factory on the submitting goroutine and
// waits for its outcome in a new one.
func (e *Executor) startFuture(req OperationRequest) {
	ch, err := e.callFuture(req)
	if err != nil {
		go e.finish(req, nil, err)
		return
	}
	go func() {
		select {
		case o, ok := <-ch:
			if !ok {
				e.finish(req, nil, Transient(fmt.Errorf("operation %s: future closed without outcome", req.Operation.Name)))
				return
			}
			e.finish(req, o.Result, o.Err)
		case <-e.ctx.Done():
			e.release(req.DedupID)
		}
	}()
}

func (e *Executor) callFuture(req OperationRequest) (ch <-chan Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FlowError{Code: CodePanic, Message: fmt.Sprintf("operation %s panicked: %v", req.Operation.Name, r)}
		}
	}()
	return req.Operation.future(e.ctx, req.DedupID)
}

// runBlocking runs a Result operation on the bounded pool.
func (e *Executor) runBlocking(req OperationRequest) {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		e.release(req.DedupID)
		return
	}
	defer e.sem.Release(1)

	result, err := e.callBlocking(req)
	e.finish(req, result, err)
}

func (e *Executor) callBlocking(req OperationRequest) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FlowError{Code: CodePanic, Message: fmt.Sprintf("operation %s panicked: %v", req.Operation.Name, r)}
		}
	}()

	op := req.Operation
	timeout := operationTimeout(op.Name, e.timeouts, e.timeout)
	call := func() (json.RawMessage, error) {
		return runWithTimeout(e.ctx, op.result, req.DedupID, op.Name, timeout)
	}

	cb := e.breaker(op.Name)
	if cb == nil {
		return call()
	}
	result, err = cb.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Transient(fmt.Errorf("operation %s: %w", op.Name, err))
	}
	return result, err
}

// breaker returns the circuit breaker for an operation name, or nil when
// circuit breaking is off.
func (e *Executor) breaker(name string) *gobreaker.CircuitBreaker[json.RawMessage] {
	if e.breakerCf == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[name]; ok {
		return cb
	}

	s := *e.breakerCf
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("operation circuit breaker changed state",
				"operation", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !e.retry.transient(err)
		},
	})
	e.breakers[name] = cb
	return cb
}

// finish records an outcome and delivers it to the flow. The dedup ID stays
// in flight until the record is written, so a concurrent reissue can never
// observe the record Pending while this outcome is being stored.
func (e *Executor) finish(req OperationRequest, result json.RawMessage, opErr error) {
	d := req.DedupID

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		// The record stays Pending; the next process decides whether to reissue.
		e.release(d)
		return
	}

	var (
		ev     Event
		update = store.Operation{DedupID: string(d)}
		status string
	)
	switch {
	case opErr == nil:
		if len(result) == 0 {
			result = nullResult
		}
		ev = OperationSucceeded(d, result)
		update.Status = store.OperationCompleted
		update.Result = result
		status = "completed"

	case e.retry.transient(opErr):
		info := NewErrorInfo(opErr)
		info.Transient = true
		ev = Event{Kind: EventOperationCompleted, DedupID: d, Error: info}
		update.Status = store.OperationPending
		update.Error = encodeErrorInfo(info)
		status = "transient"
		e.metrics.IncrementRetries(req.Operation.Name, reasonFor(info))

	default:
		info := NewErrorInfo(opErr)
		info.Transient = false
		ev = Event{Kind: EventOperationCompleted, DedupID: d, Error: info}
		update.Status = store.OperationFailed
		update.Error = encodeErrorInfo(info)
		status = "failed"
	}

	if err := e.ops.CompleteOperation(e.ctx, update); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("failed to record operation outcome",
			"flow_id", req.FlowID, "dedup_id", d, "error", err)
	}
	e.release(d)

	e.metrics.IncrementOperations(req.Operation.Name, status)
	e.emitter.Emit(emit.Event{
		FlowID: string(req.FlowID),
		Step:   req.Step,
		Msg:    emit.MsgOperationCompleted,
		Meta:   map[string]interface{}{"dedup_id": string(d), "status": status},
	})
	e.deliver(req.FlowID, ev)
}

// fail delivers a transient failure without invoking the operation.
func (e *Executor) fail(req OperationRequest, err error) {
	e.logger.Warn("external operation not started", "flow_id", req.FlowID, "dedup_id", req.DedupID, "error", err)
	go e.deliver(req.FlowID, OperationFailed(req.DedupID, err))
}

func (e *Executor) deliver(id FlowID, ev Event) {
	if err := e.inbound.Post(id, ev); err != nil {
		e.logger.Debug("operation outcome not delivered", "flow_id", id, "dedup_id", ev.DedupID, "error", err)
	}
}

func (e *Executor) release(d DedupID) {
	e.mu.Lock()
	delete(e.inflight, d)
	e.mu.Unlock()
}

// RecordOutcome writes a terminal outcome that reached a flow by some other
// route than this executor, such as DeliverEvent after a restart. It is a
// no-op if the record is already terminal or missing.
func (e *Executor) RecordOutcome(ctx context.Context, d DedupID, rec OperationRecord) error {
	update := store.Operation{DedupID: string(d), Status: rec.Status, Result: rec.Result}
	if rec.Error != nil {
		update.Error = encodeErrorInfo(rec.Error)
	}
	err := e.ops.CompleteOperation(ctx, update)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Operation returns the stored record for d, for diagnostics.
func (e *Executor) Operation(ctx context.Context, d DedupID) (store.Operation, error) {
	return e.ops.GetOperation(ctx, string(d))
}

// InFlight returns the number of operations running in this process.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Stop cancels running operations. Outcomes that arrive afterwards are
// dropped and their records stay Pending.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
}

func eventFromRecord(rec store.Operation) Event {
	d := DedupID(rec.DedupID)
	if rec.Status == store.OperationCompleted {
		return OperationSucceeded(d, rec.Result)
	}
	info := decodeErrorInfo(rec.Error)
	info.Transient = false
	return Event{Kind: EventOperationCompleted, DedupID: d, Error: info}
}

func encodeErrorInfo(info *ErrorInfo) string {
	b, err := json.Marshal(info)
	if err != nil {
		return info.Message
	}
	return string(b)
}

func decodeErrorInfo(s string) *ErrorInfo {
	var info ErrorInfo
	if err := json.Unmarshal([]byte(s), &info); err != nil || info.Message == "" {
		return &ErrorInfo{Message: s}
	}
	return &info
}

func reasonFor(info *ErrorInfo) string {
	if info.Code == CodeOperationTimeout {
		return "timeout"
	}
	return "transient"
}
