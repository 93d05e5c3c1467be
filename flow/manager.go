package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dshills/flowmachine/flow/emit"
	"github.com/dshills/flowmachine/flow/store"
)

// FlowStatus is the manager's view of a flow.
type FlowStatus string

const (
	// StatusNotLoaded means the flow is not in memory. It may or may not
	// exist in the store.
	StatusNotLoaded FlowStatus = "not_loaded"

	// StatusLoaded means the flow is in memory and idle.
	StatusLoaded FlowStatus = "loaded"

	// StatusExecuting means a worker is running a transition for the flow.
	StatusExecuting FlowStatus = "executing"

	// StatusTerminal means the flow completed, failed or was killed.
	StatusTerminal FlowStatus = "terminal"

	// StatusParked means the flow needs manual intervention: its checkpoint
	// could not be written or read. See RetryFlow.
	StatusParked FlowStatus = "parked"
)

// ParkedFlow describes a flow waiting for manual intervention.
type ParkedFlow struct {
	FlowID FlowID
	Reason string
	Since  time.Time
}

// delivery is one queued event and the channel its outcome is reported on.
type delivery struct {
	ev  Event
	ack chan error
}

func (d delivery) done(err error) {
	if d.ack != nil {
		d.ack <- err
	}
}

// flowEntry is the manager's record of one flow. Guarded by Manager.mu.
type flowEntry struct {
	id      FlowID
	fiber   *Fiber
	status  FlowStatus
	mailbox []delivery
	queued  bool

	parkErr   error
	parkedAt  time.Time
	parked    chan struct{} // closed while the flow is parked
	done      chan struct{}
	closeOnce sync.Once
}

func newFlowEntry(id FlowID) *flowEntry {
	return &flowEntry{id: id, parked: make(chan struct{}), done: make(chan struct{})}
}

func (e *flowEntry) finish() {
	e.closeOnce.Do(func() { close(e.done) })
}

// markParked records that the flow needs manual intervention and wakes
// Wait callers. The caller holds Manager.mu.
func (e *flowEntry) markParked(err error, at time.Time) {
	e.status = StatusParked
	e.parkErr = err
	e.parkedAt = at
	select {
	case <-e.parked:
	default:
		close(e.parked)
	}
}

// unpark clears the parked state. The caller holds Manager.mu and sets the
// new status.
func (e *flowEntry) unpark() {
	e.parkErr = nil
	e.parkedAt = time.Time{}
	e.parked = make(chan struct{})
}

// Manager owns the fiber worker pool, the per-flow mailboxes and the
// persistence of every flow it hosts.
//
// Events for one flow are processed one at a time, in arrival order, and
// each checkpoint write completes before the next event for that flow is
// looked at. Different flows run in parallel on up to MaxWorkers workers.
// A suspended flow holds no goroutine and no worker.
type Manager struct {
	logics *Registry
	store  store.Store
	sm     *StateMachine
	exec   *Executor
	queue  *RunQueue

	opts       Options
	clock      Clock
	codec      Codec
	transport  Transport
	timers     TimerService
	localParty Party
	onStarted  []StartupHook
	emitter    emit.Emitter
	logger     *slog.Logger
	metrics    *PrometheusMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	flows    map[FlowID]*flowEntry
	inflight int
	started  bool
	stopped  bool
}

// NewManager creates a manager for the logics in registry, persisting to st.
// Call Start before delivering events.
func NewManager(logics *Registry, st store.Store, opts ...Option) (*Manager, error) {
	if logics == nil {
		return nil, errors.New("flow registry is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}

	cfg := &managerConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	cfg.opts.applyDefaults()
	if err := cfg.opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	if err := cfg.opts.SendRetry.Validate(); err != nil {
		return nil, fmt.Errorf("send retry policy: %w", err)
	}
	if cfg.clock == nil {
		cfg.clock = SystemClock{}
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.codec == nil {
		cfg.codec = NewJSONCodec(UseCaseCheckpoint)
	}
	if cfg.timers == nil {
		cfg.timers = NewClockTimers(cfg.clock)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logics:     logics,
		store:      st,
		sm:         NewStateMachine(logics, cfg.opts.Retry, cfg.opts.MaxStepsPerTransition),
		queue:      NewRunQueue(cfg.opts.QueueDepth),
		opts:       cfg.opts,
		clock:      cfg.clock,
		codec:      cfg.codec,
		transport:  cfg.transport,
		timers:     cfg.timers,
		localParty: cfg.localParty,
		onStarted:  cfg.onStarted,
		emitter:    cfg.emitter,
		logger:     cfg.logger,
		metrics:    cfg.metrics,
		ctx:        ctx,
		cancel:     cancel,
		flows:      make(map[FlowID]*flowEntry),
	}
	m.exec = newExecutor(st, m, cfg)
	return m, nil
}

// Executor returns the manager's external operation executor.
func (m *Manager) Executor() *Executor { return m.exec }

// StartFlow creates a flow running logic with input and returns its ID once
// the flow's first checkpoint is durable.
func (m *Manager) StartFlow(ctx context.Context, logic string, input any) (FlowID, error) {
	id := NewFlowID()
	if err := m.startFlow(ctx, id, logic, input); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) startFlow(ctx context.Context, id FlowID, logic string, input any) error {
	if _, err := m.logics.Lookup(logic); err != nil {
		return err
	}
	raw, err := marshalValue(input)
	if err != nil {
		return err
	}

	e := newFlowEntry(id)
	e.fiber = NewFiber(m.sm, NewCheckpoint(id, logic, raw))
	e.status = StatusLoaded

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if _, exists := m.flows[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("flow %s already exists", id)
	}
	m.flows[id] = e
	m.mu.Unlock()

	if err := m.DeliverEvent(ctx, id, Started()); err != nil {
		var perr *PersistenceError
		if !errors.As(err, &perr) {
			m.mu.Lock()
			delete(m.flows, id)
			m.mu.Unlock()
		}
		return err
	}
	return nil
}

// DeliverEvent queues ev for flow id and waits until it has been processed
// and, if it changed the flow, durably checkpointed.
//
// Events that do not apply to the flow's current state (a completion for
// another dedup ID, a stale timer) are accepted and discarded. Events for a
// terminal flow return ErrFlowTerminal; for a parked flow, ErrFlowParked.
func (m *Manager) DeliverEvent(ctx context.Context, id FlowID, ev Event) error {
	ack := make(chan error, 1)
	if err := m.submit(ctx, id, ev, ack); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues ev for flow id without waiting for it to be processed. It
// implements Inbound for transports, timers and the executor.
//
// Posted events are never refused for backpressure: if the run queue is
// full the event stays in the flow's mailbox and the flow is scheduled as
// soon as a slot frees up.
func (m *Manager) Post(id FlowID, ev Event) error {
	return m.submit(m.ctx, id, ev, nil)
}

func (m *Manager) submit(ctx context.Context, id FlowID, ev Event, ack chan error) error {
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}

	e, err := m.entry(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	switch e.status {
	case StatusTerminal:
		m.mu.Unlock()
		m.emit(id, -1, emit.MsgEventDiscarded, map[string]interface{}{"event": string(ev.Kind), "reason": "terminal"})
		return ErrFlowTerminal
	case StatusParked:
		m.mu.Unlock()
		return ErrFlowParked
	}

	d := delivery{ev: ev, ack: ack}
	if ev.Kind == EventKillRequested {
		e.mailbox = append([]delivery{d}, e.mailbox...)
	} else {
		e.mailbox = append(e.mailbox, d)
	}
	schedule := !e.queued
	e.queued = true
	m.mu.Unlock()

	if !schedule {
		return nil
	}
	if ack == nil {
		if m.queue.TryEnqueue(id) {
			m.metrics.UpdateQueueDepth(m.queue.Len())
			return nil
		}
		m.metrics.IncrementBackpressure("queue_full")
		go m.enqueueWhenFree(id)
		return nil
	}
	if err := m.enqueue(ctx, id); err != nil {
		m.mu.Lock()
		e.mailbox = removeDelivery(e.mailbox, ack, ev)
		pending := len(e.mailbox) > 0
		if !pending {
			e.queued = false
		}
		m.mu.Unlock()
		if pending {
			go m.enqueueWhenFree(id)
		}
		return err
	}
	return nil
}

// enqueueWhenFree schedules a flow whose mailbox holds events nobody is
// waiting on, blocking until the run queue has room or the manager stops.
// Stop nacks whatever is still queued.
func (m *Manager) enqueueWhenFree(id FlowID) {
	if err := m.queue.Enqueue(m.ctx, id); err != nil {
		return
	}
	m.metrics.UpdateQueueDepth(m.queue.Len())
}

func removeDelivery(box []delivery, ack chan error, ev Event) []delivery {
	for i, d := range box {
		if d.ack == ack && d.ev.Kind == ev.Kind && d.ev.At.Equal(ev.At) && d.ev.DedupID == ev.DedupID {
			return append(box[:i:i], box[i+1:]...)
		}
	}
	return box
}

// enqueue puts a flow on the run queue, waiting up to the backpressure
// timeout for space.
func (m *Manager) enqueue(ctx context.Context, id FlowID) error {
	if m.queue.TryEnqueue(id) {
		m.metrics.UpdateQueueDepth(m.queue.Len())
		return nil
	}

	m.metrics.IncrementBackpressure("queue_full")
	waitCtx, cancel := context.WithTimeout(ctx, m.opts.BackpressureTimeout)
	defer cancel()
	if err := m.queue.Enqueue(waitCtx, id); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			m.metrics.IncrementBackpressure("timeout")
			return ErrBackpressureTimeout
		}
		if m.ctx.Err() != nil {
			return ErrManagerStopped
		}
		return err
	}
	m.metrics.UpdateQueueDepth(m.queue.Len())
	return nil
}

// entry returns the in-memory entry for id, loading the flow from the
// store if it is not in memory.
func (m *Manager) entry(ctx context.Context, id FlowID) (*flowEntry, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	e, ok := m.flows[id]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	rec, err := m.store.Load(ctx, string(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}

	loaded, cp := m.rehydrate(rec)

	m.mu.Lock()
	if existing, ok := m.flows[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.flows[id] = loaded
	m.mu.Unlock()

	if loaded.status == StatusLoaded {
		m.rearm(ctx, cp, m.opts.ReissuePendingOnStart)
	}
	return loaded, nil
}

// rehydrate builds an entry from a stored record. Undecodable checkpoints
// and checkpoints naming an unregistered logic are parked, never dropped.
func (m *Manager) rehydrate(rec store.Record) (*flowEntry, Checkpoint) {
	id := FlowID(rec.FlowID)
	e := newFlowEntry(id)

	var (
		cp  Checkpoint
		err error
	)
	if rec.Data == nil {
		err = &CorruptCheckpointError{FlowID: id, Err: errors.New("checkpoint unreadable")}
	} else {
		cp, err = m.codec.Decode(rec.Data)
		var cerr *CorruptCheckpointError
		if errors.As(err, &cerr) && cerr.FlowID == "" {
			cerr.FlowID = id
		}
	}
	if err == nil && cp.FlowID != id {
		err = &CorruptCheckpointError{FlowID: id, Err: fmt.Errorf("checkpoint belongs to %s", cp.FlowID)}
	}
	if err == nil {
		if _, lerr := m.logics.Lookup(cp.Logic); lerr != nil {
			err = lerr
		}
	}

	if err != nil {
		e.markParked(err, m.clock.Now())
		m.emit(id, -1, emit.MsgCheckpointCorrupted, map[string]interface{}{"error": err.Error()})
		m.logger.Error("flow parked at load", "flow_id", id, "error", err)
		return e, Checkpoint{}
	}

	e.fiber = NewFiber(m.sm, cp)
	if cp.State.Terminal() {
		e.status = StatusTerminal
		e.finish()
	} else {
		e.status = StatusLoaded
	}
	return e, cp
}

// rearm performs the resume actions of a rehydrated flow. It returns the
// actions performed.
func (m *Manager) rearm(ctx context.Context, cp Checkpoint, reissue bool) []Action {
	actions := m.sm.Resume(cp, reissue)
	r := runner{m: m}
	for _, a := range actions {
		r.Execute(ctx, cp, a)
	}
	if len(actions) > 0 {
		m.emit(cp.FlowID, cp.State.Step, emit.MsgFlowResumed, map[string]interface{}{
			"version": cp.Version,
			"actions": len(actions),
		})
	}
	return actions
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		id, err := m.queue.Dequeue(m.ctx)
		if err != nil {
			return
		}
		m.metrics.UpdateQueueDepth(m.queue.Len())
		m.runFlow(id)
	}
}

// runFlow drains a flow's mailbox one event at a time. After each event the
// flow goes back to the end of the run queue if more events are waiting, so
// a busy flow cannot starve the others.
func (m *Manager) runFlow(id FlowID) {
	for {
		m.mu.Lock()
		e := m.flows[id]
		if e == nil {
			m.mu.Unlock()
			return
		}
		if len(e.mailbox) == 0 {
			e.queued = false
			m.mu.Unlock()
			return
		}
		if m.stopped {
			m.nackLocked(e, ErrManagerStopped)
			m.mu.Unlock()
			return
		}
		switch e.status {
		case StatusTerminal:
			m.nackLocked(e, ErrFlowTerminal)
			m.mu.Unlock()
			return
		case StatusParked:
			m.nackLocked(e, ErrFlowParked)
			m.mu.Unlock()
			return
		}

		d := e.mailbox[0]
		e.mailbox = e.mailbox[1:]
		e.status = StatusExecuting
		m.inflight++
		m.metrics.UpdateInflight(m.inflight)
		m.mu.Unlock()

		next, err := m.process(e, d.ev)

		m.mu.Lock()
		m.inflight--
		m.metrics.UpdateInflight(m.inflight)
		if next == StatusParked {
			e.markParked(err, m.clock.Now())
			m.metrics.UpdateParked(m.parkedLocked())
		} else {
			e.status = next
		}
		more := len(e.mailbox) > 0
		m.mu.Unlock()
		d.done(err)

		if !more {
			continue
		}
		if m.queue.TryEnqueue(id) {
			m.metrics.UpdateQueueDepth(m.queue.Len())
			return
		}
	}
}

// nackLocked fails every queued delivery of e with err.
func (m *Manager) nackLocked(e *flowEntry, err error) {
	for _, d := range e.mailbox {
		d.done(err)
	}
	e.mailbox = nil
	e.queued = false
}

// process runs one event through a flow's fiber and returns the flow's
// resulting status.
func (m *Manager) process(e *flowEntry, ev Event) (FlowStatus, error) {
	start := time.Now()
	before := e.fiber.Snapshot()

	tr, err := e.fiber.ScheduleEvent(m.ctx, ev, runner{m: m})
	if err != nil {
		m.metrics.IncrementPersistenceFailures()
		m.metrics.RecordTransition(before.Logic, time.Since(start), "persist_error")
		m.emit(e.id, before.Step, emit.MsgPersistenceFailed, map[string]interface{}{
			"version": before.Version + 1,
			"error":   err.Error(),
		})
		m.logger.Error("checkpoint write failed, flow parked", "flow_id", e.id, "event", ev.Kind, "error", err)
		m.emit(e.id, before.Step, emit.MsgFlowParked, map[string]interface{}{"error": err.Error()})
		return StatusParked, err
	}

	if !tr.Changed {
		m.metrics.RecordTransition(before.Logic, time.Since(start), "unchanged")
		if len(tr.Actions) == 0 {
			m.emit(e.id, before.Step, emit.MsgEventDiscarded, map[string]interface{}{
				"event": string(ev.Kind),
				"state": string(before.State.Kind),
			})
		}
		return StatusLoaded, nil
	}
	m.metrics.RecordTransition(before.Logic, time.Since(start), "changed")

	next := tr.Next
	if ev.Kind == EventOperationCompleted {
		if rec, ok := next.Operations[ev.DedupID]; ok {
			if err := m.exec.RecordOutcome(m.ctx, ev.DedupID, rec); err != nil {
				m.logger.Warn("failed to settle operation record", "flow_id", e.id, "dedup_id", ev.DedupID, "error", err)
			}
		}
	}

	m.emitTransition(ev, next)
	if !next.State.Terminal() {
		return StatusLoaded, nil
	}

	if !m.opts.RetainTerminal {
		m.purge(e.id)
	}
	e.finish()
	return StatusTerminal, nil
}

// purge removes a terminal flow's checkpoint and operation records.
func (m *Manager) purge(id FlowID) {
	if err := m.store.DeleteOperations(m.ctx, string(id)); err != nil {
		m.logger.Warn("failed to delete operation records", "flow_id", id, "error", err)
	}
	if err := m.store.Delete(m.ctx, string(id)); err != nil {
		m.logger.Warn("failed to delete checkpoint", "flow_id", id, "error", err)
	}
}

func (m *Manager) emitTransition(ev Event, cp Checkpoint) {
	st := cp.State
	meta := map[string]interface{}{"version": cp.Version, "state": string(st.Kind)}

	if ev.Kind == EventStarted {
		m.emit(cp.FlowID, 0, emit.MsgFlowStarted, map[string]interface{}{"logic": cp.Logic})
		m.logger.Info("flow started", "flow_id", cp.FlowID, "logic", cp.Logic)
	}

	switch st.Kind {
	case StateSuspended:
		meta["wait"] = string(st.Wait.Kind)
		if st.Wait.DedupID != "" {
			meta["dedup_id"] = string(st.Wait.DedupID)
		}
		if st.Attempt > 0 {
			meta["attempt"] = st.Attempt
		}
		m.emit(cp.FlowID, st.Step, emit.MsgFlowSuspended, meta)
	case StateCompleted:
		m.emit(cp.FlowID, st.Step, emit.MsgFlowCompleted, meta)
		m.logger.Info("flow completed", "flow_id", cp.FlowID, "step", st.Step)
	case StateFailed:
		meta["error"] = st.Error.Error()
		m.emit(cp.FlowID, st.Step, emit.MsgFlowFailed, meta)
		m.logger.Warn("flow failed", "flow_id", cp.FlowID, "step", st.Step, "error", st.Error.Error())
	case StateKilled:
		m.emit(cp.FlowID, st.Step, emit.MsgFlowKilled, meta)
		m.logger.Info("flow killed", "flow_id", cp.FlowID, "step", st.Step)
	}
}

func (m *Manager) emit(id FlowID, step int, msg string, meta map[string]interface{}) {
	m.emitter.Emit(emit.Event{FlowID: string(id), Step: step, Msg: msg, Meta: meta})
}

// runner performs transition actions for the manager's fibers.
type runner struct {
	m *Manager
}

// Persist implements ActionRunner.
func (r runner) Persist(ctx context.Context, cp Checkpoint) error {
	m := r.m
	data, err := m.codec.Encode(cp)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, store.Record{
		FlowID:    string(cp.FlowID),
		Version:   cp.Version,
		Status:    string(cp.State.Kind),
		Data:      data,
		UpdatedAt: cp.Timestamp,
	}); err != nil {
		return err
	}
	m.emit(cp.FlowID, cp.State.Step, emit.MsgCheckpointWritten, map[string]interface{}{
		"version": cp.Version,
		"bytes":   len(data),
	})
	return nil
}

// Execute implements ActionRunner.
func (r runner) Execute(ctx context.Context, cp Checkpoint, a Action) {
	m := r.m
	switch a.Kind {
	case ActionRequestOperation:
		m.exec.Submit(ctx, *a.Request)
	case ActionScheduleTimer:
		m.timers.Schedule(cp.FlowID, a.Deadline, m)
		m.emit(cp.FlowID, cp.State.Step, emit.MsgTimerScheduled, map[string]interface{}{
			"deadline": a.Deadline.Format(time.RFC3339Nano),
		})
	case ActionSendMessage:
		msg := *a.Message
		if msg.From == "" {
			msg.From = m.localParty
		}
		go m.send(cp.FlowID, cp.State.Step, msg)
	case ActionComplete, ActionFail:
		// Terminal states are handled once the transition is durable.
	}
}

// send delivers msg with the send retry policy. The receiver drops
// duplicates by message ID, so a retry after an ambiguous failure is safe.
func (m *Manager) send(id FlowID, step int, msg Message) {
	if m.transport == nil {
		m.logger.Warn("no transport configured, message dropped", "flow_id", id, "to", msg.To, "message_id", msg.ID)
		return
	}

	policy := m.opts.SendRetry
	for attempt := 1; ; attempt++ {
		err := m.transport.Send(m.ctx, msg)
		if err == nil {
			m.emit(id, step, emit.MsgMessageSent, map[string]interface{}{
				"to":         string(msg.To),
				"session_id": msg.SessionID,
				"message_id": msg.ID,
				"attempt":    attempt,
			})
			return
		}
		if !policy.transient(err) || attempt >= policy.MaxAttempts {
			m.logger.Error("message send failed", "flow_id", id, "to", msg.To, "message_id", msg.ID, "attempt", attempt, "error", err)
			return
		}

		select {
		case <-time.After(policy.Delay(msg.ID, attempt)):
		case <-m.ctx.Done():
			return
		}
	}
}

// GetState returns a deep copy of the flow's current state.
func (m *Manager) GetState(ctx context.Context, id FlowID) (FlowState, error) {
	snap, err := m.Snapshot(ctx, id)
	if err != nil {
		return FlowState{}, err
	}
	return snap.State, nil
}

// Snapshot returns a deep-copied view of the flow.
func (m *Manager) Snapshot(ctx context.Context, id FlowID) (Snapshot, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	fiber, parkErr := e.fiber, e.parkErr
	m.mu.Unlock()
	if fiber == nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrFlowParked, parkErr)
	}
	return fiber.Snapshot(), nil
}

// KillFlow forces a non-terminal flow to Killed. The kill is processed
// ahead of the flow's other queued events; completions that arrive later
// are discarded.
func (m *Manager) KillFlow(ctx context.Context, id FlowID) error {
	return m.DeliverEvent(ctx, id, KillRequested())
}

// RetryFlow asks a flow to re-attempt whatever it is waiting on. For a
// parked flow it first reloads the last durable checkpoint and, if that
// succeeds, resumes the flow from it.
func (m *Manager) RetryFlow(ctx context.Context, id FlowID) error {
	e, err := m.entry(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	parked := e.status == StatusParked
	m.mu.Unlock()
	if !parked {
		return m.DeliverEvent(ctx, id, RetryRequested())
	}

	rec, err := m.store.Load(ctx, string(id))
	if err != nil {
		return fmt.Errorf("reload parked flow %s: %w", id, err)
	}
	fresh, cp := m.rehydrate(rec)
	if fresh.status == StatusParked {
		return fmt.Errorf("%w: %v", ErrFlowParked, fresh.parkErr)
	}

	m.mu.Lock()
	e.fiber = fresh.fiber
	e.unpark()
	e.status = fresh.status
	m.metrics.UpdateParked(m.parkedLocked())
	m.mu.Unlock()

	m.logger.Info("parked flow reloaded", "flow_id", id, "version", cp.Version)
	if fresh.status == StatusTerminal {
		e.finish()
		return nil
	}
	m.rearm(ctx, cp, true)
	return nil
}

// Wait blocks until the flow is terminal and returns its final state. The
// error is the flow's failure for Failed and Killed flows.
//
// Wait also returns when the flow is parked. The error then wraps both
// ErrFlowParked and the cause (a *PersistenceError when a checkpoint write
// failed), and the state is the last durable one. The flow is still live
// and can be resumed with RetryFlow.
func (m *Manager) Wait(ctx context.Context, id FlowID) (FlowState, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return FlowState{}, err
	}
	for {
		m.mu.Lock()
		fiber, status, parkErr, parked := e.fiber, e.status, e.parkErr, e.parked
		m.mu.Unlock()
		if status == StatusParked {
			var st FlowState
			if fiber != nil {
				st = fiber.Snapshot().State
			}
			return st, fmt.Errorf("%w: %w", ErrFlowParked, parkErr)
		}

		select {
		case <-e.done:
			m.mu.Lock()
			fiber = e.fiber
			m.mu.Unlock()
			st := fiber.Snapshot().State
			return st, st.Err()
		case <-parked:
		case <-ctx.Done():
			return FlowState{}, ctx.Err()
		}
	}
}

// Status reports the manager's view of a flow.
func (m *Manager) Status(id FlowID) FlowStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.flows[id]; ok {
		return e.status
	}
	return StatusNotLoaded
}

// ParkedFlows lists flows waiting for manual intervention, by flow ID.
func (m *Manager) ParkedFlows() []ParkedFlow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ParkedFlow
	for id, e := range m.flows {
		if e.status == StatusParked {
			out = append(out, ParkedFlow{FlowID: id, Reason: e.parkErr.Error(), Since: e.parkedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out
}

func (m *Manager) parkedLocked() int {
	n := 0
	for _, e := range m.flows {
		if e.status == StatusParked {
			n++
		}
	}
	return n
}

// Stop stops the workers, timers and executor. Queued events are nacked
// with ErrManagerStopped. Every flow's state is already durable, so a new
// manager over the same store resumes where this one stopped. The store is
// not closed.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for _, e := range m.flows {
		m.nackLocked(e, ErrManagerStopped)
	}
	m.mu.Unlock()

	m.cancel()
	m.timers.Stop()
	m.exec.Stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.emit("", 0, emit.MsgManagerStopped, nil)
	m.logger.Info("flow manager stopped")
	return nil
}
