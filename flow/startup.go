package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/flowmachine/flow/emit"
	"github.com/dshills/flowmachine/flow/store"
)

// onceFlowID owns the markers written by StartFlowOnce. Markers outlive
// the flows they started, so a purged flow is not started again.
const onceFlowID = "_once"

// StartupReport summarizes what Manager.Start found in the store.
type StartupReport struct {
	// Loaded is the number of non-terminal flows rehydrated.
	Loaded int

	// Terminal is the number of retained terminal flows found.
	Terminal int

	// Parked lists checkpoints that could not be resumed.
	Parked []ParkedFlow

	// Requested is the number of external operations re-requested.
	Requested int

	// Timers is the number of timers re-armed.
	Timers int

	// Resent is the number of outbox messages re-sent.
	Resent int

	// Duration is the time Start took.
	Duration time.Duration
}

// Start rehydrates every flow in the store, re-arms their timers, external
// operations and outboxes, starts the workers, and finally runs the
// startup hooks.
//
// Checkpoints that cannot be decoded, or that name an unregistered logic,
// are parked and listed in the report; they are never resumed and never
// deleted.
func (m *Manager) Start(ctx context.Context) (StartupReport, error) {
	began := time.Now()
	var report StartupReport

	m.mu.Lock()
	switch {
	case m.stopped:
		m.mu.Unlock()
		return report, ErrManagerStopped
	case m.started:
		m.mu.Unlock()
		return report, errors.New("flow manager already started")
	}
	m.started = true
	m.mu.Unlock()

	records, err := m.store.LoadAll(ctx)
	if err != nil {
		return report, fmt.Errorf("load checkpoints: %w", err)
	}

	type loaded struct {
		entry *flowEntry
		cp    Checkpoint
	}
	results := make([]loaded, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxWorkers)
	for i, rec := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e, cp := m.rehydrate(rec)
			results[i] = loaded{entry: e, cp: cp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	m.mu.Lock()
	for _, r := range results {
		if _, exists := m.flows[r.entry.id]; exists {
			continue
		}
		m.flows[r.entry.id] = r.entry
		switch r.entry.status {
		case StatusParked:
			report.Parked = append(report.Parked, ParkedFlow{
				FlowID: r.entry.id,
				Reason: r.entry.parkErr.Error(),
				Since:  r.entry.parkedAt,
			})
		case StatusTerminal:
			report.Terminal++
		default:
			report.Loaded++
		}
	}
	m.metrics.UpdateParked(m.parkedLocked())
	m.mu.Unlock()

	for _, r := range results {
		if r.entry.status != StatusLoaded {
			continue
		}
		for _, a := range m.rearm(ctx, r.cp, m.opts.ReissuePendingOnStart) {
			switch a.Kind {
			case ActionRequestOperation:
				report.Requested++
			case ActionScheduleTimer:
				report.Timers++
			case ActionSendMessage:
				report.Resent++
			}
		}
	}

	for i := 0; i < m.opts.MaxWorkers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	report.Duration = time.Since(began)
	m.emit("", 0, emit.MsgManagerStarted, map[string]interface{}{
		"loaded":   report.Loaded,
		"terminal": report.Terminal,
		"parked":   len(report.Parked),
		"workers":  m.opts.MaxWorkers,
	})
	m.logger.Info("flow manager started",
		"loaded", report.Loaded,
		"terminal", report.Terminal,
		"parked", len(report.Parked),
		"requested", report.Requested,
		"timers", report.Timers,
		"resent", report.Resent,
		"duration", report.Duration)

	for _, hook := range m.onStarted {
		if err := hook(m); err != nil {
			return report, fmt.Errorf("startup hook: %w", err)
		}
	}
	return report, nil
}

// StartFlowOnce starts logic under a flow ID derived from key, unless a
// flow for key was ever started before, on this node or by an earlier
// process. It reports whether a new flow was started.
//
// Services use it from startup hooks to issue a flow exactly once across
// restarts.
func (m *Manager) StartFlowOnce(ctx context.Context, key, logic string, input any) (FlowID, bool, error) {
	id := FlowIDForKey(key)
	marker := "once:" + key

	m.mu.Lock()
	_, known := m.flows[id]
	m.mu.Unlock()
	if known {
		return id, false, nil
	}

	if _, err := m.store.Load(ctx, string(id)); err == nil {
		return id, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", false, fmt.Errorf("check flow %s: %w", id, err)
	}

	if _, err := m.store.GetOperation(ctx, marker); err == nil {
		return id, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", false, fmt.Errorf("check start marker %s: %w", key, err)
	}

	if err := m.startFlow(ctx, id, logic, input); err != nil {
		return "", false, err
	}

	now := m.clock.Now()
	if err := m.store.PutOperation(ctx, store.Operation{
		DedupID:   marker,
		FlowID:    onceFlowID,
		Name:      logic,
		Status:    store.OperationCompleted,
		Result:    []byte(`"` + string(id) + `"`),
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil && !errors.Is(err, store.ErrOperationTerminal) {
		m.logger.Warn("failed to record start marker", "key", key, "flow_id", id, "error", err)
	}
	return id, true, nil
}
