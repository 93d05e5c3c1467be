package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects flow manager metrics.
//
// Metrics exposed (all namespaced with "flowmachine_"):
//
//   - inflight_transitions (gauge): transitions executing right now.
//   - run_queue_depth (gauge): flows waiting for a worker.
//   - parked_flows (gauge): flows waiting for manual intervention.
//   - transition_latency_ms (histogram): event processing time, by logic
//     and outcome (changed, unchanged, persist_error).
//   - retries_total (counter): transient operation failures, by operation
//     and reason.
//   - replays_total (counter): completions replayed from a terminal record
//     instead of invoking the operation.
//   - operations_total (counter): external operation outcomes, by
//     operation and status.
//   - persistence_failures_total (counter): checkpoint writes that failed.
//   - backpressure_events_total (counter): submissions that found the run
//     queue full, by reason.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewPrometheusMetrics(registry)
//	mgr, err := flow.NewManager(logics, st, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	inflight   prometheus.Gauge
	queueDepth prometheus.Gauge
	parked     prometheus.Gauge

	transitionLatency *prometheus.HistogramVec

	retries             *prometheus.CounterVec
	replays             *prometheus.CounterVec
	operations          *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	backpressure        *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all metrics with registry. A
// nil registry means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowmachine",
		Name:      "inflight_transitions",
		Help:      "Number of flow transitions executing concurrently",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowmachine",
		Name:      "run_queue_depth",
		Help:      "Number of runnable flows waiting for a worker",
	})

	pm.parked = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowmachine",
		Name:      "parked_flows",
		Help:      "Number of flows parked for manual intervention",
	})

	pm.transitionLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flowmachine",
		Name:      "transition_latency_ms",
		Help:      "Time to process one event, including the checkpoint write",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"logic", "outcome"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowmachine",
		Name:      "retries_total",
		Help:      "Transient external operation failures scheduled for retry",
	}, []string{"operation", "reason"})

	pm.replays = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowmachine",
		Name:      "replays_total",
		Help:      "Completions replayed from a terminal record without invoking the operation",
	}, []string{"operation"})

	pm.operations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowmachine",
		Name:      "operations_total",
		Help:      "External operation outcomes",
	}, []string{"operation", "status"})

	pm.persistenceFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "flowmachine",
		Name:      "persistence_failures_total",
		Help:      "Checkpoint writes that failed and parked their flow",
	})

	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowmachine",
		Name:      "backpressure_events_total",
		Help:      "Event submissions that found the run queue full",
	}, []string{"reason"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordTransition records the time taken to process one event.
func (pm *PrometheusMetrics) RecordTransition(logic string, latency time.Duration, outcome string) {
	if !pm.on() {
		return
	}
	pm.transitionLatency.WithLabelValues(logic, outcome).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts a transient failure of operation.
func (pm *PrometheusMetrics) IncrementRetries(operation, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(operation, reason).Inc()
}

// IncrementReplays counts a completion replayed from a terminal record.
func (pm *PrometheusMetrics) IncrementReplays(operation string) {
	if !pm.on() {
		return
	}
	pm.replays.WithLabelValues(operation).Inc()
}

// IncrementOperations counts an external operation outcome.
func (pm *PrometheusMetrics) IncrementOperations(operation, status string) {
	if !pm.on() {
		return
	}
	pm.operations.WithLabelValues(operation, status).Inc()
}

// IncrementPersistenceFailures counts a failed checkpoint write.
func (pm *PrometheusMetrics) IncrementPersistenceFailures() {
	if !pm.on() {
		return
	}
	pm.persistenceFailures.Inc()
}

// IncrementBackpressure counts a submission that found the run queue full.
func (pm *PrometheusMetrics) IncrementBackpressure(reason string) {
	if !pm.on() {
		return
	}
	pm.backpressure.WithLabelValues(reason).Inc()
}

// UpdateQueueDepth sets the run queue depth gauge.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// UpdateInflight sets the inflight transitions gauge.
func (pm *PrometheusMetrics) UpdateInflight(count int) {
	if !pm.on() {
		return
	}
	pm.inflight.Set(float64(count))
}

// UpdateParked sets the parked flows gauge.
func (pm *PrometheusMetrics) UpdateParked(count int) {
	if !pm.on() {
		return
	}
	pm.parked.Set(float64(count))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears the gauges. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.inflight.Set(0)
	pm.queueDepth.Set(0)
	pm.parked.Set(0)
}
