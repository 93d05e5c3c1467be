// Package api exposes a flow manager over HTTP for operators: starting and
// inspecting flows, delivering events, retrying parked flows, and scraping
// metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/flowmachine/flow"
)

// FlowManager is the part of *flow.Manager the API drives.
type FlowManager interface {
	StartFlow(ctx context.Context, logic string, input any) (flow.FlowID, error)
	StartFlowOnce(ctx context.Context, key, logic string, input any) (flow.FlowID, bool, error)
	DeliverEvent(ctx context.Context, id flow.FlowID, ev flow.Event) error
	Snapshot(ctx context.Context, id flow.FlowID) (flow.Snapshot, error)
	KillFlow(ctx context.Context, id flow.FlowID) error
	RetryFlow(ctx context.Context, id flow.FlowID) error
	Status(id flow.FlowID) flow.FlowStatus
	ParkedFlows() []flow.ParkedFlow
}

// Handler serves the admin API.
type Handler struct {
	mgr      FlowManager
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	timeout  time.Duration
	router   *httprouter.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithGatherer serves gatherer on GET /metrics. Default:
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithRequestTimeout bounds how long a request waits for the manager.
// Default: 30s.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// New creates the admin API for mgr.
func New(mgr FlowManager, opts ...Option) *Handler {
	h := &Handler{
		mgr:      mgr,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.New(slog.DiscardHandler),
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	router := httprouter.New()
	router.POST("/flows", h.startFlow)
	router.GET("/flows/:id", h.getFlow)
	router.POST("/flows/:id/events", h.deliverEvent)
	router.POST("/flows/:id/retry", h.retryFlow)
	router.DELETE("/flows/:id", h.killFlow)
	router.GET("/parked", h.parked)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	h.router = router
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// StartRequest is the body of POST /flows.
type StartRequest struct {
	Logic string          `json:"logic"`
	Input json.RawMessage `json:"input,omitempty"`

	// Key, when set, starts the flow at most once per key.
	Key string `json:"key,omitempty"`
}

// StartResponse is the body returned by POST /flows.
type StartResponse struct {
	ID      flow.FlowID `json:"id"`
	Started bool        `json:"started"`
}

// FlowResponse describes one flow.
type FlowResponse struct {
	ID               flow.FlowID     `json:"id"`
	Logic            string          `json:"logic"`
	Status           flow.FlowStatus `json:"status"`
	State            flow.FlowState  `json:"state"`
	Version          int64           `json:"version"`
	Step             int             `json:"step"`
	PendingOperation flow.DedupID    `json:"pending_operation,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// startFlow handles POST /flows.
//
//	curl -X POST -d '{"logic":"transfer","input":{"amount":10}}' http://localhost:8080/flows
func (h *Handler) startFlow(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	if req.Logic == "" {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", errors.New("logic is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var input any
	if len(req.Input) > 0 {
		input = req.Input
	}

	resp := StartResponse{Started: true}
	var err error
	if req.Key != "" {
		resp.ID, resp.Started, err = h.mgr.StartFlowOnce(ctx, req.Key, req.Logic, input)
	} else {
		resp.ID, err = h.mgr.StartFlow(ctx, req.Logic, input)
	}
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	h.logger.Debug("flow started over http", "flow_id", resp.ID, "logic", req.Logic, "started", resp.Started)
	status := http.StatusCreated
	if !resp.Started {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

// getFlow handles GET /flows/:id.
func (h *Handler) getFlow(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, ok := h.flowID(w, p)
	if !ok {
		return
	}
	h.writeFlow(w, r, id, http.StatusOK)
}

// deliverEvent handles POST /flows/:id/events. The body is a flow.Event.
//
//	curl -X POST -d '{"kind":"operation_completed","dedup_id":"flow_...:0","result":{"ok":true}}' \
//	    http://localhost:8080/flows/flow_.../events
func (h *Handler) deliverEvent(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, ok := h.flowID(w, p)
	if !ok {
		return
	}

	var ev flow.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	switch ev.Kind {
	case flow.EventOperationCompleted, flow.EventMessageReceived, flow.EventTimerFired,
		flow.EventRetryRequested, flow.EventKillRequested:
	default:
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", errors.New("unsupported event kind: "+string(ev.Kind)))
		return
	}
	if ev.Kind == flow.EventMessageReceived && ev.Message == nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", errors.New("message is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.mgr.DeliverEvent(ctx, id, ev); err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeFlow(w, r, id, http.StatusAccepted)
}

// retryFlow handles POST /flows/:id/retry.
func (h *Handler) retryFlow(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, ok := h.flowID(w, p)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.mgr.RetryFlow(ctx, id); err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeFlow(w, r, id, http.StatusAccepted)
}

// killFlow handles DELETE /flows/:id.
func (h *Handler) killFlow(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, ok := h.flowID(w, p)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.mgr.KillFlow(ctx, id); err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeFlow(w, r, id, http.StatusOK)
}

// ParkedResponse is one entry of GET /parked.
type ParkedResponse struct {
	ID     flow.FlowID `json:"id"`
	Reason string      `json:"reason"`
	Since  time.Time   `json:"since"`
}

// parked handles GET /parked.
func (h *Handler) parked(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	out := make([]ParkedResponse, 0)
	for _, p := range h.mgr.ParkedFlows() {
		out = append(out, ParkedResponse{ID: p.FlowID, Reason: p.Reason, Since: p.Since})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) flowID(w http.ResponseWriter, p httprouter.Params) (flow.FlowID, bool) {
	id, err := flow.ParseFlowID(p.ByName("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_FLOW_ID", err)
		return "", false
	}
	return id, true
}

func (h *Handler) writeFlow(w http.ResponseWriter, r *http.Request, id flow.FlowID, status int) {
	snap, err := h.mgr.Snapshot(r.Context(), id)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSON(w, status, FlowResponse{
		ID:               snap.FlowID,
		Logic:            snap.Logic,
		Status:           h.mgr.Status(id),
		State:            snap.State,
		Version:          snap.Version,
		Step:             snap.Step,
		PendingOperation: snap.PendingOperation,
		UpdatedAt:        snap.UpdatedAt,
	})
}

func (h *Handler) writeManagerError(w http.ResponseWriter, err error) {
	var perr *flow.PersistenceError
	switch {
	case errors.Is(err, flow.ErrFlowNotFound):
		h.writeError(w, http.StatusNotFound, "FLOW_NOT_FOUND", err)
	case errors.Is(err, flow.ErrFlowTerminal):
		h.writeError(w, http.StatusConflict, "FLOW_TERMINAL", err)
	case errors.Is(err, flow.ErrFlowParked):
		h.writeError(w, http.StatusConflict, "FLOW_PARKED", err)
	case errors.Is(err, flow.ErrUnknownLogic):
		h.writeError(w, http.StatusBadRequest, "UNKNOWN_LOGIC", err)
	case errors.Is(err, flow.ErrBackpressureTimeout):
		h.writeError(w, http.StatusServiceUnavailable, "BACKPRESSURE", err)
	case errors.Is(err, flow.ErrManagerStopped):
		h.writeError(w, http.StatusServiceUnavailable, "STOPPED", err)
	case errors.As(err, &perr):
		h.writeError(w, http.StatusInternalServerError, "PERSISTENCE_FAILURE", err)
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "TIMEOUT", err)
	default:
		h.writeError(w, http.StatusInternalServerError, "INTERNAL", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", "code", code, "error", err)
	}
	h.writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("unable to encode response", "error", err)
	}
}
