package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/service/jobs"
	"github.com/shiai-ai/shiai/internal/storage"
	"github.com/shiai-ai/shiai/internal/workorder"
)

const defaultPurgeAge = 30 * 24 * time.Hour

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runner              *jobs.Runner
	manager             *workorder.Manager
	broker              *Broker
	db                  Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker.
type HandlersDeps struct {
	Runner              *jobs.Runner
	Manager             *workorder.Manager
	Broker              *Broker
	DB                  Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		runner:              d.Runner,
		manager:             d.Manager,
		broker:              d.Broker,
		db:                  d.DB,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleCreateWorkOrder handles POST /v1/work-orders.
func (h *Handlers) HandleCreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkOrderRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	wo, err := h.runner.Submit(r.Context(), req.Kind, req.Label, req.JobSpec)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error())
			return
		}
		h.writeInternalError(w, r, "failed to create work order", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateWorkOrderResponse{ID: wo.ID})
}

// HandleListActive handles GET /v1/work-orders/active.
func (h *Handlers) HandleListActive(w http.ResponseWriter, r *http.Request) {
	orders, err := h.manager.ListActive(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list active work orders", err)
		return
	}
	writeJSON(w, r, http.StatusOK, summarize(orders))
}

// HandleGetWorkOrder handles GET /v1/work-orders/{id}.
func (h *Handlers) HandleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseWorkOrderID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	wo, err := h.manager.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "work order not found")
			return
		}
		h.writeInternalError(w, r, "failed to load work order", err)
		return
	}

	writeJSON(w, r, http.StatusOK, wo)
}

// HandleListHistory handles GET /v1/work-orders/history.
// Optional query params: status, since (RFC 3339), limit.
func (h *Handlers) HandleListHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	orders, err := h.manager.ListHistory(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list work order history", err)
		return
	}
	writeJSON(w, r, http.StatusOK, summarize(orders))
}

// HandleCancelWorkOrder handles POST /v1/work-orders/{id}/cancel.
// Returns 202 when the cancellation was initiated, 409 when the order is
// already terminal.
func (h *Handlers) HandleCancelWorkOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseWorkOrderID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	initiated, err := h.manager.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "work order not found")
			return
		}
		h.writeInternalError(w, r, "failed to cancel work order", err)
		return
	}
	if !initiated {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "work order already in a terminal state")
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.CancelWorkOrderResponse{
		ID:     id,
		Status: model.StatusCancelled,
	})
}

// HandlePurgeHistory handles DELETE /v1/work-orders/history.
// The older_than query param is a Go duration (default 720h); only
// terminal orders are removed.
func (h *Handlers) HandlePurgeHistory(w http.ResponseWriter, r *http.Request) {
	age := defaultPurgeAge
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"older_than must be a positive duration (e.g. 720h)")
			return
		}
		age = d
	}

	purged, err := h.manager.PurgeOlderThan(r.Context(), age)
	if err != nil {
		h.writeInternalError(w, r, "failed to purge work order history", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.PurgeHistoryResponse{Purged: purged})
}

// HandleSubscribe handles GET /v1/work-orders/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event := <-ch:
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:    status,
		Version:   h.version,
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		Database:  dbStatus,
	})
}

// writeInternalError logs the underlying error and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseWorkOrderID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid work order id")
	}
	return id, nil
}

func historyFilterFromQuery(r *http.Request) (model.HistoryFilter, error) {
	var filter model.HistoryFilter
	q := r.URL.Query()

	if raw := q.Get("status"); raw != "" {
		st := model.WorkOrderStatus(raw)
		if !st.Valid() || !st.Terminal() {
			return filter, fmt.Errorf("status must be one of completed, failed, cancelled")
		}
		filter.Status = &st
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("since must be an RFC 3339 timestamp")
		}
		filter.Since = &ts
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func summarize(orders []model.WorkOrder) []model.Summary {
	out := make([]model.Summary, 0, len(orders))
	for _, wo := range orders {
		out = append(out, wo.Summarize())
	}
	return out
}
