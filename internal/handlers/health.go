package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"s3zipper/internal/audit"
	"s3zipper/internal/metrics"
	"s3zipper/internal/storage"
)

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	logger   *zap.Logger
	storage  storage.Provider
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	timeout  time.Duration
}

// NewHealthHandler creates a new health check handler. recorder may be nil.
func NewHealthHandler(logger *zap.Logger, storageProvider storage.Provider, recorder *audit.Recorder, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{
		logger:   logger,
		storage:  storageProvider,
		recorder: recorder,
		metrics:  m,
		timeout:  5 * time.Second,
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health reports that the process is up. It never touches storage.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "server is running"})
	h.metrics.RequestsTotal.WithLabelValues("health", "200").Inc()
}

// Ready checks the storage backend and, when configured, the audit sink
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := h.check(ctx, checks, "storage", h.storage.HealthCheck)
	if h.recorder != nil && h.recorder.Enabled() {
		allHealthy = h.check(ctx, checks, "audit", h.recorder.Ping) && allHealthy
	}

	status, code := "ready", http.StatusOK
	if !allHealthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResponse{Status: status, Checks: checks})
}

func (h *HealthHandler) check(ctx context.Context, checks map[string]string, component string, fn func(context.Context) error) bool {
	if err := fn(ctx); err != nil {
		checks[component] = "unavailable"
		h.metrics.HealthStatus.WithLabelValues(component).Set(0)
		h.metrics.HealthChecksFailed.WithLabelValues(component).Inc()
		h.logger.Warn("health check failed", zap.String("component", component), zap.Error(err))
		return false
	}
	checks[component] = "ok"
	h.metrics.HealthStatus.WithLabelValues(component).Set(1)
	return true
}
