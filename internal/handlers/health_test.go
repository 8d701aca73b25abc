package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"s3zipper/internal/audit"
	"s3zipper/internal/storage"
)

// healthStorage only answers health checks
type healthStorage struct {
	err error
}

func (h *healthStorage) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (h *healthStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return nil, storage.ErrObjectNotFound
}

func (h *healthStorage) HealthCheck(ctx context.Context) error { return h.err }

func (h *healthStorage) Type() string { return "health" }

func TestHealthHandler_Health(t *testing.T) {
	// Liveness must not depend on storage
	h := NewHealthHandler(zap.NewNop(), &healthStorage{err: errors.New("down")}, nil, sharedMetrics)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if got, want := w.Body.String(), "{\"status\":\"server is running\"}\n"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		storageErr error
		sink       audit.Sink
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "storage healthy",
			wantStatus: http.StatusOK,
			wantBody:   "ready",
			wantChecks: map[string]string{"storage": "ok"},
		},
		{
			name:       "storage unhealthy",
			storageErr: context.DeadlineExceeded,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "unavailable",
			wantChecks: map[string]string{"storage": "unavailable"},
		},
		{
			name:       "audit sink healthy",
			sink:       &captureSink{},
			wantStatus: http.StatusOK,
			wantBody:   "ready",
			wantChecks: map[string]string{"storage": "ok", "audit": "ok"},
		},
		{
			name:       "audit sink unhealthy",
			sink:       &captureSink{pingErr: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "unavailable",
			wantChecks: map[string]string{"storage": "ok", "audit": "unavailable"},
		},
		{
			name:       "nop sink is not checked",
			sink:       audit.NopSink{},
			wantStatus: http.StatusOK,
			wantBody:   "ready",
			wantChecks: map[string]string{"storage": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var recorder *audit.Recorder
			if tt.sink != nil {
				recorder = audit.NewRecorder(tt.sink, zap.NewNop(), sharedMetrics, time.Second)
			}
			h := NewHealthHandler(zap.NewNop(), &healthStorage{err: tt.storageErr}, recorder, sharedMetrics)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()
			h.Ready(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp healthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantBody)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
			for k, v := range tt.wantChecks {
				if resp.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, resp.Checks[k], v)
				}
			}
		})
	}
}
