package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"s3zipper/internal/config"
	"s3zipper/internal/metrics"
	"s3zipper/internal/models"
)

// WebhookSink POSTs each entry as JSON to a URL, retrying with
// exponential backoff.
type WebhookSink struct {
	url        string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewWebhookSink creates a webhook sink for AUDIT_URL
func NewWebhookSink(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		url:        cfg.AuditURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: cfg.AuditMaxRetries,
		retryDelay: cfg.AuditRetryDelay,
		metrics:    m,
		logger:     logger,
	}
}

// Record sends entry, retrying failed attempts until ctx expires or the
// retries run out.
func (s *WebhookSink) Record(ctx context.Context, entry models.AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.AuditRetries.Inc()
			// Exponential backoff: retryDelay * 2^(attempt-1)
			delay := s.retryDelay * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("webhook gave up after %d attempts: %w", attempt, lastErr)
			case <-timer.C:
			}
			s.logger.Info("retrying audit webhook", zap.String("url", s.url), zap.Int("attempt", attempt))
		}

		lastErr = s.send(ctx, body)
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("audit webhook attempt failed", zap.String("url", s.url), zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", s.maxRetries+1, lastErr)
}

func (s *WebhookSink) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request creation error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bad status: %d", resp.StatusCode)
	}
	return nil
}

// Ping is a no-op; webhooks are only contacted when there is something to send
func (s *WebhookSink) Ping(context.Context) error { return nil }

// Close implements Sink
func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Name implements Sink
func (s *WebhookSink) Name() string { return "webhook" }
