package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"s3zipper/internal/circuitbreaker"
	"s3zipper/internal/config"
	"s3zipper/internal/metrics"
)

// ObjectInfo describes one object returned by a listing
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Provider defines the interface for storage backends
type Provider interface {
	// List returns every object in bucket whose key starts with prefix.
	// An empty prefix lists the whole bucket.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// GetObject opens an object for reading. The caller closes the reader.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// HealthCheck performs a lightweight connectivity check
	HealthCheck(ctx context.Context) error

	// Type names the backend for logs and metric labels
	Type() string
}

// New creates a new storage provider based on configuration
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) (Provider, error) {
	var (
		provider Provider
		err      error
	)
	switch cfg.StorageType {
	case "s3":
		provider, err = NewS3Provider(ctx, cfg, m, cb)
	case "blob":
		provider, err = NewBlobProvider(cfg, m, cb, nil)
	case "local":
		if cfg.StoragePath == "" {
			return nil, fmt.Errorf("STORAGE_PATH required for local storage")
		}
		provider, err = NewLocalProvider(cfg.StoragePath, m, cb, cfg.StorageMaxRetries, cfg.StorageRetryDelay)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// guarded runs fn through the circuit breaker, translating breaker rejections into ErrUnavailable
func guarded[T any](cb *circuitbreaker.Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if cb == nil {
		return fn()
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if circuitbreaker.IsRejection(err) {
			return zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

var tracer = otel.Tracer("s3zipper/internal/storage")

// observe opens a span for a storage operation and returns a func that
// records its latency and outcome.
func observe(ctx context.Context, m *metrics.Metrics, storageType, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("storage.type", storageType))
	ctx, span := tracer.Start(ctx, "storage."+op, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.StorageOperationDuration.WithLabelValues(storageType, op, result).Observe(time.Since(start).Seconds())
	}
}

// cancelOnClose releases a per-attempt context once the body is closed
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
