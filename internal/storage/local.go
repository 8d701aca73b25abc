package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"s3zipper/internal/circuitbreaker"
	"s3zipper/internal/metrics"
)

// LocalProvider implements Provider for local filesystem storage. Each
// bucket is a directory directly under basePath and keys are slash separated
// paths inside it.
type LocalProvider struct {
	basePath       string
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	retry          retryPolicy
}

// NewLocalProvider creates a new local filesystem storage provider
func NewLocalProvider(basePath string, m *metrics.Metrics, cb *circuitbreaker.Breaker, maxRetries int, retryDelay time.Duration) (*LocalProvider, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("base path error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path is not a directory: %s", basePath)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	return &LocalProvider{
		basePath:       absPath,
		circuitBreaker: cb,
		metrics:        m,
		retry:          retryPolicy{maxRetries: maxRetries, delay: retryDelay},
	}, nil
}

// Type implements Provider
func (l *LocalProvider) Type() string { return "local" }

func (l *LocalProvider) bucketDir(bucket string) (string, error) {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return "", fmt.Errorf("%w: invalid bucket name %q", ErrInvalidArgument, bucket)
	}
	return filepath.Join(l.basePath, bucket), nil
}

// List walks the bucket directory and returns regular files whose
// slash-separated relative path starts with prefix.
func (l *LocalProvider) List(ctx context.Context, bucket, prefix string) (objects []ObjectInfo, err error) {
	ctx, done := observe(ctx, l.metrics, l.Type(), "list",
		attribute.String("bucket", bucket), attribute.String("prefix", prefix))
	defer func() { done(err) }()

	dir, err := l.bucketDir(bucket)
	if err != nil {
		return nil, err
	}

	return guarded(l.circuitBreaker, func() ([]ObjectInfo, error) {
		var listed []ObjectInfo
		err := l.retry.do(ctx, func() error {
			var walkErr error
			listed, walkErr = l.walk(ctx, dir, prefix)
			return walkErr
		})
		return listed, err
	})
}

func (l *LocalProvider) walk(ctx context.Context, dir, prefix string) ([]ObjectInfo, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, classifyFSError(err, ErrBucketNotFound)
	}

	// Start from the deepest directory the prefix names
	root := dir
	if prefixDir := path.Dir(prefix); prefixDir != "." && prefixDir != "/" {
		root = filepath.Join(dir, filepath.FromSlash(prefixDir))
		if !strings.HasPrefix(root, dir+string(filepath.Separator)) {
			return nil, nil
		}
	}

	var objects []ObjectInfo
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, classifyFSError(err, ErrBucketNotFound)
	}
	return objects, nil
}

// GetObject opens a file inside the bucket directory
func (l *LocalProvider) GetObject(ctx context.Context, bucket, key string) (body io.ReadCloser, err error) {
	ctx, done := observe(ctx, l.metrics, l.Type(), "get",
		attribute.String("bucket", bucket), attribute.String("key", key))
	defer func() { done(err) }()

	l.metrics.ActiveFileFetches.Inc()
	defer l.metrics.ActiveFileFetches.Dec()

	dir, err := l.bucketDir(bucket)
	if err != nil {
		return nil, err
	}

	fullPath := filepath.Clean(filepath.Join(dir, filepath.FromSlash(key)))
	if !strings.HasPrefix(fullPath, dir+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: path traversal attempt detected: bucket=%s, key=%s", ErrInvalidArgument, bucket, key)
	}

	return guarded(l.circuitBreaker, func() (io.ReadCloser, error) {
		var file *os.File
		err := l.retry.do(ctx, func() error {
			f, openErr := os.Open(fullPath)
			if openErr != nil {
				return classifyFSError(openErr, ErrObjectNotFound)
			}
			file = f
			return nil
		})
		if err != nil {
			return nil, err
		}
		return file, nil
	})
}

// HealthCheck verifies the base path is still accessible
func (l *LocalProvider) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(l.basePath); err != nil {
		return fmt.Errorf("base path unavailable: %w", err)
	}
	return nil
}

func classifyFSError(err error, notFound error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", notFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return err
}
