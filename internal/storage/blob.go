package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"s3zipper/internal/circuitbreaker"
	"s3zipper/internal/config"
	"s3zipper/internal/metrics"
)

// BucketOpener opens a portable bucket by name
type BucketOpener func(ctx context.Context, name string) (*blob.Bucket, error)

// BlobProvider implements Provider on top of gocloud.dev portable buckets,
// so the same service can front S3, GCS or a local directory.
type BlobProvider struct {
	open           BucketOpener
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	retry          retryPolicy
	healthBucket   string
	maxBuckets     int

	mu      sync.Mutex
	buckets map[string]*bucketHandle
	health  *blob.Bucket
}

// bucketHandle is a cached bucket. refs counts callers still using it; a
// handle is closed only once it is out of the cache and refs is zero.
type bucketHandle struct {
	bkt      *blob.Bucket
	refs     int
	lastUsed time.Time
	dropped  bool
}

// NewBlobProvider creates a blob provider. A nil opener opens buckets by URL
// as <BLOB_SCHEME>://<bucket>?<BLOB_QUERY>.
func NewBlobProvider(cfg *config.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker, opener BucketOpener) (*BlobProvider, error) {
	if opener == nil {
		if cfg.BlobScheme == "" {
			return nil, fmt.Errorf("BLOB_SCHEME required for blob storage")
		}
		opener = urlOpener(cfg.BlobScheme, cfg.BlobQuery)
	}

	maxBuckets := cfg.BlobMaxBuckets
	if maxBuckets < 1 {
		maxBuckets = 32
	}

	return &BlobProvider{
		open:           opener,
		circuitBreaker: cb,
		metrics:        m,
		retry:          retryPolicy{maxRetries: cfg.StorageMaxRetries, delay: cfg.StorageRetryDelay},
		healthBucket:   cfg.BlobHealthBucket,
		maxBuckets:     maxBuckets,
		buckets:        make(map[string]*bucketHandle),
	}, nil
}

func urlOpener(scheme, query string) BucketOpener {
	return func(ctx context.Context, name string) (*blob.Bucket, error) {
		u := scheme + "://" + name
		if query != "" {
			u += "?" + query
		}
		return blob.OpenBucket(ctx, u)
	}
}

// Type implements Provider
func (b *BlobProvider) Type() string { return "blob" }

// acquire returns the handle for name, opening it if needed. The caller
// must call release when done with it.
func (b *BlobProvider) acquire(ctx context.Context, name string) (*bucketHandle, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty bucket name", ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.buckets[name]; ok {
		h.refs++
		h.lastUsed = time.Now()
		return h, nil
	}

	bkt, err := b.open(ctx, name)
	if err != nil {
		return nil, classifyBlobError(err, ErrBucketNotFound)
	}
	b.evictLocked()

	h := &bucketHandle{bkt: bkt, refs: 1, lastUsed: time.Now()}
	b.buckets[name] = h
	return h, nil
}

// release drops one reference, closing the bucket if it was evicted meanwhile
func (b *BlobProvider) release(h *bucketHandle) {
	b.mu.Lock()
	h.refs--
	closeNow := h.dropped && h.refs == 0
	b.mu.Unlock()
	if closeNow {
		h.bkt.Close()
	}
}

// evictLocked makes room for one more handle by dropping the least recently
// used idle ones. Handles in use are skipped, so the cache can briefly
// exceed maxBuckets while every handle is busy.
func (b *BlobProvider) evictLocked() {
	for len(b.buckets) >= b.maxBuckets {
		var (
			oldestName string
			oldest     *bucketHandle
		)
		for name, h := range b.buckets {
			if h.refs > 0 {
				continue
			}
			if oldest == nil || h.lastUsed.Before(oldest.lastUsed) {
				oldestName, oldest = name, h
			}
		}
		if oldest == nil {
			return
		}
		delete(b.buckets, oldestName)
		oldest.bkt.Close()
	}
}

// forget removes name from the cache so unusable buckets are not kept
func (b *BlobProvider) forget(name string) {
	b.mu.Lock()
	h, ok := b.buckets[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.buckets, name)
	h.dropped = true
	closeNow := h.refs == 0
	b.mu.Unlock()
	if closeNow {
		h.bkt.Close()
	}
}

// List returns all objects under prefix
func (b *BlobProvider) List(ctx context.Context, bucket, prefix string) (objects []ObjectInfo, err error) {
	ctx, done := observe(ctx, b.metrics, b.Type(), "list",
		attribute.String("bucket", bucket), attribute.String("prefix", prefix))
	defer func() { done(err) }()

	h, err := b.acquire(ctx, bucket)
	if err != nil {
		return nil, err
	}
	defer b.release(h)

	objects, err = guarded(b.circuitBreaker, func() ([]ObjectInfo, error) {
		var listed []ObjectInfo
		err := b.retry.do(ctx, func() error {
			listed = nil
			iter := h.bkt.List(&blob.ListOptions{Prefix: prefix})
			for {
				obj, nextErr := iter.Next(ctx)
				if errors.Is(nextErr, io.EOF) {
					return nil
				}
				if nextErr != nil {
					return classifyBlobError(nextErr, ErrBucketNotFound)
				}
				if obj.IsDir {
					continue
				}
				listed = append(listed, ObjectInfo{
					Key:          obj.Key,
					Size:         obj.Size,
					LastModified: obj.ModTime,
				})
			}
		})
		return listed, err
	})
	if errors.Is(err, ErrBucketNotFound) || errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidArgument) {
		b.forget(bucket)
	}
	return objects, err
}

// GetObject opens an object reader. The bucket handle stays referenced
// until the reader is closed.
func (b *BlobProvider) GetObject(ctx context.Context, bucket, key string) (body io.ReadCloser, err error) {
	ctx, done := observe(ctx, b.metrics, b.Type(), "get",
		attribute.String("bucket", bucket), attribute.String("key", key))
	defer func() { done(err) }()

	b.metrics.ActiveFileFetches.Inc()
	defer b.metrics.ActiveFileFetches.Dec()

	h, err := b.acquire(ctx, bucket)
	if err != nil {
		return nil, err
	}

	reader, err := guarded(b.circuitBreaker, func() (io.ReadCloser, error) {
		var reader io.ReadCloser
		err := b.retry.do(ctx, func() error {
			r, openErr := h.bkt.NewReader(ctx, key, nil)
			if openErr != nil {
				return classifyBlobError(openErr, ErrObjectNotFound)
			}
			reader = r
			return nil
		})
		return reader, err
	})
	if err != nil {
		b.release(h)
		return nil, err
	}

	var once sync.Once
	return &cancelOnClose{ReadCloser: reader, cancel: func() { once.Do(func() { b.release(h) }) }}, nil
}

// HealthCheck probes BLOB_HEALTH_BUCKET. Buckets named by clients are never
// probed; with no health bucket configured there is nothing to check.
func (b *BlobProvider) HealthCheck(ctx context.Context) error {
	if b.healthBucket == "" {
		return nil
	}

	b.mu.Lock()
	if b.health == nil {
		bkt, err := b.open(ctx, b.healthBucket)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("open health bucket %s: %w", b.healthBucket, err)
		}
		b.health = bkt
	}
	bkt := b.health
	b.mu.Unlock()

	ok, err := bkt.IsAccessible(ctx)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", b.healthBucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s is not accessible", b.healthBucket)
	}
	return nil
}

// Close closes every cached bucket
func (b *BlobProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for name, h := range b.buckets {
		if err := h.bkt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
		}
		delete(b.buckets, name)
	}
	if b.health != nil {
		if err := b.health.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close health bucket: %w", err))
		}
		b.health = nil
	}
	return errors.Join(errs...)
}

func classifyBlobError(err error, notFound error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: %w", notFound, err)
	case gcerrors.PermissionDenied:
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case gcerrors.InvalidArgument:
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return err
}
