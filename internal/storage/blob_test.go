package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/driver"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"s3zipper/internal/config"
)

// memOpener serves a fixed set of in-memory buckets
func memOpener(buckets map[string]*blob.Bucket) BucketOpener {
	return func(ctx context.Context, name string) (*blob.Bucket, error) {
		if b, ok := buckets[name]; ok {
			return b, nil
		}
		return nil, errors.New("no such bucket: " + name)
	}
}

func seedBucket(t *testing.T, objects map[string]string) *blob.Bucket {
	t.Helper()
	bkt := memblob.OpenBucket(nil)
	for key, body := range objects {
		require.NoError(t, bkt.WriteAll(context.Background(), key, []byte(body), nil))
	}
	return bkt
}

func newTestBlobProvider(t *testing.T, buckets map[string]*blob.Bucket) *BlobProvider {
	t.Helper()
	cfg := &config.Config{StorageMaxRetries: 1, StorageRetryDelay: time.Millisecond}
	p, err := NewBlobProvider(cfg, sharedMetrics, nil, memOpener(buckets))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func newBlobProviderWithOpener(t *testing.T, cfg *config.Config, opener BucketOpener) *BlobProvider {
	t.Helper()
	cfg.StorageMaxRetries = 1
	cfg.StorageRetryDelay = time.Millisecond
	p, err := NewBlobProvider(cfg, sharedMetrics, nil, opener)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// freshOpener hands out a new empty bucket for every name
func freshOpener(ctx context.Context, name string) (*blob.Bucket, error) {
	return memblob.OpenBucket(nil), nil
}

// deniedBucket is a driver whose listings are always refused
type deniedBucket struct {
	driver.Bucket
}

func (deniedBucket) ListPaged(context.Context, *driver.ListOptions) (*driver.ListPage, error) {
	return nil, errors.New("forbidden")
}

func (deniedBucket) ErrorCode(error) gcerrors.ErrorCode { return gcerrors.PermissionDenied }

func (deniedBucket) Close() error { return nil }

func TestBlobProvider_List(t *testing.T) {
	bkt := seedBucket(t, map[string]string{
		"path/to/sub_folder/a.txt":        "alpha",
		"path/to/sub_folder/b.txt":        "bravo",
		"path/to/sub_folder/nested/c.txt": "charlie",
		"elsewhere/d.txt":                 "delta",
	})
	p := newTestBlobProvider(t, map[string]*blob.Bucket{"bucket": bkt})

	objects, err := p.List(context.Background(), "bucket", "path/to/sub_folder/")
	require.NoError(t, err)

	var keys []string
	sizes := map[string]int64{}
	for _, obj := range objects {
		keys = append(keys, obj.Key)
		sizes[obj.Key] = obj.Size
	}
	sort.Strings(keys)

	assert.Equal(t, []string{
		"path/to/sub_folder/a.txt",
		"path/to/sub_folder/b.txt",
		"path/to/sub_folder/nested/c.txt",
	}, keys)
	assert.Equal(t, int64(len("charlie")), sizes["path/to/sub_folder/nested/c.txt"])
}

func TestBlobProvider_GetObject(t *testing.T) {
	bkt := seedBucket(t, map[string]string{"dir/a.txt": "hello"})
	p := newTestBlobProvider(t, map[string]*blob.Bucket{"bucket": bkt})

	r, err := p.GetObject(context.Background(), "bucket", "dir/a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello", string(data))

	_, err = p.GetObject(context.Background(), "bucket", "dir/missing.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestBlobProvider_UnknownBucket(t *testing.T) {
	p := newTestBlobProvider(t, map[string]*blob.Bucket{})

	_, err := p.List(context.Background(), "", "x/")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = p.List(context.Background(), "missing", "x/")
	assert.Error(t, err)
}

func TestBlobProvider_Forget(t *testing.T) {
	bkt := seedBucket(t, map[string]string{"a": "a"})
	p := newTestBlobProvider(t, map[string]*blob.Bucket{"bucket": bkt})

	_, err := p.List(context.Background(), "bucket", "")
	require.NoError(t, err)
	require.Len(t, p.buckets, 1)

	p.forget("bucket")
	assert.Empty(t, p.buckets)
	p.forget("never-opened")
}

func TestBlobProvider_HealthCheck(t *testing.T) {
	bkt := seedBucket(t, map[string]string{"a": "a"})
	p := newTestBlobProvider(t, map[string]*blob.Bucket{"bucket": bkt})

	// No health bucket configured: client buckets are never checked
	assert.NoError(t, p.HealthCheck(context.Background()))
	_, err := p.List(context.Background(), "bucket", "")
	require.NoError(t, err)
	assert.NoError(t, p.HealthCheck(context.Background()))
}

func TestBlobProvider_HealthCheckConfiguredBucket(t *testing.T) {
	health := seedBucket(t, map[string]string{"ping": "ok"})
	opener := func(ctx context.Context, name string) (*blob.Bucket, error) {
		switch name {
		case "health":
			return health, nil
		case "forbidden":
			return blob.NewBucket(deniedBucket{}), nil
		}
		return nil, errors.New("no such bucket: " + name)
	}
	p := newBlobProviderWithOpener(t, &config.Config{BlobHealthBucket: "health"}, opener)

	require.NoError(t, p.HealthCheck(context.Background()))

	// A client asking for a bucket it cannot read must not flip readiness
	_, err := p.List(context.Background(), "forbidden", "")
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.NoError(t, p.HealthCheck(context.Background()))

	missing := newBlobProviderWithOpener(t, &config.Config{BlobHealthBucket: "gone"}, opener)
	assert.Error(t, missing.HealthCheck(context.Background()))
}

func TestBlobProvider_ForgetsUnusableBuckets(t *testing.T) {
	p := newBlobProviderWithOpener(t, &config.Config{}, func(ctx context.Context, name string) (*blob.Bucket, error) {
		return blob.NewBucket(deniedBucket{}), nil
	})

	for i := 0; i < 3; i++ {
		_, err := p.List(context.Background(), fmt.Sprintf("denied-%d", i), "")
		require.ErrorIs(t, err, ErrAccessDenied)
	}
	assert.Empty(t, p.buckets)
}

func TestBlobProvider_CacheIsBounded(t *testing.T) {
	p := newBlobProviderWithOpener(t, &config.Config{BlobMaxBuckets: 4}, freshOpener)

	for i := 0; i < 500; i++ {
		_, err := p.List(context.Background(), fmt.Sprintf("bucket-%d", i), "")
		require.NoError(t, err)
		require.LessOrEqual(t, len(p.buckets), 4)
	}

	def := newBlobProviderWithOpener(t, &config.Config{}, freshOpener)
	assert.Equal(t, 32, def.maxBuckets)
}

func TestBlobProvider_EvictionSkipsOpenReaders(t *testing.T) {
	held := seedBucket(t, map[string]string{"doc.txt": "still readable"})
	p := newBlobProviderWithOpener(t, &config.Config{BlobMaxBuckets: 2}, func(ctx context.Context, name string) (*blob.Bucket, error) {
		if name == "held" {
			return held, nil
		}
		return freshOpener(ctx, name)
	})

	r, err := p.GetObject(context.Background(), "held", "doc.txt")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := p.List(context.Background(), fmt.Sprintf("other-%d", i), "")
		require.NoError(t, err)
	}
	require.Contains(t, p.buckets, "held")

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "still readable", string(data))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 0, p.buckets["held"].refs)

	// Idle now, so the next new bucket may push it out
	_, err = p.List(context.Background(), "other-new", "")
	require.NoError(t, err)
	assert.NotContains(t, p.buckets, "held")
}

func TestBlobProvider_ForgetWhileInUse(t *testing.T) {
	bkt := seedBucket(t, map[string]string{"a.txt": "alpha"})
	p := newTestBlobProvider(t, map[string]*blob.Bucket{"bucket": bkt})

	r, err := p.GetObject(context.Background(), "bucket", "a.txt")
	require.NoError(t, err)
	h := p.buckets["bucket"]

	p.forget("bucket")
	assert.Empty(t, p.buckets)
	assert.True(t, h.dropped)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	require.NoError(t, r.Close())
	assert.Equal(t, 0, h.refs)
}

func TestBlobProvider_URLOpener(t *testing.T) {
	cfg := &config.Config{BlobScheme: "mem"}
	p, err := NewBlobProvider(cfg, sharedMetrics, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	objects, err := p.List(context.Background(), "scratch", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.Equal(t, "blob", p.Type())
}

func TestClassifyBlobError(t *testing.T) {
	bkt := memblob.OpenBucket(nil)
	defer bkt.Close()

	_, err := bkt.NewReader(context.Background(), "missing", nil)
	require.Equal(t, gcerrors.NotFound, gcerrors.Code(err))

	assert.ErrorIs(t, classifyBlobError(err, ErrObjectNotFound), ErrObjectNotFound)
	assert.ErrorIs(t, classifyBlobError(err, ErrBucketNotFound), ErrBucketNotFound)

	plain := errors.New("boom")
	assert.Equal(t, plain, classifyBlobError(plain, ErrObjectNotFound))
}
