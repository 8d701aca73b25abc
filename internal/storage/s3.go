package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"

	"s3zipper/internal/circuitbreaker"
	appconfig "s3zipper/internal/config"
	"s3zipper/internal/metrics"
)

// s3API is the subset of the S3 client the provider uses
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

// S3Provider implements Provider for AWS S3 and S3-compatible storage
type S3Provider struct {
	client         s3API
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	fetchTimeout   time.Duration
	retry          retryPolicy
}

// NewS3Provider creates a new S3 storage provider. Credentials come from the
// default AWS chain unless static keys are configured.
func NewS3Provider(ctx context.Context, cfg *appconfig.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) (*S3Provider, error) {
	var cfgOpts []func(*config.LoadOptions) error

	region := cfg.S3Region
	if region == "" && cfg.S3Endpoint != "" {
		// Works for MinIO and most S3-compatible providers
		region = "us-east-1"
	}
	if region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(region))
	}

	// Static credentials (typical for MinIO and many S3-compatible providers)
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		cfgOpts = append(cfgOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKeyID,
				cfg.S3SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})

	return newS3ProviderWithClient(client, cfg, m, cb), nil
}

func newS3ProviderWithClient(client s3API, cfg *appconfig.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) *S3Provider {
	return &S3Provider{
		client:         client,
		circuitBreaker: cb,
		metrics:        m,
		fetchTimeout:   cfg.StorageFetchTimeout,
		retry:          retryPolicy{maxRetries: cfg.StorageMaxRetries, delay: cfg.StorageRetryDelay},
	}
}

// Type implements Provider
func (s *S3Provider) Type() string { return "s3" }

// List returns all objects under prefix, following continuation tokens
func (s *S3Provider) List(ctx context.Context, bucket, prefix string) (objects []ObjectInfo, err error) {
	ctx, done := observe(ctx, s.metrics, s.Type(), "list",
		attribute.String("bucket", bucket), attribute.String("prefix", prefix))
	defer func() { done(err) }()

	if bucket == "" {
		return nil, fmt.Errorf("%w: empty bucket name", ErrInvalidArgument)
	}

	return guarded(s.circuitBreaker, func() ([]ObjectInfo, error) {
		var listed []ObjectInfo
		err := s.retry.do(ctx, func() error {
			var listErr error
			listed, listErr = s.listOnce(ctx, bucket, prefix)
			return listErr
		})
		return listed, err
	})
}

func (s *S3Provider) listOnce(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err, ErrBucketNotFound)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			info := ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

// GetObject retrieves an object from S3. The fetch timeout bounds opening
// the object only; streaming the body is bounded by ctx.
func (s *S3Provider) GetObject(ctx context.Context, bucket, key string) (body io.ReadCloser, err error) {
	ctx, done := observe(ctx, s.metrics, s.Type(), "get",
		attribute.String("bucket", bucket), attribute.String("key", key))
	defer func() { done(err) }()

	s.metrics.ActiveFileFetches.Inc()
	defer s.metrics.ActiveFileFetches.Dec()

	return guarded(s.circuitBreaker, func() (io.ReadCloser, error) {
		var opened io.ReadCloser
		err := s.retry.do(ctx, func() error {
			attemptCtx, cancel := context.WithCancel(ctx)
			var timer *time.Timer
			if s.fetchTimeout > 0 {
				timer = time.AfterFunc(s.fetchTimeout, cancel)
			}

			output, getErr := s.client.GetObject(attemptCtx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if timer != nil {
				timer.Stop()
			}
			if getErr != nil {
				timedOut := attemptCtx.Err() != nil && ctx.Err() == nil
				cancel()
				if timedOut {
					// Retryable: the parent context is still live
					return fmt.Errorf("open %s/%s: timed out after %s", bucket, key, s.fetchTimeout)
				}
				return classifyS3Error(getErr, ErrObjectNotFound)
			}

			opened = &cancelOnClose{ReadCloser: output.Body, cancel: cancel}
			return nil
		})
		return opened, err
	})
}

// HealthCheck performs a lightweight connectivity check to S3
func (s *S3Provider) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := s.client.ListBuckets(checkCtx, &s3.ListBucketsInput{MaxBuckets: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("s3 connectivity check failed: %w", err)
	}
	return nil
}

// classifyS3Error maps SDK errors onto the storage sentinels. notFound is
// the sentinel used for a bare 404 without a more specific error code.
func classifyS3Error(err error, notFound error) error {
	if err == nil {
		return nil
	}

	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "InvalidAccessKeyId",
			"SignatureDoesNotMatch", "AccountProblem", "ExpiredToken", "InvalidToken":
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
		case "NoSuchKey":
			return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
		case "InvalidBucketName", "InvalidArgument":
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", notFound, err)
		}
	}

	return err
}
