package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned (wrapped) by every provider
var (
	ErrAccessDenied    = errors.New("access denied")
	ErrBucketNotFound  = errors.New("bucket not found")
	ErrObjectNotFound  = errors.New("object not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("storage unavailable")
)

// IsClientError reports whether err was caused by the request rather than
// the backend. Such errors are never retried and don't count against the
// circuit breaker.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, context.Canceled)
}

// BreakerSuccess is the success predicate for the storage circuit breaker
func BreakerSuccess(err error) bool {
	return err == nil || IsClientError(err)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsClientError(err)
}

// retryPolicy retries transient failures with exponential backoff
type retryPolicy struct {
	maxRetries int
	delay      time.Duration
}

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: delay * 2^(attempt-1)
			wait := p.delay * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn()
		if !isRetryableError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
