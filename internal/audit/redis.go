package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"s3zipper/internal/config"
	"s3zipper/internal/models"
)

// RedisSink pushes audit entries as JSON onto a capped Redis list
type RedisSink struct {
	client     redis.UniversalClient
	key        string
	maxEntries int64
}

// NewRedisSink connects to AUDIT_URL and verifies the connection
func NewRedisSink(ctx context.Context, cfg *config.Config) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.AuditURL)
	if err != nil {
		return nil, fmt.Errorf("redis parse url error: %w", err)
	}

	if cfg.AuditMaxConnections > 0 {
		opts.PoolSize = cfg.AuditMaxConnections
		opts.MinIdleConns = min(2, cfg.AuditMaxConnections)
	}
	opts.ConnMaxLifetime = 1 * time.Hour
	opts.ConnMaxIdleTime = 30 * time.Minute

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}

	return newRedisSinkWithClient(client, cfg.AuditKey, cfg.AuditMaxEntries), nil
}

func newRedisSinkWithClient(client redis.UniversalClient, key string, maxEntries int64) *RedisSink {
	return &RedisSink{client: client, key: key, maxEntries: maxEntries}
}

// Record prepends entry and trims the list to maxEntries
func (s *RedisSink) Record(ctx context.Context, entry models.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, data)
		if s.maxEntries > 0 {
			pipe.LTrim(ctx, s.key, 0, s.maxEntries-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push: %w", err)
	}
	return nil
}

// Ping checks the connection
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Name implements Sink
func (s *RedisSink) Name() string { return "redis" }
