package audit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"s3zipper/internal/config"
	"s3zipper/internal/models"
)

// PostgresSink inserts audit entries into a PostgreSQL table
type PostgresSink struct {
	pool  *pgxpool.Pool
	query string
}

// NewPostgresSink connects to AUDIT_URL and verifies the connection
func NewPostgresSink(ctx context.Context, cfg *config.Config) (*PostgresSink, error) {
	if err := validateTable(cfg.AuditTable); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.AuditURL)
	if err != nil {
		return nil, fmt.Errorf("postgres parse url error: %w", err)
	}
	if cfg.AuditMaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.AuditMaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect error: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres connect error: %w", err)
	}

	return &PostgresSink{
		pool: pool,
		query: insertQuery(cfg.AuditTable, func(i int) string {
			return "$" + strconv.Itoa(i)
		}),
	}, nil
}

// Record inserts one entry
func (s *PostgresSink) Record(ctx context.Context, entry models.AuditEntry) error {
	if _, err := s.pool.Exec(ctx, s.query, insertArgs(entry)...); err != nil {
		return fmt.Errorf("postgres insert: %w", err)
	}
	return nil
}

// Ping checks the connection
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// Name implements Sink
func (s *PostgresSink) Name() string { return "postgres" }
