package audit

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"s3zipper/internal/config"
	"s3zipper/internal/metrics"
	"s3zipper/internal/models"
)

// Sink persists audit entries
type Sink interface {
	Record(ctx context.Context, entry models.AuditEntry) error
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// These indirection variables allow tests to override the concrete
// sink constructors so we can exercise New(...) without real backends.
var (
	newPostgresSinkFunc = func(ctx context.Context, cfg *config.Config) (Sink, error) {
		return NewPostgresSink(ctx, cfg)
	}
	newMySQLSinkFunc = func(ctx context.Context, cfg *config.Config) (Sink, error) {
		return NewMySQLSink(ctx, cfg)
	}
	newRedisSinkFunc = func(ctx context.Context, cfg *config.Config) (Sink, error) {
		return NewRedisSink(ctx, cfg)
	}
)

// New creates the sink selected by the AUDIT_URL scheme. An empty URL
// disables auditing.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (Sink, error) {
	if cfg.AuditURL == "" {
		return NopSink{}, nil
	}

	u, err := url.Parse(cfg.AuditURL)
	if err != nil {
		return nil, fmt.Errorf("invalid audit url: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return newPostgresSinkFunc(ctx, cfg)
	case "mysql":
		return newMySQLSinkFunc(ctx, cfg)
	case "redis", "rediss":
		return newRedisSinkFunc(ctx, cfg)
	case "http", "https":
		return NewWebhookSink(cfg, m, logger), nil
	default:
		return nil, fmt.Errorf("unsupported audit url scheme: %s", u.Scheme)
	}
}

// NopSink drops every entry
type NopSink struct{}

func (NopSink) Record(context.Context, models.AuditEntry) error { return nil }
func (NopSink) Ping(context.Context) error                      { return nil }
func (NopSink) Close() error                                    { return nil }
func (NopSink) Name() string                                    { return "none" }

// Recorder writes entries to a sink in the background so audit latency
// never reaches the client.
type Recorder struct {
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRecorder wraps sink. timeout bounds each write.
func NewRecorder(sink Sink, logger *zap.Logger, m *metrics.Metrics, timeout time.Duration) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{sink: sink, logger: logger, metrics: m, timeout: timeout}
}

// Enabled reports whether entries go anywhere
func (r *Recorder) Enabled() bool {
	_, nop := r.sink.(NopSink)
	return !nop
}

// Submit queues entry for writing
func (r *Recorder) Submit(entry models.AuditEntry) {
	if !r.Enabled() {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.sink.Record(ctx, entry); err != nil {
			r.metrics.AuditWritesTotal.WithLabelValues(r.sink.Name(), "failure").Inc()
			r.logger.Error("audit write failed",
				zap.String("sink", r.sink.Name()),
				zap.String("request_id", entry.RequestID),
				zap.Error(err),
			)
			return
		}
		r.metrics.AuditWritesTotal.WithLabelValues(r.sink.Name(), "success").Inc()
	}()
}

// Ping checks the sink is reachable
func (r *Recorder) Ping(ctx context.Context) error {
	return r.sink.Ping(ctx)
}

// Name returns the sink name
func (r *Recorder) Name() string {
	return r.sink.Name()
}

// Close waits for pending writes and closes the sink
func (r *Recorder) Close() error {
	r.wg.Wait()
	return r.sink.Close()
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func validateTable(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid audit table name: %q", name)
	}
	return nil
}

var auditColumns = []string{
	"id", "request_id", "bucket", "path", "status", "http_status",
	"objects_listed", "objects_written", "bytes_in", "bytes_out",
	"duration_ms", "message", "created_at",
}

// insertQuery builds the INSERT statement for table using placeholder(i)
// for the i-th (1-based) argument.
func insertQuery(table string, placeholder func(i int) string) string {
	cols, vals := "", ""
	for i, c := range auditColumns {
		if i > 0 {
			cols += ", "
			vals += ", "
		}
		cols += c
		vals += placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, cols, vals)
}

func insertArgs(e models.AuditEntry) []any {
	return []any{
		e.ID, e.RequestID, e.Bucket, e.Path, e.Status, e.HTTPStatus,
		e.ObjectsListed, e.ObjectsWritten, e.BytesIn, e.BytesOut,
		e.DurationMs, e.Message, e.Timestamp.UTC(),
	}
}
