package handlers

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"s3zipper/internal/audit"
	"s3zipper/internal/auth"
	"s3zipper/internal/config"
	"s3zipper/internal/metrics"
	"s3zipper/internal/models"
	"s3zipper/internal/storage"
)

// Options controls archive building
type Options struct {
	ArchiveName         string
	AppendYMD           bool
	SanitizeNames       bool
	IgnoreMissing       bool
	FlatListing         bool
	EmptyPrefixPolicy   string
	MaxFileQuantity     int
	MaxFileSizeBytes    int64
	MaxConcurrent       int64
	MaxActiveDownloads  int
	MaxRequestBodyBytes int64
	RequestTimeout      time.Duration
}

// OptionsFromConfig copies the archive settings out of cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ArchiveName:         cfg.ArchiveName,
		AppendYMD:           cfg.AppendYMD,
		SanitizeNames:       cfg.SanitizeNames,
		IgnoreMissing:       cfg.IgnoreMissing,
		FlatListing:         cfg.FlatListing,
		EmptyPrefixPolicy:   cfg.EmptyPrefixPolicy,
		MaxFileQuantity:     cfg.MaxFileQuantity,
		MaxFileSizeBytes:    cfg.MaxFileSizeBytes,
		MaxConcurrent:       cfg.MaxConcurrent,
		MaxActiveDownloads:  cfg.MaxActiveDownloads,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RequestTimeout:      cfg.RequestTimeout,
	}
}

// Handler handles download requests
type Handler struct {
	logger   *zap.Logger
	storage  storage.Provider
	verifier *auth.Verifier
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	opts     Options
	active   chan struct{}
	now      func() time.Time
}

// NewHandler creates a new download handler. verifier and recorder may be nil.
func NewHandler(
	logger *zap.Logger,
	storageProvider storage.Provider,
	verifier *auth.Verifier,
	recorder *audit.Recorder,
	m *metrics.Metrics,
	opts Options,
) *Handler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 4
	}
	if opts.EmptyPrefixPolicy == "" {
		opts.EmptyPrefixPolicy = config.EmptyPolicyArchive
	}
	if recorder == nil {
		recorder = audit.NewRecorder(nil, logger, m, 0)
	}

	h := &Handler{
		logger:   logger,
		storage:  storageProvider,
		verifier: verifier,
		recorder: recorder,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
	if opts.MaxActiveDownloads > 0 {
		h.active = make(chan struct{}, opts.MaxActiveDownloads)
	}
	return h
}

// entry is one object scheduled for the archive
type entry struct {
	key      string
	name     string
	size     int64
	modified time.Time
}

// streamResult summarises a finished fan-out
type streamResult struct {
	written int
	failed  int
	inBytes int64
}

// Download handles POST /api/v1/download/zip
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	start := h.now()

	h.metrics.ActiveDownloads.Inc()
	defer h.metrics.ActiveDownloads.Dec()

	ctx := r.Context()
	if h.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.RequestTimeout)
		defer cancel()
	}

	requestID := GetRequestID(ctx)
	logger := h.logger.With(zap.String("request_id", requestID))

	record := models.AuditEntry{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Timestamp: start.UTC(),
	}
	// reject finishes a request that failed before any archive byte was sent
	reject := func(status string, e *apiError) {
		record.Status = status
		record.HTTPStatus = e.status
		record.Message = e.Error()
		h.finish(record, start)
		writeAPIError(w, r, e)
	}

	req, apiErr := h.decodeRequest(w, r)
	if apiErr != nil {
		logger.Warn("invalid download request", zap.Error(apiErr))
		reject(models.AuditRejected, apiErr)
		return
	}
	bucket := strings.TrimSpace(req.BucketName)
	fullPath := *req.FullPath
	record.Bucket = bucket
	record.Path = fullPath
	logger = logger.With(zap.String("bucket", bucket), zap.String("path", fullPath))

	if apiErr := h.verify(r, bucket, fullPath); apiErr != nil {
		logger.Warn("signature verification failed", zap.Error(apiErr))
		reject(models.AuditRejected, apiErr)
		return
	}

	if h.active != nil {
		select {
		case h.active <- struct{}{}:
			defer func() { <-h.active }()
		default:
			h.metrics.BusyRejectionsTotal.Inc()
			w.Header().Set("Retry-After", "5")
			logger.Warn("too many active downloads", zap.Int("limit", h.opts.MaxActiveDownloads))
			reject(models.AuditRejected, newAPIError(http.StatusServiceUnavailable, CodeBusy,
				"server is busy, retry later", nil))
			return
		}
	}

	prefix := listPrefix(fullPath)
	objects, err := h.storage.List(ctx, bucket, prefix)
	if err != nil {
		apiErr := storageError(err)
		logger.Error("list objects failed", zap.String("prefix", prefix), zap.Error(err))
		reject(models.AuditFailed, apiErr)
		return
	}

	entries := h.selectEntries(objects, prefix, logger)
	record.ObjectsListed = len(entries)

	if h.opts.MaxFileQuantity > 0 && len(entries) > h.opts.MaxFileQuantity {
		logger.Warn("too many objects", zap.Int("count", len(entries)), zap.Int("limit", h.opts.MaxFileQuantity))
		reject(models.AuditRejected, newAPIError(http.StatusUnprocessableEntity, CodeTooManyObjects,
			fmt.Sprintf("%d objects found, limit is %d", len(entries), h.opts.MaxFileQuantity), nil))
		return
	}

	if len(entries) == 0 && h.opts.EmptyPrefixPolicy == config.EmptyPolicyNotFound {
		reject(models.AuditRejected, newAPIError(http.StatusNotFound, CodeNoObjects,
			"no objects found under path", nil))
		return
	}

	filename := h.prepareFilename(h.opts.ArchiveName)

	out := &commitWriter{w: w, onCommit: func() {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
		w.WriteHeader(http.StatusOK)
	}}
	outBc := &models.ByteCounter{Writer: out}
	zw := zip.NewWriter(outBc)

	result, streamErr := h.streamEntries(ctx, zw, bucket, entries, start, logger)
	if streamErr == nil {
		streamErr = zw.Close()
	}

	record.ObjectsWritten = result.written
	record.BytesIn = result.inBytes
	record.BytesOut = outBc.Count()

	if r.Context().Err() != nil {
		h.metrics.ClientDisconnectsTotal.Inc()
		logger.Warn("client disconnected", zap.Error(r.Context().Err()))
	}

	if streamErr != nil {
		apiErr := storageError(streamErr)
		logger.Error("archive stream failed",
			zap.Bool("committed", out.committed),
			zap.Int("written", result.written),
			zap.Error(streamErr),
		)
		if !out.committed {
			reject(models.AuditFailed, apiErr)
			return
		}

		record.Status = models.AuditFailed
		record.HTTPStatus = http.StatusOK
		record.Message = "aborted after partial response: " + streamErr.Error()
		h.finish(record, start)
		// The status line is gone; dropping the connection is the only
		// way left to tell the client the archive is incomplete.
		panic(http.ErrAbortHandler)
	}

	record.Status = models.AuditCompleted
	record.HTTPStatus = http.StatusOK
	if result.failed > 0 {
		record.Status = models.AuditPartial
		record.Message = fmt.Sprintf("wrote %d of %d objects", result.written, len(entries))
		logger.Warn("incomplete download", zap.Int("written", result.written), zap.Int("listed", len(entries)))
	}
	h.finish(record, start)

	logger.Info("download handled",
		zap.String("status", record.Status),
		zap.Int("objects", result.written),
		zap.Int64("bytes_out", record.BytesOut),
		zap.Duration("duration", h.now().Sub(start)),
	)
}

// finish records metrics and submits the audit entry
func (h *Handler) finish(record models.AuditEntry, start time.Time) {
	duration := h.now().Sub(start)
	record.DurationMs = duration.Milliseconds()

	h.metrics.RequestsTotal.WithLabelValues("download", strconv.Itoa(record.HTTPStatus)).Inc()
	h.metrics.DownloadsTotal.WithLabelValues(record.Status).Inc()

	if record.Status != models.AuditRejected || record.ObjectsListed > 0 {
		h.metrics.DurationHist.Observe(duration.Seconds())
		h.metrics.FilesRequestedHist.Observe(float64(record.ObjectsListed))
		h.metrics.FilesSuccessHist.Observe(float64(record.ObjectsWritten))
		h.metrics.OutgoingBytesHist.Observe(float64(record.BytesOut))
		h.metrics.IncomingBytesHist.Observe(float64(record.BytesIn))
		if record.BytesIn > 0 {
			h.metrics.CompressionRatio.Observe(float64(record.BytesOut) / float64(record.BytesIn))
		}
	}

	h.recorder.Submit(record)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (*models.DownloadRequest, *apiError) {
	body := r.Body
	if h.opts.MaxRequestBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodyBytes)
	}

	var req models.DownloadRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, newAPIError(http.StatusRequestEntityTooLarge, CodeRequestTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), err)
		}
		return nil, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "request body must be a JSON object", err)
	}

	if strings.TrimSpace(req.BucketName) == "" {
		return nil, newAPIError(http.StatusBadRequest, CodeValidation, "bucket_name is required", nil)
	}
	if req.FullPath == nil {
		return nil, newAPIError(http.StatusBadRequest, CodeValidation, "full_path is required", nil)
	}
	return &req, nil
}

func (h *Handler) verify(r *http.Request, bucket, fullPath string) *apiError {
	if h.verifier == nil {
		return nil
	}

	query := r.URL.Query()
	err := h.verifier.Verify(bucket, fullPath, query.Get("expiry"), query.Get("signature"))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrExpired):
		return newAPIError(http.StatusGone, CodeExpired, "download link has expired", err)
	default:
		return newAPIError(http.StatusUnauthorized, CodeUnauthorized, "invalid or missing signature", err)
	}
}

// listPrefix strips surrounding slashes from the requested path and treats
// whatever is left as a folder.
func listPrefix(fullPath string) string {
	p := strings.Trim(fullPath, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// entryName returns the archive name for key under prefix with empty, "."
// and ".." segments dropped. An empty result means the key has no usable name.
func entryName(key, prefix string) string {
	rel := strings.TrimPrefix(key, prefix)
	parts := strings.Split(rel, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/")
}

// uniqueName returns name, or name with a " (N)" suffix before its
// extension when an earlier entry already took it.
func uniqueName(name string, used map[string]struct{}) string {
	if _, taken := used[name]; !taken {
		return name
	}
	dir, base := path.Split(name)
	ext := path.Ext(base)
	if ext == base {
		ext = ""
	}
	stem := strings.TrimSuffix(base, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s%s (%d)%s", dir, stem, n, ext)
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
}

func (h *Handler) selectEntries(objects []storage.ObjectInfo, prefix string, logger *zap.Logger) []entry {
	entries := make([]entry, 0, len(objects))
	used := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			h.metrics.FilesSkippedTotal.WithLabelValues("directory").Inc()
			continue
		}
		if !strings.HasPrefix(obj.Key, prefix) {
			continue
		}

		name := entryName(obj.Key, prefix)
		if name == "" {
			h.metrics.FilesSkippedTotal.WithLabelValues("invalid_name").Inc()
			logger.Warn("skipping object with unusable name", zap.String("key", obj.Key))
			continue
		}
		if h.opts.FlatListing && strings.Contains(name, "/") {
			h.metrics.FilesSkippedTotal.WithLabelValues("nested").Inc()
			continue
		}
		if h.opts.MaxFileSizeBytes > 0 && obj.Size > h.opts.MaxFileSizeBytes {
			h.metrics.FilesSkippedTotal.WithLabelValues("too_large").Inc()
			logger.Warn("skipping object over size limit",
				zap.String("key", obj.Key),
				zap.Int64("size", obj.Size),
				zap.Int64("limit", h.opts.MaxFileSizeBytes),
			)
			continue
		}

		if unique := uniqueName(name, used); unique != name {
			logger.Debug("renamed colliding entry",
				zap.String("key", obj.Key),
				zap.String("name", unique),
			)
			name = unique
		}
		used[name] = struct{}{}

		entries = append(entries, entry{
			key:      obj.Key,
			name:     name,
			size:     obj.Size,
			modified: obj.LastModified,
		})
	}
	return entries
}

func (h *Handler) prepareFilename(name string) string {
	filename := name
	if h.opts.SanitizeNames {
		filename = sanitizeFilename(filename)
	}
	if filename == "" {
		filename = "download"
	}

	// Strip .zip if present
	if strings.HasSuffix(strings.ToLower(filename), ".zip") {
		filename = filename[:len(filename)-4]
	}

	if h.opts.AppendYMD {
		filename += "-" + h.now().Format("20060102")
	}

	filename += ".zip"
	return filename
}

// streamEntries fetches entries with bounded concurrency and writes each one
// to zw. Writes are serialised; the first hard failure cancels the rest.
func (h *Handler) streamEntries(
	ctx context.Context,
	zw *zip.Writer,
	bucket string,
	entries []entry,
	start time.Time,
	logger *zap.Logger,
) (streamResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(h.opts.MaxConcurrent)

	var (
		zipMu    sync.Mutex
		wg       sync.WaitGroup
		written  atomic.Int64
		failed   atomic.Int64
		inBytes  atomic.Int64
		errOnce  sync.Once
		hardErr  error
		firstErr error
		failMu   sync.Mutex
	)
	abort := func(err error) {
		errOnce.Do(func() {
			hardErr = err
			cancel()
		})
	}
	buf := make([]byte, 32*1024)

	for _, e := range entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			abort(err)
			break
		}

		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			defer sem.Release(1)

			body, err := h.storage.GetObject(ctx, bucket, e.key)
			if err != nil {
				if h.opts.IgnoreMissing && ctx.Err() == nil {
					h.metrics.FilesFetchTotal.WithLabelValues(fetchLabel(err)).Inc()
					h.metrics.FilesSkippedTotal.WithLabelValues("fetch_failed").Inc()
					logger.Warn("skipping object that failed to fetch", zap.String("key", e.key), zap.Error(err))
					failed.Add(1)
					failMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					failMu.Unlock()
					return
				}
				h.metrics.FilesFetchTotal.WithLabelValues(fetchLabel(err)).Inc()
				abort(fmt.Errorf("fetch %s: %w", e.key, err))
				return
			}
			defer body.Close()

			zipMu.Lock()
			defer zipMu.Unlock()
			if ctx.Err() != nil {
				abort(ctx.Err())
				return
			}

			n, err := writeEntry(zw, e, body, buf, start)
			if err != nil {
				h.metrics.FilesFetchTotal.WithLabelValues("error").Inc()
				abort(fmt.Errorf("write %s: %w", e.key, err))
				return
			}
			inBytes.Add(n)
			written.Add(1)
			h.metrics.FilesFetchTotal.WithLabelValues("success").Inc()
		}(e)
	}
	wg.Wait()

	result := streamResult{
		written: int(written.Load()),
		failed:  int(failed.Load()),
		inBytes: inBytes.Load(),
	}

	if hardErr != nil {
		return result, hardErr
	}
	if result.written == 0 && result.failed > 0 {
		return result, fmt.Errorf("all %d objects failed to fetch: %w", result.failed, firstErr)
	}
	return result, nil
}

func writeEntry(zw *zip.Writer, e entry, body io.Reader, buf []byte, fallback time.Time) (int64, error) {
	modified := e.modified
	if modified.IsZero() {
		modified = fallback
	}

	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     e.name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return 0, err
	}
	return io.CopyBuffer(fw, body, buf)
}

func fetchLabel(err error) string {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "missing"
	}
	return "error"
}

// commitWriter sends the response status on the first archive byte, so
// failures before that point can still produce a JSON error.
type commitWriter struct {
	w         http.ResponseWriter
	onCommit  func()
	committed bool
}

func (c *commitWriter) Write(p []byte) (int, error) {
	if !c.committed {
		c.committed = true
		c.onCommit()
	}
	return c.w.Write(p)
}

func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r < 32 || r > 126 || strings.ContainsRune(`\/:*?"<>|`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	return name
}
