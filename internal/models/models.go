package models

import (
	"io"
	"sync/atomic"
	"time"
)

// DownloadRequest is the JSON body of a zip download request. FullPath is
// a pointer so a missing key can be told apart from an empty one.
type DownloadRequest struct {
	BucketName string  `json:"bucket_name"`
	FullPath   *string `json:"full_path"`
}

// ErrorResponse is the JSON body of every non-200 reply
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// Audit statuses
const (
	AuditCompleted = "completed"
	AuditPartial   = "partial"
	AuditFailed    = "failed"
	AuditRejected  = "rejected"
)

// AuditEntry records the outcome of one download request
type AuditEntry struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	Bucket         string    `json:"bucket"`
	Path           string    `json:"path"`
	Status         string    `json:"status"`
	HTTPStatus     int       `json:"http_status"`
	ObjectsListed  int       `json:"objects_listed"`
	ObjectsWritten int       `json:"objects_written"`
	BytesIn        int64     `json:"bytes_in"`
	BytesOut       int64     `json:"bytes_out"`
	DurationMs     int64     `json:"duration_ms"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ByteCounter wraps an io.Writer and counts bytes written
type ByteCounter struct {
	Writer io.Writer
	count  atomic.Int64
}

func (bc *ByteCounter) Write(p []byte) (int, error) {
	n, err := bc.Writer.Write(p)
	bc.count.Add(int64(n))
	return n, err
}

// Count returns the number of bytes written so far
func (bc *ByteCounter) Count() int64 {
	return bc.count.Load()
}
