package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"s3zipper/internal/models"
	"s3zipper/internal/storage"
)

// Error codes carried in ErrorResponse.Code
const (
	CodeInvalidRequest      = "invalid_request"
	CodeRequestTooLarge     = "request_too_large"
	CodeValidation          = "validation_error"
	CodeUnauthorized        = "unauthorized"
	CodeExpired             = "expired"
	CodeBusy                = "busy"
	CodeRateLimited         = "rate_limited"
	CodeAccessDenied        = "access_denied"
	CodeBucketNotFound      = "bucket_not_found"
	CodeObjectNotFound      = "object_not_found"
	CodeNoObjects           = "no_objects"
	CodeTooManyObjects      = "too_many_objects"
	CodeUpstream            = "upstream_error"
	CodeUpstreamUnavailable = "upstream_unavailable"
)

// apiError is a failure that maps onto an HTTP status and error code
type apiError struct {
	status  int
	code    string
	message string
	err     error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return e.message + ": " + e.err.Error()
	}
	return e.message
}

func (e *apiError) Unwrap() error { return e.err }

func newAPIError(status int, code, message string, err error) *apiError {
	return &apiError{status: status, code: code, message: message, err: err}
}

// storageError maps a provider error onto the public taxonomy
func storageError(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, storage.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, CodeUpstreamUnavailable, "storage temporarily unavailable", err)
	case errors.Is(err, storage.ErrAccessDenied):
		return newAPIError(http.StatusForbidden, CodeAccessDenied, "access to bucket denied", err)
	case errors.Is(err, storage.ErrBucketNotFound):
		return newAPIError(http.StatusNotFound, CodeBucketNotFound, "bucket not found", err)
	case errors.Is(err, storage.ErrObjectNotFound):
		return newAPIError(http.StatusNotFound, CodeObjectNotFound, "object not found", err)
	case errors.Is(err, storage.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, CodeValidation, "invalid bucket or path", err)
	default:
		return newAPIError(http.StatusBadGateway, CodeUpstream, "failed to read from storage", err)
	}
}

// WriteJSONError writes an ErrorResponse body with the given status
func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Disposition")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: GetRequestID(r.Context()),
	})
}

func writeAPIError(w http.ResponseWriter, r *http.Request, e *apiError) {
	WriteJSONError(w, r, e.status, e.code, e.message)
}
