package httpdto

import (
	"errors"
	"net/http"

	podster_errors "podster/pkg/errors"
)

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, podster_errors.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, podster_errors.ErrForbiddenRoleMismatch):
		return http.StatusForbidden
	case errors.Is(err, podster_errors.ErrSessionNotFound),
		errors.Is(err, podster_errors.ErrTrackNotFound),
		errors.Is(err, podster_errors.ErrTrackMissingForCompletion),
		errors.Is(err, podster_errors.ErrUploadTargetNotFound),
		errors.Is(err, podster_errors.ErrStorageObjectNotFound),
		errors.Is(err, podster_errors.ErrRecordingNotFound),
		errors.Is(err, podster_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, podster_errors.ErrInvalidPartCount),
		errors.Is(err, podster_errors.ErrInvalidParts),
		errors.Is(err, podster_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, podster_errors.ErrInvalidTransition),
		errors.Is(err, podster_errors.ErrConflict),
		errors.Is(err, podster_errors.ErrActiveUploadTarget),
		errors.Is(err, podster_errors.ErrTrackNotUploaded):
		return http.StatusConflict
	case errors.Is(err, podster_errors.ErrUploadTargetExpired):
		return http.StatusGone
	case errors.Is(err, podster_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, podster_errors.ErrStorageProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func CodeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusGone:
		return "UPLOAD_TARGET_EXPIRED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusBadGateway:
		return "STORAGE_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// MessageFor hides internal error details behind a generic message. Storage
// faults keep only the sentinel text; the cause is logged server side.
func MessageFor(err error, status int) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal server error"
	case http.StatusBadGateway:
		return podster_errors.ErrStorageProvider.Error()
	default:
		return err.Error()
	}
}
