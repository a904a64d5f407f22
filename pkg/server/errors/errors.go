// Package errors contains the error surface returned to API callers.
// Internal failures are never exposed verbatim.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Affilience/genpipe/internal/jobs"
	"github.com/Affilience/genpipe/pkg/storage"
)

const InternalServerErrorMsg = "Internal Server Error. Check the server logs for more details."

// APIError is the wire shape of every error response.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`

	internal error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.internal
}

// QuotaExceededError carries the retry hints the caller needs.
type QuotaExceededError struct {
	APIError
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func QuotaExceeded(remaining int64, resetAt time.Time) *QuotaExceededError {
	return &QuotaExceededError{
		APIError: APIError{
			HTTPStatus: http.StatusTooManyRequests,
			Code:       "quota_exceeded",
			Message:    fmt.Sprintf("quota exhausted, window resets at %s", resetAt.UTC().Format(time.RFC3339)),
		},
		Remaining: remaining,
		ResetAt:   resetAt.UTC(),
	}
}

func ValidationFailed(msg string) *APIError {
	return &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       "validation_failed",
		Message:    msg,
	}
}

func FeatureNotAllowed(feature string) *APIError {
	return &APIError{
		HTTPStatus: http.StatusForbidden,
		Code:       "feature_not_allowed",
		Message:    fmt.Sprintf("the caller's tier does not include %q", feature),
	}
}

func JobNotFound(id string) *APIError {
	return &APIError{
		HTTPStatus: http.StatusNotFound,
		Code:       "job_not_found",
		Message:    fmt.Sprintf("job %q was not found", id),
	}
}

func JobForbidden() *APIError {
	return &APIError{
		HTTPStatus: http.StatusForbidden,
		Code:       "job_forbidden",
		Message:    "the job belongs to another owner",
	}
}

func GeneratorUnavailable(internal error) *APIError {
	return &APIError{
		HTTPStatus: http.StatusBadGateway,
		Code:       "generator_unavailable",
		Message:    "the generation backend is unavailable, try again later",
		internal:   internal,
	}
}

// NewInternalError returns an API error whose public message never includes
// the wrapped internal error.
func NewInternalError(public string, internal error) *APIError {
	if public == "" {
		public = InternalServerErrorMsg
	}
	return &APIError{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    public,
		internal:   internal,
	}
}

// HandleError translates domain errors into API errors. Errors already
// shaped for the API pass through.
func HandleError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &APIError{
			HTTPStatus: http.StatusNotFound,
			Code:       "not_found",
			Message:    "the requested resource was not found",
		}
	case errors.Is(err, jobs.ErrForbidden):
		return JobForbidden()
	case errors.Is(err, jobs.ErrTooManyUnits):
		return ValidationFailed("the requested unit count is outside the allowed range")
	default:
		return NewInternalError("", err)
	}
}
