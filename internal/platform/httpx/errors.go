package httpx

import (
	"errors"
	"net/http"
	"strconv"
)

// Sentinel errors for request parsing.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrValidation = errors.New("validation failed")
)

// StatusCoder is implemented by domain errors that know their HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Retryable is implemented by domain errors that the caller may retry.
type Retryable interface {
	Retryable() bool
}

// RetryAfterSeconds is advertised on retryable failures.
const RetryAfterSeconds = 1

// RespondError maps an error to an envelope. Errors without a known status are reported as a
// generic internal error so storage details never leak to callers.
func RespondError(w http.ResponseWriter, err error) {
	var coder StatusCoder
	if errors.As(err, &coder) {
		status := coder.HTTPStatus()
		var retry Retryable
		if errors.As(err, &retry) && retry.Retryable() {
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		}
		if status >= http.StatusInternalServerError && !isRetryable(err) {
			Fail(w, status, http.StatusText(status), nil)
			return
		}
		Fail(w, status, err.Error(), nil)
		return
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Fail(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, ErrValidation):
		Fail(w, http.StatusBadRequest, err.Error(), nil)
	default:
		Fail(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), nil)
	}
}

func isRetryable(err error) bool {
	var retry Retryable
	return errors.As(err, &retry) && retry.Retryable()
}
