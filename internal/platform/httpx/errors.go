// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// StatusFor maps a domain error kind onto an HTTP status code.
func StatusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.ErrValidation:
		return http.StatusBadRequest
	case shared.ErrNotFound:
		return http.StatusNotFound
	case shared.ErrConflict:
		return http.StatusConflict
	case shared.ErrUnauthorized:
		return http.StatusUnauthorized
	case shared.ErrForbidden:
		return http.StatusForbidden
	case shared.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
// Internal faults never leak their message.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	detail := ""
	if shared.IsDomain(err) {
		detail = err.Error()
	}
	problem := ProblemDetail{Title: http.StatusText(status), Status: status, Detail: detail}
	var domainErr *shared.Error
	if errors.As(err, &domainErr) && domainErr.Field != "" && shared.IsDomain(err) {
		problem.Field = domainErr.Field
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	JSON(w, status, problem)
}
