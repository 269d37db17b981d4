package reports

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound           = errors.New("report not found")
	ErrDuplicate          = errors.New("report already exists")
	ErrDigestMismatch     = errors.New("report digest mismatch")
	ErrArchiveUnavailable = errors.New("report archive unavailable")
	ErrInvalidID          = errors.New("invalid report id")
)

// MapHTTPStatus maps report errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, ErrArchiveUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
