package observations

import (
	"errors"
	"net/http"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrInvalidCategory = errors.New("invalid observation category")
	ErrInvalidRecord   = errors.New("invalid observation record")
)

// MapHTTPStatus maps observation errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	if errors.Is(err, ErrSubjectNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, ErrInvalidCategory) || errors.Is(err, ErrInvalidRecord) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
