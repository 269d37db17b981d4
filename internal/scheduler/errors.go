package scheduler

import (
	"errors"
	"net/http"
)

var (
	ErrUnknownSource   = errors.New("unknown sync source")
	ErrSourceBusy      = errors.New("sync already running for source")
	ErrDuplicateSource = errors.New("duplicate sync source")
)

// MapHTTPStatus maps scheduler errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, ErrSourceBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
