package patterns

import (
	"errors"
	"net/http"

	"github.com/JaimeStill/safeguard/internal/observations"
)

var (
	ErrInvalidWindow  = errors.New("window end must be after window start")
	ErrWindowTooLarge = errors.New("window exceeds maximum span")
)

// MapHTTPStatus maps extraction errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	if errors.Is(err, ErrInvalidWindow) || errors.Is(err, ErrWindowTooLarge) {
		return http.StatusBadRequest
	}
	return observations.MapHTTPStatus(err)
}
