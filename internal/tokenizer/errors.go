package tokenizer

import (
	"errors"
	"net/http"
)

var (
	ErrUnknownSession = errors.New("unknown token session")
	ErrSessionExpired = errors.New("token session expired")
	ErrUnknownToken   = errors.New("token not issued by session")
	ErrEmptyIdentity  = errors.New("identifier must not be empty")
	ErrTokenCollision = errors.New("token collision within session")
)

// MapHTTPStatus maps tokenizer errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	if errors.Is(err, ErrSessionExpired) {
		return http.StatusGone
	}
	if errors.Is(err, ErrUnknownSession) || errors.Is(err, ErrUnknownToken) || errors.Is(err, ErrEmptyIdentity) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
