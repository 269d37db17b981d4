package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/JaimeStill/safeguard/internal/patterns"
	"github.com/JaimeStill/safeguard/internal/reports"
	"github.com/JaimeStill/safeguard/internal/strikes"
	"github.com/JaimeStill/safeguard/internal/tokenizer"
)

var (
	ErrSubjectRequired = errors.New("subject id is required")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")
	ErrNoAssessment    = errors.New("no assessment for subject")
)

// MapHTTPStatus maps pipeline errors, including those of its stages, to HTTP
// status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrSubjectRequired), errors.Is(err, ErrBatchTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoAssessment), errors.Is(err, reports.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, tokenizer.ErrSessionExpired),
		errors.Is(err, tokenizer.ErrUnknownSession),
		errors.Is(err, tokenizer.ErrUnknownToken):
		return tokenizer.MapHTTPStatus(err)
	}

	if status := strikes.MapHTTPStatus(err); status != http.StatusInternalServerError {
		return status
	}
	return patterns.MapHTTPStatus(err)
}
