package sources

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks failures worth retrying: network errors, rate
	// limits, and server errors.
	ErrTransient = errors.New("transient source failure")
	// ErrSchema marks a payload that does not match the expected shape.
	ErrSchema = errors.New("source schema error")
	// ErrRejected marks a client error response other than 429.
	ErrRejected = errors.New("source rejected request")

	ErrInvalidConfig = errors.New("invalid source config")
)

// RateLimitError is a 429 response. It is transient.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
