package strikes

import (
	"errors"
	"net/http"
)

var (
	ErrResetByRequired  = errors.New("reset_by is required")
	ErrReasonRequired   = errors.New("reset reason is required")
	ErrApproverRequired = errors.New("a second approver is required")
	ErrSelfApproval     = errors.New("approver must differ from the requester")
)

// MapHTTPStatus maps strike errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrResetByRequired),
		errors.Is(err, ErrReasonRequired),
		errors.Is(err, ErrApproverRequired),
		errors.Is(err, ErrSelfApproval):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
