// Package strikes persists each subject's strike level. Levels move up only
// through Advance; Reset is the single administrative path back to Clear.
package strikes

import (
	"context"
	"strings"
	"time"

	"github.com/JaimeStill/safeguard/internal/risk"
)

// State is a subject's current strike level.
type State struct {
	SubjectID  string     `json:"subject_id"`
	Level      risk.Level `json:"level"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResetBy    *string    `json:"reset_by,omitempty"`
	ApprovedBy *string    `json:"approved_by,omitempty"`
	ResetAt    *time.Time `json:"reset_at,omitempty"`
}

// ResetCommand carries an administrative reset.
type ResetCommand struct {
	ResetBy    string `json:"reset_by"`
	ApprovedBy string `json:"approved_by,omitempty"`
	Reason     string `json:"reason"`
}

// Validate checks the command against the reset authority policy.
func (c ResetCommand) Validate(requireSecondApprover bool) error {
	resetBy := strings.TrimSpace(c.ResetBy)
	approvedBy := strings.TrimSpace(c.ApprovedBy)

	if resetBy == "" {
		return ErrResetByRequired
	}
	if strings.TrimSpace(c.Reason) == "" {
		return ErrReasonRequired
	}
	if requireSecondApprover {
		if approvedBy == "" {
			return ErrApproverRequired
		}
		if strings.EqualFold(approvedBy, resetBy) {
			return ErrSelfApproval
		}
	}
	return nil
}

// Store persists strike state. Get returns a Clear state for subjects that
// have never escalated. Advance never lowers a stored level.
type Store interface {
	Get(ctx context.Context, subjectID string) (State, error)
	Advance(ctx context.Context, subjectID string, level risk.Level) (State, error)
	Reset(ctx context.Context, subjectID string, cmd ResetCommand) (State, error)
}
