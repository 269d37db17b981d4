// Package scheduler runs source synchronization jobs. Each configured source
// is polled on its own interval; valid records are merged one way into the
// canonical observation store and the source cursor advances only past
// records that were applied.
package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/internal/sources"
)

// Outcome classifies a finished job.
type Outcome string

const (
	Success Outcome = "success"
	Partial Outcome = "partial"
	Failed  Outcome = "failed"
)

// RecordFailure reports one record that could not be merged.
type RecordFailure struct {
	NativeID string `json:"native_id"`
	Reason   string `json:"reason"`
}

// Job is the record of one synchronization run.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Source       string          `json:"source"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
	Outcome      Outcome         `json:"outcome"`
	Merged       int             `json:"merged"`
	Skipped      int             `json:"skipped"`
	Failed       int             `json:"failed"`
	Attempts     int             `json:"attempts"`
	CursorBefore sources.Cursor  `json:"cursor_before"`
	CursorAfter  sources.Cursor  `json:"cursor_after"`
	Failures     []RecordFailure `json:"failures"`
	Error        string          `json:"error,omitempty"`
}

// Applied is the number of records the canonical store accepted, including
// stale versions it already held.
func (j Job) Applied() int {
	return j.Merged + j.Skipped
}

func (j *Job) fail(reason error) {
	j.Outcome = Failed
	j.Error = reason.Error()
	j.CursorAfter = j.CursorBefore
}

func (j *Job) reject(nativeID string, err error) {
	j.Failed++
	j.Failures = append(j.Failures, RecordFailure{NativeID: nativeID, Reason: err.Error()})
}

// settle derives the outcome from the record counts.
func (j *Job) settle() {
	switch {
	case j.Failed == 0:
		j.Outcome = Success
	case j.Applied() > 0:
		j.Outcome = Partial
	default:
		j.Outcome = Failed
		j.Error = "no valid records merged"
		j.CursorAfter = j.CursorBefore
	}
}
