// Package reports assembles and persists immutable assessment reports.
// A report binds one assessment to its re-identified narrative and the
// provenance needed to reproduce it, sealed by a SHA-256 content digest.
package reports

import (
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/internal/localizer"
	"github.com/JaimeStill/safeguard/internal/patterns"
	"github.com/JaimeStill/safeguard/internal/risk"
)

// Provenance records what a report was derived from.
type Provenance struct {
	PipelineVersion string            `json:"pipeline_version"`
	ConfigVersion   string            `json:"config_version"`
	Signals         []patterns.Signal `json:"signals"`
	SyncJobs        []uuid.UUID       `json:"sync_jobs"`
	WindowStart     time.Time         `json:"window_start"`
	WindowEnd       time.Time         `json:"window_end"`
	RecordCount     int               `json:"record_count"`
}

// Report is never updated once saved. A newer report for the same subject
// names the one it supersedes.
type Report struct {
	ID         uuid.UUID           `json:"id"`
	SubjectID  string              `json:"subject_id"`
	Assessment risk.Assessment     `json:"assessment"`
	Narrative  localizer.Narrative `json:"narrative"`
	Provenance Provenance          `json:"provenance"`
	Supersedes *uuid.UUID          `json:"supersedes,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	Digest     string              `json:"digest"`
}

// ArchiveKey is the blob key of the report's JSON artifact.
func (r Report) ArchiveKey() string {
	return archiveKey(r.SubjectID, r.ID)
}
