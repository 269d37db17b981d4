package observations

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Reader is the pipeline's read-only view of the canonical store.
// Record ranges are half-open: [from, to).
type Reader interface {
	Subject(ctx context.Context, id string) (*Subject, error)
	Records(ctx context.Context, subjectID string, from, to time.Time) ([]Record, error)
	GroupRecords(ctx context.Context, groupID, excludeSubjectID string, from, to time.Time) ([]Record, error)
}

// Writer merges synced records into the canonical store. Upsert is
// idempotent and last-writer-wins on SourceUpdatedAt per (Source, NativeID).
type Writer interface {
	Upsert(ctx context.Context, rec Record) (MergeResult, error)
}

// Store combines read and write access.
type Store interface {
	Reader
	Writer
}

// Validate checks a record's shape before it is merged.
func Validate(rec Record) error {
	var problems []string

	if strings.TrimSpace(rec.SubjectID) == "" {
		problems = append(problems, "subject id required")
	}
	if strings.TrimSpace(rec.Source) == "" {
		problems = append(problems, "source required")
	}
	if strings.TrimSpace(rec.NativeID) == "" {
		problems = append(problems, "native id required")
	}
	if rec.OccurredAt.IsZero() {
		problems = append(problems, "occurred_at required")
	}
	if rec.SourceUpdatedAt.IsZero() {
		problems = append(problems, "source_updated_at required")
	}
	if rec.Category.Rank() > 2 {
		problems = append(problems, fmt.Sprintf("unknown category %q", rec.Category))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(problems, "; "))
	}
	return nil
}
