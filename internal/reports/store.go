package reports

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/pkg/pagination"
)

// Store persists reports. Save rejects an id that already exists; reports
// are never updated.
type Store interface {
	Save(ctx context.Context, r Report) error
	Find(ctx context.Context, id uuid.UUID) (*Report, error)
	Latest(ctx context.Context, subjectID string) (*Report, error)
	ListBySubject(
		ctx context.Context,
		subjectID string,
		page pagination.PageRequest,
	) (*pagination.PageResult[Report], error)
	// Archive streams the report's JSON artifact. The caller must close it.
	Archive(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)
}

const archiveContentType = "application/json"

func archiveKey(subjectID string, id uuid.UUID) string {
	return fmt.Sprintf("reports/%s/%s.json", subjectID, id)
}
