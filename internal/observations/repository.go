package observations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/JaimeStill/safeguard/pkg/query"
	"github.com/JaimeStill/safeguard/pkg/repository"
)

var recordProjection = query.
	NewProjectionMap("public", "observations", "o").
	Project("id", "ID").
	Project("subject_id", "SubjectID").
	Project("occurred_at", "OccurredAt").
	Project("category", "Category").
	Project("note", "Note").
	Project("source", "Source").
	Project("native_id", "NativeID").
	Project("source_updated_at", "SourceUpdatedAt").
	Project("sync_job_id", "SyncJobID").
	Project("created_at", "CreatedAt")

var groupProjection = recordProjection.
	Clone().
	Join("JOIN public.subjects s ON s.id = o.subject_id")

var subjectProjection = query.
	NewProjectionMap("public", "subjects", "s").
	Project("id", "ID").
	Project("group_id", "GroupID").
	Project("accommodations", "Accommodations")

var chronological = query.SortField{Field: "OccurredAt"}

const upsertSQL = `
INSERT INTO public.observations
	(subject_id, occurred_at, category, note, source, native_id, source_updated_at, sync_job_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (source, native_id) DO UPDATE SET
	subject_id = EXCLUDED.subject_id,
	occurred_at = EXCLUDED.occurred_at,
	category = EXCLUDED.category,
	note = EXCLUDED.note,
	source_updated_at = EXCLUDED.source_updated_at,
	sync_job_id = EXCLUDED.sync_job_id
WHERE observations.source_updated_at < EXCLUDED.source_updated_at
RETURNING (xmax = 0)`

type repo struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a PostgreSQL-backed Store.
func New(db *sql.DB, logger *slog.Logger) Store {
	return &repo{
		db:     db,
		logger: logger.With("system", "observations"),
	}
}

func (r *repo) Subject(ctx context.Context, id string) (*Subject, error) {
	q, args := query.NewBuilder(subjectProjection).BuildSingle("ID", id)

	s, err := repository.QueryOne(ctx, r.db, q, args, scanSubject)
	if err != nil {
		return nil, repository.MapError(err, ErrSubjectNotFound, nil)
	}
	return &s, nil
}

func (r *repo) Records(ctx context.Context, subjectID string, from, to time.Time) ([]Record, error) {
	q, args := query.
		NewBuilder(recordProjection, chronological).
		WhereEquals("SubjectID", subjectID).
		WhereAtOrAfter("OccurredAt", from).
		WhereBefore("OccurredAt", to).
		Build()

	records, err := repository.QueryMany(ctx, r.db, q, args, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	slices.SortFunc(records, Compare)
	return records, nil
}

func (r *repo) GroupRecords(ctx context.Context, groupID, excludeSubjectID string, from, to time.Time) ([]Record, error) {
	if groupID == "" {
		return []Record{}, nil
	}

	q, args := query.
		NewBuilder(groupProjection, chronological).
		WhereEquals("s.group_id", groupID).
		WhereNotEquals("SubjectID", excludeSubjectID).
		WhereAtOrAfter("OccurredAt", from).
		WhereBefore("OccurredAt", to).
		Build()

	records, err := repository.QueryMany(ctx, r.db, q, args, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("query group records: %w", err)
	}

	slices.SortFunc(records, Compare)
	return records, nil
}

func (r *repo) Upsert(ctx context.Context, rec Record) (MergeResult, error) {
	if err := Validate(rec); err != nil {
		return "", err
	}

	var inserted bool
	err := r.db.QueryRowContext(
		ctx, upsertSQL,
		rec.SubjectID,
		rec.OccurredAt,
		rec.Category,
		rec.Note,
		rec.Source,
		rec.NativeID,
		rec.SourceUpdatedAt,
		rec.SyncJobID,
	).Scan(&inserted)

	if errors.Is(err, sql.ErrNoRows) {
		return Stale, nil
	}
	if err != nil {
		return "", repository.MapError(err, nil, nil, ErrSubjectNotFound)
	}

	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func scanRecord(s repository.Scanner) (Record, error) {
	var rec Record
	var category string

	err := s.Scan(
		&rec.ID,
		&rec.SubjectID,
		&rec.OccurredAt,
		&category,
		&rec.Note,
		&rec.Source,
		&rec.NativeID,
		&rec.SourceUpdatedAt,
		&rec.SyncJobID,
		&rec.CreatedAt,
	)
	rec.Category = Category(category)
	return rec, err
}

func scanSubject(s repository.Scanner) (Subject, error) {
	var subj Subject
	var group sql.NullString
	var accommodationsRaw []byte

	if err := s.Scan(&subj.ID, &group, &accommodationsRaw); err != nil {
		return subj, err
	}
	subj.GroupID = group.String

	if len(accommodationsRaw) > 0 {
		if err := json.Unmarshal(accommodationsRaw, &subj.Accommodations); err != nil {
			return subj, fmt.Errorf("unmarshal accommodations: %w", err)
		}
	}
	if subj.Accommodations == nil {
		subj.Accommodations = []string{}
	}
	return subj, nil
}
