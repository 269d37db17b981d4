package reports

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/pkg/pagination"
	"github.com/JaimeStill/safeguard/pkg/query"
	"github.com/JaimeStill/safeguard/pkg/repository"
	"github.com/JaimeStill/safeguard/pkg/storage"
)

var projection = query.
	NewProjectionMap("public", "reports", "r").
	Project("id", "ID").
	Project("subject_id", "SubjectID").
	Project("assessment", "Assessment").
	Project("narrative", "Narrative").
	Project("provenance", "Provenance").
	Project("supersedes", "Supersedes").
	Project("created_at", "CreatedAt").
	Project("digest", "Digest")

var defaultSort = query.SortField{
	Field:      "CreatedAt",
	Descending: true,
}

type repo struct {
	db         *sql.DB
	storage    storage.System
	logger     *slog.Logger
	pagination pagination.Config
}

// New creates a PostgreSQL-backed Store. When store is nil reports are
// kept only in the database and Archive returns ErrArchiveUnavailable.
func New(
	db *sql.DB,
	store storage.System,
	logger *slog.Logger,
	pagination pagination.Config,
) Store {
	return &repo{
		db:         db,
		storage:    store,
		logger:     logger.With("system", "reports"),
		pagination: pagination,
	}
}

func (r *repo) Save(ctx context.Context, rep Report) error {
	assessment, err := json.Marshal(rep.Assessment)
	if err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}
	narrative, err := json.Marshal(rep.Narrative)
	if err != nil {
		return fmt.Errorf("encode narrative: %w", err)
	}
	provenance, err := json.Marshal(rep.Provenance)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}

	key := rep.ArchiveKey()
	if r.storage != nil {
		artifact, err := json.Marshal(rep)
		if err != nil {
			return fmt.Errorf("encode archive: %w", err)
		}
		if err := r.storage.Upload(ctx, key, bytes.NewReader(artifact), archiveContentType); err != nil {
			return fmt.Errorf("upload report archive: %w", err)
		}
	}

	q := `
		INSERT INTO public.reports (id, subject_id, assessment, narrative, provenance, supersedes, created_at, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = repository.WithTx(ctx, r.db, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, q,
			rep.ID,
			rep.SubjectID,
			assessment,
			narrative,
			provenance,
			rep.Supersedes,
			rep.CreatedAt,
			rep.Digest,
		)
		return struct{}{}, err
	})

	if err != nil {
		if r.storage != nil {
			if delErr := r.storage.Delete(context.WithoutCancel(ctx), key); delErr != nil {
				r.logger.Warn("compensating archive delete failed", "key", key, "error", delErr)
			}
		}
		return repository.MapError(err, ErrNotFound, ErrDuplicate)
	}

	r.logger.Info("report saved",
		"id", rep.ID,
		"subject_id", rep.SubjectID,
		"band", rep.Assessment.Band,
		"narrative_source", rep.Narrative.Source,
	)
	return nil
}

func (r *repo) Find(ctx context.Context, id uuid.UUID) (*Report, error) {
	q, args := query.NewBuilder(projection).BuildSingle("ID", id)

	rep, err := repository.QueryOne(ctx, r.db, q, args, scanReport)
	if err != nil {
		return nil, repository.MapError(err, ErrNotFound, ErrDuplicate)
	}
	return &rep, nil
}

func (r *repo) Latest(ctx context.Context, subjectID string) (*Report, error) {
	q, args := query.
		NewBuilder(projection, defaultSort).
		WhereEquals("SubjectID", subjectID).
		Limit(1).
		Build()

	rep, err := repository.QueryOne(ctx, r.db, q, args, scanReport)
	if err != nil {
		return nil, repository.MapError(err, ErrNotFound, ErrDuplicate)
	}
	return &rep, nil
}

func (r *repo) ListBySubject(
	ctx context.Context,
	subjectID string,
	page pagination.PageRequest,
) (*pagination.PageResult[Report], error) {
	page.Normalize(r.pagination)

	qb := query.
		NewBuilder(projection, defaultSort).
		OrderByFields(projection.Sortable(page.Sort)).
		WhereEquals("SubjectID", subjectID)

	countSQL, countArgs := qb.BuildCount()
	var total int
	if err := r.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}

	pageSQL, pageArgs := qb.BuildPage(page.Page, page.PageSize)
	items, err := repository.QueryMany(ctx, r.db, pageSQL, pageArgs, scanReport)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}

	result := pagination.NewPageResult(items, total, page.Page, page.PageSize)
	return &result, nil
}

func (r *repo) Archive(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	if r.storage == nil {
		return nil, ErrArchiveUnavailable
	}

	rep, err := r.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	body, err := r.storage.Download(ctx, rep.ArchiveKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrArchiveUnavailable, id)
	}
	return body, err
}

func scanReport(s repository.Scanner) (Report, error) {
	var rep Report
	var assessment, narrative, provenance []byte

	if err := s.Scan(
		&rep.ID,
		&rep.SubjectID,
		&assessment,
		&narrative,
		&provenance,
		&rep.Supersedes,
		&rep.CreatedAt,
		&rep.Digest,
	); err != nil {
		return rep, err
	}
	rep.CreatedAt = rep.CreatedAt.UTC()

	if err := json.Unmarshal(assessment, &rep.Assessment); err != nil {
		return rep, fmt.Errorf("decode assessment: %w", err)
	}
	if err := json.Unmarshal(narrative, &rep.Narrative); err != nil {
		return rep, fmt.Errorf("decode narrative: %w", err)
	}
	if err := json.Unmarshal(provenance, &rep.Provenance); err != nil {
		return rep, fmt.Errorf("decode provenance: %w", err)
	}
	return rep, nil
}
