package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JaimeStill/safeguard/internal/sources"
	"github.com/JaimeStill/safeguard/pkg/pagination"
	"github.com/JaimeStill/safeguard/pkg/query"
	"github.com/JaimeStill/safeguard/pkg/repository"
)

var cursorProjection = query.
	NewProjectionMap("public", "sync_cursors", "sc").
	Project("source", "Source").
	Project("updated_at", "UpdatedAt").
	Project("native_id", "NativeID")

var jobProjection = query.
	NewProjectionMap("public", "sync_jobs", "sj").
	Project("id", "ID").
	Project("source", "Source").
	Project("started_at", "StartedAt").
	Project("ended_at", "EndedAt").
	Project("outcome", "Outcome").
	Project("merged", "Merged").
	Project("skipped", "Skipped").
	Project("failed", "Failed").
	Project("attempts", "Attempts").
	Project("cursor_before", "CursorBefore").
	Project("cursor_after", "CursorAfter").
	Project("failures", "Failures").
	Project("error", "Error")

var newestFirst = query.SortField{
	Field:      "StartedAt",
	Descending: true,
}

// The cursor only moves forward, even if jobs of one source finish out of
// order.
const saveCursorSQL = `
INSERT INTO public.sync_cursors (source, updated_at, native_id, job_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source) DO UPDATE SET
	updated_at = EXCLUDED.updated_at,
	native_id = EXCLUDED.native_id,
	job_id = EXCLUDED.job_id
WHERE (sync_cursors.updated_at, sync_cursors.native_id) < (EXCLUDED.updated_at, EXCLUDED.native_id)`

type repo struct {
	db         *sql.DB
	logger     *slog.Logger
	pagination pagination.Config
}

// NewRepository creates a PostgreSQL-backed Store.
func NewRepository(db *sql.DB, logger *slog.Logger, pagination pagination.Config) Store {
	return &repo{
		db:         db,
		logger:     logger.With("system", "sync-store"),
		pagination: pagination,
	}
}

func (r *repo) Cursor(ctx context.Context, source string) (sources.Cursor, error) {
	q, args := query.NewBuilder(cursorProjection).BuildSingle("Source", source)

	c, err := repository.QueryOne(ctx, r.db, q, args, func(s repository.Scanner) (sources.Cursor, error) {
		var name string
		var c sources.Cursor
		err := s.Scan(&name, &c.UpdatedAt, &c.NativeID)
		c.UpdatedAt = c.UpdatedAt.UTC()
		return c, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return sources.Cursor{}, nil
	}
	if err != nil {
		return sources.Cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return c, nil
}

func (r *repo) Finish(ctx context.Context, job Job) error {
	before, err := json.Marshal(job.CursorBefore)
	if err != nil {
		return err
	}
	after, err := json.Marshal(job.CursorAfter)
	if err != nil {
		return err
	}
	failures, err := json.Marshal(job.Failures)
	if err != nil {
		return err
	}

	_, err = repository.WithTx(ctx, r.db, func(tx *sql.Tx) (struct{}, error) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO public.sync_jobs
				(id, source, started_at, ended_at, outcome, merged, skipped, failed, attempts,
				 cursor_before, cursor_after, failures, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			job.ID, job.Source, job.StartedAt, job.EndedAt, string(job.Outcome),
			job.Merged, job.Skipped, job.Failed, job.Attempts,
			before, after, failures, job.Error,
		); err != nil {
			return struct{}{}, fmt.Errorf("insert sync job: %w", err)
		}

		if job.Outcome == Failed || job.CursorAfter.IsZero() {
			return struct{}{}, nil
		}

		if _, err := tx.ExecContext(ctx, saveCursorSQL,
			job.Source, job.CursorAfter.UpdatedAt, job.CursorAfter.NativeID, job.ID,
		); err != nil {
			return struct{}{}, fmt.Errorf("save cursor: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (r *repo) ListJobs(
	ctx context.Context,
	source string,
	page pagination.PageRequest,
) (*pagination.PageResult[Job], error) {
	page.Normalize(r.pagination)

	qb := query.
		NewBuilder(jobProjection, newestFirst).
		OrderByFields(jobProjection.Sortable(page.Sort))
	if source != "" {
		qb.WhereEquals("Source", source)
	}

	countSQL, countArgs := qb.BuildCount()
	var total int
	if err := r.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count sync jobs: %w", err)
	}

	pageSQL, pageArgs := qb.BuildPage(page.Page, page.PageSize)
	jobs, err := repository.QueryMany(ctx, r.db, pageSQL, pageArgs, scanJob)
	if err != nil {
		return nil, fmt.Errorf("query sync jobs: %w", err)
	}

	result := pagination.NewPageResult(jobs, total, page.Page, page.PageSize)
	return &result, nil
}

func scanJob(s repository.Scanner) (Job, error) {
	var j Job
	var outcome string
	var before, after, failures []byte

	if err := s.Scan(
		&j.ID,
		&j.Source,
		&j.StartedAt,
		&j.EndedAt,
		&outcome,
		&j.Merged,
		&j.Skipped,
		&j.Failed,
		&j.Attempts,
		&before,
		&after,
		&failures,
		&j.Error,
	); err != nil {
		return j, err
	}
	j.Outcome = Outcome(outcome)

	if err := json.Unmarshal(before, &j.CursorBefore); err != nil {
		return j, fmt.Errorf("decode cursor_before: %w", err)
	}
	if err := json.Unmarshal(after, &j.CursorAfter); err != nil {
		return j, fmt.Errorf("decode cursor_after: %w", err)
	}
	if err := json.Unmarshal(failures, &j.Failures); err != nil {
		return j, fmt.Errorf("decode failures: %w", err)
	}
	return j, nil
}
