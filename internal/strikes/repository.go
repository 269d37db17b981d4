package strikes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JaimeStill/safeguard/internal/risk"
	"github.com/JaimeStill/safeguard/pkg/query"
	"github.com/JaimeStill/safeguard/pkg/repository"
)

var projection = query.
	NewProjectionMap("public", "strike_states", "ss").
	Project("subject_id", "SubjectID").
	Project("level", "Level").
	Project("updated_at", "UpdatedAt").
	Project("reset_by", "ResetBy").
	Project("approved_by", "ApprovedBy").
	Project("reset_at", "ResetAt")

const advanceSQL = `
INSERT INTO public.strike_states (subject_id, level, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (subject_id) DO UPDATE SET
	level = GREATEST(strike_states.level, EXCLUDED.level),
	updated_at = CASE
		WHEN EXCLUDED.level > strike_states.level THEN NOW()
		ELSE strike_states.updated_at
	END
RETURNING subject_id, level, updated_at, reset_by, approved_by, reset_at`

type repo struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a PostgreSQL-backed Store.
func New(db *sql.DB, logger *slog.Logger) Store {
	return &repo{
		db:     db,
		logger: logger.With("system", "strikes"),
	}
}

func (r *repo) Get(ctx context.Context, subjectID string) (State, error) {
	q, args := query.NewBuilder(projection).BuildSingle("SubjectID", subjectID)

	s, err := repository.QueryOne(ctx, r.db, q, args, scanState)
	if errors.Is(err, sql.ErrNoRows) {
		return State{SubjectID: subjectID, Level: risk.Clear}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load strike state: %w", err)
	}
	return s, nil
}

func (r *repo) Advance(ctx context.Context, subjectID string, level risk.Level) (State, error) {
	s, err := repository.QueryOne(ctx, r.db, advanceSQL, []any{subjectID, int(level)}, scanState)
	if err != nil {
		return State{}, fmt.Errorf("advance strike state: %w", err)
	}
	return s, nil
}

func (r *repo) Reset(ctx context.Context, subjectID string, cmd ResetCommand) (State, error) {
	var approvedBy *string
	if cmd.ApprovedBy != "" {
		approvedBy = &cmd.ApprovedBy
	}

	return repository.WithTx(ctx, r.db, func(tx *sql.Tx) (State, error) {
		s, err := repository.QueryOne(ctx, tx, `
			INSERT INTO public.strike_states (subject_id, level, updated_at, reset_by, approved_by, reset_at)
			VALUES ($1, 0, NOW(), $2, $3, NOW())
			ON CONFLICT (subject_id) DO UPDATE SET
				level = 0,
				updated_at = NOW(),
				reset_by = EXCLUDED.reset_by,
				approved_by = EXCLUDED.approved_by,
				reset_at = EXCLUDED.reset_at
			RETURNING subject_id, level, updated_at, reset_by, approved_by, reset_at`,
			[]any{subjectID, cmd.ResetBy, approvedBy},
			scanState,
		)
		if err != nil {
			return State{}, fmt.Errorf("reset strike state: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO public.strike_resets (subject_id, reset_by, approved_by, reason)
			VALUES ($1, $2, $3, $4)`,
			subjectID, cmd.ResetBy, approvedBy, cmd.Reason,
		); err != nil {
			return State{}, fmt.Errorf("record strike reset: %w", err)
		}

		return s, nil
	})
}

func scanState(s repository.Scanner) (State, error) {
	var st State
	var level int

	err := s.Scan(
		&st.SubjectID,
		&level,
		&st.UpdatedAt,
		&st.ResetBy,
		&st.ApprovedBy,
		&st.ResetAt,
	)
	st.Level = risk.Level(level)
	return st, err
}
