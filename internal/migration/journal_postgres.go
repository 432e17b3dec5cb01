package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dialer-platform/internal/bindings"
	"dialer-platform/pkg/utils"

	"github.com/google/uuid"
)

// PostgresJournal stores attempts in migration_attempts and their steps in
// migration_steps.
type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (j *PostgresJournal) Begin(ctx context.Context, a Attempt) (Attempt, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AttemptInProgress
	}
	err := j.db.QueryRowContext(ctx, `
INSERT INTO migration_attempts (id, user_id, from_credential_id, to_credential_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at`, a.ID, a.UserID, a.FromCredentialID, a.ToCredentialID, a.Status, a.CreatedAt).Scan(&a.CreatedAt)
	if err != nil {
		return Attempt{}, fmt.Errorf("begin migration attempt: %w", err)
	}
	a.Steps = nil
	return a, nil
}

func (j *PostgresJournal) RecordStep(ctx context.Context, attemptID string, s StepRecord) error {
	return utils.WithTx(ctx, j.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var status AttemptStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM migration_attempts WHERE id = $1 FOR UPDATE`, attemptID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAttemptNotFound
		}
		if err != nil {
			return err
		}
		if status.Final() {
			return ErrAttemptFinal
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO migration_steps (attempt_id, kind, local_id, old_external_id, new_external_id, state, error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (attempt_id, kind, local_id) DO UPDATE
SET new_external_id = EXCLUDED.new_external_id,
    state = EXCLUDED.state,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at`,
			attemptID, s.Kind, s.LocalID, s.OldExternalID, s.NewExternalID, s.State, s.Error, s.UpdatedAt)
		return err
	})
}

func (j *PostgresJournal) Finish(ctx context.Context, attemptID string, status AttemptStatus, errMsg string, at time.Time) error {
	res, err := j.db.ExecContext(ctx, `
UPDATE migration_attempts
SET status = $2, error = $3, finished_at = $4
WHERE id = $1 AND status IN ('pending', 'in_progress')`, attemptID, status, errMsg, at)
	if err != nil {
		return fmt.Errorf("finish migration attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := j.Get(ctx, attemptID); err != nil {
		return err
	}
	return ErrAttemptFinal
}

const attemptColumns = `id, user_id, from_credential_id, to_credential_id, status, COALESCE(error, ''), created_at, finished_at`

func (j *PostgresJournal) Get(ctx context.Context, attemptID string) (Attempt, error) {
	a, err := scanAttempt(j.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM migration_attempts WHERE id = $1`, attemptID))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrAttemptNotFound
	}
	if err != nil {
		return Attempt{}, err
	}
	if a.Steps, err = j.steps(ctx, a.ID); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

func (j *PostgresJournal) ListByUser(ctx context.Context, userID string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.list(ctx, `SELECT `+attemptColumns+` FROM migration_attempts WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (j *PostgresJournal) ListUnfinished(ctx context.Context, olderThan time.Time) ([]Attempt, error) {
	return j.list(ctx, `SELECT `+attemptColumns+` FROM migration_attempts
WHERE status IN ('pending', 'in_progress') AND created_at < $1 ORDER BY created_at`, olderThan)
}

func (j *PostgresJournal) list(ctx context.Context, q string, args ...any) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Steps, err = j.steps(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (j *PostgresJournal) steps(ctx context.Context, attemptID string) ([]StepRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT kind, local_id, old_external_id, COALESCE(new_external_id, ''), state, COALESCE(error, ''), updated_at
FROM migration_steps WHERE attempt_id = $1 ORDER BY updated_at, local_id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepRecord
	for rows.Next() {
		var s StepRecord
		var kind string
		if err := rows.Scan(&kind, &s.LocalID, &s.OldExternalID, &s.NewExternalID, &s.State, &s.Error, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Kind = bindings.Kind(kind)
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var finished sql.NullTime
	if err := row.Scan(&a.ID, &a.UserID, &a.FromCredentialID, &a.ToCredentialID, &a.Status, &a.Error, &a.CreatedAt, &finished); err != nil {
		return Attempt{}, err
	}
	if finished.Valid {
		t := finished.Time
		a.FinishedAt = &t
	}
	return a, nil
}
