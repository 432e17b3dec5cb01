package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore reads and updates the retry columns of the campaigns table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const campaignColumns = `id, user_id, COALESCE(agent_id, ''), status, retry_count, next_retry_at,
  COALESCE(last_error, ''), retry_exhausted, ready_for_retry, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrCampaignNotFound
	}
	return c, err
}

// The counter, status and exhaustion flag move together; the WHERE clause
// makes an exhausted campaign immune to further calls.
const markForRetrySQL = `
UPDATE campaigns
SET retry_count = retry_count + 1,
    last_error = $2,
    ready_for_retry = false,
    retry_exhausted = (retry_count + 1 >= $5),
    status = CASE WHEN retry_count + 1 >= $5 THEN 'failed' ELSE 'processing' END,
    next_retry_at = CASE WHEN retry_count + 1 >= $5 THEN NULL ELSE $4::timestamptz END,
    updated_at = $3
WHERE id = $1 AND NOT retry_exhausted
RETURNING ` + campaignColumns

func (s *PostgresStore) MarkForRetry(ctx context.Context, id, errMsg string, now, next time.Time, max int) (Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, markForRetrySQL, id, errMsg, now, next, max))
	if errors.Is(err, sql.ErrNoRows) {
		return s.Get(ctx, id)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("mark campaign %s for retry: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) MarkReady(ctx context.Context, id string, now time.Time) (Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `
UPDATE campaigns
SET status = 'pending', ready_for_retry = true, retry_count = 0,
    next_retry_at = NULL, last_error = NULL, updated_at = $2
WHERE id = $1 AND status = 'processing' AND NOT retry_exhausted
RETURNING `+campaignColumns, id, now))
	if errors.Is(err, sql.ErrNoRows) {
		return s.Get(ctx, id)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("mark campaign %s ready: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+campaignColumns+`
FROM campaigns
WHERE status = 'processing'
  AND NOT retry_exhausted
  AND (next_retry_at IS NULL OR next_retry_at <= $1)
ORDER BY next_retry_at NULLS FIRST, id
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (Campaign, error) {
	var c Campaign
	var next sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.AgentID, &c.Status, &c.RetryCount, &next,
		&c.LastError, &c.RetryExhausted, &c.ReadyForRetry, &c.UpdatedAt)
	if err != nil {
		return Campaign{}, err
	}
	if next.Valid {
		t := next.Time
		c.NextRetryAt = &t
	}
	return c, nil
}
