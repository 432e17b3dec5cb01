package pricing

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo reads rates from pricing_rates.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) FindRate(ctx context.Context, engine string, at time.Time) (Rate, bool, error) {
	const q = `
SELECT id, engine, credits_per_minute, billing_increment_seconds, minimum_billable_seconds,
       effective_from, effective_to, status, created_at, updated_at
FROM pricing_rates
WHERE engine = $1
  AND status = 'active'
  AND effective_from <= $2
  AND (effective_to IS NULL OR effective_to > $2)
ORDER BY effective_from DESC
LIMIT 1`

	var (
		rate Rate
		to   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, engine, at).Scan(
		&rate.ID,
		&rate.Engine,
		&rate.CreditsPerMinute,
		&rate.BillingIncrementSeconds,
		&rate.MinimumBillableSeconds,
		&rate.EffectiveFrom,
		&to,
		&rate.Status,
		&rate.CreatedAt,
		&rate.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Rate{}, false, nil
	}
	if err != nil {
		return Rate{}, false, err
	}
	if to.Valid {
		t := to.Time
		rate.EffectiveTo = &t
	}
	return rate, true, nil
}
