package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dialer-platform/pkg/utils"

	"github.com/shopspring/decimal"
)

// NOTE: This repository assumes the following tables exist:
// - user_credits (balance projection, one row per user)
// - credit_ledger (append-only) with UNIQUE (reference, user_id)

// PostgresStore serializes operations on one (user, reference) pair with
// pg_advisory_xact_lock, then row-locks the balance.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InLockedTx(ctx context.Context, userID, reference string, fn func(ctx context.Context, tx Tx) error) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := utils.AdvisoryXactLock(ctx, tx, userID, reference); err != nil {
			return err
		}
		return fn(ctx, pgTx{tx: tx})
	})
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM user_credits WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return bal, err
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM credit_ledger
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEntries returns userID's entries created in [from, to), oldest first.
func (s *PostgresStore) ListEntries(ctx context.Context, userID string, from, to time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM credit_ledger
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC, id ASC`, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindEntry(ctx context.Context, userID, reference string) (Entry, bool, error) {
	return findEntry(ctx, s.db, userID, reference)
}

type pgTx struct {
	tx *sql.Tx
}

func (t pgTx) FindEntry(ctx context.Context, userID, reference string) (Entry, bool, error) {
	return findEntry(ctx, t.tx, userID, reference)
}

func (t pgTx) LockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO user_credits (user_id, balance, updated_at)
VALUES ($1, 0, now())
ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return decimal.Zero, err
	}
	var bal decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `SELECT balance FROM user_credits WHERE user_id = $1 FOR UPDATE`, userID).Scan(&bal)
	return bal, err
}

func (t pgTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE user_credits SET balance = $2, updated_at = $3 WHERE user_id = $1`, userID, balance, at)
	return err
}

func (t pgTx) InsertEntry(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO credit_ledger (
  id, user_id, reference, type, amount, balance_after, description, transaction_id, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,NULLIF($8, ''),$9
)
`
	_, err := t.tx.ExecContext(ctx, q,
		e.ID,
		e.UserID,
		e.Reference,
		e.Type,
		e.Amount,
		e.BalanceAfter,
		e.Description,
		e.TransactionID,
		e.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

const entryColumns = `id, user_id, reference, type, amount, balance_after, COALESCE(description, ''), COALESCE(transaction_id, ''), created_at`

func findEntry(ctx context.Context, q utils.DBTX, userID, reference string) (Entry, bool, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, `
SELECT `+entryColumns+`
FROM credit_ledger
WHERE user_id = $1 AND reference = $2
LIMIT 1`, userID, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Reference,
		&e.Type,
		&e.Amount,
		&e.BalanceAfter,
		&e.Description,
		&e.TransactionID,
		&e.CreatedAt,
	)
	return e, err
}
