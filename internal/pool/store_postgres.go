package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps credentials in the credentials table. Load is mutated
// only by single-statement conditional updates, so correctness holds across
// any number of API instances.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const credentialColumns = `id, provider, api_key, tier, max_concurrency, current_load,
  total_assigned_agents, total_assigned_users, is_active, health_status,
  last_health_check_at, last_error, created_at, updated_at`

// The sub-select picks the best candidate and row-locks it, skipping rows a
// concurrent reserver already holds; the outer WHERE re-checks capacity.
const reserveSlotSQL = `
UPDATE credentials c
SET current_load = c.current_load + 1, updated_at = now()
WHERE c.id = (
  SELECT id FROM credentials
  WHERE is_active
    AND current_load < max_concurrency
    AND ($1 = '' OR tier = $1)
  ORDER BY current_load::float8 / max_concurrency, total_assigned_agents, id
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
AND c.current_load < c.max_concurrency
RETURNING ` + credentialColumns

const reserveSlotOnSQL = `
UPDATE credentials
SET current_load = current_load + 1, updated_at = now()
WHERE id = $1 AND is_active AND current_load < max_concurrency
RETURNING ` + credentialColumns

const releaseSlotSQL = `
UPDATE credentials
SET current_load = GREATEST(current_load - 1, 0), updated_at = now()
WHERE id = $1
RETURNING ` + credentialColumns

func (s *PostgresStore) ReserveSlot(ctx context.Context, tier string) (Credential, bool, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, reserveSlotSQL, tier))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("reserve slot: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) ReserveSlotOn(ctx context.Context, id string) (Credential, bool, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, reserveSlotOnSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("reserve slot on %s: %w", id, err)
	}
	return c, true, nil
}

func (s *PostgresStore) ReleaseSlot(ctx context.Context, id string) (Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, releaseSlotSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("release slot on %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrCredentialNotFound
	}
	return c, err
}

func (s *PostgresStore) List(ctx context.Context, activeOnly bool) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE ($1 = false OR is_active) ORDER BY id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCredentials(rows)
}

func (s *PostgresStore) FindAvailable(ctx context.Context, tier, excludeID string) (Credential, bool, error) {
	const q = `
SELECT ` + credentialColumns + `
FROM credentials
WHERE is_active
  AND current_load < max_concurrency
  AND ($1 = '' OR tier = $1)
  AND id <> $2
ORDER BY current_load::float8 / max_concurrency, total_assigned_agents, id
LIMIT 1`
	c, err := scanCredential(s.db.QueryRowContext(ctx, q, tier, excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	return c, true, nil
}

// Upsert inserts or updates the static fields of a credential. Load and
// assignment counters are never overwritten.
func (s *PostgresStore) Upsert(ctx context.Context, c Credential) error {
	const q = `
INSERT INTO credentials (id, provider, api_key, tier, max_concurrency, is_active, health_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'unknown', now(), now())
ON CONFLICT (id) DO UPDATE SET
  provider = EXCLUDED.provider,
  api_key = EXCLUDED.api_key,
  tier = EXCLUDED.tier,
  max_concurrency = EXCLUDED.max_concurrency,
  is_active = EXCLUDED.is_active,
  updated_at = now()`
	_, err := s.db.ExecContext(ctx, q, c.ID, c.Provider, c.APIKey, c.Tier, c.MaxConcurrency, c.IsActive)
	return err
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, `UPDATE credentials SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
}

func (s *PostgresStore) SetHealth(ctx context.Context, id string, status HealthStatus, lastErr string, at time.Time) error {
	const q = `
UPDATE credentials
SET health_status = $2, last_error = $3, last_health_check_at = $4, updated_at = now()
WHERE id = $1`
	return s.execOne(ctx, q, id, status, lastErr, at)
}

func (s *PostgresStore) AdjustAssignments(ctx context.Context, id string, agentsDelta, usersDelta int) error {
	const q = `
UPDATE credentials
SET total_assigned_agents = GREATEST(total_assigned_agents + $2, 0),
    total_assigned_users = GREATEST(total_assigned_users + $3, 0),
    updated_at = now()
WHERE id = $1`
	return s.execOne(ctx, q, id, agentsDelta, usersDelta)
}

func (s *PostgresStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (Credential, error) {
	var c Credential
	var checked sql.NullTime
	err := row.Scan(
		&c.ID,
		&c.Provider,
		&c.APIKey,
		&c.Tier,
		&c.MaxConcurrency,
		&c.CurrentLoad,
		&c.TotalAssignedAgents,
		&c.TotalAssignedUsers,
		&c.IsActive,
		&c.HealthStatus,
		&checked,
		&c.LastError,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Credential{}, err
	}
	if checked.Valid {
		t := checked.Time
		c.LastHealthCheckAt = &t
	}
	return c, nil
}

func scanCredentials(rows *sql.Rows) ([]Credential, error) {
	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
