package bindings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore keeps agents in the agents table and numbers in
// phone_numbers; the user's preferred credential lives in user_preferences.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	agentColumns = `id, user_id, credential_id, external_id, name, '' AS number, '' AS label, '' AS linked_agent_id, created_at, updated_at`
	phoneColumns = `id, user_id, credential_id, external_id, '' AS name, number, label, COALESCE(agent_id, '') AS linked_agent_id, created_at, updated_at`
)

func tableFor(kind Kind) (table, columns string, err error) {
	switch kind {
	case KindAgent:
		return "agents", agentColumns, nil
	case KindPhone:
		return "phone_numbers", phoneColumns, nil
	}
	return "", "", ErrInvalidInput
}

func (s *PostgresStore) Create(ctx context.Context, b Binding) (Binding, error) {
	if err := b.validate(); err != nil {
		return Binding{}, err
	}
	if b.LocalID == "" {
		b.LocalID = uuid.NewString()
	}
	var row *sql.Row
	switch b.Kind {
	case KindAgent:
		row = s.db.QueryRowContext(ctx, `
INSERT INTO agents (id, user_id, credential_id, external_id, name)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+agentColumns, b.LocalID, b.UserID, b.CredentialID, b.ExternalID, b.Name)
	case KindPhone:
		row = s.db.QueryRowContext(ctx, `
INSERT INTO phone_numbers (id, user_id, credential_id, external_id, number, label, agent_id)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
RETURNING `+phoneColumns, b.LocalID, b.UserID, b.CredentialID, b.ExternalID, b.Number, b.Label, b.LinkedAgentID)
	}
	out, err := scanBinding(row, b.Kind)
	if err != nil {
		return Binding{}, fmt.Errorf("create %s binding: %w", b.Kind, err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, localID string) (Binding, error) {
	table, cols, err := tableFor(kind)
	if err != nil {
		return Binding{}, err
	}
	b, err := scanBinding(s.db.QueryRowContext(ctx, `SELECT `+cols+` FROM `+table+` WHERE id = $1`, localID), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, ErrNotFound
	}
	return b, err
}

func (s *PostgresStore) List(ctx context.Context, userID string, kind Kind, credentialID string) ([]Binding, error) {
	table, cols, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+cols+` FROM `+table+`
WHERE user_id = $1 AND ($2 = '' OR credential_id = $2)
ORDER BY created_at, id`, userID, credentialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		b, err := scanBinding(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Repoint is a compare-and-swap on credential_id.
func (s *PostgresStore) Repoint(ctx context.Context, kind Kind, localID, fromCredentialID, toCredentialID, newExternalID string) error {
	table, _, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE `+table+`
SET credential_id = $3, external_id = $4, updated_at = now()
WHERE id = $1 AND credential_id = $2`, localID, fromCredentialID, toCredentialID, newExternalID)
	if err != nil {
		return fmt.Errorf("repoint %s %s: %w", kind, localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, kind, localID); err != nil {
		return err
	}
	return ErrStaleBinding
}

func (s *PostgresStore) SetPreferredCredential(ctx context.Context, userID, credentialID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_preferences (user_id, preferred_credential_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (user_id) DO UPDATE
SET preferred_credential_id = EXCLUDED.preferred_credential_id, updated_at = now()`, userID, credentialID)
	return err
}

func (s *PostgresStore) PreferredCredential(ctx context.Context, userID string) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT preferred_credential_id FROM user_preferences WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id.String, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner, kind Kind) (Binding, error) {
	b := Binding{Kind: kind}
	err := row.Scan(&b.LocalID, &b.UserID, &b.CredentialID, &b.ExternalID, &b.Name,
		&b.Number, &b.Label, &b.LinkedAgentID, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}
