package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresRepo writes to audit_events. The table has no UPDATE or DELETE
// path in code.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address,
  subject_user_id, credential_id, attempt_id, reference,
  message, metadata, created_at
) VALUES (
  $1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),
  NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),
  $10,NULLIF($11,'')::jsonb,$12
)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.Type, e.ActorUserID, e.ActorRole, e.IPAddress,
		e.SubjectUserID, e.CredentialID, e.AttemptID, e.Reference,
		e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("type", string(f.Type))
	add("subject_user_id", f.SubjectUserID)
	add("credential_id", f.CredentialID)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	q := `
SELECT id, type, COALESCE(actor_user_id,''), COALESCE(actor_role,''), COALESCE(ip_address,''),
       COALESCE(subject_user_id,''), COALESCE(credential_id,''), COALESCE(attempt_id,''), COALESCE(reference,''),
       message, COALESCE(metadata::text,''), created_at
FROM audit_events`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf("\nORDER BY created_at DESC, id DESC\nLIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.Type, &e.ActorUserID, &e.ActorRole, &e.IPAddress,
			&e.SubjectUserID, &e.CredentialID, &e.AttemptID, &e.Reference,
			&e.Message, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
