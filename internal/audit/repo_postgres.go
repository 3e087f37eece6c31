package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends to audit_events. There is no update or delete path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, did_id, tenant_id, message, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::text::jsonb,$10)
`
	var metadata any
	if e.Metadata != "" {
		metadata = e.Metadata
	}
	if _, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.DIDID,
		e.TenantID,
		e.Message,
		metadata,
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events first. Used by operators and tests.
func (r *PostgresRepo) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
SELECT id, type, actor_user_id, actor_role, ip_address, did_id, tenant_id, message, COALESCE(metadata::text, ''), created_at
FROM audit_events
ORDER BY created_at DESC, id
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.DIDID, &e.TenantID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
