package didpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"didpool-service/pkg/utils"
)

// PostgresStore implements Store on the dids and did_ledger tables
// (see migrations/0001_did_pool.sql).
//
// Exclusivity is enforced twice: the CAS re-checks state and version under a row
// lock, and the partial unique index dids_tenant_held_uq rejects a second held DID
// for the same tenant.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantHeldConstraint = "dids_tenant_held_uq"

const didColumns = `id, phone_number, state, tenant_id, reserved_at, assigned_at, external_ref, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDID(row rowScanner) (DID, error) {
	var d DID
	var tenant, ref sql.NullString
	if err := row.Scan(
		&d.ID,
		&d.PhoneNumber,
		&d.State,
		&tenant,
		&d.ReservedAt,
		&d.AssignedAt,
		&ref,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return DID{}, err
	}
	d.TenantID = tenant.String
	d.ExternalRef = ref.String
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapReadErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) || utils.IsInvalidText(err) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (DID, error) {
	q := `SELECT ` + didColumns + ` FROM dids WHERE id = $1`
	d, err := scanDID(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return DID{}, mapReadErr(err)
	}
	return d, nil
}

func (s *PostgresStore) FindAvailable(ctx context.Context) (DID, error) {
	q := `SELECT ` + didColumns + `
FROM dids
WHERE state = 'available'
ORDER BY created_at, id
LIMIT 1`
	d, err := scanDID(s.db.QueryRowContext(ctx, q))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DID{}, ErrPoolEmpty
		}
		return DID{}, fmt.Errorf("find available: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) FindByTenant(ctx context.Context, tenantID string) (DID, error) {
	q := `SELECT ` + didColumns + `
FROM dids
WHERE tenant_id = $1 AND state IN ('reserved', 'assigned')`
	d, err := scanDID(s.db.QueryRowContext(ctx, q, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DID{}, ErrNotFound
		}
		return DID{}, fmt.Errorf("find by tenant: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) CompareAndSwapState(ctx context.Context, t Transition) (DID, error) {
	if err := validateTransition(t); err != nil {
		return DID{}, err
	}

	var out DID
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := lockDID(ctx, tx, t.DIDID)
		if err != nil {
			return err
		}
		if cur.State != t.Expected || cur.Version != t.ExpectedVersion {
			return ErrConflict
		}

		next := applyTransition(cur, t)
		if err := updateDID(ctx, tx, next); err != nil {
			if name, ok := utils.UniqueViolation(err); ok && name == tenantHeldConstraint {
				return ErrTenantHeld
			}
			return fmt.Errorf("update did: %w", err)
		}
		if err := insertLedgerEntry(ctx, tx, ledgerEntryFor(cur, t)); err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		if utils.IsSerializationFailure(err) {
			return DID{}, ErrConflict
		}
		return DID{}, err
	}
	return out, nil
}

func lockDID(ctx context.Context, tx *sql.Tx, id string) (DID, error) {
	q := `SELECT ` + didColumns + ` FROM dids WHERE id = $1 FOR UPDATE`
	d, err := scanDID(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		return DID{}, mapReadErr(err)
	}
	return d, nil
}

func updateDID(ctx context.Context, tx *sql.Tx, d DID) error {
	const q = `
UPDATE dids
SET state = $2, tenant_id = $3, reserved_at = $4, assigned_at = $5,
    external_ref = $6, version = $7, updated_at = $8
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q,
		d.ID,
		d.State,
		nullString(d.TenantID),
		d.ReservedAt,
		d.AssignedAt,
		nullString(d.ExternalRef),
		d.Version,
		d.UpdatedAt,
	)
	return err
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	const q = `
INSERT INTO did_ledger (id, did_id, from_state, to_state, tenant_id, external_ref, actor, reason, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.DIDID,
		e.FromState,
		e.ToState,
		nullString(e.TenantID),
		nullString(e.ExternalRef),
		e.Actor,
		e.Reason,
		e.At,
	)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, dids []DID) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO dids (id, phone_number, state, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
		for _, d := range dids {
			if d.ID == "" || d.PhoneNumber == "" || d.State != StateAvailable {
				return ErrInvalidArgument
			}
			if _, err := tx.ExecContext(ctx, q, d.ID, d.PhoneNumber, d.State, d.Version, d.CreatedAt, d.UpdatedAt); err != nil {
				if _, ok := utils.UniqueViolation(err); ok {
					return ErrDuplicateNumber
				}
				return fmt.Errorf("insert did: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListReserved(ctx context.Context, olderThan time.Time, limit int) ([]DID, error) {
	if limit <= 0 {
		limit = MaxPageLimit
	}
	q := `SELECT ` + didColumns + `
FROM dids
WHERE state = 'reserved' AND reserved_at <= $1
ORDER BY reserved_at, id
LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list reserved: %w", err)
	}
	defer rows.Close()
	return collectDIDs(rows)
}

func (s *PostgresStore) List(ctx context.Context, f Filter, p Page) (ListResult, error) {
	p = p.Normalize()

	var conds []string
	var args []any
	if f.State != "" {
		args = append(args, f.State)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	out := ListResult{Items: []DID{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dids`+where, args...).Scan(&out.Total); err != nil {
		return ListResult{}, fmt.Errorf("count dids: %w", err)
	}

	args = append(args, p.Limit, p.Offset)
	q := fmt.Sprintf(`SELECT %s FROM dids%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		didColumns, where, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list dids: %w", err)
	}
	defer rows.Close()
	items, err := collectDIDs(rows)
	if err != nil {
		return ListResult{}, err
	}
	out.Items = append(out.Items, items...)
	return out, nil
}

func collectDIDs(rows *sql.Rows) ([]DID, error) {
	out := make([]DID, 0)
	for rows.Next() {
		d, err := scanDID(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) History(ctx context.Context, didID string) ([]LedgerEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM dids WHERE id = $1)`, didID).Scan(&exists); err != nil {
		return nil, mapReadErr(err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	const q = `
SELECT seq, id, did_id, from_state, to_state, tenant_id, external_ref, actor, reason, at
FROM did_ledger
WHERE did_id = $1
ORDER BY seq
`
	rows, err := s.db.QueryContext(ctx, q, didID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	out := make([]LedgerEntry, 0)
	for rows.Next() {
		var e LedgerEntry
		var tenant, ref sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.DIDID, &e.FromState, &e.ToState, &tenant, &ref, &e.Actor, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		e.TenantID = tenant.String
		e.ExternalRef = ref.String
		out = append(out, e)
	}
	return out, rows.Err()
}
