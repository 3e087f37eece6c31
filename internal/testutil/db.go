package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"didpool-service/migrations"
	"didpool-service/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const testDBLockID int64 = 742019002

// NewTestDB connects to TEST_DATABASE_URL and applies migrations.
// Tests are skipped when the variable is unset or the database is unreachable.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{MaxOpenConns: 8})
	if err != nil {
		t.Skipf("skipping Postgres integration tests: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	lockTestDB(t, db)

	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

// lockTestDB keeps packages that share the database from running concurrently.
func lockTestDB(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		t.Fatalf("acquire lock conn: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, testDBLockID); err != nil {
		_ = conn.Close()
		t.Fatalf("acquire test db lock: %v", err)
	}
	t.Cleanup(func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, testDBLockID)
		_ = conn.Close()
	})
}

// TruncateAll empties every table this service owns.
func TruncateAll(t *testing.T, db *sql.DB) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(),
		`TRUNCATE did_ledger, dids, audit_events, stores RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

// InsertStore seeds a tenant store row.
func InsertStore(t *testing.T, db *sql.DB, id, name string) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), `INSERT INTO stores (id, name) VALUES ($1, $2)`, id, name); err != nil {
		t.Fatalf("insert store: %v", err)
	}
}
