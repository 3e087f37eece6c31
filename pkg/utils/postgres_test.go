package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestWithTx_NilDB(t *testing.T) {
	err := WithTx(context.Background(), nil, nil, func(ctx context.Context, tx *sql.Tx) error { return nil })
	if err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestPoolConfigDefaults(t *testing.T) {
	c := PostgresPoolConfig{MaxOpenConns: 4, MaxIdleConns: 10}.withDefaults()
	if c.MaxIdleConns != 4 {
		t.Fatalf("expected idle capped to open conns, got %d", c.MaxIdleConns)
	}
	if c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout %v", c.PingTimeout)
	}
}

func TestErrorClassification(t *testing.T) {
	uniq := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "dids_phone_number_key"})
	name, ok := UniqueViolation(uniq)
	if !ok || name != "dids_phone_number_key" {
		t.Fatalf("expected unique violation on dids_phone_number_key, got %q %v", name, ok)
	}
	if _, ok := UniqueViolation(errors.New("boom")); ok {
		t.Fatalf("plain error is not a unique violation")
	}
	if !IsInvalidText(&pgconn.PgError{Code: "22P02"}) {
		t.Fatalf("expected invalid text")
	}
	if !IsSerializationFailure(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("expected serialization failure")
	}
}
