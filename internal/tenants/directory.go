// Package tenants resolves tenant (store) ids to display names.
// The stores table is owned by the marketplace; this service only reads it.
package tenants

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Directory resolves tenant ids to names. Unknown ids are absent from the result.
type Directory interface {
	Names(ctx context.Context, ids []string) (map[string]string, error)
}

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Names(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := d.db.QueryContext(ctx, `SELECT id, name FROM stores WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("tenant names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

// MemoryDirectory is a fixed directory for tests and local runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewMemoryDirectory(names map[string]string) *MemoryDirectory {
	m := &MemoryDirectory{names: map[string]string{}}
	for k, v := range names {
		m.names[k] = v
	}
	return m
}

func (m *MemoryDirectory) Set(id, name string) {
	m.mu.Lock()
	m.names[id] = name
	m.mu.Unlock()
}

func (m *MemoryDirectory) Names(ctx context.Context, ids []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if n, ok := m.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}
