package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in append order, indexed by DID. Tests and local runs.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	byDID  map[string][]int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byDID: map[string][]int{}} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if e.DIDID != "" {
		r.byDID[e.DIDID] = append(r.byDID[e.DIDID], len(r.events)-1)
	}
	return nil
}

// Recent mirrors PostgresRepo.Recent: newest first, at most limit.
func (r *MemoryRepo) Recent(ctx context.Context, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if limit > len(r.events) {
		limit = len(r.events)
	}
	out := make([]Event, 0, limit)
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.events[i])
	}
	return out, nil
}

// ForDID returns the events recorded against didID, oldest first.
func (r *MemoryRepo) ForDID(didID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.byDID[didID]
	out := make([]Event, len(idx))
	for i, n := range idx {
		out[i] = r.events[n]
	}
	return out
}

// Events returns every event in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
