package didpool

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. A single mutex covers the records and the
// ledger, so every CAS and its ledger entry land together.
// Useful for tests and local runs; it is not durable.
type MemoryStore struct {
	mu sync.Mutex

	dids     map[string]DID
	byNumber map[string]string // phone_number -> id
	byTenant map[string]string // tenant_id -> id, reserved/assigned only

	ledger map[string][]LedgerEntry
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dids:     map[string]DID{},
		byNumber: map[string]string{},
		byTenant: map[string]string{},
		ledger:   map[string][]LedgerEntry{},
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dids[id]
	if !ok {
		return DID{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) FindAvailable(ctx context.Context) (DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best DID
	found := false
	for _, d := range s.dids {
		if d.State != StateAvailable {
			continue
		}
		if !found || olderThan(d, best) {
			best = d
			found = true
		}
	}
	if !found {
		return DID{}, ErrPoolEmpty
	}
	return best, nil
}

func (s *MemoryStore) FindByTenant(ctx context.Context, tenantID string) (DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTenant[tenantID]
	if !ok {
		return DID{}, ErrNotFound
	}
	return s.dids[id], nil
}

func (s *MemoryStore) CompareAndSwapState(ctx context.Context, t Transition) (DID, error) {
	if err := validateTransition(t); err != nil {
		return DID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.dids[t.DIDID]
	if !ok {
		return DID{}, ErrNotFound
	}
	if cur.State != t.Expected || cur.Version != t.ExpectedVersion {
		return DID{}, ErrConflict
	}
	if t.To == StateReserved {
		if holder, held := s.byTenant[t.TenantID]; held && holder != cur.ID {
			return DID{}, ErrTenantHeld
		}
	}

	next := applyTransition(cur, t)
	entry := ledgerEntryFor(cur, t)
	s.seq++
	entry.Seq = s.seq

	s.dids[cur.ID] = next
	if cur.TenantID != "" {
		delete(s.byTenant, cur.TenantID)
	}
	if next.State.Held() {
		s.byTenant[next.TenantID] = next.ID
	}
	s.ledger[cur.ID] = append(s.ledger[cur.ID], entry)
	return next, nil
}

func (s *MemoryStore) Insert(ctx context.Context, dids []DID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(dids))
	for _, d := range dids {
		if d.ID == "" || d.PhoneNumber == "" || d.State != StateAvailable {
			return ErrInvalidArgument
		}
		if _, ok := s.byNumber[d.PhoneNumber]; ok {
			return ErrDuplicateNumber
		}
		if _, ok := seen[d.PhoneNumber]; ok {
			return ErrDuplicateNumber
		}
		if _, ok := s.dids[d.ID]; ok {
			return ErrInvalidArgument
		}
		seen[d.PhoneNumber] = struct{}{}
	}
	for _, d := range dids {
		s.dids[d.ID] = d
		s.byNumber[d.PhoneNumber] = d.ID
	}
	return nil
}

func (s *MemoryStore) ListReserved(ctx context.Context, cutoff time.Time, limit int) ([]DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DID, 0)
	for _, d := range s.dids {
		if d.State != StateReserved || d.ReservedAt == nil {
			continue
		}
		if d.ReservedAt.After(cutoff) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservedAt.Equal(*out[j].ReservedAt) {
			return out[i].ReservedAt.Before(*out[j].ReservedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter, p Page) (ListResult, error) {
	p = p.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]DID, 0)
	for _, d := range s.dids {
		if f.State != "" && d.State != f.State {
			continue
		}
		if f.TenantID != "" && d.TenantID != f.TenantID {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool { return olderThan(matched[i], matched[j]) })

	out := ListResult{Items: []DID{}, Total: len(matched)}
	if p.Offset >= len(matched) {
		return out, nil
	}
	end := p.Offset + p.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out.Items = append(out.Items, matched[p.Offset:end]...)
	return out, nil
}

func (s *MemoryStore) History(ctx context.Context, didID string) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dids[didID]; !ok {
		return nil, ErrNotFound
	}
	entries := s.ledger[didID]
	out := make([]LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func olderThan(a, b DID) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
