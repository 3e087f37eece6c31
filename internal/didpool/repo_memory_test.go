package didpool

import (
	"context"
	"testing"
	"time"
)

func seedStore(t *testing.T, numbers ...string) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	dids := make([]DID, 0, len(numbers))
	for i, n := range numbers {
		dids = append(dids, DID{
			ID:          "did-" + n,
			PhoneNumber: n,
			State:       StateAvailable,
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
			UpdatedAt:   now,
		})
	}
	if err := s.Insert(context.Background(), dids); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func reserveT(id string, version int64, tenant string, at time.Time) Transition {
	return Transition{
		DIDID:           id,
		Expected:        StateAvailable,
		ExpectedVersion: version,
		To:              StateReserved,
		TenantID:        tenant,
		Actor:           "test",
		Reason:          ReasonReserved,
		At:              at,
	}
}

func TestMemoryStore_CASRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, "+14155550100")
	at := time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)

	d, err := s.CompareAndSwapState(ctx, reserveT("did-+14155550100", 0, "tenant-a", at))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	stale := d.Version

	// Release and reserve again: same state, newer version.
	if _, err := s.CompareAndSwapState(ctx, Transition{
		DIDID: d.ID, Expected: StateReserved, ExpectedVersion: d.Version,
		To: StateAvailable, Actor: "test", At: at,
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.CompareAndSwapState(ctx, reserveT(d.ID, 2, "tenant-b", at)); err != nil {
		t.Fatalf("re-reserve: %v", err)
	}

	_, err = s.CompareAndSwapState(ctx, Transition{
		DIDID: d.ID, Expected: StateReserved, ExpectedVersion: stale,
		To: StateAvailable, Actor: "sweeper", At: at,
	})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	hist, _ := s.History(ctx, d.ID)
	if len(hist) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Seq <= hist[i-1].Seq {
			t.Fatalf("ledger seq not increasing: %d then %d", hist[i-1].Seq, hist[i].Seq)
		}
	}
}

func TestMemoryStore_TenantHeld(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, "+14155550100", "+14155550101")
	at := time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)

	if _, err := s.CompareAndSwapState(ctx, reserveT("did-+14155550100", 0, "tenant-a", at)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err := s.CompareAndSwapState(ctx, reserveT("did-+14155550101", 0, "tenant-a", at))
	if err != ErrTenantHeld {
		t.Fatalf("expected ErrTenantHeld, got %v", err)
	}
	d, _ := s.Get(ctx, "did-+14155550101")
	if d.State != StateAvailable {
		t.Fatalf("rejected swap must not change the record, state=%s", d.State)
	}
	if hist, _ := s.History(ctx, d.ID); len(hist) != 0 {
		t.Fatalf("rejected swap must not write the ledger, got %d entries", len(hist))
	}
}

func TestMemoryStore_CASValidation(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, "+14155550100")
	at := time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		tr   Transition
		want error
	}{
		{"unknown did", reserveT("nope", 0, "tenant-a", at), ErrNotFound},
		{"no tenant", reserveT("did-+14155550100", 0, "", at), ErrInvalidArgument},
		{"no timestamp", reserveT("did-+14155550100", 0, "tenant-a", time.Time{}), ErrInvalidArgument},
		{"illegal edge", Transition{DIDID: "did-+14155550100", Expected: StateAvailable, To: StateAssigned, At: at}, ErrInvalidTransition},
		{"retired is terminal", Transition{DIDID: "did-+14155550100", Expected: StateRetired, To: StateAvailable, At: at}, ErrInvalidTransition},
		{"wrong expected state", Transition{DIDID: "did-+14155550100", Expected: StateAssigned, To: StateAvailable, At: at}, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CompareAndSwapState(ctx, tt.tr); err != tt.want {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMemoryStore_InsertAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, "+14155550100")

	err := s.Insert(ctx, []DID{
		{ID: "a", PhoneNumber: "+14155550199", State: StateAvailable},
		{ID: "b", PhoneNumber: "+14155550100", State: StateAvailable},
	})
	if err != ErrDuplicateNumber {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}
	if _, err := s.Get(ctx, "a"); err != ErrNotFound {
		t.Fatalf("partial batch persisted: %v", err)
	}
}

func TestMemoryStore_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, "+14155550100", "+14155550101", "+14155550102")
	at := time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)
	if _, err := s.CompareAndSwapState(ctx, reserveT("did-+14155550101", 0, "tenant-a", at)); err != nil {
		t.Fatal(err)
	}

	res, err := s.List(ctx, Filter{}, Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 || len(res.Items) != 2 || res.Items[0].ID != "did-+14155550100" {
		t.Fatalf("unexpected first page: %+v", res)
	}

	res, _ = s.List(ctx, Filter{}, Page{Limit: 2, Offset: 2})
	if len(res.Items) != 1 || res.Items[0].ID != "did-+14155550102" {
		t.Fatalf("unexpected second page: %+v", res)
	}

	res, _ = s.List(ctx, Filter{State: StateReserved, TenantID: "tenant-a"}, Page{})
	if res.Total != 1 || res.Items[0].ID != "did-+14155550101" {
		t.Fatalf("unexpected filtered list: %+v", res)
	}

	res, _ = s.List(ctx, Filter{TenantID: "tenant-z"}, Page{Offset: 10})
	if res.Items == nil || len(res.Items) != 0 {
		t.Fatalf("expected empty non-nil items, got %#v", res.Items)
	}
}

func TestMemoryStore_HistoryIsACopy(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, "+14155550100")
	at := time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)
	if _, err := s.CompareAndSwapState(ctx, reserveT("did-+14155550100", 0, "tenant-a", at)); err != nil {
		t.Fatal(err)
	}

	h, _ := s.History(ctx, "did-+14155550100")
	h[0].Actor = "tampered"
	h2, _ := s.History(ctx, "did-+14155550100")
	if h2[0].Actor != "test" {
		t.Fatalf("ledger mutated through returned slice: %q", h2[0].Actor)
	}

	if _, err := s.History(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
