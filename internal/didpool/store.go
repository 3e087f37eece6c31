package didpool

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Store is the persistence contract for the DID pool and its ledger.
//
// CompareAndSwapState is the only way to change a DID's state. Implementations must
// write the ledger entry in the same transaction as the record update: either both
// are persisted or neither is.
type Store interface {
	Get(ctx context.Context, id string) (DID, error)
	// FindAvailable returns the oldest available DID (CreatedAt, then ID), or ErrPoolEmpty.
	FindAvailable(ctx context.Context) (DID, error)
	// FindByTenant returns the DID the tenant currently holds (reserved or assigned), or ErrNotFound.
	FindByTenant(ctx context.Context, tenantID string) (DID, error)
	// CompareAndSwapState applies t if the stored state and version still match.
	// Returns ErrConflict on mismatch and ErrTenantHeld when reserving for a tenant
	// that already holds another DID.
	CompareAndSwapState(ctx context.Context, t Transition) (DID, error)

	// Insert adds new DIDs atomically. ErrDuplicateNumber if any phone number exists.
	Insert(ctx context.Context, dids []DID) error

	// ListReserved returns reserved DIDs with ReservedAt at or before olderThan, oldest first.
	ListReserved(ctx context.Context, olderThan time.Time, limit int) ([]DID, error)
	List(ctx context.Context, f Filter, p Page) (ListResult, error)

	// History returns the ledger entries of a DID in append order.
	History(ctx context.Context, didID string) ([]LedgerEntry, error)
}

// applyTransition returns the record as it looks after t. The caller has already
// checked the expected state and version.
func applyTransition(d DID, t Transition) DID {
	at := t.At.UTC()
	d.State = t.To
	d.Version++
	d.UpdatedAt = at

	switch t.To {
	case StateReserved:
		d.TenantID = t.TenantID
		d.ReservedAt = &at
		d.AssignedAt = nil
		d.ExternalRef = ""
	case StateAssigned:
		d.AssignedAt = &at
		d.ExternalRef = t.ExternalRef
	case StateAvailable, StateRetired:
		d.TenantID = ""
		d.ReservedAt = nil
		d.AssignedAt = nil
		d.ExternalRef = ""
	}
	return d
}

func ledgerEntryFor(before DID, t Transition) LedgerEntry {
	tenant := t.TenantID
	if tenant == "" {
		tenant = before.TenantID
	}
	ref := t.ExternalRef
	if ref == "" {
		ref = before.ExternalRef
	}
	return LedgerEntry{
		ID:          ulid.Make().String(),
		DIDID:       before.ID,
		FromState:   before.State,
		ToState:     t.To,
		TenantID:    tenant,
		ExternalRef: ref,
		Actor:       t.Actor,
		Reason:      t.Reason,
		At:          t.At.UTC(),
	}
}

func validateTransition(t Transition) error {
	if t.DIDID == "" || !t.Expected.Valid() || !t.To.Valid() {
		return ErrInvalidArgument
	}
	if !CanTransition(t.Expected, t.To) {
		return ErrInvalidTransition
	}
	if t.To == StateReserved && t.TenantID == "" {
		return ErrInvalidArgument
	}
	if t.At.IsZero() {
		return ErrInvalidArgument
	}
	return nil
}
