package didpool

import (
	"fmt"
	"time"
)

// ReplayState is the DID state reconstructed from its ledger.
type ReplayState struct {
	State       State     `json:"state"`
	TenantID    string    `json:"tenant_id,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Transitions int64     `json:"transitions"`
	LastAt      time.Time `json:"last_at,omitempty"`
}

// Replay folds ledger entries, oldest first, starting from available.
// Every entry must continue from the state the previous one left.
func Replay(entries []LedgerEntry) (ReplayState, error) {
	st := ReplayState{State: StateAvailable}
	var lastSeq int64
	for i, e := range entries {
		if e.Seq != 0 {
			if e.Seq <= lastSeq {
				return st, fmt.Errorf("%w: entry %d out of order (seq %d after %d)", ErrLedgerMismatch, i, e.Seq, lastSeq)
			}
			lastSeq = e.Seq
		}
		if e.FromState != st.State {
			return st, fmt.Errorf("%w: entry %d starts from %s, replayed state is %s", ErrLedgerMismatch, i, e.FromState, st.State)
		}
		if !CanTransition(e.FromState, e.ToState) {
			return st, fmt.Errorf("%w: entry %d records illegal transition %s -> %s", ErrLedgerMismatch, i, e.FromState, e.ToState)
		}

		switch e.ToState {
		case StateReserved:
			if e.TenantID == "" {
				return st, fmt.Errorf("%w: entry %d reserves without a tenant", ErrLedgerMismatch, i)
			}
			st.TenantID = e.TenantID
			st.ExternalRef = ""
		case StateAssigned:
			if e.TenantID != st.TenantID {
				return st, fmt.Errorf("%w: entry %d assigns to %q, reserved by %q", ErrLedgerMismatch, i, e.TenantID, st.TenantID)
			}
			st.ExternalRef = e.ExternalRef
		default:
			st.TenantID = ""
			st.ExternalRef = ""
		}
		st.State = e.ToState
		st.Transitions++
		st.LastAt = e.At
	}
	return st, nil
}

// Matches reports whether d agrees with the replayed state. Version counts
// committed transitions, so it must equal the number of ledger entries.
func (s ReplayState) Matches(d DID) error {
	switch {
	case s.State != d.State:
		return fmt.Errorf("%w: ledger says %s, record says %s", ErrLedgerMismatch, s.State, d.State)
	case s.TenantID != d.TenantID:
		return fmt.Errorf("%w: ledger tenant %q, record tenant %q", ErrLedgerMismatch, s.TenantID, d.TenantID)
	case s.ExternalRef != d.ExternalRef:
		return fmt.Errorf("%w: ledger ref %q, record ref %q", ErrLedgerMismatch, s.ExternalRef, d.ExternalRef)
	case s.Transitions != d.Version:
		return fmt.Errorf("%w: %d ledger entries, record version %d", ErrLedgerMismatch, s.Transitions, d.Version)
	}
	return nil
}
