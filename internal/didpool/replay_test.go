package didpool

import (
	"errors"
	"testing"
	"time"
)

func TestReplay(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	entry := func(seq int64, from, to State, tenant, ref string) LedgerEntry {
		return LedgerEntry{Seq: seq, FromState: from, ToState: to, TenantID: tenant, ExternalRef: ref, At: at.Add(time.Duration(seq) * time.Minute)}
	}

	tests := []struct {
		name    string
		entries []LedgerEntry
		want    ReplayState
		wantErr bool
	}{
		{
			name: "empty ledger is available",
			want: ReplayState{State: StateAvailable},
		},
		{
			name: "assigned",
			entries: []LedgerEntry{
				entry(1, StateAvailable, StateReserved, "t1", ""),
				entry(2, StateReserved, StateAssigned, "t1", "ext"),
			},
			want: ReplayState{State: StateAssigned, TenantID: "t1", ExternalRef: "ext", Transitions: 2, LastAt: at.Add(2 * time.Minute)},
		},
		{
			name: "released and re-reserved",
			entries: []LedgerEntry{
				entry(1, StateAvailable, StateReserved, "t1", ""),
				entry(4, StateReserved, StateAvailable, "t1", ""),
				entry(9, StateAvailable, StateReserved, "t2", ""),
			},
			want: ReplayState{State: StateReserved, TenantID: "t2", Transitions: 3, LastAt: at.Add(9 * time.Minute)},
		},
		{
			name: "gap in chain",
			entries: []LedgerEntry{
				entry(1, StateAvailable, StateReserved, "t1", ""),
				entry(2, StateAvailable, StateReserved, "t2", ""),
			},
			wantErr: true,
		},
		{
			name:    "illegal edge",
			entries: []LedgerEntry{entry(1, StateAvailable, StateAssigned, "t1", "ext")},
			wantErr: true,
		},
		{
			name: "assign to another tenant",
			entries: []LedgerEntry{
				entry(1, StateAvailable, StateReserved, "t1", ""),
				entry(2, StateReserved, StateAssigned, "t2", "ext"),
			},
			wantErr: true,
		},
		{
			name: "out of order",
			entries: []LedgerEntry{
				entry(5, StateAvailable, StateReserved, "t1", ""),
				entry(3, StateReserved, StateAvailable, "t1", ""),
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Replay(tt.entries)
			if tt.wantErr {
				if !errors.Is(err, ErrLedgerMismatch) {
					t.Fatalf("expected ErrLedgerMismatch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReplayState_Matches(t *testing.T) {
	st := ReplayState{State: StateAssigned, TenantID: "t1", ExternalRef: "ext", Transitions: 2}
	d := DID{State: StateAssigned, TenantID: "t1", ExternalRef: "ext", Version: 2}
	if err := st.Matches(d); err != nil {
		t.Fatalf("unexpected mismatch: %v", err)
	}
	d.Version = 3
	if err := st.Matches(d); !errors.Is(err, ErrLedgerMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}
