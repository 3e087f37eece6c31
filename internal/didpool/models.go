package didpool

import "time"

// DID is a telephony number held in the pool.
//
// Invariants:
// - PhoneNumber is E.164 and unique across the pool.
// - TenantID is set iff State is reserved or assigned.
// - A tenant holds at most one reserved/assigned DID.
// - Version increases by one on every state transition.
type DID struct {
	ID          string `json:"id" db:"id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	State       State  `json:"state" db:"state"`

	TenantID string `json:"tenant_id,omitempty" db:"tenant_id"`

	ReservedAt *time.Time `json:"reserved_at,omitempty" db:"reserved_at"`
	AssignedAt *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`

	// ExternalRef identifies the number in the voice-AI provider's configuration.
	// Only set while assigned.
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StateAvailable State = "available"
	StateReserved  State = "reserved"
	StateAssigned  State = "assigned"
	StateRetired   State = "retired"
)

func (s State) Valid() bool {
	switch s {
	case StateAvailable, StateReserved, StateAssigned, StateRetired:
		return true
	default:
		return false
	}
}

// Held reports whether a DID in this state belongs to a tenant.
func (s State) Held() bool { return s == StateReserved || s == StateAssigned }

var transitions = map[State][]State{
	StateAvailable: {StateReserved, StateRetired},
	StateReserved:  {StateAssigned, StateAvailable},
	StateAssigned:  {StateAvailable, StateRetired},
}

// CanTransition reports whether from -> to is a legal state change.
// Besides the reserve/assign/release cycle, an available DID may be retired
// directly (an unused number withdrawn from the pool); a reserved one may not.
// Retired is terminal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LedgerEntry is an immutable record of one state transition.
// Entries are never updated or deleted; a DID's history is the ordered list of its entries.
type LedgerEntry struct {
	ID string `json:"id" db:"id"`
	// Seq orders entries within the store. Assigned on append.
	Seq   int64  `json:"seq" db:"seq"`
	DIDID string `json:"did_id" db:"did_id"`

	FromState State `json:"from_state" db:"from_state"`
	ToState   State `json:"to_state" db:"to_state"`

	// TenantID is the tenant involved in the transition: the new holder on
	// reserve/assign, the previous holder on release/expiry/retire.
	TenantID    string `json:"tenant_id,omitempty" db:"tenant_id"`
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	Actor  string `json:"actor" db:"actor"`
	Reason string `json:"reason,omitempty" db:"reason"`

	At time.Time `json:"at" db:"at"`
}

// Transition is the input to Store.CompareAndSwapState.
type Transition struct {
	DIDID string

	// The swap applies only if the stored record still has this state and version.
	Expected        State
	ExpectedVersion int64

	To State

	// TenantID is the holder after reserve/assign. For transitions that clear the
	// holder it is only recorded in the ledger.
	TenantID    string
	ExternalRef string

	Actor  string
	Reason string
	At     time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State    State
	TenantID string
}

type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type ListResult struct {
	Items []DID `json:"items"`
	Total int   `json:"total"`
}

// Ledger reasons written by the allocator itself.
const (
	ReasonReserved           = "reserved"
	ReasonAssigned           = "assigned"
	ReasonReservationExpired = "reservation-expired"
)
