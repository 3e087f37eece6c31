package audit

import "time"

// Event is an immutable, append-only record of an operator action on the pool.
//
// The DID ledger records state; audit events record who asked for what,
// including requests that were refused.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	// IPAddress is the client IP as resolved by gin (trusted proxies honoured).
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	DIDID    string `json:"did_id,omitempty" db:"did_id"`
	TenantID string `json:"tenant_id,omitempty" db:"tenant_id"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventNumbersImported  EventType = "numbers_imported"
	EventDIDReserved      EventType = "did_reserved"
	EventDIDAssigned      EventType = "did_assigned"
	EventDIDReleased      EventType = "did_released"
	EventDIDRetired       EventType = "did_retired"
	EventDIDProvisioned   EventType = "did_provisioned"
	EventDIDDeprovisioned EventType = "did_deprovisioned"
	EventPermissionDenied EventType = "permission_denied"
)
