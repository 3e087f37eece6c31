package didpool

import "errors"

// Errors surfaced to allocator callers.
var (
	ErrNotFound          = errors.New("didpool: not found")
	ErrPoolExhausted     = errors.New("didpool: pool exhausted")
	ErrContended         = errors.New("didpool: contended, retry")
	ErrNotReserved       = errors.New("didpool: did not reserved")
	ErrWrongTenant       = errors.New("didpool: did reserved by another tenant")
	ErrInvalidTransition = errors.New("didpool: invalid state transition")
	ErrInvalidArgument   = errors.New("didpool: invalid argument")
	ErrInvalidNumber     = errors.New("didpool: invalid phone number")
	ErrDuplicateNumber   = errors.New("didpool: duplicate phone number")
	ErrLedgerMismatch    = errors.New("didpool: ledger does not match stored state")
)

// Store-level errors. The allocator absorbs these; they never reach its callers.
var (
	ErrConflict   = errors.New("didpool: compare-and-swap conflict")
	ErrTenantHeld = errors.New("didpool: tenant already holds a did")
	ErrPoolEmpty  = errors.New("didpool: no available did")
)
