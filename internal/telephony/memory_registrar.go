package telephony

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRegistrar keeps registrations in memory. Used for local runs and tests.
type MemoryRegistrar struct {
	mu      sync.Mutex
	numbers map[string]RegisterNumberRequest // external ref -> registration

	// FailRegister, when set, is returned by RegisterNumber.
	FailRegister error
	// FailDeregister, when set, is returned by DeregisterNumber.
	FailDeregister error
}

func NewMemoryRegistrar() *MemoryRegistrar {
	return &MemoryRegistrar{numbers: map[string]RegisterNumberRequest{}}
}

func (r *MemoryRegistrar) Name() string { return "memory" }

func (r *MemoryRegistrar) HealthCheck(ctx context.Context) error { return nil }

func (r *MemoryRegistrar) RegisterNumber(ctx context.Context, req RegisterNumberRequest) (RegisterNumberResult, error) {
	if err := req.validate(); err != nil {
		return RegisterNumberResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailRegister != nil {
		return RegisterNumberResult{}, r.FailRegister
	}
	for ref, existing := range r.numbers {
		if existing == req {
			return RegisterNumberResult{ExternalRef: ref}, nil
		}
	}
	ref := "va_" + uuid.NewString()
	r.numbers[ref] = req
	return RegisterNumberResult{ExternalRef: ref}, nil
}

func (r *MemoryRegistrar) DeregisterNumber(ctx context.Context, externalRef string) error {
	if externalRef == "" {
		return ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailDeregister != nil {
		return r.FailDeregister
	}
	delete(r.numbers, externalRef)
	return nil
}

// Registered reports whether externalRef is currently registered.
func (r *MemoryRegistrar) Registered(externalRef string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.numbers[externalRef]
	return ok
}
