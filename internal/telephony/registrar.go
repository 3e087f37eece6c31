package telephony

import (
	"context"
	"errors"
	"fmt"
)

// NumberRegistrar is the boundary to the voice-AI provider that answers calls on
// pooled numbers. Business logic never talks to the provider any other way.
type NumberRegistrar interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// RegisterNumber points the number at the tenant's agent and returns the
	// provider's reference for it.
	RegisterNumber(ctx context.Context, req RegisterNumberRequest) (RegisterNumberResult, error)
	// DeregisterNumber removes the provider configuration. Unknown refs are not an error.
	DeregisterNumber(ctx context.Context, externalRef string) error
}

type RegisterNumberRequest struct {
	// PhoneNumber is E.164.
	PhoneNumber string `json:"phone_number"`
	TenantID    string `json:"tenant_id"`
}

type RegisterNumberResult struct {
	ExternalRef string `json:"external_ref"`
}

var ErrInvalidRequest = errors.New("telephony: invalid request")

// ProviderError is a non-success response from the provider.
type ProviderError struct {
	Op     string
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("telephony: %s: provider returned %d: %s", e.Op, e.Status, e.Body)
}

func (r RegisterNumberRequest) validate() error {
	if r.PhoneNumber == "" || r.TenantID == "" {
		return ErrInvalidRequest
	}
	return nil
}
