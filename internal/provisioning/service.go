// Package provisioning is the operator-facing side of the DID pool. Every action
// is permission-checked and audited here before it reaches the allocator, and
// number registration with the voice-AI provider is sequenced around the
// allocator's state changes.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"didpool-service/internal/audit"
	"didpool-service/internal/didpool"
	"didpool-service/internal/rbac"
	"didpool-service/internal/telephony"
	"didpool-service/pkg/logger"
)

var (
	ErrForbidden          = errors.New("provisioning: permission denied")
	ErrRegistrationFailed = errors.New("provisioning: voice-ai registration failed")
)

// Actor is the authenticated operator performing an action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

func (a Actor) audit() audit.Actor {
	return audit.Actor{UserID: a.UserID, Role: a.Role, IP: a.IP}
}

type Service struct {
	alloc     *didpool.Allocator
	registrar telephony.NumberRegistrar
	audit     *audit.Service
	log       *slog.Logger
}

func NewService(alloc *didpool.Allocator, registrar telephony.NumberRegistrar, auditSvc *audit.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{alloc: alloc, registrar: registrar, audit: auditSvc, log: log}
}

func (s *Service) Import(ctx context.Context, actor Actor, numbers []string) ([]didpool.DID, error) {
	if err := s.authorize(ctx, actor, "import", "", ""); err != nil {
		return nil, err
	}
	dids, err := s.alloc.Import(ctx, numbers, actor.UserID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventNumbersImported, actor, "", "", fmt.Sprintf("imported %d numbers", len(dids)), map[string]any{"count": len(dids)})
	return dids, nil
}

func (s *Service) Reserve(ctx context.Context, actor Actor, tenantID string) (didpool.DID, error) {
	if err := s.authorize(ctx, actor, "reserve", "", tenantID); err != nil {
		return didpool.DID{}, err
	}
	d, err := s.alloc.Reserve(ctx, tenantID, actor.UserID)
	if err != nil {
		return didpool.DID{}, err
	}
	s.record(ctx, audit.EventDIDReserved, actor, d.ID, tenantID, "reserved "+d.PhoneNumber, nil)
	return d, nil
}

func (s *Service) Confirm(ctx context.Context, actor Actor, didID, tenantID, externalRef string) (didpool.DID, error) {
	if err := s.authorize(ctx, actor, "confirm", didID, tenantID); err != nil {
		return didpool.DID{}, err
	}
	d, err := s.alloc.ConfirmAssign(ctx, didID, tenantID, externalRef, actor.UserID)
	if err != nil {
		return didpool.DID{}, err
	}
	s.record(ctx, audit.EventDIDAssigned, actor, d.ID, tenantID, "assigned "+d.PhoneNumber, map[string]any{"external_ref": externalRef})
	return d, nil
}

// Release returns a DID to the pool without touching the provider. Use
// Deprovision for an assigned number that is still registered.
func (s *Service) Release(ctx context.Context, actor Actor, didID, reason string) (didpool.DID, error) {
	if err := s.authorize(ctx, actor, "release", didID, ""); err != nil {
		return didpool.DID{}, err
	}
	before, err := s.alloc.Get(ctx, didID)
	if err != nil {
		return didpool.DID{}, err
	}
	d, err := s.alloc.Release(ctx, didID, actor.UserID, reason)
	if err != nil {
		return didpool.DID{}, err
	}
	if before.State.Held() {
		s.record(ctx, audit.EventDIDReleased, actor, d.ID, before.TenantID, reason, nil)
	}
	return d, nil
}

// Retire takes a DID out of service. An assigned number is deregistered first.
func (s *Service) Retire(ctx context.Context, actor Actor, didID, reason string) (didpool.DID, error) {
	if err := s.authorize(ctx, actor, "retire", didID, ""); err != nil {
		return didpool.DID{}, err
	}
	before, err := s.alloc.Get(ctx, didID)
	if err != nil {
		return didpool.DID{}, err
	}
	if err := s.deregister(ctx, before); err != nil {
		return didpool.DID{}, err
	}
	d, err := s.alloc.Retire(ctx, didID, actor.UserID, reason)
	if err != nil {
		return didpool.DID{}, err
	}
	s.record(ctx, audit.EventDIDRetired, actor, d.ID, before.TenantID, reason, map[string]any{"phone_number": d.PhoneNumber})
	return d, nil
}

// Provision gives tenantID a working number: reserve, register with the
// provider, confirm. A tenant that already has an assigned number gets it back.
// If registration fails a reservation made by this call is released so the
// number is not stranded; a reservation that already existed (another
// provisioning in flight for the tenant) is left to its owner.
func (s *Service) Provision(ctx context.Context, actor Actor, tenantID string) (didpool.DID, error) {
	if err := s.authorize(ctx, actor, "provision", "", tenantID); err != nil {
		return didpool.DID{}, err
	}

	d, created, err := s.alloc.ReserveOrGet(ctx, tenantID, actor.UserID)
	if err != nil {
		return didpool.DID{}, err
	}
	if d.State == didpool.StateAssigned {
		return d, nil
	}

	log := s.logFor(ctx).With("did_id", d.ID, "tenant_id", tenantID, "actor", actor.UserID)

	reg, err := s.registrar.RegisterNumber(ctx, telephony.RegisterNumberRequest{PhoneNumber: d.PhoneNumber, TenantID: tenantID})
	if err != nil {
		log.Error("voice-ai registration failed", "registrar", s.registrar.Name(), "err", err)
		if !created {
			return didpool.DID{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
		}
		// Cleanup must run even when the request was cancelled.
		if _, relErr := s.alloc.Release(context.WithoutCancel(ctx), d.ID, actor.UserID, "registration-failed"); relErr != nil {
			log.Error("release after failed registration", "err", relErr)
		}
		return didpool.DID{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	assigned, err := s.alloc.ConfirmAssign(ctx, d.ID, tenantID, reg.ExternalRef, actor.UserID)
	if err != nil {
		// The reservation was lost (expired or released) while registering.
		log.Warn("confirm after registration failed; deregistering", "external_ref", reg.ExternalRef, "err", err)
		if derr := s.registrar.DeregisterNumber(context.WithoutCancel(ctx), reg.ExternalRef); derr != nil {
			log.Error("deregister after failed confirm", "external_ref", reg.ExternalRef, "err", derr)
		}
		return didpool.DID{}, err
	}

	log.Info("did provisioned", "phone_number", assigned.PhoneNumber, "external_ref", assigned.ExternalRef)
	s.record(ctx, audit.EventDIDProvisioned, actor, assigned.ID, tenantID, "provisioned "+assigned.PhoneNumber, map[string]any{"external_ref": assigned.ExternalRef})
	return assigned, nil
}

// Deprovision tears down the provider registration and returns the DID to the pool.
func (s *Service) Deprovision(ctx context.Context, actor Actor, didID, reason string) (didpool.DID, error) {
	if err := s.authorize(ctx, actor, "deprovision", didID, ""); err != nil {
		return didpool.DID{}, err
	}
	before, err := s.alloc.Get(ctx, didID)
	if err != nil {
		return didpool.DID{}, err
	}
	if err := s.deregister(ctx, before); err != nil {
		return didpool.DID{}, err
	}
	if reason == "" {
		reason = "deprovisioned"
	}
	d, err := s.alloc.Release(ctx, didID, actor.UserID, reason)
	if err != nil {
		return didpool.DID{}, err
	}
	if before.State.Held() {
		s.record(ctx, audit.EventDIDDeprovisioned, actor, d.ID, before.TenantID, reason, map[string]any{"external_ref": before.ExternalRef})
	}
	return d, nil
}

// logFor prefers the request-scoped logger so lines carry request_id.
func (s *Service) logFor(ctx context.Context) *slog.Logger { return logger.FromOr(ctx, s.log) }

func (s *Service) deregister(ctx context.Context, d didpool.DID) error {
	if d.State != didpool.StateAssigned || d.ExternalRef == "" {
		return nil
	}
	if err := s.registrar.DeregisterNumber(ctx, d.ExternalRef); err != nil {
		s.logFor(ctx).Error("voice-ai deregistration failed", "did_id", d.ID, "external_ref", d.ExternalRef, "err", err)
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, actor Actor, action, didID, tenantID string) error {
	if actor.UserID != "" && rbac.HasPermission(actor.Role, rbac.PermDIDPoolManage) {
		return nil
	}
	s.logFor(ctx).Warn("did pool action denied", "action", action, "actor", actor.UserID, "role", actor.Role)
	if actor.UserID != "" {
		s.record(ctx, audit.EventPermissionDenied, actor, didID, tenantID, action, nil)
	}
	return ErrForbidden
}

// record writes an audit event. Audit is best-effort.
func (s *Service) record(ctx context.Context, typ audit.EventType, actor Actor, didID, tenantID, message string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, typ, actor.audit(), didID, tenantID, message, metadata); err != nil {
		s.logFor(ctx).Warn("audit write failed", "type", string(typ), "err", err)
	}
}
