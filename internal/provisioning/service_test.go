package provisioning

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"didpool-service/internal/audit"
	"didpool-service/internal/didpool"
	"didpool-service/internal/rbac"
	"didpool-service/internal/telephony"
	"didpool-service/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin  = Actor{UserID: "op-1", Role: rbac.RolePoolAdmin, IP: "10.0.0.1"}
	viewer = Actor{UserID: "op-2", Role: rbac.RoleViewer}
)

type fixture struct {
	svc       *Service
	store     *didpool.MemoryStore
	alloc     *didpool.Allocator
	registrar *telephony.MemoryRegistrar
	audit     *audit.MemoryRepo
}

func newFixture(t *testing.T, numbers ...string) fixture {
	t.Helper()
	store := didpool.NewMemoryStore()
	alloc := didpool.NewAllocator(store, didpool.WithRetryBackoff(0))
	reg := telephony.NewMemoryRegistrar()
	repo := audit.NewMemoryRepo()
	svc := NewService(alloc, reg, audit.NewService(repo), nil)
	if len(numbers) > 0 {
		_, err := alloc.Import(context.Background(), numbers, "seed")
		require.NoError(t, err)
	}
	return fixture{svc: svc, store: store, alloc: alloc, registrar: reg, audit: repo}
}

func eventTypes(repo *audit.MemoryRepo) []audit.EventType {
	var out []audit.EventType
	for _, e := range repo.Events() {
		out = append(out, e.Type)
	}
	return out
}

func TestProvision(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx := context.Background()

	d, err := f.svc.Provision(ctx, admin, "store-1")
	require.NoError(t, err)
	assert.Equal(t, didpool.StateAssigned, d.State)
	assert.Equal(t, "store-1", d.TenantID)
	assert.True(t, f.registrar.Registered(d.ExternalRef))

	again, err := f.svc.Provision(ctx, admin, "store-1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, d.ExternalRef, again.ExternalRef)

	hist, err := f.store.History(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	assert.Equal(t, []audit.EventType{audit.EventDIDProvisioned}, eventTypes(f.audit))
	assert.Equal(t, "10.0.0.1", f.audit.Events()[0].IPAddress)
}

func TestProvision_RegistrationFailureReleases(t *testing.T) {
	f := newFixture(t, "+14155550100")
	f.registrar.FailRegister = errors.New("provider down")
	ctx := context.Background()

	_, err := f.svc.Provision(ctx, admin, "store-1")
	require.ErrorIs(t, err, ErrRegistrationFailed)

	res, err := f.store.List(ctx, didpool.Filter{}, didpool.Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	d := res.Items[0]
	assert.Equal(t, didpool.StateAvailable, d.State)

	hist, err := f.store.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "registration-failed", hist[1].Reason)
}

func TestProvision_PoolExhausted(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Provision(context.Background(), admin, "store-1")
	require.ErrorIs(t, err, didpool.ErrPoolExhausted)
}

func TestProvision_LostReservationDeregisters(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx := context.Background()

	// A reservation already expired by the time the provider answers.
	d, err := f.alloc.Reserve(ctx, "store-1", "seed")
	require.NoError(t, err)
	slow := &expiringRegistrar{MemoryRegistrar: f.registrar, alloc: f.alloc}
	svc := NewService(f.alloc, slow, nil, nil)

	_, err = svc.Provision(ctx, admin, "store-1")
	require.ErrorIs(t, err, didpool.ErrNotReserved)
	require.NotEmpty(t, slow.ref)
	assert.False(t, f.registrar.Registered(slow.ref))

	got, err := f.store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, didpool.StateAvailable, got.State)
}

// expiringRegistrar expires every reservation while "talking to the provider".
type expiringRegistrar struct {
	*telephony.MemoryRegistrar
	alloc *didpool.Allocator
	ref   string
}

func (r *expiringRegistrar) RegisterNumber(ctx context.Context, req telephony.RegisterNumberRequest) (telephony.RegisterNumberResult, error) {
	res, err := r.MemoryRegistrar.RegisterNumber(ctx, req)
	r.ref = res.ExternalRef
	if _, err := r.alloc.ExpireStaleReservations(ctx, 0); err != nil {
		return telephony.RegisterNumberResult{}, err
	}
	return res, err
}

func TestDeprovision(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx := context.Background()

	d, err := f.svc.Provision(ctx, admin, "store-1")
	require.NoError(t, err)

	rel, err := f.svc.Deprovision(ctx, admin, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, didpool.StateAvailable, rel.State)
	assert.False(t, f.registrar.Registered(d.ExternalRef))

	hist, err := f.store.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "deprovisioned", hist[2].Reason)

	// Idempotent on an available DID.
	_, err = f.svc.Deprovision(ctx, admin, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []audit.EventType{audit.EventDIDProvisioned, audit.EventDIDDeprovisioned}, eventTypes(f.audit))
}

func TestDeprovision_DeregisterFailureKeepsAssignment(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx := context.Background()

	d, err := f.svc.Provision(ctx, admin, "store-1")
	require.NoError(t, err)
	f.registrar.FailDeregister = errors.New("provider down")

	_, err = f.svc.Deprovision(ctx, admin, d.ID, "")
	require.ErrorIs(t, err, ErrRegistrationFailed)

	got, err := f.store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, didpool.StateAssigned, got.State)
}

func TestRetire_DeregistersAssigned(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx := context.Background()

	d, err := f.svc.Provision(ctx, admin, "store-1")
	require.NoError(t, err)

	ret, err := f.svc.Retire(ctx, admin, d.ID, "ported out")
	require.NoError(t, err)
	assert.Equal(t, didpool.StateRetired, ret.State)
	assert.False(t, f.registrar.Registered(d.ExternalRef))
}

func TestReserveConfirmRelease(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx := context.Background()

	d, err := f.svc.Reserve(ctx, admin, "store-1")
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, admin, d.ID, "store-1", "va_manual")
	require.NoError(t, err)
	_, err = f.svc.Release(ctx, admin, d.ID, "operator request")
	require.NoError(t, err)

	assert.Equal(t, []audit.EventType{audit.EventDIDReserved, audit.EventDIDAssigned, audit.EventDIDReleased}, eventTypes(f.audit))
	assert.Equal(t, "store-1", f.audit.Events()[2].TenantID)
	assert.Len(t, f.audit.ForDID(d.ID), 3)
}

func TestImport(t *testing.T) {
	f := newFixture(t)
	dids, err := f.svc.Import(context.Background(), admin, []string{"+14155550100", "+14155550101"})
	require.NoError(t, err)
	assert.Len(t, dids, 2)
	require.Len(t, f.audit.Events(), 1)
	assert.JSONEq(t, `{"count":2}`, f.audit.Events()[0].Metadata)
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx := context.Background()

	calls := map[string]func() error{
		"import":      func() error { _, err := f.svc.Import(ctx, viewer, []string{"+14155550199"}); return err },
		"reserve":     func() error { _, err := f.svc.Reserve(ctx, viewer, "store-1"); return err },
		"confirm":     func() error { _, err := f.svc.Confirm(ctx, viewer, "x", "store-1", "r"); return err },
		"release":     func() error { _, err := f.svc.Release(ctx, viewer, "x", ""); return err },
		"retire":      func() error { _, err := f.svc.Retire(ctx, viewer, "x", ""); return err },
		"provision":   func() error { _, err := f.svc.Provision(ctx, viewer, "store-1"); return err },
		"deprovision": func() error { _, err := f.svc.Deprovision(ctx, viewer, "x", ""); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, call(), ErrForbidden)
		})
	}

	// Nothing changed in the pool.
	res, err := f.store.List(ctx, didpool.Filter{State: didpool.StateAvailable}, didpool.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	evs := f.audit.Events()
	require.Len(t, evs, len(calls))
	for _, e := range evs {
		assert.Equal(t, audit.EventPermissionDenied, e.Type)
		assert.Equal(t, "op-2", e.ActorUserID)
	}
	// confirm, release, retire, deprovision name the target DID.
	assert.Len(t, f.audit.ForDID("x"), 4)

	_, err = f.svc.Reserve(ctx, Actor{Role: rbac.RoleSuperAdmin}, "store-1")
	require.ErrorIs(t, err, ErrForbidden, "anonymous actors are refused even with a privileged role")
}

func TestProvision_CancelledContextStillReleases(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx, cancel := context.WithCancel(context.Background())
	f.registrar.FailRegister = errors.New("timeout")

	reg := &cancellingRegistrar{MemoryRegistrar: f.registrar, cancel: cancel}
	svc := NewService(f.alloc, reg, nil, nil)

	_, err := svc.Provision(ctx, admin, "store-1")
	require.ErrorIs(t, err, ErrRegistrationFailed)

	res, err := f.store.List(context.Background(), didpool.Filter{State: didpool.StateAvailable}, didpool.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

type cancellingRegistrar struct {
	*telephony.MemoryRegistrar
	cancel context.CancelFunc
}

func (r *cancellingRegistrar) RegisterNumber(ctx context.Context, req telephony.RegisterNumberRequest) (telephony.RegisterNumberResult, error) {
	r.cancel()
	return r.MemoryRegistrar.RegisterNumber(ctx, req)
}

func TestProvision_RegistrationFailureKeepsExistingReservation(t *testing.T) {
	f := newFixture(t, "+14155550100")
	ctx := context.Background()

	// Another provisioning for the same tenant is between reserve and confirm.
	held, err := f.alloc.Reserve(ctx, "store-1", "op-other")
	require.NoError(t, err)

	f.registrar.FailRegister = errors.New("provider down")
	_, err = f.svc.Provision(ctx, admin, "store-1")
	require.ErrorIs(t, err, ErrRegistrationFailed)

	got, err := f.store.Get(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, didpool.StateReserved, got.State)
	assert.Equal(t, "store-1", got.TenantID)
	assert.Equal(t, held.Version, got.Version)

	// The first caller can still finish.
	f.registrar.FailRegister = nil
	_, err = f.alloc.ConfirmAssign(ctx, held.ID, "store-1", "ext-1", "op-other")
	require.NoError(t, err)
}

func TestService_LogsThroughRequestLogger(t *testing.T) {
	f := newFixture(t, "+14155550100")
	var buf bytes.Buffer
	reqLog := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "rid-7")
	ctx := logger.With(context.Background(), reqLog)

	_, err := f.svc.Reserve(ctx, viewer, "store-1")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Provision(ctx, admin, "store-1")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"did pool action denied"`)
	assert.Contains(t, out, `"msg":"did provisioned"`)
	assert.Contains(t, out, `"msg":"did reserved"`)
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		assert.Contains(t, string(line), `"request_id":"rid-7"`)
	}
}
