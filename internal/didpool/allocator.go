package didpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"didpool-service/pkg/logger"
)

// Allocator is the only component that changes DID state.
//
// Every mutation goes through Store.CompareAndSwapState. Losing a CAS race is
// retried a bounded number of times; callers see ErrContended, never ErrConflict.
// The allocator does not check permissions; callers do.
type Allocator struct {
	store Store
	log   *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time

	maxAttempts  int
	retryBackoff time.Duration
	sweepBatch   int
}

const (
	DefaultMaxAttempts  = 5
	defaultRetryBackoff = 5 * time.Millisecond
	defaultSweepBatch   = 100

	// SweeperActor is recorded in the ledger for expired reservations.
	SweeperActor = "system:reservation-sweeper"
)

type Option func(*Allocator)

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		if now != nil {
			a.clock = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMaxAttempts bounds CAS retries per Reserve/ConfirmAssign/Release call.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the base pause between attempts. Zero disables it.
func WithRetryBackoff(d time.Duration) Option {
	return func(a *Allocator) {
		if d >= 0 {
			a.retryBackoff = d
		}
	}
}

func WithSweepBatch(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.sweepBatch = n
		}
	}
}

func NewAllocator(store Store, opts ...Option) *Allocator {
	a := &Allocator{
		store:        store,
		log:          slog.Default(),
		clock:        time.Now,
		maxAttempts:  DefaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
		sweepBatch:   defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) now() time.Time { return a.clock().UTC() }

// logFor prefers the request-scoped logger so lines carry request_id.
func (a *Allocator) logFor(ctx context.Context) *slog.Logger { return logger.FromOr(ctx, a.log) }

// Reserve hands tenantID a DID in the reserved state.
//
// A tenant that already holds a reserved or assigned DID gets that DID back
// unchanged. Otherwise the oldest available DID is reserved.
func (a *Allocator) Reserve(ctx context.Context, tenantID, actor string) (DID, error) {
	d, _, err := a.ReserveOrGet(ctx, tenantID, actor)
	return d, err
}

// ReserveOrGet is Reserve that also reports whether this call made the
// reservation: the flag is false when the tenant's existing DID was returned.
func (a *Allocator) ReserveOrGet(ctx context.Context, tenantID, actor string) (DID, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || actor == "" {
		return DID{}, false, ErrInvalidArgument
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if err := a.pause(ctx, attempt); err != nil {
			return DID{}, false, err
		}

		held, err := a.store.FindByTenant(ctx, tenantID)
		if err == nil {
			reserveOutcomes.WithLabelValues("existing").Inc()
			return held, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			reserveOutcomes.WithLabelValues("error").Inc()
			return DID{}, false, fmt.Errorf("reserve: find by tenant: %w", err)
		}

		free, err := a.store.FindAvailable(ctx)
		if errors.Is(err, ErrPoolEmpty) {
			reserveOutcomes.WithLabelValues("exhausted").Inc()
			a.logFor(ctx).Warn("did pool exhausted", "tenant_id", tenantID)
			return DID{}, false, ErrPoolExhausted
		}
		if err != nil {
			reserveOutcomes.WithLabelValues("error").Inc()
			return DID{}, false, fmt.Errorf("reserve: find available: %w", err)
		}

		reserved, err := a.store.CompareAndSwapState(ctx, Transition{
			DIDID:           free.ID,
			Expected:        StateAvailable,
			ExpectedVersion: free.Version,
			To:              StateReserved,
			TenantID:        tenantID,
			Actor:           actor,
			Reason:          ReasonReserved,
			At:              a.now(),
		})
		switch {
		case err == nil:
			reserveOutcomes.WithLabelValues("reserved").Inc()
			observeTransition(StateAvailable, StateReserved)
			a.logFor(ctx).Info("did reserved", "did_id", reserved.ID, "tenant_id", tenantID, "actor", actor, "attempt", attempt+1)
			return reserved, true, nil
		case errors.Is(err, ErrConflict), errors.Is(err, ErrTenantHeld):
			casConflicts.Inc()
			continue
		default:
			reserveOutcomes.WithLabelValues("error").Inc()
			return DID{}, false, fmt.Errorf("reserve: %w", err)
		}
	}

	reserveOutcomes.WithLabelValues("contended").Inc()
	a.logFor(ctx).Warn("did reserve contended", "tenant_id", tenantID, "attempts", a.maxAttempts)
	return DID{}, false, ErrContended
}

// ConfirmAssign moves a DID reserved by tenantID to assigned and stamps the
// provider's reference. Repeating a successful confirm with the same tenant and
// reference returns the assigned DID unchanged.
func (a *Allocator) ConfirmAssign(ctx context.Context, didID, tenantID, externalRef, actor string) (DID, error) {
	tenantID = strings.TrimSpace(tenantID)
	externalRef = strings.TrimSpace(externalRef)
	if didID == "" || tenantID == "" || externalRef == "" || actor == "" {
		return DID{}, ErrInvalidArgument
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if err := a.pause(ctx, attempt); err != nil {
			return DID{}, err
		}

		cur, err := a.store.Get(ctx, didID)
		if err != nil {
			return DID{}, err
		}
		switch cur.State {
		case StateReserved:
			if cur.TenantID != tenantID {
				return DID{}, ErrWrongTenant
			}
		case StateAssigned:
			if cur.TenantID == tenantID && cur.ExternalRef == externalRef {
				return cur, nil
			}
			return DID{}, ErrNotReserved
		default:
			return DID{}, ErrNotReserved
		}

		d, err := a.store.CompareAndSwapState(ctx, Transition{
			DIDID:           cur.ID,
			Expected:        StateReserved,
			ExpectedVersion: cur.Version,
			To:              StateAssigned,
			TenantID:        tenantID,
			ExternalRef:     externalRef,
			Actor:           actor,
			Reason:          ReasonAssigned,
			At:              a.now(),
		})
		switch {
		case err == nil:
			observeTransition(StateReserved, StateAssigned)
			a.logFor(ctx).Info("did assigned", "did_id", d.ID, "tenant_id", tenantID, "external_ref", externalRef, "actor", actor)
			return d, nil
		case errors.Is(err, ErrConflict):
			casConflicts.Inc()
			continue
		default:
			return DID{}, fmt.Errorf("confirm assign: %w", err)
		}
	}
	return DID{}, ErrContended
}

// Release returns a reserved or assigned DID to the pool. Releasing an available
// DID is a no-op. The caller must already have torn down the provider registration.
func (a *Allocator) Release(ctx context.Context, didID, actor, reason string) (DID, error) {
	if didID == "" || actor == "" {
		return DID{}, ErrInvalidArgument
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "released"
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if err := a.pause(ctx, attempt); err != nil {
			return DID{}, err
		}

		cur, err := a.store.Get(ctx, didID)
		if err != nil {
			return DID{}, err
		}
		switch cur.State {
		case StateAvailable:
			return cur, nil
		case StateRetired:
			return DID{}, ErrInvalidTransition
		}

		d, err := a.store.CompareAndSwapState(ctx, Transition{
			DIDID:           cur.ID,
			Expected:        cur.State,
			ExpectedVersion: cur.Version,
			To:              StateAvailable,
			Actor:           actor,
			Reason:          reason,
			At:              a.now(),
		})
		switch {
		case err == nil:
			observeTransition(cur.State, StateAvailable)
			a.logFor(ctx).Info("did released", "did_id", d.ID, "tenant_id", cur.TenantID, "actor", actor, "reason", reason)
			return d, nil
		case errors.Is(err, ErrConflict):
			casConflicts.Inc()
			continue
		default:
			return DID{}, fmt.Errorf("release: %w", err)
		}
	}
	return DID{}, ErrContended
}

// Retire takes an available or assigned DID out of service for good.
// Reserved DIDs must be confirmed or released first.
func (a *Allocator) Retire(ctx context.Context, didID, actor, reason string) (DID, error) {
	if didID == "" || actor == "" {
		return DID{}, ErrInvalidArgument
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "retired"
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if err := a.pause(ctx, attempt); err != nil {
			return DID{}, err
		}

		cur, err := a.store.Get(ctx, didID)
		if err != nil {
			return DID{}, err
		}
		if cur.State == StateRetired {
			return cur, nil
		}
		if !CanTransition(cur.State, StateRetired) {
			return DID{}, ErrInvalidTransition
		}

		d, err := a.store.CompareAndSwapState(ctx, Transition{
			DIDID:           cur.ID,
			Expected:        cur.State,
			ExpectedVersion: cur.Version,
			To:              StateRetired,
			Actor:           actor,
			Reason:          reason,
			At:              a.now(),
		})
		switch {
		case err == nil:
			observeTransition(cur.State, StateRetired)
			a.logFor(ctx).Info("did retired", "did_id", d.ID, "phone_number", d.PhoneNumber, "actor", actor, "reason", reason)
			return d, nil
		case errors.Is(err, ErrConflict):
			casConflicts.Inc()
			continue
		default:
			return DID{}, fmt.Errorf("retire: %w", err)
		}
	}
	return DID{}, ErrContended
}

// ExpireStaleReservations releases reservations older than maxAge and returns how
// many were released. A reservation confirmed or released concurrently fails its
// CAS and is skipped.
func (a *Allocator) ExpireStaleReservations(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, ErrInvalidArgument
	}
	cutoff := a.now().Add(-maxAge)

	expired := 0
	for {
		batch, err := a.store.ListReserved(ctx, cutoff, a.sweepBatch)
		if err != nil {
			return expired, fmt.Errorf("expire reservations: %w", err)
		}

		progressed := 0
		for _, d := range batch {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			_, err := a.store.CompareAndSwapState(ctx, Transition{
				DIDID:           d.ID,
				Expected:        StateReserved,
				ExpectedVersion: d.Version,
				To:              StateAvailable,
				Actor:           SweeperActor,
				Reason:          ReasonReservationExpired,
				At:              a.now(),
			})
			switch {
			case err == nil:
				expired++
				progressed++
				expiredReservations.Inc()
				observeTransition(StateReserved, StateAvailable)
				a.logFor(ctx).Info("did reservation expired", "did_id", d.ID, "tenant_id", d.TenantID, "reserved_at", d.ReservedAt)
			case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
				casConflicts.Inc()
			default:
				return expired, fmt.Errorf("expire reservation %s: %w", d.ID, err)
			}
		}

		if len(batch) < a.sweepBatch || progressed == 0 {
			return expired, nil
		}
	}
}

// Import loads provider-supplied numbers into the pool as available DIDs.
// Numbers are normalised to E.164. The batch is all-or-nothing.
func (a *Allocator) Import(ctx context.Context, numbers []string, actor string) ([]DID, error) {
	if len(numbers) == 0 || actor == "" {
		return nil, ErrInvalidArgument
	}

	now := a.now()
	seen := make(map[string]struct{}, len(numbers))
	dids := make([]DID, 0, len(numbers))
	for _, raw := range numbers {
		e164, err := NormalizeNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, raw)
		}
		if _, dup := seen[e164]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNumber, e164)
		}
		seen[e164] = struct{}{}
		dids = append(dids, DID{
			ID:          uuid.NewString(),
			PhoneNumber: e164,
			State:       StateAvailable,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := a.store.Insert(ctx, dids); err != nil {
		return nil, err
	}
	a.logFor(ctx).Info("dids imported", "count", len(dids), "actor", actor)
	return dids, nil
}

// Verify replays the ledger of a DID and checks it against the stored record.
func (a *Allocator) Verify(ctx context.Context, didID string) (ReplayState, error) {
	d, err := a.store.Get(ctx, didID)
	if err != nil {
		return ReplayState{}, err
	}
	entries, err := a.store.History(ctx, didID)
	if err != nil {
		return ReplayState{}, err
	}
	st, err := Replay(entries)
	if err != nil {
		return st, err
	}
	if err := st.Matches(d); err != nil {
		a.logFor(ctx).Error("did ledger mismatch", "did_id", didID, "err", err)
		return st, err
	}
	return st, nil
}

func (a *Allocator) Get(ctx context.Context, didID string) (DID, error) {
	if didID == "" {
		return DID{}, ErrInvalidArgument
	}
	return a.store.Get(ctx, didID)
}

// pause waits before retry attempts. Attempt 0 never waits.
func (a *Allocator) pause(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if attempt == 0 || a.retryBackoff <= 0 {
		return nil
	}
	d := a.retryBackoff*time.Duration(attempt) + time.Duration(rand.Int63n(int64(a.retryBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
