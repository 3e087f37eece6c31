package didpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didpool-service/internal/testutil"
)

func newPostgresAllocator(t *testing.T, poolSize int) (*Allocator, *PostgresStore) {
	t.Helper()
	db := testutil.NewTestDB(t)
	testutil.TruncateAll(t, db)

	store := NewPostgresStore(db)
	a := NewAllocator(store, WithRetryBackoff(time.Millisecond), WithMaxAttempts(50))
	if poolSize > 0 {
		_, err := a.Import(context.Background(), testNumbers(poolSize), "op:test")
		require.NoError(t, err)
	}
	return a, store
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	a, store := newPostgresAllocator(t, 2)
	ctx := context.Background()

	d, err := a.Reserve(ctx, "tenant-a", "op:test")
	require.NoError(t, err)
	_, err = a.ConfirmAssign(ctx, d.ID, "tenant-a", "ext-1", "op:test")
	require.NoError(t, err)
	_, err = a.Release(ctx, d.ID, "op:test", "")
	require.NoError(t, err)

	hist, err := store.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "ext-1", hist[2].ExternalRef)

	st, err := a.Verify(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAvailable, st.State)
}

func TestPostgresStore_TenantHeldIndex(t *testing.T) {
	a, store := newPostgresAllocator(t, 2)
	ctx := context.Background()

	d, err := a.Reserve(ctx, "tenant-a", "op:test")
	require.NoError(t, err)

	res, err := store.List(ctx, Filter{State: StateAvailable}, Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	other := res.Items[0]
	require.NotEqual(t, d.ID, other.ID)

	_, err = store.CompareAndSwapState(ctx, Transition{
		DIDID: other.ID, Expected: StateAvailable, ExpectedVersion: other.Version,
		To: StateReserved, TenantID: "tenant-a", Actor: "test", At: time.Now(),
	})
	require.ErrorIs(t, err, ErrTenantHeld)

	hist, err := store.History(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestPostgresStore_ConcurrentReserve(t *testing.T) {
	const poolSize, tenants = 5, 15
	a, store := newPostgresAllocator(t, poolSize)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, tenants)
	for i := 0; i < tenants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := a.Reserve(ctx, fmt.Sprintf("tenant-%d", i), "op:test")
			if err == nil {
				ids[i] = d.ID
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" {
			continue
		}
		require.Falsef(t, seen[id], "did %s handed out twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, poolSize)

	res, err := store.List(ctx, Filter{State: StateReserved}, Page{})
	require.NoError(t, err)
	assert.Equal(t, poolSize, res.Total)
}

func TestPostgresStore_NotFound(t *testing.T) {
	_, store := newPostgresAllocator(t, 0)
	ctx := context.Background()

	_, err := store.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "not-a-uuid")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.History(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindAvailable(ctx)
	require.ErrorIs(t, err, ErrPoolEmpty)
}

func TestPostgresStore_DuplicateImport(t *testing.T) {
	a, store := newPostgresAllocator(t, 1)
	ctx := context.Background()

	_, err := a.Import(ctx, []string{"+14155559999", testNumbers(1)[0]}, "op:test")
	require.ErrorIs(t, err, ErrDuplicateNumber)

	res, err := store.List(ctx, Filter{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}
