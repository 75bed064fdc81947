package directory

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/leadrouter/internal/store"
)

func newTestDirectory(t *testing.T, src AgentSource, cfg Config) *Directory {
	t.Helper()
	return New(src, cfg, slog.Default())
}

func TestRefresh_SortsByDisplayName(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddSalesAgent("c", "Chen")
	ms.AddSalesAgent("a", "Asha")
	ms.AddSalesAgent("b", "Bilal")

	d := newTestDirectory(t, ms, Config{})
	snap, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, snap.IDs())
}

func TestRefresh_ReflectsEligibilityChanges(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddSalesAgent("a", "Asha")
	ms.AddSalesAgent("b", "Bilal")
	ctx := context.Background()
	require.NoError(t, ms.UpsertAgent(ctx, &store.Agent{
		ID: "m", DisplayName: "Manny", Role: store.RoleManager, Status: store.AgentStatusActive,
	}))

	d := newTestDirectory(t, ms, Config{})
	snap, err := d.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, snap.IDs())

	require.NoError(t, ms.SetAgentStatus(ctx, "a", store.AgentStatusInactive))
	snap, err = d.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, snap.IDs())
	assert.Equal(t, 2, ms.ListEligibleCalls())
}

func TestRefresh_EmptyRosterIsNotAnError(t *testing.T) {
	d := newTestDirectory(t, store.NewMockStore(), Config{})

	snap, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Len())
}

func TestRefresh_StoreFailure(t *testing.T) {
	ms := store.NewMockStore()
	cause := errors.New("connection refused")
	ms.SetFailures(cause, nil)

	d := newTestDirectory(t, ms, Config{})
	_, err := d.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestRefresh_Timeout(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddSalesAgent("a", "Asha")
	ms.ListEligibleHook = func(ctx context.Context) {
		<-ctx.Done()
	}

	d := newTestDirectory(t, ms, Config{Timeout: 20 * time.Millisecond})
	start := time.Now()
	_, err := d.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRefresh_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddSalesAgent("a", "Asha")
	ms.SetFailures(errors.New("down"), nil)

	d := newTestDirectory(t, ms, Config{Breaker: BreakerConfig{MaxFailures: 2, OpenTimeout: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := d.Refresh(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, d.State())

	// The store recovers but the open breaker fails fast without calling it.
	ms.SetFailures(nil, nil)
	calls := ms.ListEligibleCalls()
	_, err := d.Refresh(ctx)
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, calls, ms.ListEligibleCalls())
}
