package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/2389/leadrouter/internal/directory"
	"github.com/2389/leadrouter/internal/rotation"
	"github.com/2389/leadrouter/internal/store"
)

func newTestEngine(t *testing.T, ms *store.MockStore, cfg Config) *Engine {
	t.Helper()
	dir := directory.New(ms, directory.Config{Breaker: directory.BreakerConfig{MaxFailures: 100}}, slog.Default())
	books := NewBookkeeper(ms, BookkeeperConfig{MaxRetries: 1, RetryBackoff: time.Millisecond}, slog.Default())
	e := NewEngine(dir, books, cfg, slog.Default())
	t.Cleanup(e.Close)
	return e
}

func seedABC(ms *store.MockStore) {
	ms.AddSalesAgent("chen", "Chen")
	ms.AddSalesAgent("asha", "Asha")
	ms.AddSalesAgent("bilal", "Bilal")
}

func assignIDs(t *testing.T, e *Engine, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		a, err := e.AssignNext(context.Background())
		require.NoError(t, err)
		ids = append(ids, a.AgentID)
	}
	return ids
}

func TestAssignNext_RoundRobin(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})

	assert.Equal(t,
		[]string{"asha", "bilal", "chen", "asha", "bilal", "chen", "asha"},
		assignIDs(t, e, 7))
}

func TestAssignNext_ReportsIndexAndSize(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, ms, Config{Now: func() time.Time { return fixed }})

	a, err := e.AssignNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Assignment{
		AgentID:      "asha",
		DisplayName:  "Asha",
		Index:        0,
		SnapshotSize: 3,
		AssignedAt:   fixed,
	}, a)
}

func TestAssignNext_AgentLeavesWhileCurrent(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	assert.Equal(t, []string{"asha", "bilal"}, assignIDs(t, e, 2))

	require.NoError(t, ms.SetAgentStatus(ctx, "bilal", store.AgentStatusInactive))
	assert.Equal(t, []string{"chen", "asha"}, assignIDs(t, e, 2))
}

func TestAssignNext_AgentJoins(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})

	assert.Equal(t, []string{"asha", "bilal"}, assignIDs(t, e, 2))

	// Carl sorts between Bilal and Chen.
	ms.AddSalesAgent("carl", "Carl")
	assert.Equal(t, []string{"carl", "chen", "asha"}, assignIDs(t, e, 3))
}

func TestAssignNext_EmptyRoster(t *testing.T) {
	ms := store.NewMockStore()
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	_, err := e.AssignNext(ctx)
	assert.ErrorIs(t, err, rotation.ErrNoEligibleAgents)

	st, err := e.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotation.EmptyIndex, st.CursorIndex)
	assert.Empty(t, st.Snapshot)
	assert.Nil(t, st.Next)

	ms.AddSalesAgent("asha", "Asha")
	a, err := e.AssignNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "asha", a.AgentID)
	assert.Equal(t, 0, a.Index)
}

func TestAssignNext_RosterEmptiesMidRotation(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	assignIDs(t, e, 2)
	for _, id := range []string{"asha", "bilal", "chen"} {
		require.NoError(t, ms.SetAgentStatus(ctx, id, store.AgentStatusInactive))
	}
	_, err := e.AssignNext(ctx)
	require.ErrorIs(t, err, rotation.ErrNoEligibleAgents)

	// The cursor was cleared, so rotation restarts at the top.
	require.NoError(t, ms.SetAgentStatus(ctx, "chen", store.AgentStatusActive))
	require.NoError(t, ms.SetAgentStatus(ctx, "bilal", store.AgentStatusActive))
	assert.Equal(t, []string{"bilal", "chen"}, assignIDs(t, e, 2))
}

func TestAssignNext_DirectoryFailureLeavesStateUntouched(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	assignIDs(t, e, 1)
	before, err := e.CurrentState(ctx)
	require.NoError(t, err)

	ms.SetFailures(errors.New("db down"), nil)
	_, err = e.AssignNext(ctx)
	require.ErrorIs(t, err, directory.ErrDirectoryUnavailable)

	after, err := e.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, ms.RecordCalls())

	ms.SetFailures(nil, nil)
	assert.Equal(t, []string{"bilal"}, assignIDs(t, e, 1))
}

func TestAssignNext_CancelledContext(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.AssignNext(ctx)
	assert.ErrorIs(t, err, directory.ErrDirectoryUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssignNext_BookkeepingFailureDoesNotReverse(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	ms.SetFailures(nil, errors.New("disk full"))
	a, err := e.AssignNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "asha", a.AgentID)

	// Close drains the background retry; later writes go inline.
	e.books.Close()
	assert.Equal(t, int64(1), e.books.Failures())
	assert.Equal(t, 2, ms.RecordCalls(), "first attempt plus one retry")

	ms.SetFailures(nil, nil)
	assert.Equal(t, []string{"bilal"}, assignIDs(t, e, 1))
}

func TestAssignNext_BookkeepingUpdatesCounters(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	assignIDs(t, e, 4)

	stats, err := e.StatsByAgent(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	counts := map[string]int64{}
	for _, s := range stats {
		counts[s.AgentID] = s.AssignmentCount
		assert.NotNil(t, s.LastAssignedAt, s.AgentID)
	}
	assert.Equal(t, map[string]int64{"asha": 2, "bilal": 1, "chen": 1}, counts)
}

func TestAssignNext_ConcurrentCallersGetDistinctAgents(t *testing.T) {
	const n = 25

	ms := store.NewMockStore()
	for i := 0; i < n; i++ {
		ms.AddSalesAgent(fmt.Sprintf("agent-%02d", i), fmt.Sprintf("Agent %02d", i))
	}
	e := newTestEngine(t, ms, Config{})

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			a, err := e.AssignNext(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			seen[a.AgentID]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
}

func TestCurrentState_ConsistentUnderConcurrentWrites(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 25; j++ {
				if _, err := e.AssignNext(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				st, err := e.CurrentState(ctx)
				if err != nil {
					return err
				}
				if st.CursorIndex >= len(st.Snapshot) {
					return fmt.Errorf("cursor %d outside snapshot of %d", st.CursorIndex, len(st.Snapshot))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// 100 assignments over 3 agents leaves the cursor on index 0.
	st, err := e.CurrentState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.CursorIndex)
	require.NotNil(t, st.Next)
	assert.Equal(t, "bilal", st.Next.ID)
}

func TestCurrentState(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	st, err := e.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotation.EmptyIndex, st.CursorIndex)
	assert.Nil(t, st.Current)

	assignIDs(t, e, 3)
	st, err = e.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.CursorIndex)
	require.Len(t, st.Snapshot, 3)
	require.NotNil(t, st.Current)
	assert.Equal(t, "chen", st.Current.ID)
	require.NotNil(t, st.Next)
	assert.Equal(t, "asha", st.Next.ID)
}

func TestSetNextAgent(t *testing.T) {
	tests := []struct {
		name     string
		before   int
		target   string
		wantOK   bool
		wantNext []string
	}{
		{name: "first agent from empty", before: 0, target: "asha", wantOK: true, wantNext: []string{"asha", "bilal"}},
		{name: "middle agent", before: 0, target: "bilal", wantOK: true, wantNext: []string{"bilal", "chen"}},
		{name: "last agent mid rotation", before: 1, target: "chen", wantOK: true, wantNext: []string{"chen", "asha"}},
		{name: "repeat current agent", before: 2, target: "bilal", wantOK: true, wantNext: []string{"bilal", "chen"}},
		{name: "unknown agent", before: 1, target: "zed", wantOK: false, wantNext: []string{"bilal", "chen"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := store.NewMockStore()
			seedABC(ms)
			e := newTestEngine(t, ms, Config{})

			assignIDs(t, e, tt.before)
			ok, err := e.SetNextAgent(context.Background(), tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantNext, assignIDs(t, e, len(tt.wantNext)))
		})
	}
}

func TestSetNextAgent_InactiveAgentRejected(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	require.NoError(t, ms.SetAgentStatus(ctx, "chen", store.AgentStatusInactive))
	ok, err := e.SetNextAgent(ctx, "chen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetNextAgent_EmptyRoster(t *testing.T) {
	e := newTestEngine(t, store.NewMockStore(), Config{})

	ok, err := e.SetNextAgent(context.Background(), "asha")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetNextAgent_DirectoryFailure(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})

	ms.SetFailures(errors.New("db down"), nil)
	ok, err := e.SetNextAgent(context.Background(), "bilal")
	assert.False(t, ok)
	assert.ErrorIs(t, err, directory.ErrDirectoryUnavailable)
}

func TestResetCounters(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	assignIDs(t, e, 2)
	require.NoError(t, e.ResetCounters(ctx))
	require.NoError(t, e.ResetCounters(ctx))

	st, err := e.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotation.EmptyIndex, st.CursorIndex)
	assert.Len(t, st.Snapshot, 3, "reset keeps the last snapshot")

	assert.Equal(t, []string{"asha"}, assignIDs(t, e, 1))
}

func TestStatsByAgent_MarksCurrentAndNext(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	e := newTestEngine(t, ms, Config{})
	ctx := context.Background()

	assignIDs(t, e, 1)
	before, err := e.CurrentState(ctx)
	require.NoError(t, err)

	stats, err := e.StatsByAgent(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.Equal(t, "asha", stats[0].AgentID)
	assert.True(t, stats[0].IsCurrent)
	assert.False(t, stats[0].IsNext)
	assert.True(t, stats[1].IsNext)
	assert.False(t, stats[2].IsCurrent || stats[2].IsNext)
	for i, s := range stats {
		assert.Equal(t, i, s.Position)
	}

	after, err := e.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "stats must not move the cursor")
}

func TestSharedCursor_ReplicasShareRotation(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	shared := NewStoreCursor(ms, "")

	e1 := newTestEngine(t, ms, Config{Shared: shared})
	e2 := newTestEngine(t, ms, Config{Shared: shared})

	var got []string
	for i := 0; i < 4; i++ {
		e := e1
		if i%2 == 1 {
			e = e2
		}
		a, err := e.AssignNext(context.Background())
		require.NoError(t, err)
		got = append(got, a.AgentID)
	}
	assert.Equal(t, []string{"asha", "bilal", "chen", "asha"}, got)

	// A manual override on one replica is seen by the other.
	ok, err := e1.SetNextAgent(context.Background(), "chen")
	require.NoError(t, err)
	require.True(t, ok)
	a, err := e2.AssignNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "chen", a.AgentID)

	st, err := e1.CurrentState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Current)
	assert.Equal(t, "chen", st.Current.ID)
}

func TestSharedCursor_CurrentStateOnIdleReplica(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	shared := NewStoreCursor(ms, "")
	ctx := context.Background()

	e1 := newTestEngine(t, ms, Config{Shared: shared})
	e2 := newTestEngine(t, ms, Config{Shared: shared})
	assert.Equal(t, []string{"asha", "bilal"}, assignIDs(t, e1, 2))

	st, err := e2.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CursorIndex)
	require.Len(t, st.Snapshot, 3)
	require.NotNil(t, st.Current)
	assert.Equal(t, "bilal", st.Current.ID)
	require.NotNil(t, st.Next)
	assert.Equal(t, "chen", st.Next.ID)

	// The roster shrinking under the shared cursor keeps the index in range.
	assert.Equal(t, []string{"chen"}, assignIDs(t, e1, 1))
	require.NoError(t, ms.SetAgentStatus(ctx, "chen", store.AgentStatusInactive))
	require.NoError(t, ms.SetAgentStatus(ctx, "bilal", store.AgentStatusInactive))

	st, err = e2.CurrentState(ctx)
	require.NoError(t, err)
	require.Len(t, st.Snapshot, 1)
	assert.Equal(t, 0, st.CursorIndex)
	assert.Nil(t, st.Current)
	require.NotNil(t, st.Next)
	assert.Equal(t, "asha", st.Next.ID)
}

func TestSharedCursor_PinnedOverrideAcrossReplicas(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	shared := NewStoreCursor(ms, "")
	ctx := context.Background()

	e1 := newTestEngine(t, ms, Config{Shared: shared})
	e2 := newTestEngine(t, ms, Config{Shared: shared})
	assignIDs(t, e1, 2)

	ok, err := e1.SetNextAgent(ctx, "asha")
	require.NoError(t, err)
	require.True(t, ok)

	// A newcomer sorting before the pinned agent does not take its lead.
	ms.AddSalesAgent("aaron", "Aaron")

	st, err := e2.CurrentState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Next)
	assert.Equal(t, "asha", st.Next.ID)

	assert.Equal(t, []string{"asha", "bilal"}, assignIDs(t, e2, 2))
}

func TestSharedCursor_ConcurrentReplicas(t *testing.T) {
	const n = 12

	ms := store.NewMockStore()
	for i := 0; i < n; i++ {
		ms.AddSalesAgent(fmt.Sprintf("agent-%02d", i), fmt.Sprintf("Agent %02d", i))
	}
	shared := NewStoreCursor(ms, "")
	engines := []*Engine{
		newTestEngine(t, ms, Config{Shared: shared, CASAttempts: 100}),
		newTestEngine(t, ms, Config{Shared: shared, CASAttempts: 100}),
		newTestEngine(t, ms, Config{Shared: shared, CASAttempts: 100}),
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		e := engines[i%len(engines)]
		g.Go(func() error {
			a, err := e.AssignNext(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			seen[a.AgentID]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, n)
}

// losingCursor always loses the compare-and-swap.
type losingCursor struct {
	swaps int
}

func (l *losingCursor) Load(ctx context.Context) (rotation.Position, int64, error) {
	return rotation.EmptyPosition(), int64(l.swaps), nil
}

func (l *losingCursor) Swap(ctx context.Context, pos rotation.Position, expected int64) (bool, error) {
	l.swaps++
	return false, nil
}

func TestSharedCursor_ContentionGivesUp(t *testing.T) {
	ms := store.NewMockStore()
	seedABC(ms)
	lc := &losingCursor{}
	e := newTestEngine(t, ms, Config{Shared: lc, CASAttempts: 3})

	_, err := e.AssignNext(context.Background())
	assert.ErrorIs(t, err, ErrCursorContention)
	assert.Equal(t, 3, lc.swaps)
	assert.Zero(t, ms.RecordCalls())
}

func TestStoreCursor_RoundTrip(t *testing.T) {
	ms := store.NewMockStore()
	sc := NewStoreCursor(ms, "team-a")
	ctx := context.Background()

	pos, version, err := sc.Load(ctx)
	require.NoError(t, err)
	assert.True(t, pos.IsEmpty())
	assert.Zero(t, version)

	want := rotation.Position{Index: 2, AnchorID: "chen", AnchorName: "Chen", PinnedID: "asha"}
	ok, err := sc.Swap(ctx, want, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sc.Swap(ctx, rotation.EmptyPosition(), 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must lose")

	pos, version, err = sc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, pos)
	assert.Equal(t, int64(1), version)
}
