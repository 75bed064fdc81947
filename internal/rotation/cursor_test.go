// ABOUTME: Tests for the rotation cursor state machine and snapshot ordering
// ABOUTME: Covers wrap-around, roster shrink, manual override, and reset

package rotation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roster(names ...string) Snapshot {
	members := make([]Member, 0, len(names))
	for _, n := range names {
		members = append(members, Member{ID: "id-" + n, DisplayName: n})
	}
	return NewSnapshot(members)
}

func advanceNames(t *testing.T, c *Cursor, snap Snapshot, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		m, err := c.Advance(snap)
		require.NoError(t, err)
		out = append(out, m.DisplayName)
	}
	return out
}

func TestNewSnapshot_SortsAndDedupes(t *testing.T) {
	snap := NewSnapshot([]Member{
		{ID: "c", DisplayName: "Chen"},
		{ID: "a", DisplayName: "Asha"},
		{ID: "b", DisplayName: "Bilal"},
		{ID: "a", DisplayName: "Asha (dup)"},
		{ID: "", DisplayName: "no id"},
	})

	assert.Equal(t, []string{"a", "b", "c"}, snap.IDs())
	assert.Equal(t, 1, snap.IndexOf("b"))
	assert.Equal(t, -1, snap.IndexOf("zzz"))
}

func TestNewSnapshot_DeterministicForSameMembership(t *testing.T) {
	first := NewSnapshot([]Member{
		{ID: "2", DisplayName: "Sam"},
		{ID: "1", DisplayName: "Sam"},
		{ID: "3", DisplayName: "Ana"},
	})
	second := NewSnapshot([]Member{
		{ID: "1", DisplayName: "Sam"},
		{ID: "3", DisplayName: "Ana"},
		{ID: "2", DisplayName: "Sam"},
	})

	// Equal display names tie-break on ID.
	assert.Equal(t, []string{"3", "1", "2"}, first.IDs())
	assert.Equal(t, first.IDs(), second.IDs())
}

func TestCursor_RoundRobinCompleteness(t *testing.T) {
	tests := []struct {
		name  string
		names []string
	}{
		{"single agent", []string{"Asha"}},
		{"two agents", []string{"Asha", "Bilal"}},
		{"five agents", []string{"Eve", "Dan", "Chen", "Bilal", "Asha"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := roster(tt.names...)
			c := NewCursor()

			got := advanceNames(t, c, snap, snap.Len())
			seen := make(map[string]bool)
			for _, n := range got {
				assert.False(t, seen[n], "agent %s returned twice in one traversal", n)
				seen[n] = true
			}
			assert.Len(t, seen, snap.Len())

			// The (N+1)th call wraps to the first agent.
			m, err := c.Advance(snap)
			require.NoError(t, err)
			assert.Equal(t, snap.At(0).ID, m.ID)
		})
	}
}

func TestCursor_ConcreteScenario(t *testing.T) {
	snap := roster("Chen", "Asha", "Bilal")
	c := NewCursor()

	assert.Equal(t, []string{"Asha", "Bilal", "Chen", "Asha"}, advanceNames(t, c, snap, 4))
}

func TestCursor_AgentLeavesWhileCursorOnIt(t *testing.T) {
	full := roster("Asha", "Bilal", "Chen")
	c := NewCursor()
	assert.Equal(t, []string{"Asha", "Bilal"}, advanceNames(t, c, full, 2))
	assert.Equal(t, 1, c.Index())

	// Bilal goes inactive; the next agent after Bilal's position is Chen.
	shrunk := roster("Asha", "Chen")
	m, err := c.Advance(shrunk)
	require.NoError(t, err)
	assert.Equal(t, "Chen", m.DisplayName)
	assert.Equal(t, 1, c.Index())

	m, err = c.Advance(shrunk)
	require.NoError(t, err)
	assert.Equal(t, "Asha", m.DisplayName)
}

func TestCursor_WrapUnderShrink(t *testing.T) {
	tests := []struct {
		name    string
		removed string
		want    string
	}{
		{"last agent removed wraps to start", "Chen", "Asha"},
		{"first agent removed wraps from last", "Asha", "Bilal"},
		{"middle agent removed wraps from last", "Bilal", "Asha"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCursor()
			advanceNames(t, c, roster("Asha", "Bilal", "Chen"), 3)
			require.Equal(t, 2, c.Index())

			var remaining []string
			for _, n := range []string{"Asha", "Bilal", "Chen"} {
				if n != tt.removed {
					remaining = append(remaining, n)
				}
			}
			snap := roster(remaining...)

			m, err := c.Advance(snap)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.DisplayName)
			assert.GreaterOrEqual(t, c.Index(), 0)
			assert.Less(t, c.Index(), snap.Len())
		})
	}
}

func TestCursor_UnanchoredIndexOutOfRangeWraps(t *testing.T) {
	c := Restore(Position{Index: 7})

	m, err := c.Advance(roster("Asha", "Bilal"))
	require.NoError(t, err)
	assert.Equal(t, "Asha", m.DisplayName)
}

func TestCursor_EmptyRoster(t *testing.T) {
	c := NewCursor()
	advanceNames(t, c, roster("Asha", "Bilal"), 1)

	_, err := c.Advance(roster())
	assert.ErrorIs(t, err, ErrNoEligibleAgents)
	assert.True(t, c.Position().IsEmpty())

	m, err := c.Advance(roster("Dana"))
	require.NoError(t, err)
	assert.Equal(t, "Dana", m.DisplayName)
}

func TestCursor_SetManualDefersToNextAdvance(t *testing.T) {
	snap := roster("Asha", "Bilal", "Chen", "Dana")

	tests := []struct {
		name     string
		warmup   int
		target   string
		wantNext []string
	}{
		{"from empty to middle", 0, "Chen", []string{"Chen", "Dana", "Asha"}},
		{"to first agent", 2, "Asha", []string{"Asha", "Bilal"}},
		{"to current agent repeats it", 2, "Bilal", []string{"Bilal", "Chen"}},
		{"to last agent", 1, "Dana", []string{"Dana", "Asha"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCursor()
			advanceNames(t, c, snap, tt.warmup)

			require.NoError(t, c.SetManual(snap, "id-"+tt.target))
			assert.Equal(t, tt.wantNext, advanceNames(t, c, snap, len(tt.wantNext)))
		})
	}
}

func TestCursor_SetManualIndexIsOneBeforeTarget(t *testing.T) {
	snap := roster("Asha", "Bilal", "Chen")
	c := NewCursor()

	require.NoError(t, c.SetManual(snap, "id-Chen"))
	assert.Equal(t, 1, c.Index())

	require.NoError(t, c.SetManual(snap, "id-Asha"))
	assert.Equal(t, EmptyIndex, c.Index())
}

func TestCursor_SetManualSurvivesRosterChanges(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		after    Snapshot
		wantNext []string
	}{
		{"first agent pinned, newcomer sorts before it", "Asha", roster("Aaron", "Asha", "Bilal", "Chen"), []string{"Asha", "Bilal"}},
		{"middle agent pinned, newcomer sorts before it", "Chen", roster("Asha", "Bilal", "Bo", "Chen"), []string{"Chen", "Asha"}},
		{"pinned agent left the roster", "Chen", roster("Asha", "Bilal"), []string{"Asha", "Bilal"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCursor()
			snap := roster("Asha", "Bilal", "Chen")
			advanceNames(t, c, snap, 2)

			require.NoError(t, c.SetManual(snap, "id-"+tt.target))

			m, ok := c.Peek(tt.after)
			require.True(t, ok)
			assert.Equal(t, tt.wantNext[0], m.DisplayName)
			assert.Equal(t, tt.wantNext, advanceNames(t, c, tt.after, len(tt.wantNext)))
			assert.Empty(t, c.Position().PinnedID)
		})
	}
}

func TestRestore_KeepsPinOnEmptyPosition(t *testing.T) {
	snap := roster("Asha", "Bilal")
	c := NewCursor()
	require.NoError(t, c.SetManual(snap, "id-Asha"))

	restored := Restore(c.Position())
	assert.Equal(t, EmptyIndex, restored.Index())

	m, err := restored.Advance(roster("Aaron", "Asha", "Bilal"))
	require.NoError(t, err)
	assert.Equal(t, "Asha", m.DisplayName)
}

func TestCursor_SetManualUnknownAgentLeavesStateUnchanged(t *testing.T) {
	snap := roster("Asha", "Bilal", "Chen")
	c := NewCursor()
	advanceNames(t, c, snap, 1)
	before := c.Position()

	err := c.SetManual(snap, "id-Zed")
	assert.ErrorIs(t, err, ErrAgentNotEligible)
	assert.Equal(t, before, c.Position())

	m, err := c.Advance(snap)
	require.NoError(t, err)
	assert.Equal(t, "Bilal", m.DisplayName)
}

func TestCursor_SetManualOnEmptyRoster(t *testing.T) {
	c := NewCursor()
	assert.ErrorIs(t, c.SetManual(roster(), "id-Asha"), ErrAgentNotEligible)
	assert.True(t, c.Position().IsEmpty())
}

func TestCursor_ResetIsIdempotent(t *testing.T) {
	snap := roster("Asha", "Bilal")
	c := NewCursor()
	advanceNames(t, c, snap, 2)

	c.Reset()
	assert.True(t, c.Position().IsEmpty())
	c.Reset()
	assert.Equal(t, EmptyPosition(), c.Position())

	m, err := c.Advance(snap)
	require.NoError(t, err)
	assert.Equal(t, "Asha", m.DisplayName)
}

func TestCursor_PeekDoesNotMove(t *testing.T) {
	snap := roster("Asha", "Bilal")
	c := NewCursor()

	m, ok := c.Peek(snap)
	require.True(t, ok)
	assert.Equal(t, "Asha", m.DisplayName)
	assert.Equal(t, EmptyIndex, c.Index())

	_, ok = c.Peek(roster())
	assert.False(t, ok)
}

func TestRestore_NegativeIndexIsEmpty(t *testing.T) {
	c := Restore(Position{Index: -5, AnchorID: "id-Asha"})
	assert.Equal(t, EmptyPosition(), c.Position())
}
