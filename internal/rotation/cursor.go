// ABOUTME: Round-robin rotation cursor over a snapshot of eligible agents
// ABOUTME: Pure state machine: Empty or Positioned(i); no I/O and no locking

package rotation

import "errors"

// ErrNoEligibleAgents indicates the snapshot contained no agents.
var ErrNoEligibleAgents = errors.New("no eligible agents")

// ErrAgentNotEligible indicates a manual override named an agent outside the snapshot.
var ErrAgentNotEligible = errors.New("agent not eligible")

// EmptyIndex is the cursor index meaning "nothing assigned under the current snapshot".
const EmptyIndex = -1

// Position is the persisted form of a cursor. The anchor fields hold the agent the
// cursor points at so the position survives membership changes between snapshots.
// PinnedID is the agent a manual override queued for the next Advance.
type Position struct {
	Index      int    `json:"index"`
	AnchorID   string `json:"anchor_id,omitempty"`
	AnchorName string `json:"anchor_name,omitempty"`
	PinnedID   string `json:"pinned_id,omitempty"`
}

func positionAt(snap Snapshot, i int) Position {
	m := snap.At(i)
	return Position{Index: i, AnchorID: m.ID, AnchorName: m.DisplayName}
}

// EmptyPosition returns the Empty state.
func EmptyPosition() Position {
	return Position{Index: EmptyIndex}
}

// IsEmpty reports whether the position is the Empty state. A pinned override
// may still be pending on an Empty position.
func (p Position) IsEmpty() bool {
	return p.Index < 0
}

// Normalize maps any negative index to the Empty state and keeps the pin.
func (p Position) Normalize() Position {
	if p.Index >= 0 {
		return p
	}
	return Position{Index: EmptyIndex, PinnedID: p.PinnedID}
}

// Cursor is the rotation state machine. The zero value is not Empty; use NewCursor.
type Cursor struct {
	pos Position
}

// NewCursor returns a cursor in the Empty state.
func NewCursor() *Cursor {
	return &Cursor{pos: EmptyPosition()}
}

// Restore returns a cursor resuming from a previously saved position.
func Restore(p Position) *Cursor {
	return &Cursor{pos: p.Normalize()}
}

// Position returns the current position.
func (c *Cursor) Position() Position {
	return c.pos
}

// Index returns the current index, EmptyIndex when Empty.
func (c *Cursor) Index() int {
	return c.pos.Index
}

// Advance moves the cursor to the next agent of snap and returns it.
// An empty snapshot moves the cursor to Empty and fails with ErrNoEligibleAgents.
func (c *Cursor) Advance(snap Snapshot) (Member, error) {
	if snap.Len() == 0 {
		c.pos = EmptyPosition()
		return Member{}, ErrNoEligibleAgents
	}

	next := c.nextIndex(snap)
	m := snap.At(next)
	c.pos = positionAt(snap, next)
	return m, nil
}

// Peek returns the agent the next Advance would select, without moving.
func (c *Cursor) Peek(snap Snapshot) (Member, bool) {
	if snap.Len() == 0 {
		return Member{}, false
	}
	return snap.At(c.nextIndex(snap)), true
}

// Anchored returns the index of the current position within snap.
// ok is false when the cursor is Empty or its agent is no longer in snap.
func (c *Cursor) Anchored(snap Snapshot) (int, bool) {
	if c.pos.IsEmpty() {
		return EmptyIndex, false
	}
	if c.pos.AnchorID != "" {
		i := snap.IndexOf(c.pos.AnchorID)
		return i, i >= 0
	}
	if c.pos.Index < snap.Len() {
		return c.pos.Index, true
	}
	return EmptyIndex, false
}

// nextIndex computes the index following the current position in snap.
// snap must be non-empty.
func (c *Cursor) nextIndex(snap Snapshot) int {
	last := snap.Len() - 1

	if c.pos.PinnedID != "" {
		if i := snap.IndexOf(c.pos.PinnedID); i >= 0 {
			return i
		}
	}

	if c.pos.IsEmpty() {
		return 0
	}

	prev := c.pos.Index
	if c.pos.AnchorID != "" {
		if i := snap.IndexOf(c.pos.AnchorID); i >= 0 {
			prev = i
		} else {
			// The anchored agent left the roster: resume at whoever now sorts
			// after it.
			succ := snap.successorOf(Member{ID: c.pos.AnchorID, DisplayName: c.pos.AnchorName})
			if succ > last {
				return 0
			}
			return succ
		}
	}

	if prev >= last {
		return 0
	}
	return prev + 1
}

// SetManual queues agentID to be returned by the next Advance.
// The cursor is placed one slot before the agent (Empty for the first agent)
// and the agent is pinned, so roster changes before the next Advance cannot
// redirect the lead. A pinned agent that leaves the roster is dropped and the
// rotation continues from the cursor.
// If agentID is not in snap the state is unchanged and ErrAgentNotEligible is returned.
func (c *Cursor) SetManual(snap Snapshot, agentID string) error {
	k := snap.IndexOf(agentID)
	if k < 0 {
		return ErrAgentNotEligible
	}

	if k == 0 {
		c.pos = EmptyPosition()
	} else {
		c.pos = positionAt(snap, k-1)
	}
	c.pos.PinnedID = agentID
	return nil
}

// Reset returns the cursor to Empty.
func (c *Cursor) Reset() {
	c.pos = EmptyPosition()
}
