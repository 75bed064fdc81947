// ABOUTME: Immutable, deterministically ordered roster of eligible agents
// ABOUTME: Built once per rotation decision and never mutated afterwards

package rotation

import (
	"sort"
	"time"
)

// Member is one eligible agent as seen by a rotation snapshot.
type Member struct {
	ID              string     `json:"id"`
	DisplayName     string     `json:"display_name"`
	AssignmentCount int64      `json:"assignment_count"`
	LastAssignedAt  *time.Time `json:"last_assigned_at,omitempty"`
}

// less orders members by display name, then ID.
func less(a, b Member) bool {
	if a.DisplayName != b.DisplayName {
		return a.DisplayName < b.DisplayName
	}
	return a.ID < b.ID
}

// Snapshot is an ordered, deduplicated list of eligible agents.
// Two snapshots built from the same membership have the same order.
type Snapshot struct {
	members []Member
	index   map[string]int
}

// NewSnapshot builds a snapshot from members in any order.
// Duplicate IDs are collapsed; the first occurrence wins.
func NewSnapshot(members []Member) Snapshot {
	seen := make(map[string]struct{}, len(members))
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })

	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}
	return Snapshot{members: out, index: index}
}

// Len returns the number of agents in the snapshot.
func (s Snapshot) Len() int { return len(s.members) }

// At returns the member at position i.
func (s Snapshot) At(i int) Member { return s.members[i] }

// IndexOf returns the position of the agent, or -1 if absent.
func (s Snapshot) IndexOf(agentID string) int {
	if i, ok := s.index[agentID]; ok {
		return i
	}
	return -1
}

// Members returns a copy of the ordered members.
func (s Snapshot) Members() []Member {
	out := make([]Member, len(s.members))
	copy(out, s.members)
	return out
}

// IDs returns the agent identifiers in rotation order.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.members))
	for i, m := range s.members {
		ids[i] = m.ID
	}
	return ids
}

// successorOf returns the index of the first member ordered strictly after m,
// or Len() when m sorts after everyone.
func (s Snapshot) successorOf(m Member) int {
	return sort.Search(len(s.members), func(i int) bool { return less(m, s.members[i]) })
}
