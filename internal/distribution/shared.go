// ABOUTME: Shared cursor backends so several engine replicas advance one rotation
// ABOUTME: Every backend is a versioned compare-and-swap; losers re-read and retry

package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/leadrouter/internal/rotation"
	"github.com/2389/leadrouter/internal/store"
)

// ErrCursorContention indicates the shared cursor kept changing under us and
// every compare-and-swap attempt lost.
var ErrCursorContention = errors.New("cursor contention")

// SharedCursor is a versioned cursor position visible to every replica.
// Load returns the current position with its version; Swap stores pos only if
// the version is still expected and reports whether it did.
type SharedCursor interface {
	Load(ctx context.Context) (rotation.Position, int64, error)
	Swap(ctx context.Context, pos rotation.Position, expected int64) (bool, error)
}

// StoreCursor keeps the shared cursor in a row of the store's cursor table.
type StoreCursor struct {
	store store.CursorStore
	name  string
}

var _ SharedCursor = (*StoreCursor)(nil)

// NewStoreCursor returns a SharedCursor backed by cs under the given name.
func NewStoreCursor(cs store.CursorStore, name string) *StoreCursor {
	if name == "" {
		name = store.DefaultCursorName
	}
	return &StoreCursor{store: cs, name: name}
}

// Load reads the cursor row.
func (s *StoreCursor) Load(ctx context.Context) (rotation.Position, int64, error) {
	st, err := s.store.LoadCursor(ctx, s.name)
	if err != nil {
		return rotation.Position{}, 0, fmt.Errorf("loading cursor %q: %w", s.name, err)
	}
	pos := rotation.Position{
		Index:      st.Index,
		AnchorID:   st.AnchorID,
		AnchorName: st.AnchorName,
		PinnedID:   st.PinnedID,
	}
	return pos.Normalize(), st.Version, nil
}

// Swap writes the cursor row if its version is still expected.
func (s *StoreCursor) Swap(ctx context.Context, pos rotation.Position, expected int64) (bool, error) {
	ok, err := s.store.CompareAndSwapCursor(ctx, &store.CursorState{
		Name:       s.name,
		Index:      pos.Index,
		AnchorID:   pos.AnchorID,
		AnchorName: pos.AnchorName,
		PinnedID:   pos.PinnedID,
	}, expected)
	if err != nil {
		return false, fmt.Errorf("swapping cursor %q: %w", s.name, err)
	}
	return ok, nil
}
