// ABOUTME: Versioned rotation cursor document with compare-and-swap updates
// ABOUTME: Lets several leadrouter replicas share one rotation through the database

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadCursor returns the named cursor document.
// A missing document is reported as an Empty cursor at version 0.
func (s *SQLiteStore) LoadCursor(ctx context.Context, name string) (*CursorState, error) {
	var (
		c         CursorState
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, cursor_idx, anchor_id, anchor_name, pinned_id, version, updated_at
		FROM rotation_cursor WHERE name = ?`, name,
	).Scan(&c.Name, &c.Index, &c.AnchorID, &c.AnchorName, &c.PinnedID, &c.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &CursorState{Name: name, Index: -1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cursor: %w", err)
	}

	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing cursor updated_at: %w", err)
	}
	return &c, nil
}

// CompareAndSwapCursor writes state when the stored version equals expected.
// On success state.Version is set to the new version.
func (s *SQLiteStore) CompareAndSwapCursor(ctx context.Context, state *CursorState, expected int64) (bool, error) {
	now := time.Now().UTC()

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		// Version 0 means the document has never been written.
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO rotation_cursor (name, cursor_idx, anchor_id, anchor_name, pinned_id, version, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(name) DO NOTHING`,
			state.Name, state.Index, state.AnchorID, state.AnchorName, state.PinnedID, formatTime(now),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE rotation_cursor
			SET cursor_idx = ?, anchor_id = ?, anchor_name = ?, pinned_id = ?,
				version = version + 1, updated_at = ?
			WHERE name = ? AND version = ?`,
			state.Index, state.AnchorID, state.AnchorName, state.PinnedID, formatTime(now), state.Name, expected,
		)
	}
	if err != nil {
		return false, fmt.Errorf("swapping cursor: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	state.Version = expected + 1
	state.UpdatedAt = now
	return true, nil
}
