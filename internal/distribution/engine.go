// ABOUTME: Distribution engine: assigns the next eligible agent in round-robin order
// ABOUTME: Serializes cursor mutations and publishes an immutable view for readers

package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/leadrouter/internal/rotation"
	"github.com/2389/leadrouter/internal/tracing"
)

// DefaultCASAttempts bounds compare-and-swap retries against a shared cursor.
const DefaultCASAttempts = 8

// Refresher produces a fresh snapshot of eligible agents.
type Refresher interface {
	Refresh(ctx context.Context) (rotation.Snapshot, error)
}

// Assignment is the result of one successful AssignNext.
type Assignment struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	Index        int       `json:"index"`
	SnapshotSize int       `json:"snapshot_size"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// State is a consistent read-only view of the engine.
type State struct {
	CursorIndex int               `json:"cursor_index"`
	Current     *rotation.Member  `json:"current,omitempty"`
	Next        *rotation.Member  `json:"next,omitempty"`
	Snapshot    []rotation.Member `json:"snapshot"`
}

// AgentStat is one row of StatsByAgent.
type AgentStat struct {
	AgentID         string     `json:"agent_id"`
	DisplayName     string     `json:"display_name"`
	Position        int        `json:"position"`
	AssignmentCount int64      `json:"assignment_count"`
	LastAssignedAt  *time.Time `json:"last_assigned_at,omitempty"`
	IsCurrent       bool       `json:"is_current"`
	IsNext          bool       `json:"is_next"`
}

// Config configures an Engine.
type Config struct {
	// Shared, when set, holds the cursor so replicas share one rotation.
	// Nil keeps the cursor in process memory.
	Shared SharedCursor
	// CASAttempts bounds retries against Shared.
	CASAttempts int
	// Now overrides the clock for assignment timestamps.
	Now func() time.Time
}

// view is the published state. It is replaced, never mutated.
type view struct {
	pos  rotation.Position
	snap rotation.Snapshot
}

// Engine is the distribution façade.
type Engine struct {
	dir    Refresher
	books  *Bookkeeper
	shared SharedCursor
	logger *slog.Logger
	now    func() time.Time
	cas    int

	// mu serializes mutations (refresh, advance, publish).
	mu sync.Mutex

	// viewMu guards cur; readers never wait on directory I/O.
	viewMu sync.RWMutex
	cur    view
}

// NewEngine creates an Engine with the cursor Empty.
func NewEngine(dir Refresher, books *Bookkeeper, cfg Config, logger *slog.Logger) *Engine {
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = DefaultCASAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		dir:    dir,
		books:  books,
		shared: cfg.Shared,
		logger: logger.With("component", "distribution"),
		now:    cfg.Now,
		cas:    cfg.CASAttempts,
		cur:    view{pos: rotation.EmptyPosition()},
	}
}

// AssignNext refreshes the directory, advances the cursor and returns the chosen
// agent. On a directory failure the cursor is untouched. On an empty roster the
// cursor becomes Empty and rotation.ErrNoEligibleAgents is returned.
// Bookkeeping failures are logged and never reverse the assignment.
func (e *Engine) AssignNext(ctx context.Context) (Assignment, error) {
	ctx, span := tracing.StartSpan(ctx, "distribution.assign_next")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.dir.Refresh(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return Assignment{}, err
	}

	var (
		member rotation.Member
		pos    rotation.Position
	)
	if e.shared != nil {
		member, pos, err = e.advanceShared(ctx, snap)
	} else {
		cur := rotation.Restore(e.snapshotView().pos)
		member, err = cur.Advance(snap)
		pos = cur.Position()
	}

	switch {
	case errors.Is(err, rotation.ErrNoEligibleAgents):
		e.publish(view{pos: rotation.EmptyPosition(), snap: snap})
		e.logger.Warn("no eligible agents for assignment")
		tracing.RecordError(span, err)
		return Assignment{}, err
	case err != nil:
		tracing.RecordError(span, err)
		return Assignment{}, err
	}

	e.publish(view{pos: pos, snap: snap})

	a := Assignment{
		AgentID:      member.ID,
		DisplayName:  member.DisplayName,
		Index:        pos.Index,
		SnapshotSize: snap.Len(),
		AssignedAt:   e.now().UTC(),
	}
	if e.books != nil {
		e.books.Record(ctx, a.AgentID, a.AssignedAt)
	}

	e.logger.Debug("assigned agent",
		"agent_id", a.AgentID,
		"index", a.Index,
		"snapshot_size", a.SnapshotSize,
	)
	span.SetAttributes(
		tracing.StringAttr("agent.id", a.AgentID),
		tracing.IntAttr("cursor.index", a.Index),
	)
	tracing.SetOK(span)
	return a, nil
}

// CurrentState returns the cursor and the snapshot it was last computed
// against. The two are always from the same mutation. With a shared cursor,
// another replica may have moved the position, so the snapshot is refreshed
// from the directory and the position read from the shared backend.
func (e *Engine) CurrentState(ctx context.Context) (State, error) {
	v := e.snapshotView()

	if e.shared != nil {
		snap, err := e.dir.Refresh(ctx)
		if err != nil {
			return State{}, err
		}
		pos, _, err := e.shared.Load(ctx)
		if err != nil {
			return State{}, err
		}
		v = view{pos: pos, snap: snap}
	}

	cur := rotation.Restore(v.pos)
	st := State{
		CursorIndex: cur.Index(),
		Snapshot:    v.snap.Members(),
	}
	if i, ok := cur.Anchored(v.snap); ok {
		m := v.snap.At(i)
		st.Current = &m
		st.CursorIndex = i
	} else if st.CursorIndex >= v.snap.Len() {
		st.CursorIndex = v.snap.Len() - 1
	}
	if m, ok := cur.Peek(v.snap); ok {
		st.Next = &m
	}
	return st, nil
}

// SetNextAgent queues agentID to be returned by the next AssignNext. It returns
// false, leaving the cursor unchanged, if the agent is not currently eligible.
func (e *Engine) SetNextAgent(ctx context.Context, agentID string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "distribution.set_next_agent")
	defer span.End()
	span.SetAttributes(tracing.StringAttr("agent.id", agentID))

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.dir.Refresh(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}

	var pos rotation.Position
	if e.shared != nil {
		pos, err = e.swapShared(ctx, func(cur *rotation.Cursor) error {
			return cur.SetManual(snap, agentID)
		})
	} else {
		cur := rotation.Restore(e.snapshotView().pos)
		err = cur.SetManual(snap, agentID)
		pos = cur.Position()
	}

	if errors.Is(err, rotation.ErrAgentNotEligible) {
		e.logger.Info("manual override rejected", "agent_id", agentID)
		tracing.SetOK(span)
		return false, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}

	e.publish(view{pos: pos, snap: snap})
	e.logger.Info("manual override set", "agent_id", agentID, "cursor_index", pos.Index)
	tracing.SetOK(span)
	return true, nil
}

// ResetCounters returns the cursor to Empty so the next AssignNext starts at
// the first agent. Persisted per-agent counters are not touched here.
func (e *Engine) ResetCounters(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "distribution.reset")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shared != nil {
		if _, err := e.swapShared(ctx, func(cur *rotation.Cursor) error {
			cur.Reset()
			return nil
		}); err != nil {
			tracing.RecordError(span, err)
			return err
		}
	}

	v := e.snapshotView()
	e.publish(view{pos: rotation.EmptyPosition(), snap: v.snap})
	e.logger.Info("rotation reset")
	tracing.SetOK(span)
	return nil
}

// StatsByAgent reports every eligible agent with its position and counters.
// It reads a fresh snapshot but never changes engine state.
func (e *Engine) StatsByAgent(ctx context.Context) ([]AgentStat, error) {
	ctx, span := tracing.StartSpan(ctx, "distribution.stats")
	defer span.End()

	snap, err := e.dir.Refresh(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	pos := e.snapshotView().pos
	if e.shared != nil {
		if pos, _, err = e.shared.Load(ctx); err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	cur := rotation.Restore(pos)
	currentIdx, hasCurrent := cur.Anchored(snap)
	nextIdx := -1
	if m, ok := cur.Peek(snap); ok {
		nextIdx = snap.IndexOf(m.ID)
	}

	stats := make([]AgentStat, 0, snap.Len())
	for i, m := range snap.Members() {
		stats = append(stats, AgentStat{
			AgentID:         m.ID,
			DisplayName:     m.DisplayName,
			Position:        i,
			AssignmentCount: m.AssignmentCount,
			LastAssignedAt:  m.LastAssignedAt,
			IsCurrent:       hasCurrent && i == currentIdx,
			IsNext:          i == nextIdx,
		})
	}
	tracing.SetOK(span)
	return stats, nil
}

// Close drains pending bookkeeping.
func (e *Engine) Close() {
	if e.books != nil {
		e.books.Close()
	}
}

func (e *Engine) snapshotView() view {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.cur
}

func (e *Engine) publish(v view) {
	e.viewMu.Lock()
	e.cur = v
	e.viewMu.Unlock()
}

// advanceShared advances the shared cursor under compare-and-swap.
func (e *Engine) advanceShared(ctx context.Context, snap rotation.Snapshot) (rotation.Member, rotation.Position, error) {
	var member rotation.Member
	pos, err := e.swapShared(ctx, func(cur *rotation.Cursor) error {
		m, err := cur.Advance(snap)
		member = m
		if errors.Is(err, rotation.ErrNoEligibleAgents) {
			// Persist the Empty state, then report it.
			return nil
		}
		return err
	})
	if err != nil {
		return rotation.Member{}, rotation.Position{}, err
	}
	if pos.IsEmpty() {
		return rotation.Member{}, pos, rotation.ErrNoEligibleAgents
	}
	return member, pos, nil
}

// swapShared loads the shared cursor, applies mutate and stores the result,
// retrying when another replica wins the race. If mutate fails the shared
// cursor is left alone and the error is returned.
func (e *Engine) swapShared(ctx context.Context, mutate func(*rotation.Cursor) error) (rotation.Position, error) {
	for attempt := 1; attempt <= e.cas; attempt++ {
		pos, version, err := e.shared.Load(ctx)
		if err != nil {
			return rotation.Position{}, err
		}

		cur := rotation.Restore(pos)
		if err := mutate(cur); err != nil {
			return rotation.Position{}, err
		}

		ok, err := e.shared.Swap(ctx, cur.Position(), version)
		if err != nil {
			return rotation.Position{}, err
		}
		if ok {
			return cur.Position(), nil
		}
		e.logger.Debug("shared cursor moved, retrying", "attempt", attempt)
	}
	return rotation.Position{}, fmt.Errorf("%w: gave up after %d attempts", ErrCursorContention, e.cas)
}
