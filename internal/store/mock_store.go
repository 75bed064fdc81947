// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject store failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// The *Err fields, when set, are returned by the matching methods.
type MockStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	cursors     map[string]*CursorState
	assignments []*AssignmentRecord
	leads       map[string]*Lead

	ListEligibleErr  error
	RecordErr        error
	AppendErr        error
	CreateLeadErr    error
	ListEligibleHook func(ctx context.Context) // runs before ListEligibleAgents answers

	listEligibleCalls int
	recordCalls       int
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:  make(map[string]*Agent),
		cursors: make(map[string]*CursorState),
		leads:   make(map[string]*Lead),
	}
}

// AddSalesAgent is a test helper that upserts an active sales agent.
func (m *MockStore) AddSalesAgent(id, displayName string) {
	_ = m.UpsertAgent(context.Background(), &Agent{
		ID:          id,
		DisplayName: displayName,
		Role:        RoleSalesAgent,
		Status:      AgentStatusActive,
	})
}

// SetFailures sets the injected errors under the store lock.
func (m *MockStore) SetFailures(listEligible, record error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListEligibleErr = listEligible
	m.RecordErr = record
}

// ListEligibleCalls returns how many times ListEligibleAgents was called.
func (m *MockStore) ListEligibleCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEligibleCalls
}

// RecordCalls returns how many times RecordAssignment was called.
func (m *MockStore) RecordCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recordCalls
}

// UpsertAgent stores an agent, preserving bookkeeping fields of an existing one.
func (m *MockStore) UpsertAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.agents[a.ID]; ok {
		existing.DisplayName = a.DisplayName
		existing.Role = a.Role
		existing.Status = a.Status
		existing.UpdatedAt = now
		return nil
	}

	cp := *a
	cp.AssignmentCount = 0
	cp.LastAssignedAt = nil
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.agents[a.ID] = &cp
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

// ListAgents returns all agents ordered by display name.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListEligibleAgents returns active sales agents in map order.
func (m *MockStore) ListEligibleAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.Lock()
	m.listEligibleCalls++
	hook := m.ListEligibleHook
	m.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ListEligibleErr != nil {
		return nil, m.ListEligibleErr
	}

	var out []*Agent
	for _, a := range m.agents {
		if a.Eligible() {
			out = append(out, copyAgent(a))
		}
	}
	return out, nil
}

// SetAgentStatus changes an agent's status.
func (m *MockStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordAssignment increments the agent's counter.
func (m *MockStore) RecordAssignment(ctx context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recordCalls++
	if m.RecordErr != nil {
		return m.RecordErr
	}

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.AssignmentCount++
	t := at
	a.LastAssignedAt = &t
	return nil
}

// ResetAssignmentCounters zeroes all counters.
func (m *MockStore) ResetAssignmentCounters(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.agents {
		a.AssignmentCount = 0
		a.LastAssignedAt = nil
	}
	return nil
}

// LoadCursor returns the named cursor or an Empty one at version 0.
func (m *MockStore) LoadCursor(ctx context.Context, name string) (*CursorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cursors[name]
	if !ok {
		return &CursorState{Name: name, Index: -1}, nil
	}
	cp := *c
	return &cp, nil
}

// CompareAndSwapCursor stores state if the version matches.
func (m *MockStore) CompareAndSwapCursor(ctx context.Context, state *CursorState, expected int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if c, ok := m.cursors[state.Name]; ok {
		current = c.Version
	}
	if current != expected {
		return false, nil
	}

	state.Version = expected + 1
	state.UpdatedAt = time.Now().UTC()
	cp := *state
	m.cursors[state.Name] = &cp
	return true, nil
}

// AppendAssignment appends an activity record.
func (m *MockStore) AppendAssignment(ctx context.Context, rec *AssignmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	m.assignments = append(m.assignments, &cp)
	return nil
}

// ListAssignments returns records newest first.
func (m *MockStore) ListAssignments(ctx context.Context, limit int) ([]*AssignmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	out := make([]*AssignmentRecord, 0, limit)
	for i := len(m.assignments) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.assignments[i]
		out = append(out, &cp)
	}
	return out, nil
}

// CreateLead stores a lead.
func (m *MockStore) CreateLead(ctx context.Context, l *Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateLeadErr != nil {
		return m.CreateLeadErr
	}
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if _, exists := m.leads[l.ID]; exists {
		return ErrDuplicateLead
	}
	if l.IdempotencyKey != "" {
		for _, existing := range m.leads {
			if existing.IdempotencyKey == l.IdempotencyKey {
				return ErrDuplicateLead
			}
		}
	}
	cp := *l
	m.leads[l.ID] = &cp
	return nil
}

// GetLead retrieves a lead by ID.
func (m *MockStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// GetLeadByIdempotencyKey retrieves a lead by its idempotency key.
func (m *MockStore) GetLeadByIdempotencyKey(ctx context.Context, key string) (*Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.leads {
		if key != "" && l.IdempotencyKey == key {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListLeads returns leads newest first.
func (m *MockStore) ListLeads(ctx context.Context, limit int) ([]*Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Lead, 0, len(m.leads))
	for _, l := range m.leads {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func copyAgent(a *Agent) *Agent {
	cp := *a
	if a.LastAssignedAt != nil {
		t := *a.LastAssignedAt
		cp.LastAssignedAt = &t
	}
	return &cp
}
