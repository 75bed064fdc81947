// ABOUTME: Roster persistence: agent upserts, eligibility queries and bookkeeping counters
// ABOUTME: Counter increments are single UPDATE statements so concurrent writers never lose counts

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const agentColumns = `agent_id, display_name, role, status, assignment_count, last_assigned_at, created_at, updated_at`

// UpsertAgent creates the agent or updates its name, role and status.
// Bookkeeping fields are never overwritten by an upsert.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	query := `
		INSERT INTO agents (agent_id, display_name, role, status, assignment_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.DisplayName,
		string(a.Role),
		string(a.Status),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every roster member ordered by display name
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY display_name, agent_id`)
}

// ListEligibleAgents returns active sales agents
func (s *SQLiteStore) ListEligibleAgents(ctx context.Context) ([]*Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE role = ? AND status = ?`,
		string(RoleSalesAgent), string(AgentStatusActive),
	)
}

// SetAgentStatus activates or deactivates an agent
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
		string(status), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return requireOneRow(res)
}

// RecordAssignment atomically increments the agent's counter and stamps the time
func (s *SQLiteStore) RecordAssignment(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET assignment_count = assignment_count + 1,
			last_assigned_at = ?,
			updated_at = ?
		WHERE agent_id = ?`,
		formatTime(at), formatTime(time.Now()), agentID,
	)
	if err != nil {
		return fmt.Errorf("recording assignment: %w", err)
	}
	return requireOneRow(res)
}

// ResetAssignmentCounters zeroes every counter and clears last-assigned timestamps
func (s *SQLiteStore) ResetAssignmentCounters(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET assignment_count = 0, last_assigned_at = NULL, updated_at = ?`,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("resetting assignment counters: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a                    Agent
		role, status         string
		lastAssigned         sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.DisplayName, &role, &status, &a.AssignmentCount, &lastAssigned, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Role = AgentRole(role)
	a.Status = AgentStatus(status)

	var err error
	if a.LastAssignedAt, err = parseNullTime(lastAssigned); err != nil {
		return nil, fmt.Errorf("parsing last_assigned_at: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
