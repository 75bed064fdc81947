// ABOUTME: Assignment activity log: one record per lead-owner decision
// ABOUTME: Append-only; records which agent got which lead and by which method

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAssignment appends a record to the activity log.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) AppendAssignment(ctx context.Context, rec *AssignmentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignment_log (record_id, lead_id, agent_id, method, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.LeadID,
		nullString(rec.AgentID),
		string(rec.Method),
		nullString(rec.Reason),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending assignment record: %w", err)
	}
	return nil
}

// ListAssignments returns the most recent records first
func (s *SQLiteStore) ListAssignments(ctx context.Context, limit int) ([]*AssignmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, lead_id, agent_id, method, reason, created_at
		FROM assignment_log
		ORDER BY created_at DESC, record_id
		LIMIT ?`, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying assignment log: %w", err)
	}
	defer rows.Close()

	var records []*AssignmentRecord
	for rows.Next() {
		var (
			r               AssignmentRecord
			agentID, reason sql.NullString
			method, created string
		)
		if err := rows.Scan(&r.ID, &r.LeadID, &agentID, &method, &reason, &created); err != nil {
			return nil, fmt.Errorf("scanning assignment record: %w", err)
		}
		r.AgentID = agentID.String
		r.Reason = reason.String
		r.Method = AssignmentMethod(method)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignment log: %w", err)
	}
	return records, nil
}
