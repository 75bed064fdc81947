// ABOUTME: Minimal lead persistence used by the lead-creation flow
// ABOUTME: Stores owner and assignment method alongside contact fields

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const leadColumns = `lead_id, name, email, phone, source, owner_id, assignment_method, idempotency_key, created_at`

// CreateLead inserts a lead. Generates ID and CreatedAt if not set.
// Returns ErrDuplicateLead if the ID or idempotency key is already taken.
func (s *SQLiteStore) CreateLead(ctx context.Context, l *Lead) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO leads (`+leadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID,
		l.Name,
		nullString(l.Email),
		nullString(l.Phone),
		nullString(l.Source),
		nullString(l.OwnerID),
		string(l.AssignmentMethod),
		nullString(l.IdempotencyKey),
		formatTime(l.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateLead
		}
		return fmt.Errorf("inserting lead: %w", err)
	}
	return nil
}

// GetLead retrieves a lead by ID
func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	return s.getLead(ctx, `SELECT `+leadColumns+` FROM leads WHERE lead_id = ?`, id)
}

// GetLeadByIdempotencyKey retrieves the lead created with the given key
func (s *SQLiteStore) GetLeadByIdempotencyKey(ctx context.Context, key string) (*Lead, error) {
	return s.getLead(ctx, `SELECT `+leadColumns+` FROM leads WHERE idempotency_key = ?`, key)
}

// ListLeads returns the most recent leads first
func (s *SQLiteStore) ListLeads(ctx context.Context, limit int) ([]*Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads ORDER BY created_at DESC, lead_id LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying leads: %w", err)
	}
	defer rows.Close()

	var leads []*Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lead: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating leads: %w", err)
	}
	return leads, nil
}

func (s *SQLiteStore) getLead(ctx context.Context, query string, arg string) (*Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lead: %w", err)
	}
	return l, nil
}

func scanLead(row rowScanner) (*Lead, error) {
	var (
		l                                    Lead
		email, phone, source, owner, idemKey sql.NullString
		method, created                      string
	)
	if err := row.Scan(&l.ID, &l.Name, &email, &phone, &source, &owner, &method, &idemKey, &created); err != nil {
		return nil, err
	}
	l.Email = email.String
	l.Phone = phone.String
	l.Source = source.String
	l.OwnerID = owner.String
	l.IdempotencyKey = idemKey.String
	l.AssignmentMethod = AssignmentMethod(method)

	var err error
	if l.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &l, nil
}
