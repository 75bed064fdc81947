// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides roster, cursor, activity and lead persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultCursorName is the cursor document used by a single rotation
const DefaultCursorName = "default"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	dsn := path
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		// Pragmas in the DSN apply to every pooled connection.
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id         TEXT PRIMARY KEY,
			display_name     TEXT NOT NULL,
			role             TEXT NOT NULL,
			status           TEXT NOT NULL,
			assignment_count INTEGER NOT NULL DEFAULT 0,
			last_assigned_at TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (role IN ('sales_agent', 'manager', 'admin')),
			CHECK (status IN ('active', 'inactive'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_eligibility ON agents(role, status);

		CREATE TABLE IF NOT EXISTS rotation_cursor (
			name        TEXT PRIMARY KEY,
			cursor_idx  INTEGER NOT NULL,
			anchor_id   TEXT NOT NULL DEFAULT '',
			anchor_name TEXT NOT NULL DEFAULT '',
			pinned_id   TEXT NOT NULL DEFAULT '',
			version     INTEGER NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS assignment_log (
			record_id  TEXT PRIMARY KEY,
			lead_id    TEXT NOT NULL,
			agent_id   TEXT,
			method     TEXT NOT NULL,
			reason     TEXT,
			created_at TEXT NOT NULL,

			CHECK (method IN ('automatic', 'manual', 'none'))
		);

		CREATE INDEX IF NOT EXISTS idx_assignment_log_created ON assignment_log(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_assignment_log_agent ON assignment_log(agent_id);

		CREATE TABLE IF NOT EXISTS leads (
			lead_id           TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			email             TEXT,
			phone             TEXT,
			source            TEXT,
			owner_id          TEXT,
			assignment_method TEXT NOT NULL,
			idempotency_key   TEXT,
			created_at        TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_idempotency
			ON leads(idempotency_key) WHERE idempotency_key IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_leads_owner ON leads(owner_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after a database was first created.
// Safe to run on every open.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "rotation_cursor",
			column: "pinned_id",
			apply:  `ALTER TABLE rotation_cursor ADD COLUMN pinned_id TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced operations.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
