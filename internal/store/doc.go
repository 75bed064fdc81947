// Package store provides persistent storage for leadrouter using SQLite.
//
// # Architecture
//
// The store package splits its contract into narrow interfaces so each
// consumer depends only on what it uses:
//
//   - AgentStore: the roster, eligibility queries and assignment counters
//   - CursorStore: the versioned rotation cursor shared by replicas
//   - ActivityStore: the append-only assignment log
//   - LeadStore: lead persistence for the intake flow
//
// Store embeds all four. SQLiteStore and MockStore implement it.
//
// # Data Models
//
//   - Agent: a roster member; eligible when role is sales_agent and status is active
//   - CursorState: the rotation position plus a version for compare-and-swap
//   - AssignmentRecord: which agent got which lead, and how (automatic, manual, none)
//   - Lead: contact fields, owner and optional idempotency key
//
// # Tables
//
//	agents          (agent_id PK, role, status, assignment_count, last_assigned_at)
//	rotation_cursor (name PK, cursor_idx, anchor_id, anchor_name, pinned_id, version)
//	assignment_log  (record_id PK, lead_id, agent_id, method, reason, created_at)
//	leads           (lead_id PK, owner_id, assignment_method, idempotency_key UNIQUE)
//
// The schema is created on open. File databases use WAL mode with a busy
// timeout so several processes can share one file.
//
// # Concurrency
//
// RecordAssignment is a single UPDATE ... SET assignment_count = assignment_count + 1,
// so concurrent writers never lose increments. CompareAndSwapCursor writes only
// when the stored version equals the expected one and reports whether it won.
//
// # Errors
//
//   - ErrNotFound: the agent, lead or key does not exist
//   - ErrDuplicateLead: a lead with the same ID or idempotency key exists
//
// # Testing
//
// Use NewMockStore() for unit tests; it supports failure injection through
// SetFailures and the *Err fields. Use NewSQLiteStore(":memory:") or a file in
// t.TempDir() for integration tests.
package store
