// ABOUTME: Store interfaces and data types for leadrouter persistence
// ABOUTME: Defines Agent, CursorState, AssignmentRecord, Lead and the store contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateLead is returned when a lead ID or idempotency key is reused
var ErrDuplicateLead = errors.New("lead already exists")

// AgentRole is the role of a roster member
type AgentRole string

const (
	RoleSalesAgent AgentRole = "sales_agent"
	RoleManager    AgentRole = "manager"
	RoleAdmin      AgentRole = "admin"
)

// AgentStatus is the activity status of a roster member
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// Agent is a roster member. Only sales agents with active status receive leads.
type Agent struct {
	ID              string
	DisplayName     string
	Role            AgentRole
	Status          AgentStatus
	AssignmentCount int64
	LastAssignedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Eligible reports whether the agent currently qualifies for automatic assignment.
func (a *Agent) Eligible() bool {
	return a.Role == RoleSalesAgent && a.Status == AgentStatusActive
}

// CursorState is the persisted rotation cursor document.
// Version increases by one on every successful compare-and-swap.
type CursorState struct {
	Name       string
	Index      int
	AnchorID   string
	AnchorName string
	PinnedID   string
	Version    int64
	UpdatedAt  time.Time
}

// AssignmentMethod records how a lead got its owner
type AssignmentMethod string

const (
	MethodAutomatic AssignmentMethod = "automatic"
	MethodManual    AssignmentMethod = "manual"
	MethodNone      AssignmentMethod = "none"
)

// AssignmentRecord is one entry of the assignment activity log
type AssignmentRecord struct {
	ID        string
	LeadID    string
	AgentID   string // empty when Method is MethodNone
	Method    AssignmentMethod
	Reason    string // why no agent was assigned, if applicable
	CreatedAt time.Time
}

// Lead is a sales lead as persisted by the lead-creation flow
type Lead struct {
	ID               string
	Name             string
	Email            string
	Phone            string
	Source           string
	OwnerID          string
	AssignmentMethod AssignmentMethod
	IdempotencyKey   string
	CreatedAt        time.Time
}

// AgentStore is the roster and its assignment bookkeeping
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SetAgentStatus(ctx context.Context, id string, status AgentStatus) error

	// ListEligibleAgents returns active sales agents in no particular order
	ListEligibleAgents(ctx context.Context) ([]*Agent, error)

	// RecordAssignment atomically increments the agent's counter and stamps the time
	RecordAssignment(ctx context.Context, agentID string, at time.Time) error

	// ResetAssignmentCounters zeroes every counter and clears last-assigned timestamps
	ResetAssignmentCounters(ctx context.Context) error
}

// CursorStore persists the rotation cursor for replicated deployments
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (*CursorState, error)
	// CompareAndSwapCursor writes state if the stored version equals expected.
	// Returns false without error when another writer got there first.
	CompareAndSwapCursor(ctx context.Context, state *CursorState, expected int64) (bool, error)
}

// ActivityStore is the assignment activity log
type ActivityStore interface {
	AppendAssignment(ctx context.Context, rec *AssignmentRecord) error
	ListAssignments(ctx context.Context, limit int) ([]*AssignmentRecord, error)
}

// LeadStore persists leads
type LeadStore interface {
	CreateLead(ctx context.Context, lead *Lead) error
	GetLead(ctx context.Context, id string) (*Lead, error)
	GetLeadByIdempotencyKey(ctx context.Context, key string) (*Lead, error)
	ListLeads(ctx context.Context, limit int) ([]*Lead, error)
}

// Store is everything the SQLite backend provides
type Store interface {
	AgentStore
	CursorStore
	ActivityStore
	LeadStore

	// Ping checks that the database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the default and maximum page size used by list queries
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
