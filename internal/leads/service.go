// ABOUTME: Lead intake: persists a lead and gives it an owner from the rotation
// ABOUTME: Assignment failures never block intake; the lead is stored unassigned instead

package leads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/2389/leadrouter/internal/dedupe"
	"github.com/2389/leadrouter/internal/directory"
	"github.com/2389/leadrouter/internal/distribution"
	"github.com/2389/leadrouter/internal/rotation"
	"github.com/2389/leadrouter/internal/store"
)

var (
	// ErrInvalidLead indicates the lead failed validation.
	ErrInvalidLead = errors.New("invalid lead")

	// ErrUnknownOwner indicates an explicit owner that is not on the roster.
	ErrUnknownOwner = errors.New("unknown owner")

	// ErrRequestInFlight indicates another request with the same idempotency key
	// is still being processed.
	ErrRequestInFlight = errors.New("request with this idempotency key is in progress")
)

// Reasons recorded on unassigned leads.
const (
	ReasonNoEligibleAgents     = "no_eligible_agents"
	ReasonDirectoryUnavailable = "directory_unavailable"
	ReasonCursorContention     = "cursor_contention"
	ReasonAssignmentFailed     = "assignment_failed"
)

// persistTimeout bounds the writes that follow an automatic assignment. They
// run detached from the request so a disconnecting client cannot strand a
// rotation turn without a lead.
const persistTimeout = 10 * time.Second

// Assigner picks the next owner for a lead.
type Assigner interface {
	AssignNext(ctx context.Context) (distribution.Assignment, error)
}

// Store is the persistence the service needs.
type Store interface {
	store.LeadStore
	store.ActivityStore
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// NewLead is an intake request.
type NewLead struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Source         string `json:"source"`
	OwnerID        string `json:"owner_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Result is the outcome of Create.
type Result struct {
	Lead       *store.Lead
	Assignment *store.AssignmentRecord
	// Replayed is true when an earlier request with the same idempotency key
	// already created the lead.
	Replayed bool
}

// Service creates leads.
type Service struct {
	store    Store
	assigner Assigner
	keys     *dedupe.Cache
	logger   *slog.Logger
}

// NewService creates a Service. keys may be nil to rely on the store alone
// for idempotency.
func NewService(st Store, assigner Assigner, keys *dedupe.Cache, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		assigner: assigner,
		keys:     keys,
		logger:   logger.With("component", "leads"),
	}
}

// Create validates and stores a lead. An explicit OwnerID is a manual assignment;
// otherwise the rotation picks the owner. If the rotation cannot, the lead is
// created with method none and the cause is recorded.
func (s *Service) Create(ctx context.Context, in NewLead) (*Result, error) {
	in = normalize(in)
	if err := validate(in); err != nil {
		return nil, err
	}

	key := in.IdempotencyKey
	if key != "" {
		res, done, err := s.replay(ctx, key)
		if done || err != nil {
			return res, err
		}
	}

	res, err := s.create(ctx, in)
	if key != "" && s.keys != nil {
		if err != nil {
			s.keys.Forget(key)
		} else {
			s.keys.Set(key, res.Lead.ID)
		}
	}
	return res, err
}

// replay returns the lead an earlier request with key produced. done is false
// when the caller should go on and create it; in that case the key is claimed.
func (s *Service) replay(ctx context.Context, key string) (*Result, bool, error) {
	if s.keys != nil {
		existing, claimed := s.keys.Claim(key)
		if !claimed {
			if existing == "" {
				return nil, true, ErrRequestInFlight
			}
			l, err := s.store.GetLead(ctx, existing)
			if err != nil {
				return nil, true, fmt.Errorf("loading replayed lead: %w", err)
			}
			return &Result{Lead: l, Replayed: true}, true, nil
		}
	}

	// The cache forgets after its TTL or a restart; the store does not.
	l, err := s.store.GetLeadByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		if s.keys != nil {
			s.keys.Set(key, l.ID)
		}
		return &Result{Lead: l, Replayed: true}, true, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, false, nil
	default:
		if s.keys != nil {
			s.keys.Forget(key)
		}
		return nil, true, fmt.Errorf("looking up idempotency key: %w", err)
	}
}

func (s *Service) create(ctx context.Context, in NewLead) (*Result, error) {
	lead := &store.Lead{
		Name:           in.Name,
		Email:          in.Email,
		Phone:          in.Phone,
		Source:         in.Source,
		IdempotencyKey: in.IdempotencyKey,
	}
	rec := &store.AssignmentRecord{}

	if in.OwnerID != "" {
		if _, err := s.store.GetAgent(ctx, in.OwnerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, in.OwnerID)
			}
			return nil, fmt.Errorf("looking up owner: %w", err)
		}
		lead.OwnerID = in.OwnerID
		rec.Method = store.MethodManual
	} else {
		a, err := s.assigner.AssignNext(ctx)
		if err != nil {
			rec.Method = store.MethodNone
			rec.Reason = reasonFor(err)
			s.logger.Warn("lead created without owner", "reason", rec.Reason, "error", err)
		} else {
			lead.OwnerID = a.AgentID
			rec.Method = store.MethodAutomatic
		}
	}
	lead.AssignmentMethod = rec.Method
	rec.AgentID = lead.OwnerID

	if rec.Method == store.MethodAutomatic {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
	}

	if err := s.store.CreateLead(ctx, lead); err != nil {
		if errors.Is(err, store.ErrDuplicateLead) && in.IdempotencyKey != "" {
			// Another replica won the race for this key.
			if l, getErr := s.store.GetLeadByIdempotencyKey(ctx, in.IdempotencyKey); getErr == nil {
				if rec.Method == store.MethodAutomatic {
					s.logger.Warn("rotation turn used by a duplicate request",
						"agent_id", lead.OwnerID,
						"lead_id", l.ID,
						"idempotency_key", in.IdempotencyKey,
					)
				}
				return &Result{Lead: l, Replayed: true}, nil
			}
		}
		if rec.Method == store.MethodAutomatic {
			s.logger.Error("lead not stored after rotation advanced", "agent_id", lead.OwnerID, "error", err)
		}
		return nil, fmt.Errorf("creating lead: %w", err)
	}

	rec.LeadID = lead.ID
	if err := s.store.AppendAssignment(ctx, rec); err != nil {
		s.logger.Warn("assignment record not stored", "lead_id", lead.ID, "error", err)
	}

	s.logger.Info("lead created",
		"lead_id", lead.ID,
		"owner_id", lead.OwnerID,
		"method", rec.Method,
	)
	return &Result{Lead: lead, Assignment: rec}, nil
}

// Get returns a lead by ID.
func (s *Service) Get(ctx context.Context, id string) (*store.Lead, error) {
	return s.store.GetLead(ctx, id)
}

// List returns recent leads, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*store.Lead, error) {
	return s.store.ListLeads(ctx, limit)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, rotation.ErrNoEligibleAgents):
		return ReasonNoEligibleAgents
	case errors.Is(err, directory.ErrDirectoryUnavailable):
		return ReasonDirectoryUnavailable
	case errors.Is(err, distribution.ErrCursorContention):
		return ReasonCursorContention
	default:
		return ReasonAssignmentFailed
	}
}

func normalize(in NewLead) NewLead {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Source = strings.TrimSpace(in.Source)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	return in
}

func validate(in NewLead) error {
	if in.Name == "" && in.Email == "" && in.Phone == "" {
		return fmt.Errorf("%w: one of name, email or phone is required", ErrInvalidLead)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return fmt.Errorf("%w: email %q", ErrInvalidLead, in.Email)
		}
	}
	return nil
}
