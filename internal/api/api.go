// ABOUTME: HTTP API for lead intake, distribution administration and the agent roster
// ABOUTME: Handlers are thin: they decode JSON, call the engine or store, and map errors to status codes

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/leadrouter/internal/auth"
	"github.com/2389/leadrouter/internal/directory"
	"github.com/2389/leadrouter/internal/distribution"
	"github.com/2389/leadrouter/internal/leads"
	"github.com/2389/leadrouter/internal/store"
)

// Distributor is the engine surface the admin endpoints drive.
type Distributor interface {
	CurrentState(ctx context.Context) (distribution.State, error)
	SetNextAgent(ctx context.Context, agentID string) (bool, error)
	ResetCounters(ctx context.Context) error
	StatsByAgent(ctx context.Context) ([]distribution.AgentStat, error)
}

// LeadService creates and reads leads.
type LeadService interface {
	Create(ctx context.Context, in leads.NewLead) (*leads.Result, error)
	Get(ctx context.Context, id string) (*store.Lead, error)
}

// Roster is the agent and activity-log storage the API reads and edits.
type Roster interface {
	UpsertAgent(ctx context.Context, agent *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	SetAgentStatus(ctx context.Context, id string, status store.AgentStatus) error
	ResetAssignmentCounters(ctx context.Context) error
	ListAssignments(ctx context.Context, limit int) ([]*store.AssignmentRecord, error)
}

// Deps wires the API to the rest of the service.
type Deps struct {
	Engine   Distributor
	Leads    LeadService
	Roster   Roster
	Verifier auth.TokenVerifier // nil disables authentication
	// Ready reports whether the service can assign leads.
	Ready     func(ctx context.Context) error
	RateLimit RateLimitConfig
	Logger    *slog.Logger
}

// API serves the HTTP endpoints.
type API struct {
	engine  Distributor
	leads   LeadService
	roster  Roster
	ready   func(ctx context.Context) error
	limiter *rateLimiter
	authn   func(http.Handler) http.Handler
	logger  *slog.Logger
}

// New creates the API. ctx bounds the rate limiter's background sweeper.
func New(ctx context.Context, d Deps) *API {
	ready := d.Ready
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	return &API{
		engine:  d.Engine,
		leads:   d.Leads,
		roster:  d.Roster,
		ready:   ready,
		limiter: newRateLimiter(ctx, d.RateLimit),
		authn:   auth.HTTPAuthMiddleware(d.Verifier),
		logger:  d.Logger.With("component", "api"),
	}
}

// Handler returns the routed handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/ready", a.handleReady)

	authed := func(h http.HandlerFunc) http.Handler { return a.authn(h) }
	admin := func(h http.HandlerFunc) http.Handler { return a.authn(auth.RequireAdminHTTP()(h)) }

	mux.Handle("POST /api/leads", a.limiter.middleware(authed(a.handleCreateLead)))
	mux.Handle("GET /api/leads/{id}", a.limiter.middleware(authed(a.handleGetLead)))

	mux.Handle("GET /api/distribution/state", authed(a.handleState))
	mux.Handle("GET /api/distribution/stats", authed(a.handleStats))
	mux.Handle("POST /api/distribution/next", admin(a.handleSetNext))
	mux.Handle("POST /api/distribution/reset", admin(a.handleReset))

	mux.Handle("GET /api/agents", authed(a.handleListAgents))
	mux.Handle("POST /api/agents", admin(a.handleUpsertAgent))
	mux.Handle("POST /api/agents/{id}/status", admin(a.handleSetAgentStatus))

	mux.Handle("GET /api/assignments", authed(a.handleListAssignments))

	return mux
}

// --- Response types ---

// AgentResponse is the JSON form of a roster member.
type AgentResponse struct {
	ID              string     `json:"id"`
	DisplayName     string     `json:"display_name"`
	Role            string     `json:"role"`
	Status          string     `json:"status"`
	Eligible        bool       `json:"eligible"`
	AssignmentCount int64      `json:"assignment_count"`
	LastAssignedAt  *time.Time `json:"last_assigned_at,omitempty"`
}

// LeadResponse is the JSON form of a lead.
type LeadResponse struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Email            string    `json:"email,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	Source           string    `json:"source,omitempty"`
	OwnerID          string    `json:"owner_id,omitempty"`
	AssignmentMethod string    `json:"assignment_method"`
	Reason           string    `json:"unassigned_reason,omitempty"`
	Replayed         bool      `json:"replayed,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AssignmentResponse is the JSON form of an activity log entry.
type AssignmentResponse struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Method    string    `json:"method"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SetNextRequest is the body of POST /api/distribution/next.
type SetNextRequest struct {
	AgentID string `json:"agent_id"`
}

// UpsertAgentRequest is the body of POST /api/agents.
type UpsertAgentRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Status      string `json:"status"`
}

// SetStatusRequest is the body of POST /api/agents/{id}/status.
type SetStatusRequest struct {
	Status string `json:"status"`
}

func toAgentResponse(ag *store.Agent) AgentResponse {
	return AgentResponse{
		ID:              ag.ID,
		DisplayName:     ag.DisplayName,
		Role:            string(ag.Role),
		Status:          string(ag.Status),
		Eligible:        ag.Eligible(),
		AssignmentCount: ag.AssignmentCount,
		LastAssignedAt:  ag.LastAssignedAt,
	}
}

func toLeadResponse(l *store.Lead) LeadResponse {
	return LeadResponse{
		ID:               l.ID,
		Name:             l.Name,
		Email:            l.Email,
		Phone:            l.Phone,
		Source:           l.Source,
		OwnerID:          l.OwnerID,
		AssignmentMethod: string(l.AssignmentMethod),
		CreatedAt:        l.CreatedAt,
	}
}

// --- Health ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.ready(r.Context()); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Leads ---

func (a *API) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var in leads.NewLead
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && in.IdempotencyKey == "" {
		in.IdempotencyKey = key
	}

	res, err := a.leads.Create(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, leads.ErrInvalidLead):
			sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, leads.ErrUnknownOwner):
			sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, leads.ErrRequestInFlight):
			sendJSONError(w, http.StatusConflict, err.Error())
		default:
			a.logger.Error("failed to create lead", "error", err)
			sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	resp := toLeadResponse(res.Lead)
	resp.Replayed = res.Replayed
	if res.Assignment != nil {
		resp.Reason = res.Assignment.Reason
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetLead(w http.ResponseWriter, r *http.Request) {
	l, err := a.leads.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "lead not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to get lead", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, toLeadResponse(l))
}

// --- Distribution ---

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := a.engine.CurrentState(r.Context())
	if err != nil {
		a.sendEngineError(w, "read state", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.StatsByAgent(r.Context())
	if err != nil {
		a.sendEngineError(w, "compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleSetNext(w http.ResponseWriter, r *http.Request) {
	var req SetNextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	ok, err := a.engine.SetNextAgent(r.Context(), req.AgentID)
	if err != nil {
		a.sendEngineError(w, "set next agent", err)
		return
	}
	a.logger.Info("next agent override", "agent_id", req.AgentID, "ok", ok, "by", subject(r))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := a.engine.ResetCounters(ctx); err != nil {
		a.sendEngineError(w, "reset cursor", err)
		return
	}
	if err := a.roster.ResetAssignmentCounters(ctx); err != nil {
		a.logger.Error("failed to reset assignment counters", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.logger.Info("distribution reset", "by", subject(r))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Agents ---

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.roster.ListAgents(r.Context())
	if err != nil {
		a.logger.Error("failed to list agents", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AgentResponse, 0, len(agents))
	for _, ag := range agents {
		resp = append(resp, toAgentResponse(ag))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var req UpsertAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.DisplayName == "" {
		sendJSONError(w, http.StatusBadRequest, "id and display_name are required")
		return
	}
	if req.Role == "" {
		req.Role = string(store.RoleSalesAgent)
	}
	if req.Status == "" {
		req.Status = string(store.AgentStatusActive)
	}
	if !validRole(req.Role) {
		sendJSONError(w, http.StatusBadRequest, "role must be sales_agent, manager or admin")
		return
	}
	if !validStatus(req.Status) {
		sendJSONError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}

	ctx := r.Context()
	ag := &store.Agent{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Role:        store.AgentRole(req.Role),
		Status:      store.AgentStatus(req.Status),
	}
	if err := a.roster.UpsertAgent(ctx, ag); err != nil {
		a.logger.Error("failed to upsert agent", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	stored, err := a.roster.GetAgent(ctx, req.ID)
	if err != nil {
		a.logger.Error("failed to reload agent", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.logger.Info("agent upserted", "agent_id", req.ID, "by", subject(r))
	writeJSON(w, http.StatusOK, toAgentResponse(stored))
}

func (a *API) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validStatus(req.Status) {
		sendJSONError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}

	id := r.PathValue("id")
	err := a.roster.SetAgentStatus(r.Context(), id, store.AgentStatus(req.Status))
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to set agent status", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.logger.Info("agent status changed", "agent_id", id, "status", req.Status, "by", subject(r))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Activity log ---

func (a *API) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := a.roster.ListAssignments(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to list assignments", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AssignmentResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, AssignmentResponse{
			ID:        rec.ID,
			LeadID:    rec.LeadID,
			AgentID:   rec.AgentID,
			Method:    string(rec.Method),
			Reason:    rec.Reason,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

// sendEngineError maps distribution failures onto status codes.
func (a *API) sendEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, directory.ErrDirectoryUnavailable),
		errors.Is(err, distribution.ErrCursorContention):
		a.logger.Warn("distribution unavailable", "op", op, "error", err)
		sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("distribution failed", "op", op, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func subject(r *http.Request) string {
	if ac := auth.FromContext(r.Context()); ac != nil {
		return ac.Subject
	}
	return ""
}

func validRole(role string) bool {
	switch store.AgentRole(role) {
	case store.RoleSalesAgent, store.RoleManager, store.RoleAdmin:
		return true
	}
	return false
}

func validStatus(status string) bool {
	switch store.AgentStatus(status) {
	case store.AgentStatusActive, store.AgentStatusInactive:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
