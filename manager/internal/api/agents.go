package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ifperf/ifperf/manager/internal/db"
	"github.com/ifperf/ifperf/manager/internal/repository"
	"github.com/ifperf/ifperf/shared/types"
)

// AgentHandler groups the admin-surface agent-fleet handlers.
type AgentHandler struct {
	repo   repository.AgentRepository
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(repo repository.AgentRepository, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		repo:   repo,
		logger: logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
// RegistrationKey is intentionally excluded — it is only shown once at
// creation time via agentCreateResponse.
type agentResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Enabled         bool    `json:"enabled"`
	Status          string  `json:"status"`
	LastSeenIP      string  `json:"last_seen_ip"`
	OperatingSystem string  `json:"operating_system"`
	LastHeartbeatAt *string `json:"last_heartbeat_at"`
	CreatedAt       string  `json:"created_at"`
}

// agentCreateResponse extends agentResponse with the registration key, shown
// only once at creation. The key cannot be recovered after this.
type agentCreateResponse struct {
	agentResponse
	RegistrationKey string `json:"registration_key"`
}

func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:              a.ID.String(),
		Name:            a.Name,
		Enabled:         a.Enabled,
		Status:          a.Status,
		LastSeenIP:      a.LastSeenIP,
		OperatingSystem: a.OperatingSystem,
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.LastHeartbeatAt != nil {
		s := a.LastHeartbeatAt.UTC().Format(time.RFC3339)
		resp.LastHeartbeatAt = &s
	}
	return resp
}

type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	agents, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}

	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// createAgentRequest is the JSON body expected by POST /v1/agents.
type createAgentRequest struct {
	Name string `json:"name"`
}

// Create handles POST /v1/agents. Registers a new agent identity and returns
// it along with its one-time registration key — the shared secret the agent
// presents as X-AGENT-KEY on every protocol call.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, types.ErrBadRequest, "name is required")
		return
	}

	key, err := generateKey()
	if err != nil {
		h.logger.Error("failed to generate registration key", zap.Error(err))
		ErrInternal(w)
		return
	}

	agent := &db.Agent{
		Name:            req.Name,
		RegistrationKey: db.EncryptedString(key),
		Enabled:         true,
		Status:          "offline",
	}

	if err := h.repo.Create(r.Context(), agent); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, types.ErrDuplicateAgentName, "an agent with this name already exists")
			return
		}
		h.logger.Error("failed to create agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, agentCreateResponse{
		agentResponse:   agentToResponse(agent),
		RegistrationKey: key,
	})
}

// GetByID handles GET /v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrAgentNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to get agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// updateAgentRequest is the JSON body expected by PUT /v1/agents/{id}. Only
// the name is mutable; identity/protocol fields change via dedicated routes.
type updateAgentRequest struct {
	Name string `json:"name"`
}

// Update handles PUT /v1/agents/{id}.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, types.ErrBadRequest, "name is required")
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrAgentNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to get agent for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	agent.Name = req.Name
	if err := h.repo.Update(r.Context(), agent); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, types.ErrDuplicateAgentName, "an agent with this name already exists")
			return
		}
		h.logger.Error("failed to update agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// Disable handles POST /v1/agents/{id}/disable. A disabled agent's next
// protocol call (heartbeat or otherwise) is answered with agent_not_found,
// which the agent treats as fatal and exits — this is the documented
// retirement path; agents are never hard-deleted.
func (h *AgentHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

// Enable handles POST /v1/agents/{id}/enable.
func (h *AgentHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *AgentHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrAgentNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to get agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	agent.Enabled = enabled
	if err := h.repo.Update(r.Context(), agent); err != nil {
		h.logger.Error("failed to update agent enabled state", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// generateKey generates a cryptographically secure 32-byte random hex
// string, used as an agent's registration key.
func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
