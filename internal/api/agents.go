package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/doravidan/vibing2-sub003/internal/registry"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	opts := &registry.ListOptions{Category: r.URL.Query().Get("category")}
	if caps := r.URL.Query().Get("capabilities"); caps != "" {
		opts.Capabilities = strings.Split(caps, ",")
	}
	opts.Limit, opts.Offset = pagination(r)

	agents, err := h.registry.List(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list agents", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to get agent", err)
		return
	}
	h.respondJSON(w, http.StatusOK, agent)
}

// CreateAgent handles POST /api/v1/agents
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent types.Agent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&agent); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if result := h.validator.ValidateAgent(&agent); !result.Valid {
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, "invalid agent", result.Errors)
		return
	}

	created, err := h.registry.Create(r.Context(), &agent)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to create agent", err)
		return
	}
	h.logger.Info("agent created", "agent_id", created.ID)
	h.respondJSON(w, http.StatusCreated, created)
}

// UpdateAgent handles PUT /api/v1/agents/{id}
func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateAgentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	updated, err := h.registry.Update(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to update agent", err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondError(w, r, statusFor(err), "failed to delete agent", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
