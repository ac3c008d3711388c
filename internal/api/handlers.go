package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/doravidan/vibing2-sub003/internal/builder"
	"github.com/doravidan/vibing2-sub003/internal/config"
	"github.com/doravidan/vibing2-sub003/internal/registry"
	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/internal/validator"
	"github.com/doravidan/vibing2-sub003/internal/workflow"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Deps are the services the handlers operate on.
type Deps struct {
	Service   *workflow.Service
	Store     runstore.Store
	Registry  registry.AgentRegistry
	Templates templates.Store
	Builder   *builder.Builder
	Validator *validator.Validator
	Config    *config.Config
	Logger    *slog.Logger
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	service   *workflow.Service
	store     runstore.Store
	registry  registry.AgentRegistry
	templates templates.Store
	builder   *builder.Builder
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger

	heartbeat time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config == nil {
		d.Config = config.Load()
	}
	if d.Validator == nil {
		d.Validator = validator.MustNew()
	}
	return &Handlers{
		service:   d.Service,
		store:     d.Store,
		registry:  d.Registry,
		templates: d.Templates,
		builder:   d.Builder,
		validator: d.Validator,
		config:    d.Config,
		logger:    d.Logger,
		heartbeat: 15 * time.Second,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the run store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"runstore": info,
		"running":  len(h.service.Running()),
	})
}

// --- Workflows ---

// CreateWorkflowResponse is returned after submitting a workflow.
type CreateWorkflowResponse struct {
	WorkflowID string               `json:"workflow_id"`
	Status     types.WorkflowStatus `json:"status"`
	Tasks      int                  `json:"tasks"`
	SSEURL     string               `json:"sse_url"`
	WSURL      string               `json:"ws_url"`
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}
	if result := h.validator.ValidateRequestJSON(body); !result.Valid {
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, "invalid workflow request", result.Errors)
		return
	}

	var req workflow.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	wf, err := h.service.Submit(r.Context(), &req)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to submit workflow", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateWorkflowResponse{
		WorkflowID: wf.ID,
		Status:     wf.Status,
		Tasks:      len(wf.Tasks),
		SSEURL:     "/api/v1/workflows/" + wf.ID + "/events",
		WSURL:      "/api/v1/workflows/" + wf.ID + "/ws",
	})
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	metas, err := h.store.ListWorkflows(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list workflows", err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := metas[:0]
		for _, m := range metas {
			if string(m.Status) == status {
				filtered = append(filtered, m)
			}
		}
		metas = filtered
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"workflows": metas, "count": len(metas)})
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to get workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, wf)
}

// GetResults handles GET /api/v1/workflows/{id}/results
func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to get workflow", err)
		return
	}
	if !wf.Status.IsTerminal() {
		h.respondJSON(w, http.StatusAccepted, map[string]any{"workflow_id": wf.ID, "status": wf.Status})
		return
	}
	h.respondJSON(w, http.StatusOK, workflow.ResultOf(wf))
}

// DeleteWorkflow handles DELETE /api/v1/workflows/{id}
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondError(w, r, statusFor(err), "failed to delete workflow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartWorkflow handles POST /api/v1/workflows/{id}/start
func (h *Handlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.Start(r.Context(), id); err != nil {
		h.respondError(w, r, statusFor(err), "failed to start workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"status":      types.WorkflowStatusRunning,
		"sse_url":     "/api/v1/workflows/" + id + "/events",
	})
}

// CancelWorkflow handles POST /api/v1/workflows/{id}/cancel
func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.Cancel(r.Context(), id); err != nil {
		h.respondError(w, r, statusFor(err), "failed to cancel workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": "cancelling"})
}

// PublishRequest is the body of POST /api/v1/workflows/{id}/messages.
type PublishRequest struct {
	Sender   string         `json:"sender"`
	Target   string         `json:"target"`
	Payload  string         `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p *PublishRequest) message(workflowID string) types.Message {
	sender := p.Sender
	if sender == "" {
		sender = "user"
	}
	return types.Message{
		WorkflowID: workflowID,
		Sender:     sender,
		Target:     p.Target,
		Payload:    p.Payload,
		Metadata:   p.Metadata,
	}
}

// PublishMessage handles POST /api/v1/workflows/{id}/messages
func (h *Handlers) PublishMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Target == "" || req.Payload == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "target and payload are required", nil)
		return
	}

	delivered, err := h.service.Publish(r.Context(), id, req.message(id))
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to publish message", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details any
	if err != nil {
		details = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status, "path", r.URL.Path)
	} else {
		h.logger.Debug(message, "error", err, "status", status, "path", r.URL.Path)
	}
	writeErrorResponse(w, r, status, message, details)
}

// pagination reads limit and offset query parameters.
func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
