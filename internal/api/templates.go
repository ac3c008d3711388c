package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/internal/validator"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// ListTemplates handles GET /api/v1/templates
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	opts := &templates.ListOptions{
		Tag:    r.URL.Query().Get("tag"),
		Source: r.URL.Query().Get("source"),
	}
	opts.Limit, opts.Offset = pagination(r)

	metas, err := h.templates.List(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list templates", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"templates": metas, "count": len(metas)})
}

// GetTemplate handles GET /api/v1/templates/{id}
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.templates.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to get template", err)
		return
	}
	h.respondJSON(w, http.StatusOK, t)
}

// CreateTemplate handles POST /api/v1/templates
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	t, ok := h.decodeTemplate(w, r)
	if !ok {
		return
	}
	created, err := h.templates.Create(r.Context(), t)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to create template", err)
		return
	}
	h.logger.Info("template created", "template_id", created.ID, "version", created.Version)
	h.respondJSON(w, http.StatusCreated, created)
}

// UpdateTemplate handles PUT /api/v1/templates/{id}
func (h *Handlers) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := h.decodeTemplate(w, r)
	if !ok {
		return
	}
	if t.ID != "" && t.ID != id {
		writeErrorResponse(w, r, http.StatusBadRequest, "template id does not match path", nil)
		return
	}
	updated, err := h.templates.Update(r.Context(), id, t)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to update template", err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// DeleteTemplate handles DELETE /api/v1/templates/{id}
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondError(w, r, statusFor(err), "failed to delete template", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateTemplate handles POST /api/v1/templates/validate and reports
// problems without storing anything.
func (h *Handlers) ValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var t types.Template
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&t); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.checkTemplate(&t))
}

func (h *Handlers) decodeTemplate(w http.ResponseWriter, r *http.Request) (*types.Template, bool) {
	var t types.Template
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&t); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	if result := h.checkTemplate(&t); !result.Valid {
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, "invalid template", result.Errors)
		return nil, false
	}
	t.Source = ""
	return &t, true
}

// checkTemplate runs the schema checks and compiles conditions and prompts.
func (h *Handlers) checkTemplate(t *types.Template) *validator.ValidationResult {
	result := h.validator.ValidateTemplate(t)
	if h.builder == nil {
		return result
	}
	if err := h.builder.Check(t); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, validator.ValidationError{Path: "tasks", Message: err.Error()})
	}
	return result
}
