package api

import (
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/lalithlochan/outreach/internal/automation"
)

// CreateRule handles POST /v1/automations
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	rule, err := automation.ParseRule(data)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed rule", err.Error())
		return
	}
	if rule.TenantID != uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unexpected tenant_id", "the tenant is taken from the X-Tenant-ID header")
		return
	}

	created, err := h.rules.Create(r.Context(), tenantID(r), rule)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ListRules handles GET /v1/automations
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context(), tenantID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*automation.Rule{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": rules})
}

// GetRule handles GET /v1/automations/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid rule id", err.Error())
		return
	}
	rule, err := h.rules.Get(r.Context(), tenantID(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// setRuleEnabled serves the enable and disable routes.
func (h *Handler) setRuleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := urlUUID(r, "id")
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid rule id", err.Error())
			return
		}
		rule, err := h.rules.SetEnabled(r.Context(), tenantID(r), id, enabled)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, rule)
	}
}

// EnableRule handles POST /v1/automations/{id}/enable
func (h *Handler) EnableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(true)(w, r)
}

// DisableRule handles POST /v1/automations/{id}/disable
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(false)(w, r)
}
