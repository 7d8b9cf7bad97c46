package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/worker"
)

// EventRequest is the body of POST /v1/events. ID must be stable across
// retries of the same occurrence so the evaluator can deduplicate it.
type EventRequest struct {
	ID         string          `json:"id"`
	Revision   int             `json:"revision,omitempty"`
	Type       string          `json:"type"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	LeadID     *uuid.UUID      `json:"lead_id,omitempty"`
	CampaignID *uuid.UUID      `json:"campaign_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// StatusRequest is a provider status report.
type StatusRequest struct {
	ProviderMessageID string     `json:"provider_message_id"`
	Status            string     `json:"status"`
	OccurredAt        *time.Time `json:"occurred_at,omitempty"`
}

// IngestEvent handles POST /v1/events
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.ID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "id is required")
		return
	}
	typ, err := events.ParseType(req.Type)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	ev := events.Event{
		ID:         req.ID,
		Revision:   req.Revision,
		Type:       typ,
		TenantID:   tenantID(r),
		OccurredAt: h.now().UTC(),
		LeadID:     req.LeadID,
		CampaignID: req.CampaignID,
		Payload:    req.Payload,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}

	if err := h.events.Publish(r.Context(), ev); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Debug("event accepted",
		zap.String("tenant_id", ev.TenantID.String()),
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
	)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

// StatusCallback handles POST /v1/webhooks/{channel}/status
func (h *Handler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	ch, err := channel.Parse(chiParam(r, "channel"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown channel", err.Error())
		return
	}
	var req StatusRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.ProviderMessageID == "" || req.Status == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "provider_message_id and status are required")
		return
	}

	cb := worker.StatusCallback{
		Channel:           ch,
		ProviderMessageID: req.ProviderMessageID,
		Status:            req.Status,
		OccurredAt:        h.now().UTC(),
	}
	if req.OccurredAt != nil {
		cb.OccurredAt = req.OccurredAt.UTC()
	}

	if err := h.callbacks.HandleStatusCallback(r.Context(), tenantID(r), cb); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
