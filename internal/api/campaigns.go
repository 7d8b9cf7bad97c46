package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/retry"
	"github.com/lalithlochan/outreach/internal/schedule"
)

// CampaignRequest is the body of POST /v1/campaigns. The tenant comes from
// the X-Tenant-ID header. An omitted schedule is business hours on weekdays,
// an omitted timezone is UTC and an omitted retry strategy is the default.
type CampaignRequest struct {
	Name            string           `json:"name"`
	Channel         channel.Channel  `json:"channel"`
	LeadListID      uuid.UUID        `json:"lead_list_id"`
	Schedule        json.RawMessage  `json:"schedule,omitempty"`
	Timezone        string           `json:"timezone,omitempty"`
	UseLeadTimezone bool             `json:"use_lead_timezone"`
	Retry           json.RawMessage  `json:"retry_strategy,omitempty"`
	Content         content.Template `json:"content"`
}

const defaultTimezone = "UTC"

func omitted(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// campaignSettings applies the defaults for whatever the request left out.
func (req CampaignRequest) campaignSettings() (schedule.Rule, string, retry.Strategy, error) {
	rule := schedule.DefaultRule()
	if !omitted(req.Schedule) {
		parsed, err := schedule.ParseRule(req.Schedule)
		if err != nil {
			return schedule.Rule{}, "", retry.Strategy{}, err
		}
		rule = parsed
	}

	strategy := retry.DefaultStrategy()
	if !omitted(req.Retry) {
		parsed, err := retry.ParseStrategy(req.Retry)
		if err != nil {
			return schedule.Rule{}, "", retry.Strategy{}, err
		}
		strategy = parsed
	}

	tz := req.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	return rule, tz, strategy, nil
}

type scheduleRequest struct {
	StartAt time.Time `json:"start_at"`
}

type contentResponse struct {
	Version int `json:"version"`
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Name == "" || req.LeadListID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name and lead_list_id are required")
		return
	}

	rule, tz, strategy, err := req.campaignSettings()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	c, err := h.campaigns.Create(r.Context(), tenantID(r), campaign.CreateInput{
		Campaign: campaign.Campaign{
			Name:            req.Name,
			Channel:         req.Channel,
			LeadListID:      req.LeadListID,
			Schedule:        rule,
			Timezone:        tz,
			UseLeadTimezone: req.UseLeadTimezone,
			Retry:           strategy,
		},
		Content: req.Content,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("campaign created via api",
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("campaign_id", c.ID.String()),
	)
	h.writeJSON(w, http.StatusCreated, c)
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign id", err.Error())
		return
	}
	c, err := h.campaigns.Get(r.Context(), tenantID(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// ScheduleCampaign handles POST /v1/campaigns/{id}/schedule
func (h *Handler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign id", err.Error())
		return
	}
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.StartAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "start_at is required")
		return
	}

	c, err := h.campaigns.Schedule(r.Context(), tenantID(r), id, req.StartAt)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

type campaignAction func(r *http.Request, tenantID, id uuid.UUID) (*campaign.Campaign, error)

// transition serves the start, pause and resume routes.
func (h *Handler) transition(action campaignAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := urlUUID(r, "id")
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign id", err.Error())
			return
		}
		c, err := action(r, tenantID(r), id)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, c)
	}
}

// StartCampaign handles POST /v1/campaigns/{id}/start
func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(func(r *http.Request, t, id uuid.UUID) (*campaign.Campaign, error) {
		return h.campaigns.Start(r.Context(), t, id)
	})(w, r)
}

// PauseCampaign handles POST /v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(func(r *http.Request, t, id uuid.UUID) (*campaign.Campaign, error) {
		return h.campaigns.Pause(r.Context(), t, id)
	})(w, r)
}

// ResumeCampaign handles POST /v1/campaigns/{id}/resume
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(func(r *http.Request, t, id uuid.UUID) (*campaign.Campaign, error) {
		return h.campaigns.Resume(r.Context(), t, id)
	})(w, r)
}

// UpdateContent handles PUT /v1/campaigns/{id}/content
func (h *Handler) UpdateContent(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign id", err.Error())
		return
	}
	var tpl content.Template
	if err := decode(r, &tpl); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	version, err := h.campaigns.UpdateContent(r.Context(), tenantID(r), id, tpl)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, contentResponse{Version: version})
}

// ListAttempts handles GET /v1/campaigns/{id}/attempts
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign id", err.Error())
		return
	}

	limit := 100
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	attempts, err := h.campaigns.Attempts(r.Context(), tenantID(r), id, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*campaign.Attempt{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   attempts,
		"limit":  limit,
		"offset": offset,
	})
}

// RecipientHistory handles GET /v1/campaigns/{id}/recipients/{leadID}/history
func (h *Handler) RecipientHistory(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign id", err.Error())
		return
	}
	leadID, err := urlUUID(r, "leadID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid lead id", err.Error())
		return
	}

	history, err := h.campaigns.History(r.Context(), tenantID(r), id, leadID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}
