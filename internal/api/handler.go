// Package api is the operator and provider webhook HTTP surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/automation"
	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/retry"
	"github.com/lalithlochan/outreach/internal/schedule"
	"github.com/lalithlochan/outreach/internal/tenant"
	"github.com/lalithlochan/outreach/internal/worker"
)

// CampaignService is the campaign lifecycle; see campaign.Service.
type CampaignService interface {
	Create(ctx context.Context, tenantID uuid.UUID, in campaign.CreateInput) (*campaign.Campaign, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*campaign.Campaign, error)
	Schedule(ctx context.Context, tenantID, id uuid.UUID, startAt time.Time) (*campaign.Campaign, error)
	Start(ctx context.Context, tenantID, id uuid.UUID) (*campaign.Campaign, error)
	Pause(ctx context.Context, tenantID, id uuid.UUID) (*campaign.Campaign, error)
	Resume(ctx context.Context, tenantID, id uuid.UUID) (*campaign.Campaign, error)
	UpdateContent(ctx context.Context, tenantID, id uuid.UUID, tpl content.Template) (int, error)
	History(ctx context.Context, tenantID, campaignID, leadID uuid.UUID) (*campaign.History, error)
	Attempts(ctx context.Context, tenantID, campaignID uuid.UUID, limit, offset int) ([]*campaign.Attempt, error)
}

// RuleService manages automation rules; see automation.RuleService.
type RuleService interface {
	Create(ctx context.Context, tenantID uuid.UUID, r *automation.Rule) (*automation.Rule, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*automation.Rule, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*automation.Rule, error)
	SetEnabled(ctx context.Context, tenantID, id uuid.UUID, enabled bool) (*automation.Rule, error)
}

// CallbackHandler records provider status reports.
type CallbackHandler interface {
	HandleStatusCallback(ctx context.Context, tenantID uuid.UUID, cb worker.StatusCallback) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	campaigns CampaignService
	rules     RuleService
	callbacks CallbackHandler
	events    events.Publisher
	now       func() time.Time
}

// NewHandler creates a new API handler. Ingested events go to pub, which is
// the SQS producer when a queue is configured and the evaluator bus
// otherwise.
func NewHandler(logger *zap.Logger, campaigns CampaignService, rules RuleService, callbacks CallbackHandler, pub events.Publisher) *Handler {
	return &Handler{
		logger:    logger.Named("api"),
		campaigns: campaigns,
		rules:     rules,
		callbacks: callbacks,
		events:    pub,
		now:       time.Now,
	}
}

// maxBody bounds request bodies.
const maxBody = 1 << 20

// decode reads a JSON body strictly: unknown fields and trailing data are
// rejected.
func decode(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func chiParam(r *http.Request, name string) string { return chi.URLParam(r, name) }

func urlUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chiParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid UUID", name)
	}
	return id, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	problem(w, status, errType, title, detail)
}

// writeServiceError maps domain errors to problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrIsolationViolation):
		// the guard already logged and alerted; the caller learns nothing
		h.writeError(w, http.StatusForbidden, "forbidden", "Forbidden", "")
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Not found", err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Invalid campaign transition", err.Error())
	case errors.Is(err, db.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", "Conflict", err.Error())
	case errors.Is(err, campaign.ErrQuotaUnavailable):
		h.writeError(w, http.StatusTooManyRequests, "quota_unavailable", "Rate limit quota unavailable", err.Error())
	case errors.Is(err, campaign.ErrConfiguration),
		errors.Is(err, campaign.ErrEmptyLeadList),
		errors.Is(err, content.ErrInvalidTemplate),
		errors.Is(err, automation.ErrInvalidRule),
		errors.Is(err, schedule.ErrInvalidRule),
		errors.Is(err, retry.ErrInvalidStrategy),
		errors.Is(err, events.ErrUnknownType):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_configuration", "Invalid configuration", err.Error())
	case errors.Is(err, events.ErrBusClosed):
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Shutting down", "")
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

// tenantID is set by RequireTenant.
func tenantID(r *http.Request) uuid.UUID {
	id, _ := tenant.FromContext(r.Context())
	return id
}
