package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/ratelimit"
	"github.com/lalithlochan/outreach/internal/tenant"
)

// Service applies lifecycle operations. Every method takes the tenant id
// resolved upstream and refuses rows owned by another tenant.
type Service struct {
	store    Store
	limiter  ratelimit.Limiter
	renderer *content.Renderer
	events   events.Publisher
	guard    *tenant.Guard
	notifier tenant.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewService wires the state machine. notifier may be nil.
func NewService(store Store, limiter ratelimit.Limiter, renderer *content.Renderer, pub events.Publisher,
	guard *tenant.Guard, notifier tenant.Notifier, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		limiter:  limiter,
		renderer: renderer,
		events:   pub,
		guard:    guard,
		notifier: notifier,
		logger:   logger.Named("campaign"),
		now:      time.Now,
	}
}

// CreateInput is what an operator supplies for a new campaign.
type CreateInput struct {
	Campaign
	Content content.Template
}

// Create stores a draft. A draft may be incomplete; the full configuration
// check runs when it is scheduled or started.
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, in CreateInput) (*Campaign, error) {
	c := in.Campaign
	c.ID = uuid.New()
	c.TenantID = tenantID
	c.Status = StatusDraft
	c.ContentVersion = 1
	c.StartedAt, c.CompletedAt, c.StartAt = nil, nil, nil
	c.FailureReason = ""
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	if !c.Channel.Valid() {
		return nil, fmt.Errorf("%w: channel %q", ErrConfiguration, c.Channel)
	}
	if err := s.renderer.Validate(in.Content); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	list, err := s.store.GetLeadList(ctx, c.LeadListID)
	if err != nil {
		return nil, fmt.Errorf("get lead list: %w", err)
	}
	if err := s.guard.Check(ctx, tenantID, list.TenantID, "lead_list", list.ID); err != nil {
		return nil, err
	}

	tpl := in.Content
	tpl.Version = 1
	if err := s.store.CreateCampaign(ctx, &c, tpl); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.logger.Info("campaign created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("campaign_id", c.ID.String()),
		zap.String("channel", string(c.Channel)),
	)
	return &c, nil
}

// Get loads a campaign owned by tenantID.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if err := s.guard.Check(ctx, tenantID, c.TenantID, "campaign", c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// Schedule moves a draft to scheduled with the instant the scheduler tick
// should start it.
func (s *Service) Schedule(ctx context.Context, tenantID, id uuid.UUID, startAt time.Time) (*Campaign, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot schedule a %s campaign", ErrInvalidTransition, c.Status)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, c, StatusScheduled, Change{At: s.now(), StartAt: &startAt}); err != nil {
		return nil, err
	}
	return c, nil
}

// Start materializes recipients and moves the campaign to running. Any
// configuration error is returned here and, for a scheduled campaign, also
// moves it to failed.
func (s *Service) Start(ctx context.Context, tenantID, id uuid.UUID) (*Campaign, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDraft && c.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: cannot start a %s campaign", ErrInvalidTransition, c.Status)
	}

	recipients, err := s.prepare(ctx, c)
	if err != nil {
		if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrEmptyLeadList) || errors.Is(err, tenant.ErrIsolationViolation) {
			s.failScheduled(ctx, c, err)
		}
		return nil, err
	}

	key := ratelimit.Key{TenantID: c.TenantID, Channel: string(c.Channel)}
	quota, err := s.limiter.Peek(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if !quota.Allowed {
		return nil, fmt.Errorf("%w: retry in %s", ErrQuotaUnavailable, quota.RetryAfter)
	}

	now := s.now()
	ok, err := s.store.StartCampaign(ctx, c.ID, c.Status, recipients, now)
	if err != nil {
		return nil, fmt.Errorf("start campaign: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %s changed concurrently", ErrInvalidTransition, c.ID)
	}

	metrics.RecordCampaignTransition(string(c.Status), string(StatusRunning))
	s.logger.Info("campaign started",
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("campaign_id", c.ID.String()),
		zap.Int("recipients", len(recipients)),
	)

	c.Status = StatusRunning
	c.StartedAt = &now
	c.UpdatedAt = now
	return c, nil
}

func (s *Service) prepare(ctx context.Context, c *Campaign) ([]*Recipient, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	tpl, err := s.store.GetContent(ctx, c.ID, c.ContentVersion)
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	if err := s.renderer.Validate(tpl); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	list, err := s.store.GetLeadList(ctx, c.LeadListID)
	if err != nil {
		return nil, fmt.Errorf("get lead list: %w", err)
	}
	if err := s.guard.Check(ctx, c.TenantID, list.TenantID, "lead_list", list.ID); err != nil {
		return nil, err
	}

	leads, err := s.store.ListActiveLeads(ctx, list.ID)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	if len(leads) == 0 {
		return nil, fmt.Errorf("%w: list %s", ErrEmptyLeadList, list.ID)
	}

	now := s.now()
	recipients := make([]*Recipient, 0, len(leads))
	for _, l := range leads {
		if err := s.guard.Check(ctx, c.TenantID, l.TenantID, "lead", l.ID); err != nil {
			return nil, err
		}
		recipients = append(recipients, &Recipient{
			CampaignID:     c.ID,
			LeadID:         l.ID,
			TenantID:       c.TenantID,
			Status:         RecipientPending,
			NextAttemptAt:  now,
			ContentVersion: c.ContentVersion,
			UpdatedAt:      now,
		})
	}
	return recipients, nil
}

func (s *Service) failScheduled(ctx context.Context, c *Campaign, cause error) {
	if c.Status != StatusScheduled {
		return
	}
	if err := s.transition(ctx, c, StatusFailed, Change{At: s.now(), Reason: cause.Error()}); err != nil {
		s.logger.Error("failed to mark campaign failed", zap.String("campaign_id", c.ID.String()), zap.Error(err))
	}
}

// Pause stops new dispatch claims. In-flight attempts complete normally.
// Pausing a paused campaign is a no-op.
func (s *Service) Pause(ctx context.Context, tenantID, id uuid.UUID) (*Campaign, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case StatusPaused:
		return c, nil
	case StatusRunning:
		if err := s.transition(ctx, c, StatusPaused, Change{At: s.now()}); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: cannot pause a %s campaign", ErrInvalidTransition, c.Status)
	}
}

// Resume is the idempotent inverse of Pause. Outcomes recorded while paused
// may have finished every recipient, so completion is checked right away.
func (s *Service) Resume(ctx context.Context, tenantID, id uuid.UUID) (*Campaign, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case StatusRunning:
		return c, nil
	case StatusPaused:
		if err := s.transition(ctx, c, StatusRunning, Change{At: s.now()}); err != nil {
			return nil, err
		}
		if _, err := s.checkCompletion(ctx, c); err != nil {
			s.logger.Warn("completion check after resume failed", zap.Error(err))
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: cannot resume a %s campaign", ErrInvalidTransition, c.Status)
	}
}

// UpdateContent appends a new content version. Content already sent is
// never edited; only recipients without any attempt pick up the new version.
func (s *Service) UpdateContent(ctx context.Context, tenantID, id uuid.UUID, tpl content.Template) (int, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	if c.Status.Terminal() {
		return 0, fmt.Errorf("%w: cannot edit a %s campaign", ErrInvalidTransition, c.Status)
	}
	if err := s.renderer.Validate(tpl); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	version, err := s.store.AddContent(ctx, c.ID, tpl)
	if err != nil {
		return 0, fmt.Errorf("add content: %w", err)
	}
	s.logger.Info("campaign content updated",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("version", version),
	)
	return version, nil
}

// Fail moves a scheduled or running campaign to failed. Dispatch stops
// because claims only select running campaigns.
func (s *Service) Fail(ctx context.Context, tenantID, id uuid.UUID, reason string) error {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if c.Status == StatusFailed {
		return nil
	}
	return s.transition(ctx, c, StatusFailed, Change{At: s.now(), Reason: reason})
}

// CheckCompletion completes a running campaign whose recipients are all
// terminal. It reports whether this call completed it.
func (s *Service) CheckCompletion(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return false, err
	}
	return s.checkCompletion(ctx, c)
}

func (s *Service) checkCompletion(ctx context.Context, c *Campaign) (bool, error) {
	if c.Status != StatusRunning {
		return false, nil
	}
	open, err := s.store.CountOpenRecipients(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("count open recipients: %w", err)
	}
	if open > 0 {
		return false, nil
	}

	now := s.now()
	ok, err := s.store.TransitionCampaign(ctx, c.ID, StatusRunning, StatusCompleted, Change{At: now})
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}
	if !ok {
		// another worker completed it, or it was paused meanwhile
		return false, nil
	}
	metrics.RecordCampaignTransition(string(StatusRunning), string(StatusCompleted))
	c.Status = StatusCompleted
	c.CompletedAt = &now

	s.logger.Info("campaign completed",
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("campaign_id", c.ID.String()),
	)

	campaignID := c.ID
	ev := events.Event{
		ID:         "campaign_completed:" + c.ID.String(),
		Type:       events.CampaignCompleted,
		TenantID:   c.TenantID,
		OccurredAt: now,
		CampaignID: &campaignID,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Error("failed to publish campaign_completed", zap.String("campaign_id", c.ID.String()), zap.Error(err))
	}
	s.notify(ctx, c, "campaign_completed", "campaign "+c.Name+" completed")
	return true, nil
}

// PromoteDue starts scheduled campaigns whose start time has passed. It is
// driven by the scheduler tick and returns how many it started.
func (s *Service) PromoteDue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListDueScheduled(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}

	started := 0
	for _, c := range due {
		if _, err := s.Start(ctx, c.TenantID, c.ID); err != nil {
			s.logger.Warn("scheduled campaign did not start",
				zap.String("tenant_id", c.TenantID.String()),
				zap.String("campaign_id", c.ID.String()),
				zap.Error(err),
			)
			continue
		}
		started++
	}
	return started, nil
}

// RunScheduler calls PromoteDue every interval until ctx is done.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration, batch int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("campaign scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("campaign scheduler stopped")
			return nil
		case <-ticker.C:
			n, err := s.PromoteDue(ctx, batch)
			if err != nil {
				s.logger.Error("promote due campaigns failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("scheduled campaigns started", zap.Int("count", n))
			}
		}
	}
}

// History returns the recipient row and its attempts in order.
func (s *Service) History(ctx context.Context, tenantID, campaignID, leadID uuid.UUID) (*History, error) {
	c, err := s.Get(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetRecipient(ctx, c.ID, leadID)
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	if err := s.guard.Check(ctx, tenantID, r.TenantID, "recipient", r.LeadID); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, c.ID, &leadID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return &History{Recipient: r, Attempts: attempts}, nil
}

// Attempts pages through every attempt of a campaign.
func (s *Service) Attempts(ctx context.Context, tenantID, campaignID uuid.UUID, limit, offset int) ([]*Attempt, error) {
	c, err := s.Get(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	attempts, err := s.store.ListAttempts(ctx, c.ID, nil, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, nil
}

func (s *Service) transition(ctx context.Context, c *Campaign, to Status, change Change) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	ok, err := s.store.TransitionCampaign(ctx, c.ID, c.Status, to, change)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s is no longer %s", ErrInvalidTransition, c.ID, c.Status)
	}

	metrics.RecordCampaignTransition(string(c.Status), string(to))
	s.logger.Info("campaign transition",
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("campaign_id", c.ID.String()),
		zap.String("from", string(c.Status)),
		zap.String("to", string(to)),
	)

	c.Status = to
	c.UpdatedAt = change.At
	switch to {
	case StatusScheduled:
		c.StartAt = change.StartAt
	case StatusFailed:
		c.FailureReason = change.Reason
		s.notify(ctx, c, "campaign_failed", change.Reason)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, c *Campaign, kind, subject string) {
	if s.notifier == nil {
		return
	}
	attrs := map[string]string{"campaign_id": c.ID.String(), "status": string(c.Status)}
	if err := s.notifier.Notify(ctx, kind, c.TenantID, subject, attrs); err != nil {
		s.logger.Warn("failed to publish alert", zap.String("kind", kind), zap.Error(err))
	}
}
