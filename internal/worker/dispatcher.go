// Package worker drains due recipients, sends them through the channel
// adapters and records what happened.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/lead"
	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/ratelimit"
	"github.com/lalithlochan/outreach/internal/redis"
	"github.com/lalithlochan/outreach/internal/retry"
	"github.com/lalithlochan/outreach/internal/schedule"
	"github.com/lalithlochan/outreach/internal/tenant"
)

// Store is the recipient persistence the dispatcher needs. Recipient writes
// are compare-and-set on the current status and report false when the row
// moved on.
type Store interface {
	// ClaimDue moves up to limit due recipients of running campaigns to
	// claimed and returns them. Rows claimed by another caller are skipped.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*campaign.Recipient, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	GetContent(ctx context.Context, campaignID uuid.UUID, version int) (content.Template, error)
	GetLead(ctx context.Context, id uuid.UUID) (*lead.Lead, error)
	UpdateRecipient(ctx context.Context, campaignID, leadID uuid.UUID, from campaign.RecipientStatus, u campaign.RecipientUpdate) (bool, error)
	// RecordOutcome appends the attempt and applies u in one transaction. It
	// returns false without changes when the attempt was already recorded.
	RecordOutcome(ctx context.Context, a *campaign.Attempt, from campaign.RecipientStatus, u campaign.RecipientUpdate) (bool, error)
	FindRecipientByProviderMessage(ctx context.Context, ch channel.Channel, providerMessageID string) (*campaign.Recipient, error)
	ListStaleInFlight(ctx context.Context, sentBefore time.Time, limit int) ([]*campaign.Recipient, error)
	ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int, error)
}

// Lifecycle is the part of the campaign service outcomes feed back into.
type Lifecycle interface {
	CheckCompletion(ctx context.Context, tenantID, id uuid.UUID) (bool, error)
	Fail(ctx context.Context, tenantID, id uuid.UUID, reason string) error
}

// Deduper claims one-shot keys; see redis.Deduper.
type Deduper interface {
	Claim(ctx context.Context, key string) error
	Forget(ctx context.Context, key string) error
}

// Reschedule reasons
const (
	ReasonWindow    = "window"
	ReasonRateLimit = "rate_limit"
	ReasonPaused    = "paused"
	ReasonLimiter   = "limiter_unavailable"
)

// Deps groups the dispatcher collaborators.
type Deps struct {
	Store     Store
	Lifecycle Lifecycle
	Registry  *channel.Registry
	Limiter   ratelimit.Limiter
	Engine    *retry.Engine
	Renderer  *content.Renderer
	Events    events.Publisher
	Callbacks Deduper
	Guard     *tenant.Guard
}

type Dispatcher struct {
	store     Store
	lifecycle Lifecycle
	registry  *channel.Registry
	limiter   ratelimit.Limiter
	engine    *retry.Engine
	renderer  *content.Renderer
	events    events.Publisher
	callbacks Deduper
	guard     *tenant.Guard
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(deps Deps, logger *zap.Logger) *Dispatcher {
	engine := deps.Engine
	if engine == nil {
		engine = retry.NewEngine(nil)
	}
	return &Dispatcher{
		store:     deps.Store,
		lifecycle: deps.Lifecycle,
		registry:  deps.Registry,
		limiter:   deps.Limiter,
		engine:    engine,
		renderer:  deps.Renderer,
		events:    deps.Events,
		callbacks: deps.Callbacks,
		guard:     deps.Guard,
		logger:    logger.Named("dispatcher"),
		now:       time.Now,
	}
}

// DispatchRecipient sends the next attempt of a claimed recipient, or hands
// the claim back with a new due time when sending is not allowed yet.
func (d *Dispatcher) DispatchRecipient(ctx context.Context, r *campaign.Recipient) error {
	log := d.logger.With(
		zap.String("tenant_id", r.TenantID.String()),
		zap.String("campaign_id", r.CampaignID.String()),
		zap.String("lead_id", r.LeadID.String()),
	)

	c, err := d.store.GetCampaign(ctx, r.CampaignID)
	if err != nil {
		return fmt.Errorf("get campaign: %w", err)
	}
	if err := d.guard.Check(ctx, r.TenantID, c.TenantID, "campaign", c.ID); err != nil {
		d.failCampaign(ctx, c, err.Error())
		return err
	}
	if c.Status != campaign.StatusRunning {
		// paused or stopped after the claim
		return d.reschedule(ctx, c, r, d.now(), ReasonPaused)
	}

	l, err := d.store.GetLead(ctx, r.LeadID)
	if err != nil {
		return fmt.Errorf("get lead: %w", err)
	}
	if err := d.guard.Check(ctx, r.TenantID, l.TenantID, "lead", l.ID); err != nil {
		d.failCampaign(ctx, c, err.Error())
		return err
	}
	if !l.Active() {
		u := r.Snapshot(campaign.RecipientFailed)
		u.LastError = "lead deleted"
		if _, err := d.store.UpdateRecipient(ctx, c.ID, l.ID, campaign.RecipientClaimed, u); err != nil {
			return fmt.Errorf("fail recipient: %w", err)
		}
		log.Info("lead deleted, recipient dropped")
		return d.checkCompletion(ctx, c)
	}

	attempt := r.AttemptCount + 1
	if attempt > c.Retry.MaxAttempts {
		u := r.Snapshot(campaign.RecipientFailed)
		u.LastError = fmt.Sprintf("max attempts %d reached", c.Retry.MaxAttempts)
		if _, err := d.store.UpdateRecipient(ctx, c.ID, l.ID, campaign.RecipientClaimed, u); err != nil {
			return fmt.Errorf("fail recipient: %w", err)
		}
		return d.checkCompletion(ctx, c)
	}

	loc, err := schedule.ResolveLocation(c.Timezone, l.Timezone, c.UseLeadTimezone)
	if err != nil {
		d.failCampaign(ctx, c, err.Error())
		return err
	}
	now := d.now()
	window, err := schedule.Window(c.Schedule, loc, now)
	if err != nil {
		d.failCampaign(ctx, c, err.Error())
		return err
	}
	if !window.Permitted {
		return d.reschedule(ctx, c, r, window.NextEligible, ReasonWindow)
	}

	quota, err := d.limiter.Allow(ctx, ratelimit.Key{TenantID: c.TenantID, Channel: string(c.Channel)})
	if err != nil {
		log.Warn("rate limiter unavailable", zap.Error(err))
		return d.reschedule(ctx, c, r, now.Add(5*time.Second), ReasonLimiter)
	}
	if !quota.Allowed {
		metrics.RecordRateLimitDenial(string(c.Channel))
		next, err := schedule.NextAtOrAfter(c.Schedule, loc, now.Add(quota.RetryAfter))
		if err != nil {
			next = now.Add(quota.RetryAfter)
		}
		return d.reschedule(ctx, c, r, next, ReasonRateLimit)
	}

	msg, err := d.compose(ctx, c, r, l, attempt)
	if err != nil {
		log.Error("failed to render content", zap.Error(err))
		return d.finalize(ctx, c, r, campaign.RecipientClaimed, attempt, now, retry.OutcomeFailed, "", err)
	}

	res, err := d.send(ctx, c.Channel, msg)
	if err != nil {
		log.Warn("send failed", zap.Int("attempt", attempt), zap.Error(err))
		return d.finalize(ctx, c, r, campaign.RecipientClaimed, attempt, now, channel.ClassifyError(err), "", err)
	}

	if res.Pending {
		u := r.Snapshot(campaign.RecipientInFlight)
		u.AttemptCount = attempt
		u.ProviderMessageID = res.ProviderMessageID
		u.SentAt = &now
		u.LastError = ""
		ok, err := d.store.UpdateRecipient(ctx, c.ID, r.LeadID, campaign.RecipientClaimed, u)
		if err != nil {
			return fmt.Errorf("mark in flight: %w", err)
		}
		if !ok {
			log.Warn("recipient moved while sending", zap.String("provider_message_id", res.ProviderMessageID))
		}
		log.Info("attempt awaiting outcome",
			zap.Int("attempt", attempt),
			zap.String("provider_message_id", res.ProviderMessageID),
		)
		return nil
	}

	return d.finalize(ctx, c, r, campaign.RecipientClaimed, attempt, now, res.Outcome, res.ProviderMessageID, nil)
}

// Release hands a claim back without sending, used when the pair lock is
// held elsewhere.
func (d *Dispatcher) Release(ctx context.Context, r *campaign.Recipient, at time.Time) error {
	u := r.Snapshot(r.IdleStatus())
	u.NextAttemptAt = at
	if _, err := d.store.UpdateRecipient(ctx, r.CampaignID, r.LeadID, campaign.RecipientClaimed, u); err != nil {
		return fmt.Errorf("release recipient: %w", err)
	}
	metrics.RecordLockRelease()
	return nil
}

func (d *Dispatcher) reschedule(ctx context.Context, c *campaign.Campaign, r *campaign.Recipient, at time.Time, reason string) error {
	u := r.Snapshot(r.IdleStatus())
	u.NextAttemptAt = at
	if _, err := d.store.UpdateRecipient(ctx, c.ID, r.LeadID, campaign.RecipientClaimed, u); err != nil {
		return fmt.Errorf("reschedule recipient: %w", err)
	}
	metrics.RecordReschedule(string(c.Channel), reason)
	d.logger.Debug("recipient rescheduled",
		zap.String("campaign_id", c.ID.String()),
		zap.String("lead_id", r.LeadID.String()),
		zap.String("reason", reason),
		zap.Time("next_attempt_at", at),
	)
	return nil
}

func (d *Dispatcher) compose(ctx context.Context, c *campaign.Campaign, r *campaign.Recipient, l *lead.Lead, attempt int) (channel.Message, error) {
	tpl, err := d.store.GetContent(ctx, c.ID, r.ContentVersion)
	if err != nil {
		return channel.Message{}, fmt.Errorf("get content v%d: %w", r.ContentVersion, err)
	}
	rendered, err := d.renderer.Render(fmt.Sprintf("%s:%d", c.ID, tpl.Version), tpl, l.Bindings())
	if err != nil {
		return channel.Message{}, err
	}
	return channel.Message{
		TenantID:  c.TenantID,
		Reference: fmt.Sprintf("%s:%s:%d", c.ID, l.ID, attempt),
		To:        recipientOf(l),
		Subject:   rendered.Subject,
		Body:      rendered.Body,
	}, nil
}

func recipientOf(l *lead.Lead) channel.Recipient {
	return channel.Recipient{
		LeadID:     l.ID,
		Name:       l.FullName(),
		Email:      l.Email,
		Phone:      l.Phone,
		ChatHandle: l.ChatHandle,
	}
}

func (d *Dispatcher) send(ctx context.Context, ch channel.Channel, msg channel.Message) (channel.SendResult, error) {
	start := time.Now()
	res, err := d.registry.Send(ctx, ch, msg)
	metrics.RecordSendLatency(string(ch), time.Since(start))
	return res, err
}

// finalize records the outcome of attempt and moves the recipient on.
func (d *Dispatcher) finalize(ctx context.Context, c *campaign.Campaign, r *campaign.Recipient, from campaign.RecipientStatus,
	attempt int, attemptedAt time.Time, outcome retry.Outcome, providerMessageID string, sendErr error) error {
	decision, err := d.engine.Decide(string(c.Channel), c.Retry, attempt, outcome)
	if err != nil {
		// a strategy that slipped past validation
		d.failCampaign(ctx, c, err.Error())
		decision = retry.Decision{Kind: retry.TerminalFailure, Reason: err.Error()}
	}

	a := &campaign.Attempt{
		ID:                uuid.New(),
		TenantID:          c.TenantID,
		CampaignID:        c.ID,
		LeadID:            r.LeadID,
		Number:            attempt,
		Channel:           c.Channel,
		Outcome:           string(outcome),
		Decision:          decision.Kind.String(),
		Reason:            decision.Reason,
		ProviderMessageID: providerMessageID,
		AttemptedAt:       attemptedAt,
		RecordedAt:        d.now(),
	}

	u := r.Snapshot(campaign.RecipientFailed)
	u.AttemptCount = attempt
	u.ProviderMessageID = providerMessageID
	u.LastOutcome = string(outcome)
	u.LastError = ""
	u.SentAt = &attemptedAt
	if sendErr != nil {
		a.Error = sendErr.Error()
		u.LastError = sendErr.Error()
	}

	switch decision.Kind {
	case retry.RetryAfter:
		next := attemptedAt.Add(decision.Delay)
		a.NextEligibleAt = &next
		u.Status = campaign.RecipientRetrying
		u.NextAttemptAt = next
	case retry.TerminalSuccess:
		u.Status = campaign.RecipientSucceeded
	}

	inserted, err := d.store.RecordOutcome(ctx, a, from, u)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if !inserted {
		d.logger.Info("attempt already recorded",
			zap.String("campaign_id", c.ID.String()),
			zap.String("lead_id", r.LeadID.String()),
			zap.Int("attempt", attempt),
		)
		return nil
	}

	metrics.RecordAttempt(string(c.Channel), string(outcome))
	metrics.RecordRetryDecision(string(c.Channel), decision.Kind.String())
	d.logger.Info("attempt recorded",
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("campaign_id", c.ID.String()),
		zap.String("lead_id", r.LeadID.String()),
		zap.Int("attempt", attempt),
		zap.String("outcome", string(outcome)),
		zap.String("decision", decision.Kind.String()),
	)

	if c.Channel == channel.Voice {
		d.publishVoice(ctx, c, r.LeadID, providerMessageID, attempt, outcome, decision)
	}
	if decision.Kind.Terminal() {
		return d.checkCompletion(ctx, c)
	}
	return nil
}

func (d *Dispatcher) publishVoice(ctx context.Context, c *campaign.Campaign, leadID uuid.UUID, providerMessageID string,
	attempt int, outcome retry.Outcome, decision retry.Decision) {
	typ := events.VoiceFailed
	if decision.Kind == retry.TerminalSuccess {
		typ = events.VoiceCompleted
	}

	payload, _ := json.Marshal(map[string]any{
		"outcome":     string(outcome),
		"attempt":     attempt,
		"final":       decision.Kind.Terminal(),
		"decision":    decision.Kind.String(),
		"campaign_id": c.ID.String(),
	})

	campaignID := c.ID
	ev := events.Event{
		ID:         fmt.Sprintf("voice:%s:%s:%d:%s", c.ID, leadID, attempt, outcome),
		Type:       typ,
		TenantID:   c.TenantID,
		OccurredAt: d.now(),
		LeadID:     &leadID,
		CampaignID: &campaignID,
		Payload:    payload,
	}
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Error("failed to publish voice event",
			zap.String("event_id", ev.ID),
			zap.String("provider_message_id", providerMessageID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) checkCompletion(ctx context.Context, c *campaign.Campaign) error {
	if _, err := d.lifecycle.CheckCompletion(ctx, c.TenantID, c.ID); err != nil {
		return fmt.Errorf("check completion: %w", err)
	}
	return nil
}

func (d *Dispatcher) failCampaign(ctx context.Context, c *campaign.Campaign, reason string) {
	if err := d.lifecycle.Fail(ctx, c.TenantID, c.ID, reason); err != nil {
		d.logger.Error("failed to fail campaign",
			zap.String("campaign_id", c.ID.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// StatusCallback is a provider webhook forwarded by the HTTP layer.
type StatusCallback struct {
	Channel           channel.Channel
	ProviderMessageID string
	Status            string
	OccurredAt        time.Time
}

// CallbackKey identifies one (provider message, status) report.
func CallbackKey(ch channel.Channel, providerMessageID, status string) string {
	sum := sha256.Sum256([]byte(string(ch) + "|" + providerMessageID + "|" + status))
	return hex.EncodeToString(sum[:])
}

// HandleStatusCallback records the outcome a provider reports for an
// attempt awaiting one. A replayed report is acknowledged without effect.
// Outcomes are processed whatever the campaign status, including paused.
func (d *Dispatcher) HandleStatusCallback(ctx context.Context, tenantID uuid.UUID, cb StatusCallback) (err error) {
	key := CallbackKey(cb.Channel, cb.ProviderMessageID, cb.Status)
	if err := d.callbacks.Claim(ctx, key); err != nil {
		if errors.Is(err, redis.ErrDuplicate) {
			metrics.RecordCallbackDuplicate()
			d.logger.Info("duplicate status callback",
				zap.String("provider_message_id", cb.ProviderMessageID),
				zap.String("status", cb.Status),
			)
			return nil
		}
		return fmt.Errorf("claim callback: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if ferr := d.callbacks.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			d.logger.Warn("failed to forget callback claim", zap.Error(ferr))
		}
	}()

	r, err := d.store.FindRecipientByProviderMessage(ctx, cb.Channel, cb.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("find recipient for %s: %w", cb.ProviderMessageID, err)
	}
	if err := d.guard.Check(ctx, tenantID, r.TenantID, "recipient", r.LeadID); err != nil {
		return err
	}
	c, err := d.store.GetCampaign(ctx, r.CampaignID)
	if err != nil {
		return fmt.Errorf("get campaign: %w", err)
	}
	if err := d.guard.Check(ctx, tenantID, c.TenantID, "campaign", c.ID); err != nil {
		return err
	}

	outcome := d.registry.ParseOutcome(cb.Channel, cb.Status)
	if !retry.Known(outcome) {
		// ringing, queued and other progress reports
		d.logger.Debug("non-final status", zap.String("status", cb.Status))
		return nil
	}
	if r.Status != campaign.RecipientInFlight {
		d.logger.Info("late status ignored",
			zap.String("campaign_id", c.ID.String()),
			zap.String("lead_id", r.LeadID.String()),
			zap.String("recipient_status", string(r.Status)),
			zap.String("outcome", string(outcome)),
		)
		return nil
	}

	attemptedAt := cb.OccurredAt
	if r.SentAt != nil {
		attemptedAt = *r.SentAt
	}
	return d.finalize(ctx, c, r, campaign.RecipientInFlight, r.AttemptCount, attemptedAt, outcome, r.ProviderMessageID, nil)
}

// ExpireInFlight records a timeout for an attempt whose outcome never
// arrived.
func (d *Dispatcher) ExpireInFlight(ctx context.Context, r *campaign.Recipient) error {
	c, err := d.store.GetCampaign(ctx, r.CampaignID)
	if err != nil {
		return fmt.Errorf("get campaign: %w", err)
	}
	if err := d.guard.Check(ctx, r.TenantID, c.TenantID, "campaign", c.ID); err != nil {
		return err
	}
	attemptedAt := d.now()
	if r.SentAt != nil {
		attemptedAt = *r.SentAt
	}
	return d.finalize(ctx, c, r, campaign.RecipientInFlight, r.AttemptCount, attemptedAt, retry.OutcomeTimeout,
		r.ProviderMessageID, errors.New("no outcome reported before timeout"))
}

// ErrRateLimited is returned by Deliver when the tenant has no quota left.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries the limiter hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Delivery is a one-off send outside a campaign, used by automation actions.
type Delivery struct {
	TenantID  uuid.UUID
	LeadID    uuid.UUID
	Channel   channel.Channel
	Template  content.Template
	Reference string
	Vars      map[string]any
}

// DeliveryResult mirrors channel.SendResult with the outcome classified.
type DeliveryResult struct {
	ProviderMessageID string
	Outcome           retry.Outcome
	Pending           bool
}

// Deliver runs the same rate limit, render, send and classification steps
// as a campaign attempt. Delivery windows belong to campaigns and do not
// apply. On a send error the classified outcome is returned with the error.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) (DeliveryResult, error) {
	l, err := d.store.GetLead(ctx, del.LeadID)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("get lead: %w", err)
	}
	if err := d.guard.Check(ctx, del.TenantID, l.TenantID, "lead", l.ID); err != nil {
		return DeliveryResult{}, err
	}
	if !l.Active() {
		return DeliveryResult{Outcome: retry.OutcomeInvalidRecipient}, channel.Permanent(errors.New("lead deleted"))
	}

	quota, err := d.limiter.Allow(ctx, ratelimit.Key{TenantID: del.TenantID, Channel: string(del.Channel)})
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !quota.Allowed {
		metrics.RecordRateLimitDenial(string(del.Channel))
		return DeliveryResult{}, &RateLimitError{RetryAfter: quota.RetryAfter}
	}

	vars := l.Bindings()
	for k, v := range del.Vars {
		vars[k] = v
	}
	rendered, err := d.renderer.Render("", del.Template, vars)
	if err != nil {
		return DeliveryResult{Outcome: retry.OutcomeFailed}, channel.Permanent(err)
	}

	res, err := d.send(ctx, del.Channel, channel.Message{
		TenantID:  del.TenantID,
		Reference: del.Reference,
		To:        recipientOf(l),
		Subject:   rendered.Subject,
		Body:      rendered.Body,
	})
	if err != nil {
		outcome := channel.ClassifyError(err)
		metrics.RecordAttempt(string(del.Channel), string(outcome))
		return DeliveryResult{Outcome: outcome}, err
	}
	if !res.Pending {
		metrics.RecordAttempt(string(del.Channel), string(res.Outcome))
	}
	return DeliveryResult{ProviderMessageID: res.ProviderMessageID, Outcome: res.Outcome, Pending: res.Pending}, nil
}
