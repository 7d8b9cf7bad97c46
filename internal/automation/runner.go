package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/lead"
	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/retry"
	"github.com/lalithlochan/outreach/internal/tenant"
	"github.com/lalithlochan/outreach/internal/worker"
)

// ActionStore is the scheduled action persistence the runner needs.
type ActionStore interface {
	// ClaimDueActions moves up to limit due pending actions to claimed.
	ClaimDueActions(ctx context.Context, now time.Time, limit int) ([]*ScheduledAction, error)
	// FinishAction moves a claimed action to done or failed.
	FinishAction(ctx context.Context, id uuid.UUID, status string, attempts int, providerMessageID, lastError string) error
	// RescheduleAction returns a claimed action to pending, due at.
	RescheduleAction(ctx context.Context, id uuid.UUID, at time.Time, attempts int, lastError string) error
	// ReleaseStaleActions returns actions claimed before claimedBefore to
	// pending.
	ReleaseStaleActions(ctx context.Context, claimedBefore time.Time) (int, error)
	GetLead(ctx context.Context, id uuid.UUID) (*lead.Lead, error)
	AddLeadTag(ctx context.Context, tenantID, leadID uuid.UUID, tag string) error
	RemoveLeadTag(ctx context.Context, tenantID, leadID uuid.UUID, tag string) error
	UpdateLeadStatus(ctx context.Context, tenantID, leadID uuid.UUID, status string) error
}

// Sender is the dispatcher send path.
type Sender interface {
	Deliver(ctx context.Context, del worker.Delivery) (worker.DeliveryResult, error)
}

type RunnerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Workers bounds how many actions of a batch execute at once.
	Workers int
	// ClaimTimeout is how long a claim may stay unfinished before it is
	// released to another runner.
	ClaimTimeout time.Duration
	// Retry bounds transient send failures of one action.
	Retry retry.Strategy
}

// Runner executes due actions. Each action succeeds or fails on its own;
// siblings of a failed action are unaffected.
type Runner struct {
	store  ActionStore
	sender Sender
	engine *retry.Engine
	guard  *tenant.Guard
	config RunnerConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewRunner(store ActionStore, sender Sender, engine *retry.Engine, guard *tenant.Guard, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultStrategy()
	}
	if engine == nil {
		engine = retry.NewEngine(nil)
	}
	return &Runner{
		store:  store,
		sender: sender,
		engine: engine,
		guard:  guard,
		config: cfg,
		logger: logger.Named("action_runner"),
		now:    time.Now,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.logger.Info("action runner started",
		zap.Int("workers", r.config.Workers),
		zap.Duration("poll_interval", r.config.PollInterval),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("action runner stopped")
			return nil
		case <-ticker.C:
			r.releaseStale(ctx)
			r.RunDue(ctx)
		}
	}
}

func (r *Runner) releaseStale(ctx context.Context) {
	n, err := r.store.ReleaseStaleActions(ctx, r.now().Add(-r.config.ClaimTimeout))
	if err != nil {
		r.logger.Error("failed to release stale action claims", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Warn("released stale action claims", zap.Int("count", n))
	}
}

// RunDue executes one batch of due actions, up to Workers at a time, and
// returns how many it handled once all of them finished.
func (r *Runner) RunDue(ctx context.Context) int {
	due, err := r.store.ClaimDueActions(ctx, r.now(), r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to claim due actions", zap.Error(err))
		return 0
	}

	// an action that started completes even during shutdown
	actx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.config.Workers)
	for _, a := range due {
		g.Go(func() error {
			if err := r.Execute(actx, a); err != nil {
				r.logger.Error("action execution failed",
					zap.String("action_id", a.ID.String()),
					zap.String("rule_id", a.RuleID.String()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// Execute runs one claimed action and records how it ended.
func (r *Runner) Execute(ctx context.Context, a *ScheduledAction) error {
	log := r.logger.With(
		zap.String("tenant_id", a.TenantID.String()),
		zap.String("rule_id", a.RuleID.String()),
		zap.String("action_id", a.ID.String()),
		zap.String("action", string(a.Action.Type)),
	)

	if ch, ok := a.Action.Type.Channel(); ok {
		return r.send(ctx, a, ch, log)
	}

	err := r.editLead(ctx, a)
	if err != nil {
		log.Warn("lead action failed", zap.Error(err))
		metrics.RecordAutomationAction(string(a.Action.Type), ActionFailed)
		return r.store.FinishAction(ctx, a.ID, ActionFailed, a.Attempts+1, "", err.Error())
	}
	metrics.RecordAutomationAction(string(a.Action.Type), ActionDone)
	log.Info("lead action done")
	return r.store.FinishAction(ctx, a.ID, ActionDone, a.Attempts+1, "", "")
}

func (r *Runner) editLead(ctx context.Context, a *ScheduledAction) error {
	if a.LeadID == nil {
		return errors.New("action requires a lead")
	}
	l, err := r.store.GetLead(ctx, *a.LeadID)
	if err != nil {
		return fmt.Errorf("get lead: %w", err)
	}
	if err := r.guard.Check(ctx, a.TenantID, l.TenantID, "lead", l.ID); err != nil {
		return err
	}
	if !l.Active() {
		return errors.New("lead deleted")
	}

	switch a.Action.Type {
	case AddTag, RemoveTag:
		var cfg TagConfig
		if err := decodeStrict(a.Action.Config, &cfg); err != nil {
			return err
		}
		if a.Action.Type == AddTag {
			return r.store.AddLeadTag(ctx, a.TenantID, l.ID, cfg.Tag)
		}
		return r.store.RemoveLeadTag(ctx, a.TenantID, l.ID, cfg.Tag)
	case UpdateLeadStatus:
		var cfg StatusConfig
		if err := decodeStrict(a.Action.Config, &cfg); err != nil {
			return err
		}
		return r.store.UpdateLeadStatus(ctx, a.TenantID, l.ID, cfg.Status)
	}
	return fmt.Errorf("unknown action type %q", a.Action.Type)
}

func (r *Runner) send(ctx context.Context, a *ScheduledAction, ch channel.Channel, log *zap.Logger) error {
	fail := func(msg string) error {
		metrics.RecordAutomationAction(string(a.Action.Type), ActionFailed)
		return r.store.FinishAction(ctx, a.ID, ActionFailed, a.Attempts, "", msg)
	}

	if a.LeadID == nil {
		return fail("send action requires a lead")
	}
	var cfg SendConfig
	if err := decodeStrict(a.Action.Config, &cfg); err != nil {
		return fail(err.Error())
	}

	attempt := a.Attempts + 1
	res, err := r.sender.Deliver(ctx, worker.Delivery{
		TenantID:  a.TenantID,
		LeadID:    *a.LeadID,
		Channel:   ch,
		Template:  content.Template{Subject: cfg.Subject, Body: cfg.Body},
		Reference: fmt.Sprintf("automation:%s:%d", a.ID, attempt),
		Vars:      a.Vars,
	})

	var rl *worker.RateLimitError
	switch {
	case errors.As(err, &rl):
		// a denial is not an attempt
		at := r.now().Add(rl.RetryAfter)
		log.Debug("action rate limited", zap.Time("due_at", at))
		return r.store.RescheduleAction(ctx, a.ID, at, a.Attempts, err.Error())
	case errors.Is(err, tenant.ErrIsolationViolation):
		if ferr := fail(err.Error()); ferr != nil {
			log.Error("failed to record action failure", zap.Error(ferr))
		}
		return err
	case err != nil && res.Outcome == "":
		// not a provider answer, e.g. the lead could not be loaded
		return r.retryOrFail(ctx, a, attempt, retry.OutcomeTransientError, err, log)
	case err != nil:
		return r.retryOrFail(ctx, a, attempt, res.Outcome, err, log)
	}

	if !res.Pending {
		decision, derr := r.engine.Decide(string(ch), r.config.Retry, attempt, res.Outcome)
		if derr == nil && !decision.Kind.Terminal() {
			return r.retryOrFail(ctx, a, attempt, res.Outcome, nil, log)
		}
		if derr == nil && decision.Kind == retry.TerminalFailure {
			metrics.RecordAutomationAction(string(a.Action.Type), ActionFailed)
			return r.store.FinishAction(ctx, a.ID, ActionFailed, attempt, res.ProviderMessageID, decision.Reason)
		}
	}

	metrics.RecordAutomationAction(string(a.Action.Type), ActionDone)
	log.Info("automation send done",
		zap.String("provider_message_id", res.ProviderMessageID),
		zap.Bool("pending", res.Pending),
	)
	return r.store.FinishAction(ctx, a.ID, ActionDone, attempt, res.ProviderMessageID, "")
}

func (r *Runner) retryOrFail(ctx context.Context, a *ScheduledAction, attempt int, outcome retry.Outcome, cause error, log *zap.Logger) error {
	ch, _ := a.Action.Type.Channel()
	msg := string(outcome)
	if cause != nil {
		msg = cause.Error()
	}

	decision, err := r.engine.Decide(string(ch), r.config.Retry, attempt, outcome)
	if err != nil || decision.Kind != retry.RetryAfter {
		metrics.RecordAutomationAction(string(a.Action.Type), ActionFailed)
		log.Warn("automation send failed", zap.Int("attempt", attempt), zap.String("outcome", string(outcome)), zap.String("error", msg))
		return r.store.FinishAction(ctx, a.ID, ActionFailed, attempt, "", msg)
	}

	at := r.now().Add(decision.Delay)
	log.Info("automation send will retry", zap.Int("attempt", attempt), zap.Time("due_at", at))
	return r.store.RescheduleAction(ctx, a.ID, at, attempt, msg)
}
