package automation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/lead"
	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/redis"
	"github.com/lalithlochan/outreach/internal/tenant"
)

// Firing records that a rule fired for an event.
type Firing struct {
	Key      string    `json:"key"`
	TenantID uuid.UUID `json:"tenant_id"`
	RuleID   uuid.UUID `json:"rule_id"`
	EventID  string    `json:"event_id"`
	Trigger  string    `json:"trigger"`
	FiredAt  time.Time `json:"fired_at"`
}

// Action statuses
const (
	ActionPending = "pending"
	ActionClaimed = "claimed"
	ActionDone    = "done"
	ActionFailed  = "failed"
)

// ScheduledAction is one action of a firing, due at event time plus its
// delay. Each is executed on its own.
type ScheduledAction struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          uuid.UUID      `json:"tenant_id"`
	RuleID            uuid.UUID      `json:"rule_id"`
	FiringKey         string         `json:"firing_key"`
	Position          int            `json:"position"`
	EventID           string         `json:"event_id"`
	LeadID            *uuid.UUID     `json:"lead_id,omitempty"`
	Action            Action         `json:"action"`
	Vars              map[string]any `json:"vars,omitempty"`
	DueAt             time.Time      `json:"due_at"`
	Status            string         `json:"status"`
	Attempts          int            `json:"attempts"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Store is the rule persistence the evaluator reads and writes.
type Store interface {
	ListEnabledRules(ctx context.Context, tenantID uuid.UUID, trigger events.Type) ([]*Rule, error)
	GetLead(ctx context.Context, id uuid.UUID) (*lead.Lead, error)
	// RecordFiring inserts the firing and its actions in one transaction. It
	// returns false without changes when the firing key already exists.
	RecordFiring(ctx context.Context, f *Firing, actions []*ScheduledAction) (bool, error)
}

// Deduper claims one-shot keys; see redis.Deduper.
type Deduper interface {
	Claim(ctx context.Context, key string) error
	Forget(ctx context.Context, key string) error
}

// FiringKey identifies one firing of rule for ev.
func FiringKey(rule *Rule, ev events.Event) string {
	identity := rule.TenantID.String() + "|" + rule.ID.String() + "|" + ev.ID
	if rule.AllowRefire {
		identity += "|" + strconv.Itoa(ev.Revision)
	}
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// Evaluator consumes events one at a time and schedules the actions of the
// rules they fire.
type Evaluator struct {
	store   Store
	dedupe  Deduper
	guard   *tenant.Guard
	logger  *zap.Logger
	now     func() time.Time
	drainTO time.Duration
}

func NewEvaluator(store Store, dedupe Deduper, guard *tenant.Guard, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:   store,
		dedupe:  dedupe,
		guard:   guard,
		logger:  logger.Named("evaluator"),
		now:     time.Now,
		drainTO: 10 * time.Second,
	}
}

// Run handles events until in is closed. When ctx is done, events already
// buffered in in are still handled before Run returns.
func (e *Evaluator) Run(ctx context.Context, in <-chan events.Event) error {
	e.logger.Info("automation evaluator started")
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				e.logger.Info("automation evaluator stopped")
				return nil
			}
			metrics.SetEventsInFlight(len(in))
			e.handle(ctx, ev)
		case <-ctx.Done():
			e.drain(ctx, in)
			e.logger.Info("automation evaluator stopped")
			return nil
		}
	}
}

func (e *Evaluator) drain(ctx context.Context, in <-chan events.Event) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.drainTO)
	defer cancel()

	drained := 0
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			e.handle(dctx, ev)
			drained++
		default:
			if drained > 0 {
				e.logger.Info("drained buffered events", zap.Int("count", drained))
			}
			return
		}
	}
}

func (e *Evaluator) handle(ctx context.Context, ev events.Event) {
	if _, err := e.HandleEvent(ctx, ev); err != nil {
		e.logger.Error("event handling failed",
			zap.String("event_id", ev.ID),
			zap.String("tenant_id", ev.TenantID.String()),
			zap.String("trigger", string(ev.Type)),
			zap.Error(err),
		)
	}
}

// HandleEvent evaluates every enabled rule of the event's tenant and
// trigger and returns how many fired. A failing rule does not stop the
// others; a cross-tenant reference aborts the event.
func (e *Evaluator) HandleEvent(ctx context.Context, ev events.Event) (int, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	rules, err := e.store.ListEnabledRules(ctx, ev.TenantID, ev.Type)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	subj, err := e.subject(ctx, ev)
	if err != nil {
		return 0, err
	}

	fired := 0
	var errs []error
	for _, rule := range rules {
		if err := e.guard.Check(ctx, ev.TenantID, rule.TenantID, "automation_rule", rule.ID); err != nil {
			return fired, err
		}
		ok, err := e.fire(ctx, rule, subj)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

func (e *Evaluator) subject(ctx context.Context, ev events.Event) (subject, error) {
	fields, err := ev.Fields()
	if err != nil {
		return subject{}, err
	}
	s := subject{event: ev, fields: fields}
	if ev.LeadID == nil {
		return s, nil
	}

	l, err := e.store.GetLead(ctx, *ev.LeadID)
	if err != nil {
		return subject{}, fmt.Errorf("get lead: %w", err)
	}
	if err := e.guard.Check(ctx, ev.TenantID, l.TenantID, "lead", l.ID); err != nil {
		return subject{}, err
	}
	s.lead = l
	return s, nil
}

// fire reports whether rule fired for this event now. A rule that already
// fired for the event reports false without error.
func (e *Evaluator) fire(ctx context.Context, rule *Rule, s subject) (bool, error) {
	ev := s.event
	log := e.logger.With(
		zap.String("tenant_id", ev.TenantID.String()),
		zap.String("rule_id", rule.ID.String()),
		zap.String("event_id", ev.ID),
	)

	// scheduled_time events are addressed to the rule whose cron fired
	if ev.Type == events.ScheduledTime {
		if id, _ := s.fields["rule_id"].(string); id != rule.ID.String() {
			return false, nil
		}
	}

	matched, err := match(rule.Conditions, s)
	if err != nil {
		return false, err
	}
	if !matched {
		metrics.RecordAutomationFiring(string(ev.Type), "no_match")
		log.Debug("conditions not met")
		return false, nil
	}

	key := FiringKey(rule, ev)
	if err := e.dedupe.Claim(ctx, key); err != nil {
		if errors.Is(err, redis.ErrDuplicate) {
			metrics.RecordAutomationFiring(string(ev.Type), "duplicate")
			log.Info("duplicate event for rule")
			return false, nil
		}
		return false, fmt.Errorf("claim firing: %w", err)
	}

	now := e.now()
	f := &Firing{
		Key:      key,
		TenantID: ev.TenantID,
		RuleID:   rule.ID,
		EventID:  ev.ID,
		Trigger:  string(ev.Type),
		FiredAt:  now,
	}
	actions := e.schedule(rule, s, key, now)

	inserted, err := e.store.RecordFiring(ctx, f, actions)
	if err != nil {
		if ferr := e.dedupe.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			log.Warn("failed to forget firing claim", zap.Error(ferr))
		}
		return false, fmt.Errorf("record firing: %w", err)
	}
	if !inserted {
		// claim expired or was evicted; the database still knew
		metrics.RecordAutomationFiring(string(ev.Type), "duplicate")
		log.Info("firing already recorded")
		return false, nil
	}

	metrics.RecordAutomationFiring(string(ev.Type), "fired")
	log.Info("automation rule fired", zap.Int("actions", len(actions)))
	return true, nil
}

func (e *Evaluator) schedule(rule *Rule, s subject, key string, now time.Time) []*ScheduledAction {
	ev := s.event
	actions := make([]*ScheduledAction, 0, len(rule.Actions))
	for i, a := range rule.Actions {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		actions = append(actions, &ScheduledAction{
			ID:        uuid.New(),
			TenantID:  ev.TenantID,
			RuleID:    rule.ID,
			FiringKey: key,
			Position:  i,
			EventID:   ev.ID,
			LeadID:    ev.LeadID,
			Action:    a,
			Vars:      s.fields,
			DueAt:     ev.OccurredAt.Add(time.Duration(a.DelaySeconds) * time.Second),
			Status:    ActionPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return actions
}
