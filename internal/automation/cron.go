package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/events"
)

// ScheduledRuleLister lists enabled scheduled_time rules of every tenant.
type ScheduledRuleLister interface {
	ListScheduledRules(ctx context.Context) ([]*Rule, error)
}

type cronEntry struct {
	spec string
	id   cron.EntryID
}

// CronTrigger emits a scheduled_time event each time a rule's cron spec
// fires. The registered set follows the stored rules on every refresh.
type CronTrigger struct {
	cron    *cron.Cron
	rules   ScheduledRuleLister
	events  events.Publisher
	refresh time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]cronEntry
}

func NewCronTrigger(rules ScheduledRuleLister, pub events.Publisher, refresh time.Duration, logger *zap.Logger) *CronTrigger {
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &CronTrigger{
		cron:    cron.New(),
		rules:   rules,
		events:  pub,
		refresh: refresh,
		logger:  logger.Named("cron_trigger"),
		entries: map[uuid.UUID]cronEntry{},
	}
}

func (t *CronTrigger) Run(ctx context.Context) error {
	if err := t.Refresh(ctx); err != nil {
		t.logger.Error("initial cron refresh failed", zap.Error(err))
	}
	t.cron.Start()
	t.logger.Info("cron trigger started", zap.Int("registered", t.Registered()))

	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// wait for jobs already running
			<-t.cron.Stop().Done()
			return nil
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.logger.Error("cron refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh registers new or changed rules and removes rules that are gone or
// disabled.
func (t *CronTrigger) Refresh(ctx context.Context) error {
	rules, err := t.rules.ListScheduledRules(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled rules: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(rules))
	for _, rule := range rules {
		cfg, err := rule.CronConfig()
		if err != nil {
			t.logger.Warn("skipping scheduled rule", zap.String("rule_id", rule.ID.String()), zap.Error(err))
			continue
		}
		seen[rule.ID] = true
		spec := cfg.Spec()

		if existing, ok := t.entries[rule.ID]; ok {
			if existing.spec == spec {
				continue
			}
			t.cron.Remove(existing.id)
		}

		r := *rule
		id, err := t.cron.AddFunc(spec, func() { t.fire(context.Background(), &r, time.Now()) })
		if err != nil {
			t.logger.Warn("invalid cron spec", zap.String("rule_id", rule.ID.String()), zap.Error(err))
			delete(t.entries, rule.ID)
			continue
		}
		t.entries[rule.ID] = cronEntry{spec: spec, id: id}
		t.logger.Info("scheduled rule registered", zap.String("rule_id", rule.ID.String()), zap.String("spec", spec))
	}

	for ruleID, e := range t.entries {
		if !seen[ruleID] {
			t.cron.Remove(e.id)
			delete(t.entries, ruleID)
			t.logger.Info("scheduled rule removed", zap.String("rule_id", ruleID.String()))
		}
	}
	return nil
}

// Registered is the number of rules with a live cron entry.
func (t *CronTrigger) Registered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *CronTrigger) fire(ctx context.Context, rule *Rule, at time.Time) {
	at = at.Truncate(time.Second)
	payload, _ := json.Marshal(map[string]any{"rule_id": rule.ID.String()})
	ev := events.Event{
		ID:         fmt.Sprintf("rule:%s:%d", rule.ID, at.Unix()),
		Type:       events.ScheduledTime,
		TenantID:   rule.TenantID,
		OccurredAt: at,
		Payload:    payload,
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.events.Publish(pctx, ev); err != nil {
		t.logger.Error("failed to publish scheduled_time event",
			zap.String("rule_id", rule.ID.String()),
			zap.Error(err),
		)
	}
}
