package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/tenant"
)

// RuleStore persists rule definitions.
type RuleStore interface {
	CreateRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*Rule, error)
	ListRules(ctx context.Context, tenantID uuid.UUID) ([]*Rule, error)
	SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool, at time.Time) error
}

// RuleService is the operator surface for rule definitions.
type RuleService struct {
	store  RuleStore
	guard  *tenant.Guard
	logger *zap.Logger
	now    func() time.Time
}

func NewRuleService(store RuleStore, guard *tenant.Guard, logger *zap.Logger) *RuleService {
	return &RuleService{store: store, guard: guard, logger: logger.Named("rules"), now: time.Now}
}

// Create validates r and stores it enabled for tenantID. Action ids are
// assigned here so scheduled actions can refer back to them.
func (s *RuleService) Create(ctx context.Context, tenantID uuid.UUID, r *Rule) (*Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.ID = uuid.New()
	r.TenantID = tenantID
	r.Enabled = true
	for i := range r.Actions {
		r.Actions[i].ID = uuid.New()
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now

	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.logger.Info("automation rule created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("rule_id", r.ID.String()),
		zap.String("trigger", string(r.Trigger)),
	)
	return r, nil
}

func (s *RuleService) Get(ctx context.Context, tenantID, id uuid.UUID) (*Rule, error) {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	if err := s.guard.Check(ctx, tenantID, r.TenantID, "automation_rule", r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *RuleService) List(ctx context.Context, tenantID uuid.UUID) ([]*Rule, error) {
	rules, err := s.store.ListRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// SetEnabled turns a rule on or off. Disabled rules match no events and
// scheduled ones are unregistered on the next cron refresh.
func (s *RuleService) SetEnabled(ctx context.Context, tenantID, id uuid.UUID, enabled bool) (*Rule, error) {
	r, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if r.Enabled == enabled {
		return r, nil
	}
	now := s.now()
	if err := s.store.SetRuleEnabled(ctx, id, enabled, now); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	r.Enabled = enabled
	r.UpdatedAt = now
	return r, nil
}
