package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/automation"
	"github.com/lalithlochan/outreach/internal/events"
)

const ruleColumns = `
	id, tenant_id, name, trigger, trigger_config, enabled, allow_refire,
	conditions, actions, created_at, updated_at`

func scanRule(row pgx.Row) (*automation.Rule, error) {
	var (
		r                   automation.Rule
		conditions, actions []byte
	)
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&r.Name,
		&r.Trigger,
		&r.TriggerConfig,
		&r.Enabled,
		&r.AllowRefire,
		&conditions,
		&actions,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]*automation.Rule, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []*automation.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateRule(ctx context.Context, r *automation.Rule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	if r.Conditions == nil {
		conditions = []byte("[]")
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	var triggerConfig []byte
	if len(r.TriggerConfig) > 0 {
		triggerConfig = r.TriggerConfig
	}

	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO automation_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TenantID, r.Name, r.Trigger, triggerConfig, r.Enabled, r.AllowRefire,
		conditions, actions, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rule %s: %w", r.ID, ErrConflict)
		}
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (*automation.Rule, error) {
	r, err := scanRule(s.db.Pool().QueryRow(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "automation rule", id)
	}
	return r, nil
}

func (s *Store) ListRules(ctx context.Context, tenantID uuid.UUID) ([]*automation.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE tenant_id = $1
		ORDER BY created_at, id`,
		tenantID,
	)
}

func (s *Store) SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool, at time.Time) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE automation_rules SET enabled = $2, updated_at = $3 WHERE id = $1`, id, enabled, at,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("automation rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) ListEnabledRules(ctx context.Context, tenantID uuid.UUID, trigger events.Type) ([]*automation.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE tenant_id = $1 AND trigger = $2 AND enabled
		ORDER BY created_at, id`,
		tenantID, trigger,
	)
}

// ListScheduledRules lists enabled scheduled_time rules across tenants.
func (s *Store) ListScheduledRules(ctx context.Context) ([]*automation.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE trigger = $1 AND enabled
		ORDER BY id`,
		events.ScheduledTime,
	)
}

var actionCopyColumns = []string{
	"id", "tenant_id", "rule_id", "firing_key", "position", "event_id", "lead_id",
	"action", "vars", "due_at", "status", "attempts", "created_at", "updated_at",
}

// RecordFiring inserts the firing and its actions. The firing key is the
// primary key, so a repeat reports false and writes nothing.
func (s *Store) RecordFiring(ctx context.Context, f *automation.Firing, actions []*automation.ScheduledAction) (bool, error) {
	rows := make([][]any, 0, len(actions))
	for _, a := range actions {
		action, err := json.Marshal(a.Action)
		if err != nil {
			return false, fmt.Errorf("encode action: %w", err)
		}
		vars := []byte("{}")
		if len(a.Vars) > 0 {
			if vars, err = json.Marshal(a.Vars); err != nil {
				return false, fmt.Errorf("encode action vars: %w", err)
			}
		}
		rows = append(rows, []any{
			a.ID, a.TenantID, a.RuleID, a.FiringKey, a.Position, a.EventID, a.LeadID,
			action, vars, a.DueAt, a.Status, a.Attempts, a.CreatedAt, a.UpdatedAt,
		})
	}

	inserted := false
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO automation_firings (key, tenant_id, rule_id, event_id, trigger, fired_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (key) DO NOTHING`,
			f.Key, f.TenantID, f.RuleID, f.EventID, f.Trigger, f.FiredAt,
		)
		if err != nil {
			return fmt.Errorf("insert firing: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"automation_actions"}, actionCopyColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy actions: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

const actionColumns = `
	id, tenant_id, rule_id, firing_key, position, event_id, lead_id, action,
	vars, due_at, status, attempts, provider_message_id, last_error,
	created_at, updated_at`

func scanAction(row pgx.Row) (*automation.ScheduledAction, error) {
	var (
		a            automation.ScheduledAction
		action, vars []byte
	)
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.RuleID,
		&a.FiringKey,
		&a.Position,
		&a.EventID,
		&a.LeadID,
		&action,
		&vars,
		&a.DueAt,
		&a.Status,
		&a.Attempts,
		&a.ProviderMessageID,
		&a.LastError,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(action, &a.Action); err != nil {
		return nil, fmt.Errorf("decode action %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(vars, &a.Vars); err != nil {
		return nil, fmt.Errorf("decode vars of action %s: %w", a.ID, err)
	}
	return &a, nil
}

// ClaimDueActions claims pending actions whose due time has passed.
func (s *Store) ClaimDueActions(ctx context.Context, now time.Time, limit int) ([]*automation.ScheduledAction, error) {
	rows, err := s.db.Pool().Query(ctx, `
		UPDATE automation_actions a
		SET status = 'claimed', claimed_at = $1, updated_at = $1
		FROM (
			SELECT id FROM automation_actions
			WHERE status = 'pending' AND due_at <= $1
			ORDER BY due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE a.id = due.id
		RETURNING `+prefixed("a", actionColumns),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due actions: %w", err)
	}
	defer rows.Close()

	var out []*automation.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) FinishAction(ctx context.Context, id uuid.UUID, status string, attempts int, providerMessageID, lastError string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE automation_actions
		SET status = $2, attempts = $3, provider_message_id = $4, last_error = $5,
			claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'`,
		id, status, attempts, providerMessageID, lastError,
	)
	if err != nil {
		return fmt.Errorf("finish action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("finished action was not claimed", zap.String("action_id", id.String()))
	}
	return nil
}

func (s *Store) RescheduleAction(ctx context.Context, id uuid.UUID, at time.Time, attempts int, lastError string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE automation_actions
		SET status = 'pending', due_at = $2, attempts = $3, last_error = $4,
			claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'`,
		id, at, attempts, lastError,
	)
	if err != nil {
		return fmt.Errorf("reschedule action: %w", err)
	}
	return nil
}

// ReleaseStaleActions returns actions claimed by a runner that died to
// pending.
func (s *Store) ReleaseStaleActions(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE automation_actions
		SET status = 'pending', claimed_at = NULL, updated_at = NOW()
		WHERE status = 'claimed' AND claimed_at < $1`,
		claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("release stale actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
