// Package automation matches domain events against tenant rules and runs
// the actions of the rules that fire.
package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/lead"
)

var ErrInvalidRule = errors.New("invalid automation rule")

// ConditionType is the closed set of predicates a rule can check.
type ConditionType string

const (
	FieldEquals   ConditionType = "field_equals"
	FieldContains ConditionType = "field_contains"
	TagHas        ConditionType = "tag_has"
	LeadStatusIs  ConditionType = "lead_status_is"
	TimeRange     ConditionType = "time_range"
)

// ActionType is the closed set of effects a rule can schedule.
type ActionType string

const (
	SendEmail        ActionType = "send_email"
	SendSMS          ActionType = "send_sms"
	SendChat         ActionType = "send_chat"
	SendVoice        ActionType = "send_voice"
	AddTag           ActionType = "add_tag"
	RemoveTag        ActionType = "remove_tag"
	UpdateLeadStatus ActionType = "update_lead_status"
)

// Channel returns the channel a send action goes through.
func (t ActionType) Channel() (channel.Channel, bool) {
	switch t {
	case SendEmail:
		return channel.Email, true
	case SendSMS:
		return channel.SMS, true
	case SendChat:
		return channel.Chat, true
	case SendVoice:
		return channel.Voice, true
	}
	return "", false
}

// Condition is one predicate. Config holds the options of its type.
type Condition struct {
	Type   ConditionType   `json:"type"`
	Config json.RawMessage `json:"config"`
}

// Action is one effect, run DelaySeconds after the triggering event.
type Action struct {
	ID           uuid.UUID       `json:"id"`
	Type         ActionType      `json:"type"`
	Config       json.RawMessage `json:"config"`
	DelaySeconds int             `json:"delay_seconds"`
}

// Rule is a trigger, conditions that must all hold, and ordered actions.
// A rule fires once per event unless AllowRefire is set, in which case each
// revision of the event fires it once.
type Rule struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	Name          string          `json:"name"`
	Trigger       events.Type     `json:"trigger"`
	TriggerConfig json.RawMessage `json:"trigger_config,omitempty"`
	Enabled       bool            `json:"enabled"`
	AllowRefire   bool            `json:"allow_refire"`
	Conditions    []Condition     `json:"conditions"`
	Actions       []Action        `json:"actions"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FieldConfig is the config of field_equals and field_contains.
type FieldConfig struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// TagConfig is the config of tag_has, add_tag and remove_tag.
type TagConfig struct {
	Tag string `json:"tag"`
}

// StatusConfig is the config of lead_status_is and update_lead_status.
type StatusConfig struct {
	Status string `json:"status"`
}

// TimeRangeConfig holds when the event hour falls in [StartHour, EndHour)
// in Timezone.
type TimeRangeConfig struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone"`
}

// SendConfig is the content of a send action.
type SendConfig struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// CronConfig is the trigger config of scheduled_time rules.
type CronConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// Spec is the robfig/cron spec with the timezone folded in.
func (c CronConfig) Spec() string {
	if c.Timezone == "" {
		return c.Cron
	}
	return "CRON_TZ=" + c.Timezone + " " + c.Cron
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after config")
	}
	return nil
}

// Validate compiles every condition and decodes every action config.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !r.Trigger.Valid() {
		return fmt.Errorf("%w: trigger %q", ErrInvalidRule, r.Trigger)
	}
	if r.Trigger == events.ScheduledTime {
		if _, err := r.CronConfig(); err != nil {
			return err
		}
	} else if len(bytes.TrimSpace(r.TriggerConfig)) > 0 && string(bytes.TrimSpace(r.TriggerConfig)) != "{}" {
		return fmt.Errorf("%w: trigger_config is only used by %s", ErrInvalidRule, events.ScheduledTime)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidRule)
	}
	for i, c := range r.Conditions {
		if _, err := compile(c); err != nil {
			return fmt.Errorf("%w: condition %d: %w", ErrInvalidRule, i, err)
		}
	}
	for i, a := range r.Actions {
		if err := validateAction(a); err != nil {
			return fmt.Errorf("%w: action %d: %w", ErrInvalidRule, i, err)
		}
	}
	return nil
}

// CronConfig decodes and checks the scheduled_time trigger config.
func (r *Rule) CronConfig() (CronConfig, error) {
	var cfg CronConfig
	if err := decodeStrict(r.TriggerConfig, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: trigger_config: %w", ErrInvalidRule, err)
	}
	if cfg.Cron == "" {
		return cfg, fmt.Errorf("%w: trigger_config.cron is required", ErrInvalidRule)
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return cfg, fmt.Errorf("%w: timezone %q", ErrInvalidRule, cfg.Timezone)
		}
	}
	if _, err := cron.ParseStandard(cfg.Spec()); err != nil {
		return cfg, fmt.Errorf("%w: cron %q: %w", ErrInvalidRule, cfg.Cron, err)
	}
	return cfg, nil
}

func validateAction(a Action) error {
	if a.DelaySeconds < 0 {
		return fmt.Errorf("delay_seconds %d is negative", a.DelaySeconds)
	}
	switch a.Type {
	case SendEmail, SendSMS, SendChat, SendVoice:
		var cfg SendConfig
		if err := decodeStrict(a.Config, &cfg); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Body) == "" {
			return errors.New("body is required")
		}
	case AddTag, RemoveTag:
		var cfg TagConfig
		if err := decodeStrict(a.Config, &cfg); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Tag) == "" {
			return errors.New("tag is required")
		}
	case UpdateLeadStatus:
		var cfg StatusConfig
		if err := decodeStrict(a.Config, &cfg); err != nil {
			return err
		}
		if !lead.ValidStatus(cfg.Status) {
			return fmt.Errorf("unknown lead status %q", cfg.Status)
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// ParseRule decodes a rule definition, rejecting unknown fields.
func ParseRule(data []byte) (*Rule, error) {
	var r Rule
	if err := decodeStrict(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return &r, nil
}
