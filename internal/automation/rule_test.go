package automation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"

	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/lead"
)

func cond(t ConditionType, cfg string) Condition {
	return Condition{Type: t, Config: json.RawMessage(cfg)}
}

func act(t ActionType, cfg string, delay int) Action {
	return Action{Type: t, Config: json.RawMessage(cfg), DelaySeconds: delay}
}

func TestRule_Validate(t *testing.T) {
	valid := func() *Rule {
		return &Rule{
			Name:       "welcome vip",
			Trigger:    events.LeadCreated,
			Conditions: []Condition{cond(TagHas, `{"tag":"vip"}`)},
			Actions:    []Action{act(SendEmail, `{"subject":"Hi","body":"Hello {{ first_name }}"}`, 0)},
		}
	}

	tests := []struct {
		name   string
		mutate func(r *Rule)
		ok     bool
	}{
		{"valid", func(r *Rule) {}, true},
		{"missing name", func(r *Rule) { r.Name = "" }, false},
		{"unknown trigger", func(r *Rule) { r.Trigger = "lead_exploded" }, false},
		{"no actions", func(r *Rule) { r.Actions = nil }, false},
		{"unknown condition", func(r *Rule) { r.Conditions = []Condition{cond("lead_score_above", `{}`)} }, false},
		{"unknown condition option", func(r *Rule) { r.Conditions = []Condition{cond(TagHas, `{"tag":"vip","case":"exact"}`)} }, false},
		{"bad time range", func(r *Rule) { r.Conditions = []Condition{cond(TimeRange, `{"start_hour":17,"end_hour":9}`)} }, false},
		{"bad timezone", func(r *Rule) {
			r.Conditions = []Condition{cond(TimeRange, `{"start_hour":9,"end_hour":17,"timezone":"Mars/Olympus"}`)}
		}, false},
		{"unknown status", func(r *Rule) { r.Conditions = []Condition{cond(LeadStatusIs, `{"status":"hot"}`)} }, false},
		{"empty body", func(r *Rule) { r.Actions = []Action{act(SendSMS, `{"body":" "}`, 0)} }, false},
		{"unknown action option", func(r *Rule) { r.Actions = []Action{act(SendSMS, `{"body":"x","from":"me"}`, 0)} }, false},
		{"negative delay", func(r *Rule) { r.Actions = []Action{act(AddTag, `{"tag":"x"}`, -1)} }, false},
		{"unknown action", func(r *Rule) { r.Actions = []Action{act("create_task", `{}`, 0)} }, false},
		{"trigger config on event rule", func(r *Rule) { r.TriggerConfig = json.RawMessage(`{"cron":"* * * * *"}`) }, false},
		{"scheduled rule", func(r *Rule) {
			r.Trigger = events.ScheduledTime
			r.TriggerConfig = json.RawMessage(`{"cron":"0 9 * * 1-5","timezone":"America/New_York"}`)
		}, true},
		{"scheduled rule without cron", func(r *Rule) { r.Trigger = events.ScheduledTime }, false},
		{"scheduled rule bad cron", func(r *Rule) {
			r.Trigger = events.ScheduledTime
			r.TriggerConfig = json.RawMessage(`{"cron":"every morning"}`)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			err := r.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
}

func TestParseRule_RejectsUnknownFields(t *testing.T) {
	_, err := ParseRule([]byte(`{"name":"x","trigger":"lead_created","actions":[],"priority":3}`))
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}

	r, err := ParseRule([]byte(`{"name":"x","trigger":"lead_created","actions":[{"type":"add_tag","config":{"tag":"new"},"delay_seconds":60}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Actions[0].DelaySeconds != 60 {
		t.Errorf("delay = %d, want 60", r.Actions[0].DelaySeconds)
	}
}

func TestCronConfig_Spec(t *testing.T) {
	if got := (CronConfig{Cron: "0 9 * * *"}).Spec(); got != "0 9 * * *" {
		t.Errorf("spec = %q", got)
	}
	if got := (CronConfig{Cron: "0 9 * * *", Timezone: "Europe/Paris"}).Spec(); got != "CRON_TZ=Europe/Paris 0 9 * * *" {
		t.Errorf("spec = %q", got)
	}
}

func TestMatch(t *testing.T) {
	vip := &lead.Lead{
		ID:           uuid.New(),
		Status:       lead.StatusQualified,
		Tags:         []string{"VIP", "newsletter"},
		Company:      "Acme Corp",
		CustomFields: map[string]any{"plan": "pro"},
	}
	// 14:30 UTC is 09:30 in New York
	at := time.Date(2024, 12, 18, 14, 30, 0, 0, time.UTC)
	withLead := subject{
		event:  events.Event{OccurredAt: at},
		fields: map[string]any{"source": "webinar", "score": float64(42), "channels": []any{"sms", "email"}},
		lead:   vip,
	}
	payloadOnly := subject{
		event:  events.Event{OccurredAt: at},
		fields: map[string]any{"tags": []any{"vip"}, "status": "new"},
	}

	tests := []struct {
		name       string
		s          subject
		conditions []Condition
		want       bool
	}{
		{"no conditions", withLead, nil, true},
		{"payload equals", withLead, []Condition{cond(FieldEquals, `{"field":"source","value":"webinar"}`)}, true},
		{"payload number equals", withLead, []Condition{cond(FieldEquals, `{"field":"score","value":42}`)}, true},
		{"lead field equals", withLead, []Condition{cond(FieldEquals, `{"field":"company","value":"Acme Corp"}`)}, true},
		{"custom field equals", withLead, []Condition{cond(FieldEquals, `{"field":"custom_fields.plan","value":"pro"}`)}, true},
		{"missing field", withLead, []Condition{cond(FieldEquals, `{"field":"referrer","value":"x"}`)}, false},
		{"contains substring", withLead, []Condition{cond(FieldContains, `{"field":"company","value":"Acme"}`)}, true},
		{"contains element", withLead, []Condition{cond(FieldContains, `{"field":"channels","value":"sms"}`)}, true},
		{"contains missing element", withLead, []Condition{cond(FieldContains, `{"field":"channels","value":"voice"}`)}, false},
		{"lead tag case-insensitive", withLead, []Condition{cond(TagHas, `{"tag":"vip"}`)}, true},
		{"payload tag", payloadOnly, []Condition{cond(TagHas, `{"tag":"vip"}`)}, true},
		{"lead status", withLead, []Condition{cond(LeadStatusIs, `{"status":"qualified"}`)}, true},
		{"payload status", payloadOnly, []Condition{cond(LeadStatusIs, `{"status":"qualified"}`)}, false},
		{"in business hours", withLead, []Condition{cond(TimeRange, `{"start_hour":9,"end_hour":17,"timezone":"America/New_York"}`)}, true},
		{"before business hours UTC", withLead, []Condition{cond(TimeRange, `{"start_hour":15,"end_hour":17}`)}, false},
		{"all hold", withLead, []Condition{
			cond(TagHas, `{"tag":"vip"}`),
			cond(LeadStatusIs, `{"status":"qualified"}`),
		}, true},
		{"one fails", withLead, []Condition{
			cond(TagHas, `{"tag":"vip"}`),
			cond(LeadStatusIs, `{"status":"lost"}`),
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := match(tt.conditions, tt.s)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatch_ShortCircuits(t *testing.T) {
	// the second condition is malformed; it must never be compiled
	conditions := []Condition{
		cond(TagHas, `{"tag":"vip"}`),
		cond("nonsense", `{}`),
	}
	got, err := match(conditions, subject{fields: map[string]any{}})
	if err != nil {
		t.Fatalf("expected short circuit before the bad condition, got %v", err)
	}
	if got {
		t.Error("expected no match")
	}
}

func TestActionType_Channel(t *testing.T) {
	for _, typ := range []ActionType{SendEmail, SendSMS, SendChat, SendVoice} {
		if _, ok := typ.Channel(); !ok {
			t.Errorf("%s should be a send action", typ)
		}
	}
	for _, typ := range []ActionType{AddTag, RemoveTag, UpdateLeadStatus} {
		if _, ok := typ.Channel(); ok {
			t.Errorf("%s should not be a send action", typ)
		}
	}
}
