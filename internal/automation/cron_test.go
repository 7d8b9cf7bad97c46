package automation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/events"
)

type staticLister struct {
	mu    sync.Mutex
	rules []*Rule
}

func (s *staticLister) ListScheduledRules(context.Context) ([]*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Rule(nil), s.rules...), nil
}

func (s *staticLister) set(rules ...*Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func scheduledRule(spec string) *Rule {
	return &Rule{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		Name:          "daily digest",
		Trigger:       events.ScheduledTime,
		TriggerConfig: json.RawMessage(spec),
		Enabled:       true,
	}
}

func TestCronTrigger_Refresh(t *testing.T) {
	lister := &staticLister{}
	trigger := NewCronTrigger(lister, &recordingPublisher{}, time.Minute, zap.NewNop())

	daily := scheduledRule(`{"cron":"0 9 * * *","timezone":"America/New_York"}`)
	weekly := scheduledRule(`{"cron":"0 9 * * 1"}`)
	broken := scheduledRule(`{"cron":"whenever"}`)
	lister.set(daily, weekly, broken)

	if err := trigger.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := trigger.Registered(); n != 2 {
		t.Fatalf("registered = %d, want 2", n)
	}
	firstID := trigger.entries[daily.ID].id

	// unchanged spec keeps its entry
	if err := trigger.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if trigger.entries[daily.ID].id != firstID {
		t.Error("unchanged rule was re-registered")
	}

	changed := *daily
	changed.TriggerConfig = json.RawMessage(`{"cron":"30 8 * * *","timezone":"America/New_York"}`)
	lister.set(&changed)
	if err := trigger.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := trigger.Registered(); n != 1 {
		t.Fatalf("registered = %d, want 1", n)
	}
	e := trigger.entries[daily.ID]
	if e.id == firstID || e.spec != "CRON_TZ=America/New_York 30 8 * * *" {
		t.Errorf("entry = %+v, want re-registered with new spec", e)
	}
	if len(trigger.cron.Entries()) != 1 {
		t.Errorf("cron has %d entries, want 1", len(trigger.cron.Entries()))
	}

	lister.set()
	if err := trigger.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := trigger.Registered(); n != 0 || len(trigger.cron.Entries()) != 0 {
		t.Errorf("registered = %d, want 0", n)
	}
}

func TestCronTrigger_FirePublishesScheduledEvent(t *testing.T) {
	pub := &recordingPublisher{}
	trigger := NewCronTrigger(&staticLister{}, pub, time.Minute, zap.NewNop())
	rule := scheduledRule(`{"cron":"0 9 * * *"}`)
	at := time.Date(2024, 12, 18, 9, 0, 0, 500, time.UTC)

	trigger.fire(context.Background(), rule, at)
	trigger.fire(context.Background(), rule, at)

	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
	ev := pub.events[0]
	wantID := "rule:" + rule.ID.String() + ":1734512400"
	if ev.ID != wantID || pub.events[1].ID != wantID {
		t.Errorf("event id = %q, want %q for both", ev.ID, wantID)
	}
	if ev.Type != events.ScheduledTime || ev.TenantID != rule.TenantID {
		t.Errorf("unexpected event %+v", ev)
	}
	fields, err := ev.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if fields["rule_id"] != rule.ID.String() {
		t.Errorf("payload rule_id = %v", fields["rule_id"])
	}
}
