package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/lead"
	"github.com/lalithlochan/outreach/internal/ratelimit"
	"github.com/lalithlochan/outreach/internal/redis"
	"github.com/lalithlochan/outreach/internal/retry"
	"github.com/lalithlochan/outreach/internal/schedule"
	"github.com/lalithlochan/outreach/internal/tenant"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errNotFound = errors.New("not found")

type pair struct{ campaignID, leadID uuid.UUID }

type memStore struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]*campaign.Campaign
	contents   map[uuid.UUID]content.Template
	leads      map[uuid.UUID]*lead.Lead
	recipients map[pair]*campaign.Recipient
	attempts   []*campaign.Attempt
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  map[uuid.UUID]*campaign.Campaign{},
		contents:   map[uuid.UUID]content.Template{},
		leads:      map[uuid.UUID]*lead.Lead{},
		recipients: map[pair]*campaign.Recipient{},
	}
}

func (m *memStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*campaign.Recipient
	for _, r := range m.recipients {
		if len(out) >= limit {
			break
		}
		c := m.campaigns[r.CampaignID]
		if c.Status != campaign.StatusRunning {
			continue
		}
		if r.Status != campaign.RecipientPending && r.Status != campaign.RecipientRetrying {
			continue
		}
		if r.NextAttemptAt.After(now) {
			continue
		}
		r.Status = campaign.RecipientClaimed
		at := now
		r.ClaimedAt = &at
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) GetCampaign(_ context.Context, id uuid.UUID) (*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetContent(_ context.Context, campaignID uuid.UUID, version int) (content.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.contents[campaignID]
	if !ok || tpl.Version != version {
		return content.Template{}, errNotFound
	}
	return tpl, nil
}

func (m *memStore) GetLead(_ context.Context, id uuid.UUID) (*lead.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) apply(r *campaign.Recipient, u campaign.RecipientUpdate) {
	r.Status = u.Status
	r.AttemptCount = u.AttemptCount
	r.NextAttemptAt = u.NextAttemptAt
	r.ProviderMessageID = u.ProviderMessageID
	r.LastOutcome = u.LastOutcome
	r.LastError = u.LastError
	r.SentAt = u.SentAt
	r.ClaimedAt = nil
}

func (m *memStore) UpdateRecipient(_ context.Context, campaignID, leadID uuid.UUID, from campaign.RecipientStatus, u campaign.RecipientUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[pair{campaignID, leadID}]
	if !ok || r.Status != from {
		return false, nil
	}
	m.apply(r, u)
	return true, nil
}

func (m *memStore) RecordOutcome(_ context.Context, a *campaign.Attempt, from campaign.RecipientStatus, u campaign.RecipientUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts {
		if existing.CampaignID == a.CampaignID && existing.LeadID == a.LeadID && existing.Number == a.Number {
			return false, nil
		}
	}
	r, ok := m.recipients[pair{a.CampaignID, a.LeadID}]
	if !ok || r.Status != from {
		return false, nil
	}
	m.attempts = append(m.attempts, a)
	m.apply(r, u)
	return true, nil
}

func (m *memStore) FindRecipientByProviderMessage(_ context.Context, ch channel.Channel, id string) (*campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recipients {
		if r.ProviderMessageID == id && m.campaigns[r.CampaignID].Channel == ch {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (m *memStore) ListStaleInFlight(_ context.Context, sentBefore time.Time, limit int) ([]*campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*campaign.Recipient
	for _, r := range m.recipients {
		if r.Status == campaign.RecipientInFlight && r.SentAt != nil && r.SentAt.Before(sentBefore) && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ReleaseStaleClaims(_ context.Context, claimedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recipients {
		if r.Status == campaign.RecipientClaimed && r.ClaimedAt != nil && r.ClaimedAt.Before(claimedBefore) {
			r.Status = r.IdleStatus()
			r.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) recipient(campaignID, leadID uuid.UUID) campaign.Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.recipients[pair{campaignID, leadID}]
}

func (m *memStore) attemptsFor(leadID uuid.UUID) []*campaign.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*campaign.Attempt
	for _, a := range m.attempts {
		if a.LeadID == leadID {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) claim(campaignID, leadID uuid.UUID) *campaign.Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recipients[pair{campaignID, leadID}]
	r.Status = campaign.RecipientClaimed
	cp := *r
	return &cp
}

type fakeLifecycle struct {
	mu          sync.Mutex
	store       *memStore
	completions int
	failures    []string
}

func (f *fakeLifecycle) CheckCompletion(_ context.Context, _, _ uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions++
	return false, nil
}

func (f *fakeLifecycle) Fail(_ context.Context, _, id uuid.UUID, reason string) error {
	f.mu.Lock()
	f.failures = append(f.failures, reason)
	f.mu.Unlock()

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.campaigns[id].Status = campaign.StatusFailed
	return nil
}

type stubAdapter struct {
	mu   sync.Mutex
	ch   channel.Channel
	send func(msg channel.Message) (channel.SendResult, error)
	sent []channel.Message
}

func (s *stubAdapter) Channel() channel.Channel { return s.ch }

func (s *stubAdapter) Send(_ context.Context, msg channel.Message) (channel.SendResult, error) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	n := len(s.sent)
	s.mu.Unlock()
	if s.send != nil {
		return s.send(msg)
	}
	return channel.SendResult{ProviderMessageID: fmt.Sprintf("msg-%d", n), Outcome: retry.OutcomeDelivered}, nil
}

func (s *stubAdapter) ParseOutcome(status string) retry.Outcome { return retry.Outcome(status) }

func (s *stubAdapter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
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

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.Wrap(rdb, zap.NewNop())
}

// Wednesday 2024-12-18 10:00 in New York.
var inWindow = time.Date(2024, 12, 18, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memStore
	lifecycle *fakeLifecycle
	adapter   *stubAdapter
	pub       *recordingPublisher
	limiter   *ratelimit.Local
	redis     *redis.Client
	d         *Dispatcher
	camp      *campaign.Campaign
	tenantID  uuid.UUID
}

func newFixture(t *testing.T, ch channel.Channel, limits ratelimit.Limits) *fixture {
	t.Helper()
	store := newMemStore()
	f := &fixture{
		store:     store,
		lifecycle: &fakeLifecycle{store: store},
		adapter:   &stubAdapter{ch: ch},
		pub:       &recordingPublisher{},
		limiter:   ratelimit.NewLocal(limits),
		redis:     setupTestRedis(t),
		tenantID:  uuid.New(),
	}

	f.camp = &campaign.Campaign{
		ID:             uuid.New(),
		TenantID:       f.tenantID,
		Channel:        ch,
		Status:         campaign.StatusRunning,
		Schedule:       schedule.Rule{StartHour: 9, EndHour: 17, DaysAllowed: []int{0, 1, 2, 3, 4}, BlackoutDates: []string{"2024-12-25"}},
		Timezone:       "America/New_York",
		Retry:          retry.DefaultStrategy(),
		ContentVersion: 1,
	}
	store.campaigns[f.camp.ID] = f.camp
	store.contents[f.camp.ID] = content.Template{Version: 1, Subject: "Hi {{ first_name }}", Body: "Hello {{ first_name }}"}

	logger := zap.NewNop()
	f.d = NewDispatcher(Deps{
		Store:     store,
		Lifecycle: f.lifecycle,
		Registry:  channel.NewRegistry(logger, f.adapter),
		Limiter:   f.limiter,
		Renderer:  content.NewRenderer(),
		Events:    f.pub,
		Callbacks: redis.NewDeduper(f.redis, logger, "callback", time.Hour),
		Guard:     tenant.NewGuard(logger, nil),
	}, logger)
	f.d.now = func() time.Time { return inWindow }
	return f
}

func (f *fixture) addLead(t *testing.T) *lead.Lead {
	t.Helper()
	l := &lead.Lead{
		ID:        uuid.New(),
		TenantID:  f.tenantID,
		FirstName: "Ada",
		Email:     "ada@example.com",
		Phone:     "+15550100",
		Status:    lead.StatusNew,
	}
	f.store.leads[l.ID] = l
	f.store.recipients[pair{f.camp.ID, l.ID}] = &campaign.Recipient{
		CampaignID:     f.camp.ID,
		LeadID:         l.ID,
		TenantID:       f.tenantID,
		Status:         campaign.RecipientPending,
		NextAttemptAt:  inWindow.Add(-time.Minute),
		ContentVersion: 1,
	}
	return l
}

func TestDispatch_SyncDelivery(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	l := f.addLead(t)
	ctx := context.Background()

	if err := f.d.DispatchRecipient(ctx, f.store.claim(f.camp.ID, l.ID)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if f.adapter.sent[0].Body != "Hello Ada" || f.adapter.sent[0].To.Email != "ada@example.com" {
		t.Errorf("unexpected message %+v", f.adapter.sent[0])
	}

	r := f.store.recipient(f.camp.ID, l.ID)
	if r.Status != campaign.RecipientSucceeded || r.AttemptCount != 1 {
		t.Errorf("unexpected recipient %+v", r)
	}
	attempts := f.store.attemptsFor(l.ID)
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if a := attempts[0]; a.Number != 1 || a.Outcome != "delivered" || a.Decision != "terminal_success" || !a.AttemptedAt.Equal(inWindow) {
		t.Errorf("unexpected attempt %+v", a)
	}
	if f.lifecycle.completions != 1 {
		t.Errorf("expected a completion check, got %d", f.lifecycle.completions)
	}
}

func TestDispatch_OutsideWindowReschedules(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	l := f.addLead(t)
	// Christmas 10:00 in New York is blacked out.
	f.d.now = func() time.Time { return time.Date(2024, 12, 25, 15, 0, 0, 0, time.UTC) }

	if err := f.d.DispatchRecipient(context.Background(), f.store.claim(f.camp.ID, l.ID)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if f.adapter.count() != 0 {
		t.Fatal("nothing may be sent outside the window")
	}
	r := f.store.recipient(f.camp.ID, l.ID)
	ny, _ := time.LoadLocation("America/New_York")
	want := time.Date(2024, 12, 26, 9, 0, 0, 0, ny)
	if r.Status != campaign.RecipientPending || !r.NextAttemptAt.Equal(want) {
		t.Errorf("expected pending until %s, got %s at %s", want, r.Status, r.NextAttemptAt)
	}
	if len(f.store.attemptsFor(l.ID)) != 0 {
		t.Error("no attempt may be recorded")
	}
}

func TestDispatch_RateLimitReschedulesWithoutConsumingAttempt(t *testing.T) {
	f := newFixture(t, channel.SMS, ratelimit.Limits{PerMinute: 2, PerHour: 100})
	ctx := context.Background()

	var leads []*lead.Lead
	for i := 0; i < 3; i++ {
		leads = append(leads, f.addLead(t))
	}
	for _, l := range leads {
		if err := f.d.DispatchRecipient(ctx, f.store.claim(f.camp.ID, l.ID)); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	if f.adapter.count() != 2 {
		t.Fatalf("expected 2 sends, got %d", f.adapter.count())
	}
	rescheduled := 0
	for _, l := range leads {
		r := f.store.recipient(f.camp.ID, l.ID)
		switch r.Status {
		case campaign.RecipientSucceeded:
		case campaign.RecipientPending:
			rescheduled++
			if r.AttemptCount != 0 {
				t.Errorf("rate limit consumed an attempt: %+v", r)
			}
			if !r.NextAttemptAt.After(inWindow) {
				t.Errorf("expected a later due time, got %s", r.NextAttemptAt)
			}
		default:
			t.Errorf("recipient dropped or stuck: %+v", r)
		}
	}
	if rescheduled != 1 {
		t.Errorf("expected 1 reschedule, got %d", rescheduled)
	}
}

func TestDispatch_PausedCampaignReleasesClaim(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	l := f.addLead(t)
	r := f.store.claim(f.camp.ID, l.ID)
	f.camp.Status = campaign.StatusPaused

	if err := f.d.DispatchRecipient(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.adapter.count() != 0 {
		t.Fatal("paused campaigns must not send")
	}
	if got := f.store.recipient(f.camp.ID, l.ID); got.Status != campaign.RecipientPending {
		t.Errorf("expected claim released to pending, got %s", got.Status)
	}
}

func TestDispatch_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus campaign.RecipientStatus
		wantOut    string
	}{
		{"transient", errors.New("connection reset"), campaign.RecipientRetrying, "transient_error"},
		{"permanent", channel.Permanent(errors.New("address rejected")), campaign.RecipientFailed, "failed"},
		{"timeout", context.DeadlineExceeded, campaign.RecipientRetrying, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, channel.SMS, ratelimit.DefaultLimits())
			f.adapter.send = func(channel.Message) (channel.SendResult, error) { return channel.SendResult{}, tt.err }
			l := f.addLead(t)

			if err := f.d.DispatchRecipient(context.Background(), f.store.claim(f.camp.ID, l.ID)); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			r := f.store.recipient(f.camp.ID, l.ID)
			if r.Status != tt.wantStatus || r.LastOutcome != tt.wantOut {
				t.Errorf("got %s/%s, want %s/%s", r.Status, r.LastOutcome, tt.wantStatus, tt.wantOut)
			}
			if tt.wantStatus == campaign.RecipientRetrying && !r.NextAttemptAt.Equal(inWindow.Add(30*time.Minute)) {
				t.Errorf("expected retry in 30m, got %s", r.NextAttemptAt)
			}
			if r.LastError == "" {
				t.Error("expected the error to be kept")
			}
		})
	}
}

func TestDispatch_DeletedLeadFailsWithoutAttempt(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	l := f.addLead(t)
	deleted := inWindow
	f.store.leads[l.ID].DeletedAt = &deleted

	if err := f.d.DispatchRecipient(context.Background(), f.store.claim(f.camp.ID, l.ID)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := f.store.recipient(f.camp.ID, l.ID); got.Status != campaign.RecipientFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if len(f.store.attemptsFor(l.ID)) != 0 || f.adapter.count() != 0 {
		t.Error("a deleted lead gets no attempt")
	}
}

func TestDispatch_CrossTenantLeadFailsCampaign(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	l := f.addLead(t)
	f.store.leads[l.ID].TenantID = uuid.New()

	err := f.d.DispatchRecipient(context.Background(), f.store.claim(f.camp.ID, l.ID))
	if !errors.Is(err, tenant.ErrIsolationViolation) {
		t.Fatalf("expected isolation violation, got %v", err)
	}
	if f.adapter.count() != 0 {
		t.Error("nothing may be sent")
	}
	if len(f.lifecycle.failures) != 1 {
		t.Errorf("expected the campaign to fail, got %v", f.lifecycle.failures)
	}
}

func voiceFixture(t *testing.T) (*fixture, *lead.Lead) {
	t.Helper()
	f := newFixture(t, channel.Voice, ratelimit.DefaultLimits())
	f.adapter.send = func(channel.Message) (channel.SendResult, error) {
		return channel.SendResult{ProviderMessageID: "call-1", Pending: true}, nil
	}
	l := f.addLead(t)
	if err := f.d.DispatchRecipient(context.Background(), f.store.claim(f.camp.ID, l.ID)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return f, l
}

func TestVoice_InFlightUntilCallback(t *testing.T) {
	f, l := voiceFixture(t)
	ctx := context.Background()

	r := f.store.recipient(f.camp.ID, l.ID)
	if r.Status != campaign.RecipientInFlight || r.AttemptCount != 1 || r.ProviderMessageID != "call-1" {
		t.Fatalf("unexpected recipient %+v", r)
	}
	if due, _ := f.store.ClaimDue(ctx, inWindow.Add(time.Hour), 10); len(due) != 0 {
		t.Fatal("an in-flight recipient must not be claimed again")
	}

	cb := StatusCallback{Channel: channel.Voice, ProviderMessageID: "call-1", Status: "busy", OccurredAt: inWindow.Add(time.Minute)}
	if err := f.d.HandleStatusCallback(ctx, f.tenantID, cb); err != nil {
		t.Fatalf("callback: %v", err)
	}

	r = f.store.recipient(f.camp.ID, l.ID)
	if r.Status != campaign.RecipientRetrying || !r.NextAttemptAt.Equal(inWindow.Add(30*time.Minute)) {
		t.Errorf("expected retry 30m after the call, got %s at %s", r.Status, r.NextAttemptAt)
	}
	attempts := f.store.attemptsFor(l.ID)
	if len(attempts) != 1 || attempts[0].Outcome != "busy" || attempts[0].Number != 1 {
		t.Fatalf("unexpected attempts %+v", attempts)
	}

	if len(f.pub.events) != 1 || f.pub.events[0].Type != events.VoiceFailed {
		t.Errorf("expected one voice_failed event, got %+v", f.pub.events)
	}
}

func TestVoice_ReplayedCallbackIsIdempotent(t *testing.T) {
	f, l := voiceFixture(t)
	ctx := context.Background()

	cb := StatusCallback{Channel: channel.Voice, ProviderMessageID: "call-1", Status: "answered", OccurredAt: inWindow}
	for i := 0; i < 3; i++ {
		if err := f.d.HandleStatusCallback(ctx, f.tenantID, cb); err != nil {
			t.Fatalf("callback %d: %v", i, err)
		}
	}

	if n := len(f.store.attemptsFor(l.ID)); n != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", n)
	}
	if got := f.store.recipient(f.camp.ID, l.ID); got.Status != campaign.RecipientSucceeded {
		t.Errorf("expected succeeded, got %s", got.Status)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Type != events.VoiceCompleted {
		t.Errorf("expected one voice_completed event, got %+v", f.pub.events)
	}
}

func TestVoice_OutcomeRecordedWhilePaused(t *testing.T) {
	f, l := voiceFixture(t)
	f.camp.Status = campaign.StatusPaused

	cb := StatusCallback{Channel: channel.Voice, ProviderMessageID: "call-1", Status: "voicemail", OccurredAt: inWindow}
	if err := f.d.HandleStatusCallback(context.Background(), f.tenantID, cb); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if got := f.store.recipient(f.camp.ID, l.ID); got.Status != campaign.RecipientSucceeded {
		t.Errorf("expected succeeded, got %s", got.Status)
	}
}

func TestVoice_ProgressStatusIgnored(t *testing.T) {
	f, l := voiceFixture(t)

	cb := StatusCallback{Channel: channel.Voice, ProviderMessageID: "call-1", Status: "ringing", OccurredAt: inWindow}
	if err := f.d.HandleStatusCallback(context.Background(), f.tenantID, cb); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if got := f.store.recipient(f.camp.ID, l.ID); got.Status != campaign.RecipientInFlight {
		t.Errorf("expected still in flight, got %s", got.Status)
	}
}

func TestCallback_OtherTenant(t *testing.T) {
	f, _ := voiceFixture(t)
	ctx := context.Background()

	cb := StatusCallback{Channel: channel.Voice, ProviderMessageID: "call-1", Status: "busy", OccurredAt: inWindow}
	if err := f.d.HandleStatusCallback(ctx, uuid.New(), cb); !errors.Is(err, tenant.ErrIsolationViolation) {
		t.Fatalf("expected isolation violation, got %v", err)
	}

	// the claim was forgotten, so the owner can still report it
	if err := f.d.HandleStatusCallback(ctx, f.tenantID, cb); err != nil {
		t.Fatalf("callback: %v", err)
	}
}

func TestCallback_UnknownMessage(t *testing.T) {
	f := newFixture(t, channel.Voice, ratelimit.DefaultLimits())

	cb := StatusCallback{Channel: channel.Voice, ProviderMessageID: "nope", Status: "busy"}
	if err := f.d.HandleStatusCallback(context.Background(), f.tenantID, cb); !errors.Is(err, errNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSweeper_ExpiresSilentAttempts(t *testing.T) {
	f, l := voiceFixture(t)

	s := NewSweeper(f.store, f.d, SweeperConfig{InFlightTimeout: 30 * time.Minute}, zap.NewNop())
	s.now = func() time.Time { return inWindow.Add(time.Hour) }
	s.Sweep(context.Background())

	r := f.store.recipient(f.camp.ID, l.ID)
	if r.Status != campaign.RecipientRetrying || r.LastOutcome != "timeout" {
		t.Errorf("expected timeout retry, got %s/%s", r.Status, r.LastOutcome)
	}
	if n := len(f.store.attemptsFor(l.ID)); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestSweeper_ReleasesStaleClaims(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	l := f.addLead(t)
	if _, err := f.store.ClaimDue(context.Background(), inWindow, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	s := NewSweeper(f.store, f.d, SweeperConfig{ClaimTimeout: 5 * time.Minute}, zap.NewNop())
	s.now = func() time.Time { return inWindow.Add(10 * time.Minute) }
	s.Sweep(context.Background())

	if got := f.store.recipient(f.camp.ID, l.ID); got.Status != campaign.RecipientPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
}

func TestDeliver(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.Limits{PerMinute: 1, PerHour: 10})
	l := f.addLead(t)
	ctx := context.Background()

	del := Delivery{
		TenantID:  f.tenantID,
		LeadID:    l.ID,
		Channel:   channel.Email,
		Template:  content.Template{Subject: "Welcome", Body: "Hi {{ first_name }}, {{ offer }}"},
		Reference: "rule:1",
		Vars:      map[string]any{"offer": "10% off"},
	}
	res, err := f.d.Deliver(ctx, del)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Outcome != retry.OutcomeDelivered {
		t.Errorf("expected delivered, got %s", res.Outcome)
	}
	if f.adapter.sent[0].Body != "Hi Ada, 10% off" {
		t.Errorf("unexpected body %q", f.adapter.sent[0].Body)
	}

	_, err = f.d.Deliver(ctx, del)
	var rl *RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rl.RetryAfter <= 0 {
		t.Errorf("expected a retry hint, got %s", rl.RetryAfter)
	}
}

func TestDeliver_OtherTenantLead(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	l := f.addLead(t)

	_, err := f.d.Deliver(context.Background(), Delivery{TenantID: uuid.New(), LeadID: l.ID, Channel: channel.Email, Template: content.Template{Body: "x"}})
	if !errors.Is(err, tenant.ErrIsolationViolation) {
		t.Fatalf("expected isolation violation, got %v", err)
	}
}

func TestCallbackKey(t *testing.T) {
	a := CallbackKey(channel.Voice, "call-1", "busy")
	if a != CallbackKey(channel.Voice, "call-1", "busy") {
		t.Error("key must be stable")
	}
	if a == CallbackKey(channel.Voice, "call-1", "answered") {
		t.Error("different statuses must differ")
	}
}

func TestPool_DrainsDueRecipients(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	f.d.now = time.Now
	// make the window always open
	f.camp.Schedule = schedule.Rule{StartHour: 0, EndHour: 24, DaysAllowed: []int{0, 1, 2, 3, 4, 5, 6}}
	for i := 0; i < 5; i++ {
		l := f.addLead(t)
		f.store.recipients[pair{f.camp.ID, l.ID}].NextAttemptAt = time.Now().Add(-time.Second)
	}

	pool := NewPool(f.store, f.d, redis.NewLocker(f.redis, zap.NewNop()),
		Config{Workers: 3, BatchSize: 2, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for f.adapter.count() < 5 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("timed out, %d sends", f.adapter.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.adapter.count() != 5 {
		t.Errorf("expected exactly 5 sends, got %d", f.adapter.count())
	}
}

// gathered sums the default registry's samples of a metric family whose
// labels include every pair in match.
func gathered(t *testing.T, name string, match map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range match {
				if labels[k] != v {
					continue samples
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestPool_LockedPairIsReleased(t *testing.T) {
	f := newFixture(t, channel.Email, ratelimit.DefaultLimits())
	l := f.addLead(t)
	locker := redis.NewLocker(f.redis, zap.NewNop())
	ctx := context.Background()

	r := f.store.claim(f.camp.ID, l.ID)
	held, err := locker.Acquire(ctx, PairKey(r), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(ctx)

	releasesBefore := gathered(t, "outreach_dispatch_lock_releases_total", nil)

	pool := NewPool(f.store, f.d, locker, Config{}, zap.NewNop())
	pool.handle(ctx, r)

	if f.adapter.count() != 0 {
		t.Error("a locked pair must not be dispatched")
	}
	if got := f.store.recipient(f.camp.ID, l.ID); got.Status != campaign.RecipientPending {
		t.Errorf("expected the claim released, got %s", got.Status)
	}
	if got := gathered(t, "outreach_dispatch_lock_releases_total", nil); got != releasesBefore+1 {
		t.Errorf("lock releases = %v, want %v", got, releasesBefore+1)
	}
	if got := gathered(t, "outreach_dispatch_reschedules_total", map[string]string{"channel": "unknown"}); got != 0 {
		t.Errorf("reschedules recorded without a channel: %v", got)
	}
}
