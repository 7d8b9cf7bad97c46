package retry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecide_VoiceSequence(t *testing.T) {
	s := Strategy{
		MaxAttempts: 3,
		Delays:      []time.Duration{30 * time.Minute, 120 * time.Minute, 360 * time.Minute},
	}

	outcomes := []Outcome{OutcomeBusy, OutcomeNoAnswer, OutcomeBusy}
	want := []Decision{
		{Kind: RetryAfter, Delay: 30 * time.Minute},
		{Kind: RetryAfter, Delay: 120 * time.Minute},
		{Kind: TerminalFailure},
	}

	for i, o := range outcomes {
		got, err := Decide(VoiceTable(), s, i+1, o)
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i+1, err)
		}
		if got.Kind != want[i].Kind || got.Delay != want[i].Delay {
			t.Errorf("attempt %d (%s): got %s/%s, want %s/%s",
				i+1, o, got.Kind, got.Delay, want[i].Kind, want[i].Delay)
		}
	}
}

func TestDecide_VoiceTable(t *testing.T) {
	s := DefaultStrategy()

	tests := []struct {
		outcome Outcome
		kind    Kind
	}{
		{OutcomeBusy, RetryAfter},
		{OutcomeNoAnswer, RetryAfter},
		{OutcomeVoicemail, TerminalSuccess},
		{OutcomeFailed, TerminalFailure},
		{OutcomeAnswered, TerminalSuccess},
		{OutcomeDelivered, TerminalSuccess},
		{OutcomeTransientError, RetryAfter},
		{Outcome("spontaneous_combustion"), TerminalFailure},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			got, err := Decide(VoiceTable(), s, 1, tt.outcome)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind != tt.kind {
				t.Errorf("got %s, want %s", got.Kind, tt.kind)
			}
			if got.Kind.Terminal() && got.Delay != 0 {
				t.Errorf("terminal decision carries delay %s", got.Delay)
			}
		})
	}
}

func TestDecide_MissingDelayIsConfigurationError(t *testing.T) {
	s := Strategy{MaxAttempts: 3, Delays: []time.Duration{time.Minute}}

	_, err := Decide(MessageTable(), s, 2, OutcomeTransientError)
	if !errors.Is(err, ErrMissingDelay) {
		t.Fatalf("expected ErrMissingDelay, got %v", err)
	}
}

func TestDecide_ZeroAndNegativeAttempts(t *testing.T) {
	if _, err := Decide(MessageTable(), DefaultStrategy(), 0, OutcomeDelivered); !errors.Is(err, ErrInvalidAttempt) {
		t.Errorf("expected ErrInvalidAttempt, got %v", err)
	}
}

func TestDecide_MaxAttemptsOne(t *testing.T) {
	s := Strategy{MaxAttempts: 1}
	got, err := Decide(MessageTable(), s, 1, OutcomeTransientError)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != TerminalFailure {
		t.Errorf("single attempt strategy should not retry, got %s", got.Kind)
	}
}

func TestStrategy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		s       Strategy
		wantErr bool
	}{
		{"default", DefaultStrategy(), false},
		{"zero attempts", Strategy{}, false},
		{"exact delays", Strategy{MaxAttempts: 2, Delays: []time.Duration{time.Minute}}, false},
		{"negative attempts", Strategy{MaxAttempts: -1}, true},
		{"too few delays", Strategy{MaxAttempts: 3, Delays: []time.Duration{time.Minute}}, true},
		{"non-positive delay", Strategy{MaxAttempts: 2, Delays: []time.Duration{0}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidStrategy) {
				t.Errorf("expected ErrInvalidStrategy, got %v", err)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy([]byte(`{"max_attempts":3,"delays_minutes":[30,120,360]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.MaxAttempts != 3 || s.Delays[1] != 2*time.Hour {
		t.Errorf("unexpected strategy: %+v", s)
	}

	if _, err := ParseStrategy([]byte(`{"max_attempts":3,"delays_minutes":[30,120],"retry_on":["busy"]}`)); !errors.Is(err, ErrInvalidStrategy) {
		t.Errorf("unknown field should be rejected, got %v", err)
	}
	short, err := ParseStrategy([]byte(`{"max_attempts":4,"delays_minutes":[30]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := short.Validate(); !errors.Is(err, ErrInvalidStrategy) {
		t.Errorf("short delays should fail validation, got %v", err)
	}

	body, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(body), `"delays_minutes":[30,120,360]`) {
		t.Errorf("unexpected encoding: %s", body)
	}
}

func TestLoadTables(t *testing.T) {
	tables, err := LoadTables(strings.NewReader("voice:\n  voicemail: retry\nsms:\n  undelivered: failure\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tables["voice"][OutcomeVoicemail] != RetryAfter {
		t.Error("voicemail override not applied")
	}
	if tables["voice"][OutcomeBusy] != RetryAfter {
		t.Error("unlisted outcome should keep default")
	}
	if tables["sms"][OutcomeUndelivered] != TerminalFailure {
		t.Error("sms override not applied")
	}
	if tables["chat"][OutcomeUndelivered] != RetryAfter {
		t.Error("chat table should be untouched")
	}

	bad := []string{
		"fax:\n  delivered: success\n",
		"voice:\n  exploded: failure\n",
		"voice:\n  busy: maybe\n",
	}
	for _, in := range bad {
		if _, err := LoadTables(strings.NewReader(in)); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}

	empty, err := LoadTables(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty file should load defaults: %v", err)
	}
	if empty["voice"][OutcomeVoicemail] != TerminalSuccess {
		t.Error("empty file should keep defaults")
	}
}

func TestEngine_SelectsChannelTable(t *testing.T) {
	e := NewEngine(nil)

	d, err := e.Decide("voice", DefaultStrategy(), 1, OutcomeVoicemail)
	if err != nil || d.Kind != TerminalSuccess {
		t.Errorf("voice voicemail: got %v, %v", d.Kind, err)
	}

	d, err = e.Decide("email", DefaultStrategy(), 1, OutcomeVoicemail)
	if err != nil || d.Kind != TerminalFailure {
		t.Errorf("email voicemail is not a known email outcome: got %v, %v", d.Kind, err)
	}

	d, err = e.Decide("pigeon", DefaultStrategy(), 1, OutcomeDelivered)
	if err != nil || d.Kind != TerminalSuccess {
		t.Errorf("unknown channel should use message table: got %v, %v", d.Kind, err)
	}
}
