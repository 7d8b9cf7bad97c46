package schedule

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func holidayRule() Rule {
	return Rule{
		StartHour:     9,
		EndHour:       17,
		DaysAllowed:   []int{0, 1, 2, 3, 4},
		BlackoutDates: []string{"2024-12-25"},
	}
}

func TestWindow_BlackoutSkipsToNextAllowedDay(t *testing.T) {
	ny := newYork(t)
	at := time.Date(2024, 12, 25, 10, 0, 0, 0, ny)

	res, err := Window(holidayRule(), ny, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Permitted {
		t.Fatal("blackout date must not be permitted")
	}

	want := time.Date(2024, 12, 26, 9, 0, 0, 0, ny)
	if !res.NextEligible.Equal(want) {
		t.Errorf("next eligible = %s, want %s", res.NextEligible, want)
	}
}

func TestWindow_Cases(t *testing.T) {
	ny := newYork(t)

	tests := []struct {
		name      string
		at        time.Time
		permitted bool
		next      time.Time
	}{
		{
			name:      "inside window",
			at:        time.Date(2024, 12, 24, 10, 0, 0, 0, ny),
			permitted: true,
			next:      time.Date(2024, 12, 24, 10, 0, 0, 0, ny),
		},
		{
			name: "before start same day",
			at:   time.Date(2024, 12, 24, 7, 30, 0, 0, ny),
			next: time.Date(2024, 12, 24, 9, 0, 0, 0, ny),
		},
		{
			name: "end hour is exclusive",
			at:   time.Date(2024, 12, 24, 17, 0, 0, 0, ny),
			next: time.Date(2024, 12, 26, 9, 0, 0, 0, ny),
		},
		{
			name: "friday evening rolls to monday",
			at:   time.Date(2024, 12, 27, 18, 0, 0, 0, ny),
			next: time.Date(2024, 12, 30, 9, 0, 0, 0, ny),
		},
		{
			name: "saturday rolls to monday",
			at:   time.Date(2024, 12, 28, 10, 0, 0, 0, ny),
			next: time.Date(2024, 12, 30, 9, 0, 0, 0, ny),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Window(holidayRule(), ny, tt.at)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Permitted != tt.permitted {
				t.Errorf("permitted = %v, want %v", res.Permitted, tt.permitted)
			}
			if !res.NextEligible.Equal(tt.next) {
				t.Errorf("next eligible = %s, want %s", res.NextEligible, tt.next)
			}
		})
	}
}

func TestWindow_ConvertsInstantToRuleTimezone(t *testing.T) {
	ny := newYork(t)
	// 13:30 UTC is 08:30 in New York during EST.
	at := time.Date(2024, 12, 24, 13, 30, 0, 0, time.UTC)

	res, err := Window(holidayRule(), ny, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Permitted {
		t.Fatal("08:30 local must not be permitted")
	}
	want := time.Date(2024, 12, 24, 14, 0, 0, 0, time.UTC)
	if !res.NextEligible.Equal(want) {
		t.Errorf("next eligible = %s, want %s", res.NextEligible, want)
	}

	utcRes, err := Window(holidayRule(), time.UTC, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !utcRes.Permitted {
		t.Error("13:30 UTC should be permitted when evaluated in UTC")
	}
}

func TestWindow_FullDayRule(t *testing.T) {
	r := Rule{StartHour: 0, EndHour: 24, DaysAllowed: []int{0, 1, 2, 3, 4, 5, 6}}
	res, err := Window(r, time.UTC, time.Date(2024, 3, 3, 23, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Permitted {
		t.Error("23:30 should be permitted by a 0-24 rule")
	}
}

func TestWindow_BoundedSearch(t *testing.T) {
	r := Rule{StartHour: 9, EndHour: 17, DaysAllowed: []int{0}}
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // a Monday
	for d := first; d.Before(first.AddDate(0, 0, 7*70)); d = d.AddDate(0, 0, 7) {
		r.BlackoutDates = append(r.BlackoutDates, d.Format("2006-01-02"))
	}

	_, err := Window(r, time.UTC, first.Add(10*time.Hour))
	if !errors.Is(err, ErrNoEligibleWindow) {
		t.Fatalf("expected ErrNoEligibleWindow, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"empty days", Rule{StartHour: 9, EndHour: 17}},
		{"start after end", Rule{StartHour: 17, EndHour: 9, DaysAllowed: []int{0}}},
		{"start equals end", Rule{StartHour: 9, EndHour: 9, DaysAllowed: []int{0}}},
		{"negative start", Rule{StartHour: -1, EndHour: 9, DaysAllowed: []int{0}}},
		{"end past midnight", Rule{StartHour: 9, EndHour: 25, DaysAllowed: []int{0}}},
		{"weekday out of range", Rule{StartHour: 9, EndHour: 17, DaysAllowed: []int{7}}},
		{"bad blackout date", Rule{StartHour: 9, EndHour: 17, DaysAllowed: []int{0}, BlackoutDates: []string{"12/25/2024"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rule.Validate(); !errors.Is(err, ErrInvalidRule) {
				t.Errorf("expected ErrInvalidRule, got %v", err)
			}
			if _, err := Window(tt.rule, time.UTC, time.Now()); !errors.Is(err, ErrInvalidRule) {
				t.Errorf("Window should reject invalid rule, got %v", err)
			}
		})
	}

	if err := DefaultRule().Validate(); err != nil {
		t.Errorf("default rule should be valid: %v", err)
	}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule([]byte(`{"start_hour":8,"end_hour":20,"days_allowed":[0,1,2],"blackout_dates":["2024-01-01"]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.StartHour != 8 || r.EndHour != 20 || len(r.DaysAllowed) != 3 {
		t.Errorf("unexpected rule: %+v", r)
	}

	if _, err := ParseRule([]byte(`{"start_hour":8,"end_hour":20,"days_allowed":[0],"quiet":true}`)); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("unknown field should be rejected, got %v", err)
	}
	if _, err := ParseRule([]byte(`{"start_hour":"eight","end_hour":20}`)); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("mistyped field should be rejected, got %v", err)
	}

	// bounds are checked at start, not while decoding
	empty, err := ParseRule([]byte(`{"start_hour":8,"end_hour":20,"days_allowed":[]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := empty.Validate(); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("empty days should fail validation, got %v", err)
	}
}

func TestResolveLocation(t *testing.T) {
	loc, err := ResolveLocation("America/New_York", "Europe/Berlin", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.String() != "America/New_York" {
		t.Errorf("expected campaign zone, got %s", loc)
	}

	loc, _ = ResolveLocation("America/New_York", "Europe/Berlin", true)
	if loc.String() != "Europe/Berlin" {
		t.Errorf("expected lead zone, got %s", loc)
	}

	loc, _ = ResolveLocation("America/New_York", "Mars/Olympus", true)
	if loc.String() != "America/New_York" {
		t.Errorf("invalid lead zone should fall back, got %s", loc)
	}

	if _, err := ResolveLocation("Mars/Olympus", "", false); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("invalid campaign zone should fail, got %v", err)
	}

	loc, _ = ResolveLocation("", "", false)
	if loc != time.UTC && loc.String() != "UTC" {
		t.Errorf("empty zone should default to UTC, got %s", loc)
	}
}
