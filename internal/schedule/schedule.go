// Package schedule decides whether a campaign may send at a given instant and,
// when it may not, finds the next instant it may.
package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	dateLayout = "2006-01-02"

	// maxSearchDays bounds the forward search so a rule that blacks out
	// every remaining day cannot loop forever.
	maxSearchDays = 400
)

var (
	// ErrInvalidRule is returned for malformed rules. It is a configuration
	// error and surfaces when a campaign starts.
	ErrInvalidRule = errors.New("invalid schedule rule")

	// ErrNoEligibleWindow is returned when no permitted instant exists within
	// the search horizon.
	ErrNoEligibleWindow = errors.New("no eligible send window")
)

// Rule is the delivery window of a campaign. Weekdays run 0=Monday..6=Sunday.
// Blackout dates are calendar dates (YYYY-MM-DD) in the rule's timezone.
type Rule struct {
	StartHour     int      `json:"start_hour"`
	EndHour       int      `json:"end_hour"`
	DaysAllowed   []int    `json:"days_allowed"`
	BlackoutDates []string `json:"blackout_dates"`
}

// Result is the outcome of a window check.
// NextEligible equals the checked instant when Permitted is true.
type Result struct {
	Permitted    bool
	NextEligible time.Time
}

// DefaultRule is the business-hours window of campaigns created without one.
func DefaultRule() Rule {
	return Rule{
		StartHour:   9,
		EndHour:     17,
		DaysAllowed: []int{0, 1, 2, 3, 4},
	}
}

// ParseRule decodes a rule and rejects unknown fields. Bounds are left to
// Validate, which runs when the campaign starts.
func ParseRule(data []byte) (Rule, error) {
	var r Rule
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return r, nil
}

// Validate checks hours, weekdays and blackout date syntax.
func (r Rule) Validate() error {
	if r.StartHour < 0 || r.StartHour > 23 {
		return fmt.Errorf("%w: start_hour %d out of range 0-23", ErrInvalidRule, r.StartHour)
	}
	if r.EndHour < 1 || r.EndHour > 24 {
		return fmt.Errorf("%w: end_hour %d out of range 1-24", ErrInvalidRule, r.EndHour)
	}
	if r.StartHour >= r.EndHour {
		return fmt.Errorf("%w: start_hour %d must be before end_hour %d", ErrInvalidRule, r.StartHour, r.EndHour)
	}
	if len(r.DaysAllowed) == 0 {
		return fmt.Errorf("%w: days_allowed is empty", ErrInvalidRule)
	}
	for _, d := range r.DaysAllowed {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidRule, d)
		}
	}
	for _, s := range r.BlackoutDates {
		if _, err := time.Parse(dateLayout, s); err != nil {
			return fmt.Errorf("%w: blackout date %q: %v", ErrInvalidRule, s, err)
		}
	}
	return nil
}

// Window reports whether t falls inside the rule evaluated in loc, and the
// earliest permitted instant at or after t.
func Window(r Rule, loc *time.Location, t time.Time) (Result, error) {
	if err := r.Validate(); err != nil {
		return Result{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	local := t.In(loc)
	if r.permits(local) {
		return Result{Permitted: true, NextEligible: t}, nil
	}

	next, err := r.next(local)
	if err != nil {
		return Result{}, err
	}
	return Result{Permitted: false, NextEligible: next}, nil
}

// NextAtOrAfter returns t when permitted, otherwise the next eligible instant.
func NextAtOrAfter(r Rule, loc *time.Location, t time.Time) (time.Time, error) {
	res, err := Window(r, loc, t)
	if err != nil {
		return time.Time{}, err
	}
	return res.NextEligible, nil
}

func (r Rule) permits(local time.Time) bool {
	if r.blackedOut(local) || !r.dayAllowed(local) {
		return false
	}
	h := local.Hour()
	return h >= r.StartHour && h < r.EndHour
}

func (r Rule) next(local time.Time) (time.Time, error) {
	loc := local.Location()
	y, m, d := local.Date()

	for i := 0; i <= maxSearchDays; i++ {
		// Noon never falls into a DST gap, so it is a safe probe for the date.
		probe := time.Date(y, m, d+i, 12, 0, 0, 0, loc)
		if r.blackedOut(probe) || !r.dayAllowed(probe) {
			continue
		}

		start := time.Date(y, m, d+i, r.StartHour, 0, 0, 0, loc)
		if i == 0 && !local.Before(start) {
			continue
		}
		if !r.permits(start) {
			continue
		}
		return start, nil
	}

	return time.Time{}, fmt.Errorf("%w within %d days", ErrNoEligibleWindow, maxSearchDays)
}

func (r Rule) blackedOut(local time.Time) bool {
	date := local.Format(dateLayout)
	for _, b := range r.BlackoutDates {
		if b == date {
			return true
		}
	}
	return false
}

func (r Rule) dayAllowed(local time.Time) bool {
	wd := mondayIndex(local.Weekday())
	for _, d := range r.DaysAllowed {
		if d == wd {
			return true
		}
	}
	return false
}

// mondayIndex converts Go's Sunday-based weekday to 0=Monday..6=Sunday.
func mondayIndex(w time.Weekday) int {
	return (int(w) + 6) % 7
}

// ResolveLocation picks the timezone a window is evaluated in: the campaign's
// zone, or the lead's zone when the campaign uses recipient-local windows and
// the lead's zone is known.
func ResolveLocation(campaignTZ, leadTZ string, useLeadTZ bool) (*time.Location, error) {
	if campaignTZ == "" {
		campaignTZ = "UTC"
	}
	loc, err := time.LoadLocation(campaignTZ)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidRule, campaignTZ, err)
	}
	if useLeadTZ && leadTZ != "" {
		if leadLoc, err := time.LoadLocation(leadTZ); err == nil {
			return leadLoc, nil
		}
	}
	return loc, nil
}
