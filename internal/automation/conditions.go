package automation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/lead"
)

// subject is what conditions are evaluated against: the event payload and,
// for lead-scoped events, the lead as it is now.
type subject struct {
	event  events.Event
	fields map[string]any
	lead   *lead.Lead
}

// value looks in the payload first and falls back to the lead.
func (s subject) value(field string) (any, bool) {
	if v, ok := s.fields[field]; ok {
		return v, true
	}
	if s.lead != nil {
		return s.lead.Field(field)
	}
	return nil, false
}

func (s subject) hasTag(tag string) bool {
	if s.lead != nil {
		return s.lead.HasTag(tag)
	}
	tags, _ := s.fields["tags"].([]any)
	return slices.ContainsFunc(tags, func(t any) bool {
		str, ok := t.(string)
		return ok && strings.EqualFold(str, tag)
	})
}

func (s subject) status() string {
	if s.lead != nil {
		return s.lead.Status
	}
	status, _ := s.fields["status"].(string)
	return status
}

type predicate func(subject) bool

func compile(c Condition) (predicate, error) {
	switch c.Type {
	case FieldEquals, FieldContains:
		var cfg FieldConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Field == "" {
			return nil, errors.New("field is required")
		}
		if c.Type == FieldEquals {
			return func(s subject) bool {
				v, ok := s.value(cfg.Field)
				return ok && equal(v, cfg.Value)
			}, nil
		}
		return func(s subject) bool {
			v, ok := s.value(cfg.Field)
			return ok && contains(v, cfg.Value)
		}, nil

	case TagHas:
		var cfg TagConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Tag == "" {
			return nil, errors.New("tag is required")
		}
		return func(s subject) bool { return s.hasTag(cfg.Tag) }, nil

	case LeadStatusIs:
		var cfg StatusConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		if !lead.ValidStatus(cfg.Status) {
			return nil, fmt.Errorf("unknown lead status %q", cfg.Status)
		}
		return func(s subject) bool { return s.status() == cfg.Status }, nil

	case TimeRange:
		var cfg TimeRangeConfig
		if err := decodeStrict(c.Config, &cfg); err != nil {
			return nil, err
		}
		if cfg.StartHour < 0 || cfg.EndHour > 24 || cfg.StartHour >= cfg.EndHour {
			return nil, fmt.Errorf("hours [%d, %d) are not a range within a day", cfg.StartHour, cfg.EndHour)
		}
		loc := time.UTC
		if cfg.Timezone != "" {
			var err error
			if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
				return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
			}
		}
		return func(s subject) bool {
			h := s.event.OccurredAt.In(loc).Hour()
			return h >= cfg.StartHour && h < cfg.EndHour
		}, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", c.Type)
}

// match evaluates conditions in order and stops at the first that fails.
// A rule without conditions always matches.
func match(conditions []Condition, s subject) (bool, error) {
	for i, c := range conditions {
		p, err := compile(c)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}
		if !p(s) {
			return false, nil
		}
	}
	return true, nil
}

// equal compares JSON-decoded values, where every number is a float64.
func equal(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		return slices.ContainsFunc(h, func(v any) bool { return equal(v, needle) })
	case []string:
		return slices.ContainsFunc(h, func(v string) bool { return equal(v, needle) })
	}
	return strings.Contains(fmt.Sprint(haystack), fmt.Sprint(needle))
}
