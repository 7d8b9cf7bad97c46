// Package retry maps a delivery outcome to the next action for a recipient.
package retry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidStrategy = errors.New("invalid retry strategy")
	ErrMissingDelay    = errors.New("retry strategy has no delay for attempt")
	ErrInvalidAttempt  = errors.New("attempt numbers start at 1")
)

// Outcome is a normalized delivery result. Channel adapters translate their
// provider vocabulary into these codes.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeAnswered         Outcome = "answered"
	OutcomeVoicemail        Outcome = "voicemail"
	OutcomeBusy             Outcome = "busy"
	OutcomeNoAnswer         Outcome = "no_answer"
	OutcomeFailed           Outcome = "failed"
	OutcomeBounced          Outcome = "bounced"
	OutcomeInvalidRecipient Outcome = "invalid_recipient"
	OutcomeUndelivered      Outcome = "undelivered"
	OutcomeTransientError   Outcome = "transient_error"
	OutcomeTimeout          Outcome = "timeout"
)

// Kind is the class of a decision.
type Kind int

const (
	RetryAfter Kind = iota
	TerminalSuccess
	TerminalFailure
)

func (k Kind) String() string {
	switch k {
	case RetryAfter:
		return "retry_after"
	case TerminalSuccess:
		return "terminal_success"
	case TerminalFailure:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further attempt follows.
func (k Kind) Terminal() bool { return k != RetryAfter }

// Decision is what happens after an attempt. Delay is set only for RetryAfter.
type Decision struct {
	Kind   Kind
	Delay  time.Duration
	Reason string
}

// Strategy bounds the attempts for one recipient. Delays[i] is the wait
// before attempt i+2, so a strategy needs MaxAttempts-1 delays.
type Strategy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultStrategy matches the campaign default of three attempts spaced
// 30 minutes, 2 hours and 6 hours apart.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts: 3,
		Delays:      []time.Duration{30 * time.Minute, 2 * time.Hour, 6 * time.Hour},
	}
}

// Validate checks the strategy bounds.
func (s Strategy) Validate() error {
	if s.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts %d is negative", ErrInvalidStrategy, s.MaxAttempts)
	}
	if need := s.MaxAttempts - 1; len(s.Delays) < need {
		return fmt.Errorf("%w: %d delays for %d attempts, need at least %d",
			ErrInvalidStrategy, len(s.Delays), s.MaxAttempts, need)
	}
	for i, d := range s.Delays {
		if d <= 0 {
			return fmt.Errorf("%w: delay %d must be positive", ErrInvalidStrategy, i)
		}
	}
	return nil
}

// DelayFor returns the wait after the given attempt.
func (s Strategy) DelayFor(attempt int) (time.Duration, error) {
	if attempt < 1 {
		return 0, ErrInvalidAttempt
	}
	idx := attempt - 1
	if idx >= len(s.Delays) {
		return 0, fmt.Errorf("%w %d", ErrMissingDelay, attempt)
	}
	return s.Delays[idx], nil
}

type strategyJSON struct {
	MaxAttempts   int   `json:"max_attempts"`
	DelaysMinutes []int `json:"delays_minutes"`
}

// MarshalJSON stores delays as whole minutes.
func (s Strategy) MarshalJSON() ([]byte, error) {
	out := strategyJSON{MaxAttempts: s.MaxAttempts, DelaysMinutes: make([]int, len(s.Delays))}
	for i, d := range s.Delays {
		out.DelaysMinutes[i] = int(d / time.Minute)
	}
	return json.Marshal(out)
}

// UnmarshalJSON rejects unknown fields.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var in strategyJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}
	s.MaxAttempts = in.MaxAttempts
	s.Delays = make([]time.Duration, len(in.DelaysMinutes))
	for i, m := range in.DelaysMinutes {
		s.Delays[i] = time.Duration(m) * time.Minute
	}
	return nil
}

// ParseStrategy decodes a strategy. Bounds are left to Validate, which runs
// when the campaign starts.
func ParseStrategy(data []byte) (Strategy, error) {
	var s Strategy
	if err := json.Unmarshal(data, &s); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

// Decide maps the outcome of an attempt to a decision. It has no side effects.
func Decide(table Table, s Strategy, attempt int, outcome Outcome) (Decision, error) {
	if attempt < 1 {
		return Decision{}, ErrInvalidAttempt
	}

	kind, known := table[outcome]
	if !known {
		return Decision{Kind: TerminalFailure, Reason: fmt.Sprintf("unrecognized outcome %q", outcome)}, nil
	}

	switch kind {
	case TerminalSuccess:
		return Decision{Kind: TerminalSuccess, Reason: string(outcome)}, nil
	case TerminalFailure:
		return Decision{Kind: TerminalFailure, Reason: string(outcome)}, nil
	}

	if attempt >= s.MaxAttempts {
		return Decision{
			Kind:   TerminalFailure,
			Reason: fmt.Sprintf("%s after %d of %d attempts", outcome, attempt, s.MaxAttempts),
		}, nil
	}

	delay, err := s.DelayFor(attempt)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Kind: RetryAfter, Delay: delay, Reason: string(outcome)}, nil
}
