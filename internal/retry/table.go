package retry

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Table maps outcomes of one channel to decision kinds. Outcomes missing from
// a table are treated as permanent failures.
type Table map[Outcome]Kind

// VoiceTable is the voice outcome mapping. Busy and no-answer are retried,
// voicemail counts as delivered.
func VoiceTable() Table {
	return Table{
		OutcomeBusy:             RetryAfter,
		OutcomeNoAnswer:         RetryAfter,
		OutcomeTransientError:   RetryAfter,
		OutcomeTimeout:          RetryAfter,
		OutcomeVoicemail:        TerminalSuccess,
		OutcomeAnswered:         TerminalSuccess,
		OutcomeDelivered:        TerminalSuccess,
		OutcomeFailed:           TerminalFailure,
		OutcomeInvalidRecipient: TerminalFailure,
	}
}

// MessageTable covers sms, chat and email.
func MessageTable() Table {
	return Table{
		OutcomeDelivered:        TerminalSuccess,
		OutcomeUndelivered:      RetryAfter,
		OutcomeTransientError:   RetryAfter,
		OutcomeTimeout:          RetryAfter,
		OutcomeFailed:           TerminalFailure,
		OutcomeBounced:          TerminalFailure,
		OutcomeInvalidRecipient: TerminalFailure,
	}
}

// DefaultTables returns the built-in table for every channel.
func DefaultTables() map[string]Table {
	return map[string]Table{
		"sms":   MessageTable(),
		"chat":  MessageTable(),
		"email": MessageTable(),
		"voice": VoiceTable(),
	}
}

var knownOutcomes = map[Outcome]bool{
	OutcomeDelivered: true, OutcomeAnswered: true, OutcomeVoicemail: true,
	OutcomeBusy: true, OutcomeNoAnswer: true, OutcomeFailed: true,
	OutcomeBounced: true, OutcomeInvalidRecipient: true, OutcomeUndelivered: true,
	OutcomeTransientError: true, OutcomeTimeout: true,
}

// Known reports whether o is one of the normalized outcome codes.
func Known(o Outcome) bool { return knownOutcomes[o] }

type tablesFile struct {
	SMS   map[string]string `yaml:"sms"`
	Chat  map[string]string `yaml:"chat"`
	Email map[string]string `yaml:"email"`
	Voice map[string]string `yaml:"voice"`
}

// LoadTables reads per-channel overrides from YAML, for example
//
//	voice:
//	  voicemail: retry
//	  busy: retry
//
// Listed outcomes replace the defaults; unlisted ones keep them.
func LoadTables(r io.Reader) (map[string]Table, error) {
	var f tablesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode retry tables: %w", err)
	}

	tables := DefaultTables()
	overrides := map[string]map[string]string{
		"sms": f.SMS, "chat": f.Chat, "email": f.Email, "voice": f.Voice,
	}
	for ch, entries := range overrides {
		for rawOutcome, rawKind := range entries {
			o := Outcome(rawOutcome)
			if !Known(o) {
				return nil, fmt.Errorf("retry table %s: unknown outcome %q", ch, rawOutcome)
			}
			k, err := parseKind(rawKind)
			if err != nil {
				return nil, fmt.Errorf("retry table %s: %w", ch, err)
			}
			tables[ch][o] = k
		}
	}
	return tables, nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "retry":
		return RetryAfter, nil
	case "success":
		return TerminalSuccess, nil
	case "failure":
		return TerminalFailure, nil
	default:
		return 0, fmt.Errorf("unknown decision %q (want retry, success or failure)", s)
	}
}

// Engine selects the outcome table by channel.
type Engine struct {
	tables map[string]Table
}

// NewEngine uses the default tables when tables is nil.
func NewEngine(tables map[string]Table) *Engine {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Engine{tables: tables}
}

// Decide applies the channel's table. Unknown channels fall back to the
// message table.
func (e *Engine) Decide(channel string, s Strategy, attempt int, outcome Outcome) (Decision, error) {
	table, ok := e.tables[channel]
	if !ok {
		table = MessageTable()
	}
	return Decide(table, s, attempt, outcome)
}
