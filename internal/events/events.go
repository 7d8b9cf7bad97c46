// Package events carries typed domain events from their producers to the
// automation evaluator.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrBusClosed   = errors.New("event bus closed")
)

// Type is the closed set of automation triggers.
type Type string

const (
	LeadCreated       Type = "lead_created"
	LeadUpdated       Type = "lead_updated"
	MessageReceived   Type = "message_received"
	CampaignCompleted Type = "campaign_completed"
	VoiceFailed       Type = "voice_failed"
	VoiceCompleted    Type = "voice_completed"
	ScheduledTime     Type = "scheduled_time"
)

var types = map[Type]bool{
	LeadCreated: true, LeadUpdated: true, MessageReceived: true, CampaignCompleted: true,
	VoiceFailed: true, VoiceCompleted: true, ScheduledTime: true,
}

func (t Type) Valid() bool { return types[t] }

// ParseType rejects anything outside the trigger set.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Event is one occurrence. ID is stable across redeliveries of the same
// occurrence; Revision distinguishes deliberate re-emissions of it.
type Event struct {
	ID         string          `json:"id"`
	Revision   int             `json:"revision,omitempty"`
	Type       Type            `json:"type"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	LeadID     *uuid.UUID      `json:"lead_id,omitempty"`
	CampaignID *uuid.UUID      `json:"campaign_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.TenantID == uuid.Nil {
		return errors.New("event tenant id is required")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("event occurred_at is required")
	}
	return nil
}

// Fields decodes the payload as a flat object. A missing payload is empty.
func (e Event) Fields() (map[string]any, error) {
	fields := map[string]any{}
	if len(e.Payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		return nil, fmt.Errorf("decode payload of event %s: %w", e.ID, err)
	}
	return fields, nil
}

// Publisher accepts events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus is the in-process evaluator input. Publish blocks while the buffer is
// full until ctx is done.
type Bus struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{ch: make(chan Event, buffer)}
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is drained by the evaluator. It is closed by Close.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close stops accepting events. Buffered events remain readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Len is the number of buffered events.
func (b *Bus) Len() int { return len(b.ch) }
