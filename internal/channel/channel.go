// Package channel normalizes sends and delivery results across the SMS,
// chat, email and voice providers.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/outreach/internal/retry"
)

// Channel constants
const (
	SMS   Channel = "sms"
	Chat  Channel = "chat"
	Email Channel = "email"
	Voice Channel = "voice"
)

// Channel is a communication medium.
type Channel string

func (c Channel) Valid() bool {
	switch c {
	case SMS, Chat, Email, Voice:
		return true
	}
	return false
}

func Parse(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unsupported channel: %q", s)
	}
	return c, nil
}

var (
	// ErrPermanent marks errors that no retry can fix, such as a rejected
	// address. Everything else from an adapter is treated as transient.
	ErrPermanent = errors.New("permanent delivery error")

	ErrNoAdapter = errors.New("no adapter for channel")
)

// Permanent wraps err so that IsPermanent reports true.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// Recipient is who a message goes to.
type Recipient struct {
	LeadID     uuid.UUID
	Name       string
	Email      string
	Phone      string
	ChatHandle string
}

// Address returns the contact identifier for ch.
func (r Recipient) Address(ch Channel) string {
	switch ch {
	case Email:
		return r.Email
	case SMS, Voice:
		return r.Phone
	case Chat:
		return r.ChatHandle
	}
	return ""
}

// Message is one rendered send. Reference is echoed back by providers that
// support it and lets status callbacks be correlated.
type Message struct {
	TenantID  uuid.UUID
	Reference string
	To        Recipient
	Subject   string
	Body      string
}

// SendResult is the provider's answer. When Pending is set the outcome
// arrives later through a status callback; otherwise Outcome is final for the
// attempt.
type SendResult struct {
	ProviderMessageID string
	Outcome           retry.Outcome
	Pending           bool
}

// Adapter is one provider integration.
type Adapter interface {
	Channel() Channel
	Send(ctx context.Context, msg Message) (SendResult, error)
	// ParseOutcome maps a provider status string to a normalized outcome.
	ParseOutcome(status string) retry.Outcome
}

// ClassifyError maps a send error to the outcome recorded for the attempt.
func ClassifyError(err error) retry.Outcome {
	if IsPermanent(err) {
		if errors.Is(err, ErrNoAddress) {
			return retry.OutcomeInvalidRecipient
		}
		return retry.OutcomeFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.OutcomeTimeout
	}
	return retry.OutcomeTransientError
}

// ErrNoAddress is wrapped as permanent when the recipient lacks a contact
// identifier for the channel.
var ErrNoAddress = errors.New("recipient has no address for channel")

func requireAddress(ch Channel, msg Message) (string, error) {
	addr := msg.To.Address(ch)
	if addr == "" {
		return "", Permanent(fmt.Errorf("%w %s", ErrNoAddress, ch))
	}
	return addr, nil
}
