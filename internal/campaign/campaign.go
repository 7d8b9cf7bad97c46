// Package campaign owns the campaign lifecycle and the per-recipient
// delivery records.
package campaign

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/retry"
	"github.com/lalithlochan/outreach/internal/schedule"
)

var (
	ErrInvalidTransition = errors.New("invalid campaign transition")
	ErrEmptyLeadList     = errors.New("lead list has no active leads")
	ErrQuotaUnavailable  = errors.New("rate limit quota unavailable")
	ErrConfiguration     = errors.New("invalid campaign configuration")
)

// Status of a campaign.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusRunning},
	StatusScheduled: {StatusRunning, StatusFailed},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:    {StatusRunning},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// completed is only reachable from running.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal statuses accept no transitions.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Campaign is one outbound run over a lead list on one channel.
type Campaign struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	Name            string          `json:"name"`
	Channel         channel.Channel `json:"channel"`
	LeadListID      uuid.UUID       `json:"lead_list_id"`
	Status          Status          `json:"status"`
	Schedule        schedule.Rule   `json:"schedule"`
	Timezone        string          `json:"timezone"`
	UseLeadTimezone bool            `json:"use_lead_timezone"`
	Retry           retry.Strategy  `json:"retry_strategy"`
	ContentVersion  int             `json:"content_version"`
	StartAt         *time.Time      `json:"start_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate checks everything that must hold before any recipient is
// dispatched.
func (c *Campaign) Validate() error {
	if !c.Channel.Valid() {
		return fmt.Errorf("%w: channel %q", ErrConfiguration, c.Channel)
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil || c.Timezone == "" {
		return fmt.Errorf("%w: timezone %q", ErrConfiguration, c.Timezone)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1 to send anything", ErrConfiguration)
	}
	return nil
}

// Location is the campaign timezone. Validate guarantees it loads.
func (c *Campaign) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RecipientStatus tracks one lead within a campaign.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientClaimed   RecipientStatus = "claimed"
	RecipientInFlight  RecipientStatus = "in_flight"
	RecipientRetrying  RecipientStatus = "retrying"
	RecipientSucceeded RecipientStatus = "succeeded"
	RecipientFailed    RecipientStatus = "failed"
)

func (s RecipientStatus) Terminal() bool {
	return s == RecipientSucceeded || s == RecipientFailed
}

// Recipient is the delivery state of one (campaign, lead) pair.
// AttemptCount is the number of the last attempt sent.
type Recipient struct {
	CampaignID        uuid.UUID       `json:"campaign_id"`
	LeadID            uuid.UUID       `json:"lead_id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	Status            RecipientStatus `json:"status"`
	AttemptCount      int             `json:"attempt_count"`
	NextAttemptAt     time.Time       `json:"next_attempt_at"`
	ContentVersion    int             `json:"content_version"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	LastOutcome       string          `json:"last_outcome,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IdleStatus is the status a released claim returns to.
func (r *Recipient) IdleStatus() RecipientStatus {
	if r.AttemptCount == 0 {
		return RecipientPending
	}
	return RecipientRetrying
}

// RecipientUpdate is the full recipient state written by a compare-and-set
// on the recipient's current status. Writing it clears the claim.
type RecipientUpdate struct {
	Status            RecipientStatus
	AttemptCount      int
	NextAttemptAt     time.Time
	ProviderMessageID string
	LastOutcome       string
	LastError         string
	SentAt            *time.Time
}

// Snapshot copies r's current state with a new status.
func (r *Recipient) Snapshot(status RecipientStatus) RecipientUpdate {
	return RecipientUpdate{
		Status:            status,
		AttemptCount:      r.AttemptCount,
		NextAttemptAt:     r.NextAttemptAt,
		ProviderMessageID: r.ProviderMessageID,
		LastOutcome:       r.LastOutcome,
		LastError:         r.LastError,
		SentAt:            r.SentAt,
	}
}

// Attempt is an immutable DeliveryAttempt row, written once when the
// outcome of attempt Number is known. AttemptedAt is the send instant.
type Attempt struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	CampaignID        uuid.UUID       `json:"campaign_id"`
	LeadID            uuid.UUID       `json:"lead_id"`
	Number            int             `json:"attempt_number"`
	Channel           channel.Channel `json:"channel"`
	Outcome           string          `json:"outcome"`
	Decision          string          `json:"decision"`
	Reason            string          `json:"reason,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	AttemptedAt       time.Time       `json:"attempted_at"`
	RecordedAt        time.Time       `json:"recorded_at"`
	NextEligibleAt    *time.Time      `json:"next_eligible_at,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// History is the queryable delivery record of one lead in a campaign.
type History struct {
	Recipient *Recipient `json:"recipient"`
	Attempts  []*Attempt `json:"attempts"`
}
