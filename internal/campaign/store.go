package campaign

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/lead"
)

// Change carries the columns that move with a status transition.
type Change struct {
	At      time.Time
	StartAt *time.Time
	Reason  string
}

// Store is the persistence the state machine needs. Status changes are
// compare-and-set: they report false when the row is no longer in from.
type Store interface {
	CreateCampaign(ctx context.Context, c *Campaign, tpl content.Template) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from, to Status, change Change) (bool, error)
	// StartCampaign inserts the recipients and moves the campaign to running
	// in one transaction.
	StartCampaign(ctx context.Context, id uuid.UUID, from Status, recipients []*Recipient, at time.Time) (bool, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Campaign, error)

	// AddContent stores tpl as the next version and points recipients that
	// were never dispatched at it. It returns the new version number.
	AddContent(ctx context.Context, campaignID uuid.UUID, tpl content.Template) (int, error)
	GetContent(ctx context.Context, campaignID uuid.UUID, version int) (content.Template, error)

	GetLeadList(ctx context.Context, id uuid.UUID) (*lead.List, error)
	ListActiveLeads(ctx context.Context, listID uuid.UUID) ([]*lead.Lead, error)

	CountOpenRecipients(ctx context.Context, campaignID uuid.UUID) (int, error)
	GetRecipient(ctx context.Context, campaignID, leadID uuid.UUID) (*Recipient, error)
	ListAttempts(ctx context.Context, campaignID uuid.UUID, leadID *uuid.UUID, limit, offset int) ([]*Attempt, error)
}
