package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/channel"
)

const recipientColumns = `
	campaign_id, lead_id, tenant_id, status, attempt_count, next_attempt_at,
	content_version, provider_message_id, last_outcome, last_error, claimed_at,
	sent_at, updated_at`

func scanRecipient(row pgx.Row) (*campaign.Recipient, error) {
	var r campaign.Recipient
	err := row.Scan(
		&r.CampaignID,
		&r.LeadID,
		&r.TenantID,
		&r.Status,
		&r.AttemptCount,
		&r.NextAttemptAt,
		&r.ContentVersion,
		&r.ProviderMessageID,
		&r.LastOutcome,
		&r.LastError,
		&r.ClaimedAt,
		&r.SentAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRecipients(rows pgx.Rows) ([]*campaign.Recipient, error) {
	defer rows.Close()
	var out []*campaign.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimDue claims due recipients of running campaigns. SKIP LOCKED lets
// concurrent claimers take disjoint rows.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*campaign.Recipient, error) {
	rows, err := s.db.Pool().Query(ctx, `
		UPDATE campaign_recipients r
		SET status = 'claimed', claimed_at = $1, updated_at = $1
		FROM (
			SELECT cr.campaign_id, cr.lead_id
			FROM campaign_recipients cr
			JOIN campaigns c ON c.id = cr.campaign_id
			WHERE cr.status IN ('pending', 'retrying')
				AND cr.next_attempt_at <= $1
				AND c.status = 'running'
			ORDER BY cr.next_attempt_at
			LIMIT $2
			FOR UPDATE OF cr SKIP LOCKED
		) due
		WHERE r.campaign_id = due.campaign_id AND r.lead_id = due.lead_id
		RETURNING `+prefixed("r", recipientColumns),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due recipients: %w", err)
	}
	return collectRecipients(rows)
}

// UpdateRecipient writes u if the recipient is still in from.
func (s *Store) UpdateRecipient(ctx context.Context, campaignID, leadID uuid.UUID, from campaign.RecipientStatus, u campaign.RecipientUpdate) (bool, error) {
	return updateRecipient(ctx, s.db.Pool(), campaignID, leadID, from, u)
}

var errRecipientMoved = errors.New("recipient moved")

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateRecipient(ctx context.Context, q execer, campaignID, leadID uuid.UUID, from campaign.RecipientStatus, u campaign.RecipientUpdate) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $4,
			attempt_count = $5,
			next_attempt_at = $6,
			provider_message_id = $7,
			last_outcome = $8,
			last_error = $9,
			sent_at = $10,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE campaign_id = $1 AND lead_id = $2 AND status = $3`,
		campaignID, leadID, from, u.Status, u.AttemptCount, u.NextAttemptAt,
		u.ProviderMessageID, u.LastOutcome, u.LastError, u.SentAt,
	)
	if err != nil {
		return false, fmt.Errorf("update recipient: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordOutcome inserts the attempt row and applies u together. A second
// record of the same attempt number, or a recipient that moved on, leaves
// everything unchanged.
func (s *Store) RecordOutcome(ctx context.Context, a *campaign.Attempt, from campaign.RecipientStatus, u campaign.RecipientUpdate) (bool, error) {
	recorded := false
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO delivery_attempts (
				id, tenant_id, campaign_id, lead_id, attempt_number, channel, outcome,
				decision, reason, provider_message_id, attempted_at, recorded_at,
				next_eligible_at, error
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (campaign_id, lead_id, attempt_number) DO NOTHING`,
			a.ID, a.TenantID, a.CampaignID, a.LeadID, a.Number, a.Channel, a.Outcome,
			a.Decision, a.Reason, a.ProviderMessageID, a.AttemptedAt, a.RecordedAt,
			a.NextEligibleAt, a.Error,
		)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		ok, err := updateRecipient(ctx, tx, a.CampaignID, a.LeadID, from, u)
		if err != nil {
			return err
		}
		if !ok {
			// roll the attempt back with the state it belongs to
			return errRecipientMoved
		}
		recorded = true
		return nil
	})
	if errors.Is(err, errRecipientMoved) {
		s.logger.Info("recipient moved before outcome was recorded",
			zap.String("campaign_id", a.CampaignID.String()),
			zap.String("lead_id", a.LeadID.String()),
			zap.Int("attempt", a.Number),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return recorded, nil
}

// FindRecipientByProviderMessage resolves a provider callback to the
// recipient that was last sent providerMessageID on ch.
func (s *Store) FindRecipientByProviderMessage(ctx context.Context, ch channel.Channel, providerMessageID string) (*campaign.Recipient, error) {
	r, err := scanRecipient(s.db.Pool().QueryRow(ctx, `
		SELECT `+prefixed("r", recipientColumns)+`
		FROM campaign_recipients r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE r.provider_message_id = $2 AND c.channel = $1
		ORDER BY r.updated_at DESC
		LIMIT 1`,
		ch, providerMessageID,
	))
	if err != nil {
		return nil, notFound(err, "recipient for provider message", providerMessageID)
	}
	return r, nil
}

func (s *Store) ListStaleInFlight(ctx context.Context, sentBefore time.Time, limit int) ([]*campaign.Recipient, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE status = 'in_flight' AND sent_at < $1
		ORDER BY sent_at
		LIMIT $2`,
		sentBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale in-flight recipients: %w", err)
	}
	return collectRecipients(rows)
}

// ReleaseStaleClaims returns claims abandoned by a crashed worker to their
// idle status.
func (s *Store) ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE campaign_recipients
		SET status = CASE WHEN attempt_count = 0 THEN 'pending' ELSE 'retrying' END,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE status = 'claimed' AND claimed_at < $1`,
		claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CountOpenRecipients(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := s.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_recipients
		WHERE campaign_id = $1 AND status NOT IN ('succeeded', 'failed')`,
		campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open recipients: %w", err)
	}
	return n, nil
}

func (s *Store) GetRecipient(ctx context.Context, campaignID, leadID uuid.UUID) (*campaign.Recipient, error) {
	r, err := scanRecipient(s.db.Pool().QueryRow(ctx, `
		SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE campaign_id = $1 AND lead_id = $2`,
		campaignID, leadID,
	))
	if err != nil {
		return nil, notFound(err, "recipient", leadID)
	}
	return r, nil
}

// ListAttempts returns attempts in send order. A zero limit returns all.
func (s *Store) ListAttempts(ctx context.Context, campaignID uuid.UUID, leadID *uuid.UUID, limit, offset int) ([]*campaign.Attempt, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, tenant_id, campaign_id, lead_id, attempt_number, channel, outcome,
			decision, reason, provider_message_id, attempted_at, recorded_at,
			next_eligible_at, error
		FROM delivery_attempts
		WHERE campaign_id = $1 AND ($2::uuid IS NULL OR lead_id = $2)
		ORDER BY attempted_at, lead_id, attempt_number
		LIMIT NULLIF($3::int, 0) OFFSET $4`,
		campaignID, leadID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Attempt
	for rows.Next() {
		var a campaign.Attempt
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.CampaignID,
			&a.LeadID,
			&a.Number,
			&a.Channel,
			&a.Outcome,
			&a.Decision,
			&a.Reason,
			&a.ProviderMessageID,
			&a.AttemptedAt,
			&a.RecordedAt,
			&a.NextEligibleAt,
			&a.Error,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
