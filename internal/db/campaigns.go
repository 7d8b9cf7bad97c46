package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/retry"
	"github.com/lalithlochan/outreach/internal/schedule"
)

const campaignColumns = `
	id, tenant_id, name, channel, lead_list_id, status, schedule, timezone,
	use_lead_timezone, retry_strategy, content_version, start_at, started_at,
	completed_at, failure_reason, created_at, updated_at`

func scanCampaign(row pgx.Row) (*campaign.Campaign, error) {
	var (
		c                   campaign.Campaign
		scheduleJS, retryJS []byte
	)
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.Channel,
		&c.LeadListID,
		&c.Status,
		&scheduleJS,
		&c.Timezone,
		&c.UseLeadTimezone,
		&retryJS,
		&c.ContentVersion,
		&c.StartAt,
		&c.StartedAt,
		&c.CompletedAt,
		&c.FailureReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.Schedule, err = schedule.ParseRule(scheduleJS); err != nil {
		return nil, fmt.Errorf("decode schedule of campaign %s: %w", c.ID, err)
	}
	if c.Retry, err = retry.ParseStrategy(retryJS); err != nil {
		return nil, fmt.Errorf("decode retry strategy of campaign %s: %w", c.ID, err)
	}
	return &c, nil
}

// CreateCampaign inserts the campaign with its first content version.
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign, tpl content.Template) error {
	scheduleJS, err := json.Marshal(c.Schedule)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	retryJS, err := json.Marshal(c.Retry)
	if err != nil {
		return fmt.Errorf("encode retry strategy: %w", err)
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO campaigns (`+campaignColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			c.ID, c.TenantID, c.Name, c.Channel, c.LeadListID, c.Status, scheduleJS, c.Timezone,
			c.UseLeadTimezone, retryJS, c.ContentVersion, c.StartAt, c.StartedAt,
			c.CompletedAt, c.FailureReason, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("campaign %s: %w", c.ID, ErrConflict)
			}
			return fmt.Errorf("insert campaign: %w", err)
		}
		return insertContent(ctx, tx, c.ID, tpl)
	})
	if err != nil {
		s.logger.Error("failed to create campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		return err
	}
	return nil
}

func insertContent(ctx context.Context, tx pgx.Tx, campaignID uuid.UUID, tpl content.Template) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO campaign_contents (campaign_id, version, subject, body)
		VALUES ($1, $2, $3, $4)`,
		campaignID, tpl.Version, tpl.Subject, tpl.Body,
	)
	if err != nil {
		return fmt.Errorf("insert content version %d: %w", tpl.Version, err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error) {
	c, err := scanCampaign(s.db.Pool().QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "campaign", id)
	}
	return c, nil
}

// TransitionCampaign moves the campaign from -> to if it is still in from.
func (s *Store) TransitionCampaign(ctx context.Context, id uuid.UUID, from, to campaign.Status, change campaign.Change) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE campaigns
		SET status = $3,
			updated_at = $4,
			start_at = COALESCE($5, start_at),
			failure_reason = CASE WHEN $6 <> '' THEN $6 ELSE failure_reason END,
			started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, $4) ELSE started_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END
		WHERE id = $1 AND status = $2`,
		id, from, to, change.At, change.StartAt, change.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("update campaign status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

var recipientCopyColumns = []string{
	"campaign_id", "lead_id", "tenant_id", "status", "attempt_count",
	"next_attempt_at", "content_version", "updated_at",
}

// StartCampaign moves the campaign to running and copies its recipients in.
func (s *Store) StartCampaign(ctx context.Context, id uuid.UUID, from campaign.Status, recipients []*campaign.Recipient, at time.Time) (bool, error) {
	started := false
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE campaigns
			SET status = 'running', started_at = $3, updated_at = $3
			WHERE id = $1 AND status = $2`,
			id, from, at,
		)
		if err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		n, err := tx.CopyFrom(ctx, pgx.Identifier{"campaign_recipients"}, recipientCopyColumns,
			pgx.CopyFromSlice(len(recipients), func(i int) ([]any, error) {
				r := recipients[i]
				return []any{r.CampaignID, r.LeadID, r.TenantID, r.Status, r.AttemptCount,
					r.NextAttemptAt, r.ContentVersion, r.UpdatedAt}, nil
			}),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("recipients of campaign %s: %w", id, ErrConflict)
			}
			return fmt.Errorf("copy recipients: %w", err)
		}
		started = true
		s.logger.Debug("recipients materialized", zap.String("campaign_id", id.String()), zap.Int64("rows", n))
		return nil
	})
	if err != nil {
		return false, err
	}
	return started, nil
}

func (s *Store) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*campaign.Campaign, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'scheduled' AND start_at <= $1
		ORDER BY start_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddContent appends the next content version. Recipients still pending
// their first attempt switch to it; everyone else keeps what they were sent.
func (s *Store) AddContent(ctx context.Context, campaignID uuid.UUID, tpl content.Template) (int, error) {
	var version int
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		// the row lock serializes concurrent edits
		err := tx.QueryRow(ctx, `SELECT content_version FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&version)
		if err != nil {
			return notFound(err, "campaign", campaignID)
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM campaign_contents WHERE campaign_id = $1`, campaignID,
		).Scan(&version); err != nil {
			return fmt.Errorf("next content version: %w", err)
		}

		tpl.Version = version
		if err := insertContent(ctx, tx, campaignID, tpl); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE campaigns SET content_version = $2, updated_at = NOW() WHERE id = $1`, campaignID, version,
		); err != nil {
			return fmt.Errorf("update campaign content version: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE campaign_recipients
			SET content_version = $2, updated_at = NOW()
			WHERE campaign_id = $1 AND status = 'pending' AND attempt_count = 0`,
			campaignID, version,
		)
		if err != nil {
			return fmt.Errorf("update recipient content version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) GetContent(ctx context.Context, campaignID uuid.UUID, version int) (content.Template, error) {
	tpl := content.Template{Version: version}
	err := s.db.Pool().QueryRow(ctx, `
		SELECT subject, body FROM campaign_contents
		WHERE campaign_id = $1 AND version = $2`,
		campaignID, version,
	).Scan(&tpl.Subject, &tpl.Body)
	if err != nil {
		return content.Template{}, notFound(err, "content version", fmt.Sprintf("%s/%d", campaignID, version))
	}
	return tpl, nil
}
