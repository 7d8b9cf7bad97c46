package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lalithlochan/outreach/internal/lead"
)

const leadColumns = `
	id, tenant_id, email, phone, chat_handle, first_name, last_name, company,
	timezone, status, tags, custom_fields, source, created_at, updated_at, deleted_at`

func scanLead(row pgx.Row) (*lead.Lead, error) {
	var (
		l      lead.Lead
		custom []byte
	)
	err := row.Scan(
		&l.ID,
		&l.TenantID,
		&l.Email,
		&l.Phone,
		&l.ChatHandle,
		&l.FirstName,
		&l.LastName,
		&l.Company,
		&l.Timezone,
		&l.Status,
		&l.Tags,
		&custom,
		&l.Source,
		&l.CreatedAt,
		&l.UpdatedAt,
		&l.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &l.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields of lead %s: %w", l.ID, err)
		}
	}
	return &l, nil
}

// GetLead returns the lead whether or not it was soft-deleted.
func (s *Store) GetLead(ctx context.Context, id uuid.UUID) (*lead.Lead, error) {
	l, err := scanLead(s.db.Pool().QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "lead", id)
	}
	return l, nil
}

func (s *Store) GetLeadList(ctx context.Context, id uuid.UUID) (*lead.List, error) {
	var l lead.List
	err := s.db.Pool().QueryRow(ctx,
		`SELECT id, tenant_id, name, created_at FROM lead_lists WHERE id = $1`, id,
	).Scan(&l.ID, &l.TenantID, &l.Name, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err, "lead list", id)
	}
	return &l, nil
}

// ListActiveLeads returns the members of a list that are not soft-deleted.
func (s *Store) ListActiveLeads(ctx context.Context, listID uuid.UUID) ([]*lead.Lead, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+prefixed("l", leadColumns)+`
		FROM lead_list_members m
		JOIN leads l ON l.id = m.lead_id
		WHERE m.list_id = $1 AND l.deleted_at IS NULL
		ORDER BY m.added_at, l.id`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("query list members: %w", err)
	}
	defer rows.Close()

	var out []*lead.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AddLeadTag is a no-op when the lead already has the tag in any case.
func (s *Store) AddLeadTag(ctx context.Context, tenantID, leadID uuid.UUID, tag string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE leads
		SET tags = array_append(tags, $3), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
			AND NOT EXISTS (SELECT 1 FROM unnest(tags) t WHERE lower(t) = lower($3))`,
		leadID, tenantID, tag,
	)
	if err != nil {
		return fmt.Errorf("add tag: %w", err)
	}
	return nil
}

func (s *Store) RemoveLeadTag(ctx context.Context, tenantID, leadID uuid.UUID, tag string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE leads
		SET tags = ARRAY(SELECT t FROM unnest(tags) t WHERE lower(t) <> lower($3)), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2`,
		leadID, tenantID, tag,
	)
	if err != nil {
		return fmt.Errorf("remove tag: %w", err)
	}
	return nil
}

func (s *Store) UpdateLeadStatus(ctx context.Context, tenantID, leadID uuid.UUID, status string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE leads SET status = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		leadID, tenantID, status,
	)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
	}
	return nil
}
