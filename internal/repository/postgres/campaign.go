package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

// CampaignRepo implements sending.CampaignStore against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var attachments []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, subject, from_name, from_email,
		       COALESCE(reply_to,''), COALESCE(html_body,''), COALESCE(text_body,''),
		       COALESCE(attachments, '[]'::jsonb), status,
		       total_count, sent_count, failed_count,
		       started_at, completed_at, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.UserID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLBody, &c.TextBody,
		&attachments, &c.Status,
		&c.Stats.Total, &c.Stats.Sent, &c.Stats.Failed,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, sending.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if err := json.Unmarshal(attachments, &c.Attachments); err != nil {
		return nil, fmt.Errorf("decode campaign attachments: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) StartCampaign(ctx context.Context, id string, total int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sending', total_count = $2, sent_count = 0, failed_count = 0,
		    started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`, id, total)
	if err != nil {
		return fmt.Errorf("start campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetCampaign(ctx, id); err != nil {
			return err
		}
		return sending.ErrInvalidTransition
	}
	return nil
}

func (r *CampaignRepo) FinalizeCampaign(ctx context.Context, id string) (domain.CampaignStatus, bool, error) {
	var status domain.CampaignStatus
	err := r.db.QueryRowContext(ctx, `
		UPDATE campaigns c
		SET status = CASE
		        WHEN EXISTS (SELECT 1 FROM send_batches b WHERE b.campaign_id = c.id AND b.status <> 'failed')
		        THEN 'completed' ELSE 'failed' END,
		    completed_at = NOW(), updated_at = NOW()
		WHERE c.id = $1 AND c.status = 'sending'
		  AND NOT EXISTS (
		      SELECT 1 FROM send_batches b
		      WHERE b.campaign_id = c.id AND b.status IN ('pending', 'processing'))
		RETURNING c.status
	`, id).Scan(&status)
	if err == nil {
		return status, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("finalize campaign: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, sending.ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("campaign status: %w", err)
	}
	return status, false, nil
}
