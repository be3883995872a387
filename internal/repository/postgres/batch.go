package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

// BatchRepo implements sending.BatchStore against PostgreSQL.
type BatchRepo struct{ db *sql.DB }

// NewBatchRepo creates a Postgres-backed batch repository.
func NewBatchRepo(db *sql.DB) *BatchRepo { return &BatchRepo{db: db} }

const batchColumns = `id, campaign_id, number, recipients, status, total, sent, failed,
	COALESCE(error,''), next_retry_at, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	b := &domain.Batch{}
	var recipients []byte
	err := row.Scan(&b.ID, &b.CampaignID, &b.Number, &recipients, &b.Status,
		&b.Progress.Total, &b.Progress.Sent, &b.Progress.Failed,
		&b.Error, &b.NextRetryAt, &b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipients, &b.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients of batch %s: %w", b.ID, err)
	}
	return b, nil
}

// CreateBatches bulk-loads a plan with COPY inside one transaction, so a
// campaign either has all of its batches or none.
func (r *BatchRepo) CreateBatches(ctx context.Context, batches []*domain.Batch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("send_batches",
		"id", "campaign_id", "number", "recipients", "status", "total", "sent", "failed", "created_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, b := range batches {
		recipients, err := json.Marshal(b.Recipients)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("encode recipients: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, b.ID, b.CampaignID, b.Number, string(recipients),
			string(b.Status), b.Progress.Total, b.Progress.Sent, b.Progress.Failed, b.CreatedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("copy batch %d: %w", b.Number, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}
	return tx.Commit()
}

func (r *BatchRepo) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	b, err := scanBatch(r.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM send_batches WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, sending.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (r *BatchRepo) ListBatches(ctx context.Context, campaignID string) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM send_batches WHERE campaign_id = $1 ORDER BY number`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *BatchRepo) ClaimBatch(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_batches SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetBatch(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// incrementQuery clips the deltas to the remaining room so concurrent
// increments can never push sent+failed past total.
const incrementQuery = `
	UPDATE send_batches
	SET sent = sent + LEAST($2, total - sent - failed),
	    failed = failed + LEAST($3, total - sent - failed - LEAST($2, total - sent - failed))
	WHERE id = $1
	RETURNING total, sent, failed
`

func (r *BatchRepo) IncrementProgress(ctx context.Context, batchID string, sent, failed int) (domain.Progress, error) {
	var p domain.Progress
	err := r.db.QueryRowContext(ctx, incrementQuery, batchID, sent, failed).Scan(&p.Total, &p.Sent, &p.Failed)
	if err == sql.ErrNoRows {
		return p, sending.ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("increment progress: %w", err)
	}
	return p, nil
}

const markDeliveredQuery = `
	INSERT INTO send_batch_deliveries (batch_id, email, success, created_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (batch_id, email) DO NOTHING
`

// RecordDelivery inserts the recipient's delivery row and bumps the
// counters in one transaction. The primary key on (batch_id, email) makes a
// redelivered task a no-op.
func (r *BatchRepo) RecordDelivery(ctx context.Context, batchID, email string, success bool) (domain.Progress, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Progress{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, markDeliveredQuery, batchID, email, success)
	if err != nil {
		return domain.Progress{}, false, fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		b, err := r.GetBatch(ctx, batchID)
		if err != nil {
			return domain.Progress{}, false, err
		}
		return b.Progress, false, nil
	}

	sent, failed := 0, 1
	if success {
		sent, failed = 1, 0
	}
	var p domain.Progress
	err = tx.QueryRowContext(ctx, incrementQuery, batchID, sent, failed).Scan(&p.Total, &p.Sent, &p.Failed)
	if err == sql.ErrNoRows {
		return p, false, sending.ErrNotFound
	}
	if err != nil {
		return p, false, fmt.Errorf("increment progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return p, false, fmt.Errorf("commit: %w", err)
	}
	return p, true, nil
}

func (r *BatchRepo) MarkDelivered(ctx context.Context, batchID, email string, success bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, markDeliveredQuery, batchID, email, success)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *BatchRepo) Delivered(ctx context.Context, batchID, email string) (bool, error) {
	var seen bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM send_batch_deliveries WHERE batch_id = $1 AND email = $2)`,
		batchID, email).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return seen, nil
}

func (r *BatchRepo) CompleteBatch(ctx context.Context, batchID string) (domain.Progress, bool, error) {
	return r.finish(ctx, batchID, `
		UPDATE send_batches SET status = 'completed', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing') AND sent + failed >= total
		RETURNING campaign_id, total, sent, failed
	`)
}

func (r *BatchRepo) FailBatch(ctx context.Context, batchID, reason string) (bool, error) {
	_, done, err := r.finish(ctx, batchID, `
		UPDATE send_batches SET status = 'failed', error = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING campaign_id, total, sent, failed
	`, reason)
	return done, err
}

// finish runs a terminal transition and the campaign roll-up in one
// transaction. The conditional UPDATE decides the single winner.
func (r *BatchRepo) finish(ctx context.Context, batchID, query string, extra ...interface{}) (domain.Progress, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Progress{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var campaignID string
	var p domain.Progress
	args := append([]interface{}{batchID}, extra...)
	err = tx.QueryRowContext(ctx, query, args...).Scan(&campaignID, &p.Total, &p.Sent, &p.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		b, gerr := r.GetBatch(ctx, batchID)
		if gerr != nil {
			return domain.Progress{}, false, gerr
		}
		return b.Progress, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("finish batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = sent_count + $2, failed_count = failed_count + $3, updated_at = NOW()
		WHERE id = $1
	`, campaignID, p.Sent, p.Failed); err != nil {
		return p, false, fmt.Errorf("roll up batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return p, false, fmt.Errorf("commit: %w", err)
	}
	return p, true, nil
}
