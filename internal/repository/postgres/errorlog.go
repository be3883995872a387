package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

// ErrorLogRepo implements sending.ErrorLog against PostgreSQL.
type ErrorLogRepo struct{ db *sql.DB }

// NewErrorLogRepo creates a Postgres-backed error log.
func NewErrorLogRepo(db *sql.DB) *ErrorLogRepo { return &ErrorLogRepo{db: db} }

func (r *ErrorLogRepo) AppendError(ctx context.Context, e domain.ErrorLogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO send_batch_errors (batch_id, email, message, retry_count, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, 0, FALSE, NOW(), NOW())
		ON CONFLICT (batch_id, email)
		DO UPDATE SET message = EXCLUDED.message, updated_at = NOW()
	`, e.BatchID, e.Email, e.Message)
	if err != nil {
		return fmt.Errorf("append error: %w", err)
	}
	return nil
}

func (r *ErrorLogRepo) UnresolvedErrors(ctx context.Context, batchID string, ceiling int) ([]domain.ErrorLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT batch_id, email, COALESCE(message,''), retry_count, resolved, created_at, updated_at
		FROM send_batch_errors
		WHERE batch_id = $1 AND resolved = FALSE AND retry_count < $2
		ORDER BY email
	`, batchID, ceiling)
	if err != nil {
		return nil, fmt.Errorf("unresolved errors: %w", err)
	}
	defer rows.Close()

	var out []domain.ErrorLogEntry
	for rows.Next() {
		var e domain.ErrorLogEntry
		if err := rows.Scan(&e.BatchID, &e.Email, &e.Message, &e.RetryCount, &e.Resolved, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan error entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *ErrorLogRepo) ResolveError(ctx context.Context, batchID, email string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE send_batch_errors
		SET resolved = TRUE, retry_count = retry_count + 1, updated_at = NOW()
		WHERE batch_id = $1 AND email = $2 AND resolved = FALSE
	`, batchID, email)
	if err != nil {
		return false, fmt.Errorf("resolve error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return false, r.entryExists(ctx, batchID, email)
	}

	var campaignID string
	var status domain.BatchStatus
	err = tx.QueryRowContext(ctx, `
		UPDATE send_batches SET failed = failed - 1, sent = sent + 1
		WHERE id = $1 AND failed > 0
		RETURNING campaign_id, status
	`, batchID).Scan(&campaignID, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// counters already clean; nothing to move
	case err != nil:
		return false, fmt.Errorf("move failed to sent: %w", err)
	case status.IsTerminal():
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET failed_count = failed_count - 1, sent_count = sent_count + 1, updated_at = NOW()
			WHERE id = $1 AND failed_count > 0
		`, campaignID); err != nil {
			return false, fmt.Errorf("move campaign failed to sent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *ErrorLogRepo) entryExists(ctx context.Context, batchID, email string) error {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM send_batch_errors WHERE batch_id = $1 AND email = $2`, batchID, email).Scan(&one)
	if err == sql.ErrNoRows {
		return sending.ErrNotFound
	}
	return err
}

func (r *ErrorLogRepo) RecordRetryFailure(ctx context.Context, batchID, email, message string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_batch_errors
		SET retry_count = retry_count + 1, message = $3, updated_at = NOW()
		WHERE batch_id = $1 AND email = $2
	`, batchID, email, message)
	if err != nil {
		return fmt.Errorf("record retry failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sending.ErrNotFound
	}
	return nil
}

func (r *ErrorLogRepo) RetryCandidates(ctx context.Context, ceiling int, now time.Time, limit int) ([]domain.RetryCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.batch_id, b.campaign_id, COUNT(*), MAX(e.retry_count)
		FROM send_batch_errors e
		JOIN send_batches b ON b.id = e.batch_id
		WHERE e.resolved = FALSE AND e.retry_count < $1
		  AND (b.next_retry_at IS NULL OR b.next_retry_at <= $2)
		GROUP BY e.batch_id, b.campaign_id
		ORDER BY e.batch_id
		LIMIT $3
	`, ceiling, now, limit)
	if err != nil {
		return nil, fmt.Errorf("retry candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.RetryCandidate
	for rows.Next() {
		var c domain.RetryCandidate
		if err := rows.Scan(&c.BatchID, &c.CampaignID, &c.Unresolved, &c.MaxRetryCount); err != nil {
			return nil, fmt.Errorf("scan retry candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ErrorLogRepo) ScheduleRetry(ctx context.Context, batchID string, at, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_batches SET next_retry_at = $2
		WHERE id = $1 AND (next_retry_at IS NULL OR next_retry_at <= $3)
	`, batchID, at, now)
	if err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *ErrorLogRepo) ClearRetry(ctx context.Context, batchID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE send_batches SET next_retry_at = NULL WHERE id = $1`, batchID); err != nil {
		return fmt.Errorf("clear retry: %w", err)
	}
	return nil
}
