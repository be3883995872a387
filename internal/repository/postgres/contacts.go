package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/sendpipeline/internal/domain"
)

// ContactRepo implements sending.ContactSource. Suppressed addresses are
// excluded at lookup time.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact source.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

func (r *ContactRepo) Lookup(ctx context.Context, userID string, f domain.ContactFilter) ([]domain.Recipient, error) {
	lists := f.ListIDs
	if lists == nil {
		lists = []string{}
	}
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (lower(c.email)) c.id, c.email, COALESCE(c.name,'')
		FROM contacts c
		WHERE c.user_id = $1 AND c.status = 'active'
		  AND (cardinality($2::text[]) = 0 OR c.list_id = ANY($2::text[]))
		  AND c.tags @> $3::text[]
		  AND NOT EXISTS (
		      SELECT 1 FROM suppressions s
		      WHERE s.user_id = c.user_id AND lower(s.email) = lower(c.email))
		ORDER BY lower(c.email), c.created_at
	`, userID, pq.Array(lists), pq.Array(tags))
	if err != nil {
		return nil, fmt.Errorf("lookup contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rc domain.Recipient
		if err := rows.Scan(&rc.ID, &rc.Email, &rc.Name); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
