package postgres

import (
	"database/sql"

	"github.com/ignite/sendpipeline/internal/service/sending"
)

// Store is the Postgres sending.Store.
type Store struct {
	*CampaignRepo
	*BatchRepo
	*ErrorLogRepo
}

// NewStore wires the three repositories onto one pool.
func NewStore(db *sql.DB) *Store {
	return &Store{
		CampaignRepo: NewCampaignRepo(db),
		BatchRepo:    NewBatchRepo(db),
		ErrorLogRepo: NewErrorLogRepo(db),
	}
}

var (
	_ sending.Store         = (*Store)(nil)
	_ sending.ContactSource = (*ContactRepo)(nil)
)
