package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

var batchCols = []string{"id", "campaign_id", "number", "recipients", "status", "total", "sent", "failed",
	"error", "next_retry_at", "created_at", "started_at", "completed_at"}

// =============================================================================
// BATCH TESTS
// =============================================================================

func TestCreateBatches_CopiesInOneTransaction(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	batches := []*domain.Batch{
		{ID: "b1", CampaignID: "c1", Number: 1, Status: domain.BatchPending,
			Recipients: []domain.Recipient{{Email: "a@x.io"}}, Progress: domain.Progress{Total: 1}, CreatedAt: now},
		{ID: "b2", CampaignID: "c1", Number: 2, Status: domain.BatchPending,
			Recipients: []domain.Recipient{{Email: "b@x.io"}}, Progress: domain.Progress{Total: 1}, CreatedAt: now},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("COPY")
	prep.ExpectExec().WithArgs("b1", "c1", 1, sqlmock.AnyArg(), "pending", 1, 0, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("b2", "c1", 2, sqlmock.AnyArg(), "pending", 1, 0, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, NewBatchRepo(db).CreateBatches(context.Background(), batches))
}

func TestClaimBatch(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewBatchRepo(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE send_batches SET status = 'processing'").
		WithArgs("b1").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.ClaimBatch(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, ok)

	// second claim loses, batch exists
	mock.ExpectExec("UPDATE send_batches SET status = 'processing'").
		WithArgs("b1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM send_batches WHERE id").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow(
			"b1", "c1", 1, []byte(`[{"id":"r1","email":"a@x.io"}]`), "processing", 1, 0, 0,
			"", nil, time.Now(), time.Now(), nil))
	ok, err = repo.ClaimBatch(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec("UPDATE send_batches SET status = 'processing'").
		WithArgs("nope").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM send_batches WHERE id").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	_, err = repo.ClaimBatch(ctx, "nope")
	assert.True(t, errors.Is(err, sending.ErrNotFound))
}

func TestIncrementProgress_ReturnsCounters(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE send_batches").WithArgs("b1", 1, 0).
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "failed"}).AddRow(3, 2, 1))

	p, err := NewBatchRepo(db).IncrementProgress(context.Background(), "b1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.Progress{Total: 3, Sent: 2, Failed: 1}, p)
}

func TestRecordDelivery_CountsEachRecipientOnce(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewBatchRepo(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO send_batch_deliveries").WithArgs("b1", "a@x.io", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE send_batches").WithArgs("b1", 1, 0).
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "failed"}).AddRow(2, 1, 0))
	mock.ExpectCommit()

	p, applied, err := repo.RecordDelivery(ctx, "b1", "a@x.io", true)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.Progress{Total: 2, Sent: 1}, p)

	// a redelivered task leaves the counters alone
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO send_batch_deliveries").WithArgs("b1", "a@x.io", false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("FROM send_batches WHERE id").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow(
			"b1", "c1", 1, []byte(`[]`), "processing", 2, 1, 0, "", nil, time.Now(), time.Now(), nil))

	p, applied, err = repo.RecordDelivery(ctx, "b1", "a@x.io", false)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.Progress{Total: 2, Sent: 1}, p)
}

func TestMarkDelivered(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewBatchRepo(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO send_batch_deliveries").WithArgs("b1", "a@x.io", false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := repo.MarkDelivered(ctx, "b1", "a@x.io", false)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery("SELECT EXISTS").WithArgs("b1", "a@x.io").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	seen, err := repo.Delivered(ctx, "b1", "a@x.io")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestCompleteBatch_WinnerRollsUp(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewBatchRepo(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE send_batches SET status = 'completed'").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "total", "sent", "failed"}).AddRow("c1", 3, 2, 1))
	mock.ExpectExec("UPDATE campaigns").WithArgs("c1", 2, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, done, err := repo.CompleteBatch(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 3, p.Total)

	// loser sees the committed counters and does not roll up again
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE send_batches SET status = 'completed'").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "total", "sent", "failed"}))
	mock.ExpectRollback()
	mock.ExpectQuery("FROM send_batches WHERE id").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow(
			"b1", "c1", 1, []byte(`[]`), "completed", 3, 2, 1, "", nil, time.Now(), time.Now(), time.Now()))

	p, done, err = repo.CompleteBatch(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, domain.Progress{Total: 3, Sent: 2, Failed: 1}, p)
}

func TestFailBatch_RollsUpPartialCounters(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE send_batches SET status = 'failed'").WithArgs("b1", "boom").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "total", "sent", "failed"}).AddRow("c1", 5, 1, 0))
	mock.ExpectExec("UPDATE campaigns").WithArgs("c1", 1, 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	done, err := NewBatchRepo(db).FailBatch(context.Background(), "b1", "boom")
	require.NoError(t, err)
	assert.True(t, done)
}

// =============================================================================
// CAMPAIGN TESTS
// =============================================================================

func TestStartCampaign_RejectsNonDraft(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE campaigns").WithArgs("c1", 10).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM campaigns").WithArgs("c1").WillReturnRows(sqlmock.NewRows([]string{
		"id", "user_id", "name", "subject", "from_name", "from_email", "reply_to", "html_body", "text_body",
		"attachments", "status", "total_count", "sent_count", "failed_count",
		"started_at", "completed_at", "created_at", "updated_at",
	}).AddRow("c1", "u1", "n", "s", "f", "f@x.io", "", "<p>hi</p>", "", []byte(`[]`), "sending",
		10, 0, 0, time.Now(), nil, time.Now(), time.Now()))

	err := NewCampaignRepo(db).StartCampaign(context.Background(), "c1", 10)
	assert.True(t, errors.Is(err, sending.ErrInvalidTransition))
}

func TestFinalizeCampaign(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewCampaignRepo(db)
	ctx := context.Background()

	mock.ExpectQuery("UPDATE campaigns c").WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	status, done, err := repo.FinalizeCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, domain.CampaignCompleted, status)

	mock.ExpectQuery("UPDATE campaigns c").WithArgs("c1").WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectQuery("SELECT status FROM campaigns").WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	_, done, err = repo.FinalizeCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, done)
}

// =============================================================================
// ERROR LOG TESTS
// =============================================================================

func TestResolveError_AdjustsTerminalCampaign(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE send_batch_errors").WithArgs("b1", "a@x.io").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE send_batches SET failed = failed - 1").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "status"}).AddRow("c1", "completed"))
	mock.ExpectExec("UPDATE campaigns SET failed_count").WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	done, err := NewErrorLogRepo(db).ResolveError(context.Background(), "b1", "a@x.io")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestResolveError_AlreadyResolved(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE send_batch_errors").WithArgs("b1", "a@x.io").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT 1 FROM send_batch_errors").WithArgs("b1", "a@x.io").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	done, err := NewErrorLogRepo(db).ResolveError(context.Background(), "b1", "a@x.io")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestRetryCandidates(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("FROM send_batch_errors e").WithArgs(3, now, 50).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "campaign_id", "count", "max"}).
			AddRow("b1", "c1", 4, 1).AddRow("b2", "c1", 1, 0))

	got, err := NewErrorLogRepo(db).RetryCandidates(context.Background(), 3, now, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.RetryCandidate{BatchID: "b1", CampaignID: "c1", Unresolved: 4, MaxRetryCount: 1}, got[0])
}

func TestScheduleRetry_SkipsWhenPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	at := now.Add(time.Minute)
	mock.ExpectExec("UPDATE send_batches SET next_retry_at").WithArgs("b1", at, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := NewErrorLogRepo(db).ScheduleRetry(context.Background(), "b1", at, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// CONTACT TESTS
// =============================================================================

func TestContactLookup(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM contacts c").WithArgs("u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name"}).
			AddRow("r1", "a@x.io", "Ann").AddRow("r2", "b@x.io", ""))

	got, err := NewContactRepo(db).Lookup(context.Background(), "u1", domain.ContactFilter{ListIDs: []string{"l1"}})
	require.NoError(t, err)
	assert.Equal(t, []domain.Recipient{{ID: "r1", Email: "a@x.io", Name: "Ann"}, {ID: "r2", Email: "b@x.io"}}, got)
}
