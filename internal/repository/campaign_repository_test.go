package repository_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var campaignCols = []string{"id", "name", "channel", "status", "content", "recipients", "total", "sent", "delivered",
	"failed", "responded", "dispatch_cursor", "version", "started_at", "completed_at", "created_at", "updated_at"}

func TestCampaignRepositoryGetByID(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaigns WHERE id=$1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(campaignCols).AddRow(
			"c1", "Spring", "sms", "running", "Hi {name}",
			[]byte(`[{"phone":"+995555100001","vars":{"name":"Nino"}}]`),
			12, 5, 2, 1, 0, 5, 3, started, nil, started, nil))

	c, err := repo.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, c.Status)
	assert.Equal(t, model.ChannelSMS, c.Channel)
	assert.Equal(t, model.Stats{Total: 12, Sent: 5, Delivered: 2, Failed: 1}, c.Stats)
	assert.Equal(t, 5, c.Cursor)
	assert.Equal(t, int64(3), c.Version)
	require.Len(t, c.Recipients, 1)
	assert.Equal(t, "Nino", c.Recipients[0].Vars["name"])
	require.NotNil(t, c.StartedAt)
	assert.True(t, started.Equal(*c.StartedAt))
	assert.Nil(t, c.CompletedAt)
}

func TestCampaignRepositoryGetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaigns WHERE id=$1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(campaignCols))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestCampaignRepositoryTransitionStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}
	total := 12

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE campaigns")).
		WithArgs("running", sqlmock.AnyArg(), sqlmock.AnyArg(), "c1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("running", 1))

	snap, err := repo.TransitionStatus(context.Background(), "c1",
		[]model.Status{model.StatusDraft, model.StatusPaused}, model.StatusRunning,
		repository.TransitionOptions{Total: &total})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSnapshot{Status: model.StatusRunning, Version: 1}, snap)
}

func TestCampaignRepositoryTransitionStatusConflict(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE campaigns")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, version FROM campaigns WHERE id=$1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("completed", 4))

	snap, err := repo.TransitionStatus(context.Background(), "c1",
		[]model.Status{model.StatusRunning}, model.StatusPaused, repository.TransitionOptions{})
	assert.ErrorIs(t, err, repository.ErrStatusConflict)
	assert.Equal(t, model.StatusCompleted, snap.Status)
}

func TestCampaignRepositoryIncrementStats(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta("SET sent=sent+$1")).
		WithArgs(1, 0, 0, 0, "c1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "delivered", "failed", "responded"}).AddRow(12, 6, 0, 1, 0))

	stats, err := repo.IncrementStats(context.Background(), "c1", repository.StatsDelta{Sent: 1})
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Total: 12, Sent: 6, Failed: 1}, stats)
}

func TestCampaignRepositoryIncrementStatsGuard(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta("SET sent=sent+$1")).
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "delivered", "failed", "responded"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, version FROM campaigns")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("running", 1))

	_, err := repo.IncrementStats(context.Background(), "c1", repository.StatsDelta{Failed: 1})
	assert.ErrorIs(t, err, repository.ErrStatsOverflow)
}

func TestCampaignRepositoryUpdateRecipientsOutsideDraft(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET recipients=$1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, version FROM campaigns")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("running", 1))

	err := repo.UpdateRecipients(context.Background(), "c1", []model.Recipient{{Phone: "+995555100001"}})
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
}

func TestCampaignRepositoryListFilters(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM campaigns WHERE 1=1 AND channel=$1 AND status=$2")).
		WithArgs("sms", "draft").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(21))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("sms", "draft", 10, 20).
		WillReturnRows(sqlmock.NewRows(campaignCols).
			AddRow("c21", "last", "sms", "draft", "hi", []byte(`[]`), 0, 0, 0, 0, 0, 0, 0, nil, nil, now, nil))

	campaigns, total, err := repo.List(context.Background(), 20, 10, "sms", "draft")
	require.NoError(t, err)
	assert.Equal(t, 21, total)
	require.Len(t, campaigns, 1)
	assert.Equal(t, "c21", campaigns[0].ID)
}

func TestCampaignRepositoryAdvanceCursorUnknown(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectExec(regexp.QuoteMeta("SET dispatch_cursor=GREATEST(dispatch_cursor, $1)")).
		WithArgs(10, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.AdvanceCursor(context.Background(), "missing", 10), appErrors.ErrNotFound)
}
