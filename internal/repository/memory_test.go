package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

func TestMemoryCampaignStoreTimestampsSetOnce(t *testing.T) {
	store := repository.NewMemoryCampaignStore()
	ctx := context.Background()
	c := &model.Campaign{Name: "x", Channel: model.ChannelSMS, Content: "hi"}
	require.NoError(t, store.Create(ctx, c))

	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	total := 2
	snap, err := store.TransitionStatus(ctx, c.ID, []model.Status{model.StatusDraft}, model.StatusRunning, repository.TransitionOptions{At: t0, Total: &total})
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	_, err = store.TransitionStatus(ctx, c.ID, []model.Status{model.StatusRunning}, model.StatusPaused, repository.TransitionOptions{At: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = store.TransitionStatus(ctx, c.ID, []model.Status{model.StatusPaused}, model.StatusRunning, repository.TransitionOptions{At: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	_, err = store.TransitionStatus(ctx, c.ID, []model.Status{model.StatusRunning}, model.StatusCompleted, repository.TransitionOptions{At: t0.Add(3 * time.Minute)})
	require.NoError(t, err)

	got, err := store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, t0.Equal(*got.StartedAt))
	assert.True(t, t0.Add(3*time.Minute).Equal(*got.CompletedAt))
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, 2, got.Stats.Total)

	snap, err = store.TransitionStatus(ctx, c.ID, []model.Status{model.StatusRunning}, model.StatusCompleted, repository.TransitionOptions{})
	assert.ErrorIs(t, err, repository.ErrStatusConflict)
	assert.Equal(t, model.StatusCompleted, snap.Status)
}

func TestMemoryCampaignStoreStatsGuard(t *testing.T) {
	store := repository.NewMemoryCampaignStore()
	ctx := context.Background()
	c := &model.Campaign{Name: "x", Channel: model.ChannelSMS, Content: "hi"}
	require.NoError(t, store.Create(ctx, c))
	total := 1
	_, err := store.TransitionStatus(ctx, c.ID, []model.Status{model.StatusDraft}, model.StatusRunning, repository.TransitionOptions{Total: &total})
	require.NoError(t, err)

	_, err = store.IncrementStats(ctx, c.ID, repository.StatsDelta{Sent: 1})
	require.NoError(t, err)
	_, err = store.IncrementStats(ctx, c.ID, repository.StatsDelta{Failed: 1})
	assert.ErrorIs(t, err, repository.ErrStatsOverflow)

	// moving a unit between counters keeps the sum
	stats, err := store.IncrementStats(ctx, c.ID, repository.StatsDelta{Sent: -1, Failed: 1})
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Total: 1, Failed: 1}, stats)

	_, err = store.IncrementStats(ctx, "missing", repository.StatsDelta{Sent: 1})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestMemoryStoreReadsAreCopies(t *testing.T) {
	store := repository.NewMemoryCampaignStore()
	ctx := context.Background()
	c := &model.Campaign{Name: "x", Channel: model.ChannelSMS, Content: "hi", Recipients: []model.Recipient{{Phone: "+995555100001"}}}
	require.NoError(t, store.Create(ctx, c))

	got, err := store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	got.Recipients[0].Phone = "+10000000000"
	got.Status = model.StatusCompleted

	again, err := store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "+995555100001", again.Recipients[0].Phone)
	assert.Equal(t, model.StatusDraft, again.Status)
}

// runningCampaign creates a running campaign with the given total.
func runningCampaign(t *testing.T, store *repository.MemoryCampaignStore, id string, total int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &model.Campaign{ID: id, Name: id, Channel: model.ChannelSMS, Content: "hi"}))
	_, err := store.TransitionStatus(ctx, id, []model.Status{model.StatusDraft}, model.StatusRunning, repository.TransitionOptions{Total: &total})
	require.NoError(t, err)
}

func TestMemoryDispatchStoreMarkResponded(t *testing.T) {
	campaigns := repository.NewMemoryCampaignStore()
	store := repository.NewMemoryDispatchStore(campaigns)
	ctx := context.Background()
	phone := "+995555100001"
	for _, id := range []string{"old", "new", "failed"} {
		runningCampaign(t, campaigns, id, 1)
	}
	_, err := store.Record(ctx, &model.DispatchRecord{CampaignID: "old", Phone: phone, Status: model.DispatchSent, ProviderMessageID: "SM1"}, repository.StatsDelta{Sent: 1})
	require.NoError(t, err)
	_, err = store.Record(ctx, &model.DispatchRecord{CampaignID: "new", Phone: phone, Status: model.DispatchSent, ProviderMessageID: "SM2"}, repository.StatsDelta{Sent: 1})
	require.NoError(t, err)
	_, err = store.Record(ctx, &model.DispatchRecord{CampaignID: "failed", Phone: phone, Status: model.DispatchFailed}, repository.StatsDelta{Failed: 1})
	require.NoError(t, err)

	rec, err := store.MarkResponded(ctx, phone, repository.StatsDelta{Responded: 1})
	require.NoError(t, err)
	assert.Equal(t, "new", rec.CampaignID, "latest successful dispatch wins")

	rec, err = store.MarkResponded(ctx, phone, repository.StatsDelta{Responded: 1})
	require.NoError(t, err)
	assert.Equal(t, "old", rec.CampaignID)

	rec, err = store.MarkResponded(ctx, phone, repository.StatsDelta{Responded: 1})
	require.NoError(t, err)
	assert.Nil(t, rec)

	c, err := campaigns.GetByID(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Total: 1, Sent: 1, Responded: 1}, c.Stats)
}

func TestMemoryDispatchStoreRecordsEachPositionOnce(t *testing.T) {
	campaigns := repository.NewMemoryCampaignStore()
	store := repository.NewMemoryDispatchStore(campaigns)
	ctx := context.Background()
	runningCampaign(t, campaigns, "c1", 3)

	stats, err := store.Record(ctx, &model.DispatchRecord{CampaignID: "c1", Position: 1, Phone: "+995555100001", Status: model.DispatchSent}, repository.StatsDelta{Sent: 1})
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Total: 3, Sent: 1}, stats)

	_, err = store.Record(ctx, &model.DispatchRecord{CampaignID: "c1", Position: 1, Phone: "+995555100001", Status: model.DispatchSent}, repository.StatsDelta{Sent: 1})
	assert.ErrorIs(t, err, repository.ErrAlreadyRecorded)

	got, err := store.Recorded(ctx, "c1", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: true}, got)

	c, err := campaigns.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Stats.Sent)
	assert.Len(t, store.Records("c1"), 1)
}

// failingCounter fails the next `fail` increments, then writes through.
type failingCounter struct {
	*repository.MemoryCampaignStore
	fail int
}

func (c *failingCounter) IncrementStats(ctx context.Context, id string, d repository.StatsDelta) (model.Stats, error) {
	if c.fail > 0 {
		c.fail--
		return model.Stats{}, errors.New("connection reset by peer")
	}
	return c.MemoryCampaignStore.IncrementStats(ctx, id, d)
}

func TestMemoryDispatchStoreWritesNothingWhenCounterFails(t *testing.T) {
	campaigns := repository.NewMemoryCampaignStore()
	counter := &failingCounter{MemoryCampaignStore: campaigns}
	store := repository.NewMemoryDispatchStore(counter)
	ctx := context.Background()
	runningCampaign(t, campaigns, "c1", 2)

	counter.fail = 1
	_, err := store.Record(ctx, &model.DispatchRecord{CampaignID: "c1", Position: 0, Phone: "+995555100001", Status: model.DispatchSent, ProviderMessageID: "SM1"}, repository.StatsDelta{Sent: 1})
	require.Error(t, err)
	assert.Empty(t, store.Records("c1"))

	_, err = store.Record(ctx, &model.DispatchRecord{CampaignID: "c1", Position: 0, Phone: "+995555100001", Status: model.DispatchSent, ProviderMessageID: "SM1"}, repository.StatsDelta{Sent: 1})
	require.NoError(t, err)

	counter.fail = 1
	_, changed, err := store.MarkFinal(ctx, "SM1", model.DispatchUndelivered, "30005", repository.StatsDelta{Sent: -1, Failed: 1})
	require.Error(t, err)
	assert.False(t, changed)
	rec, err := store.GetByProviderID(ctx, "SM1")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchSent, rec.Status, "a failed counter write leaves the record unsettled")

	rec, changed, err = store.MarkFinal(ctx, "SM1", model.DispatchUndelivered, "30005", repository.StatsDelta{Sent: -1, Failed: 1})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.DispatchUndelivered, rec.Status)

	c, err := campaigns.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Total: 2, Failed: 1}, c.Stats)
}
