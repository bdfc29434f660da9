package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// StatsAggregator is the single writer of a run's counters. Outcomes from concurrent
// sends are serialised through it, and each one is persisted together with its
// dispatch record before Apply returns.
type StatsAggregator struct {
	campaignID string
	dispatches repository.DispatchStore
	logger     *zap.Logger

	mu    sync.Mutex
	stats model.Stats
}

func NewStatsAggregator(campaignID string, initial model.Stats, dispatches repository.DispatchStore, logger *zap.Logger) *StatsAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsAggregator{
		campaignID: campaignID,
		dispatches: dispatches,
		logger:     logger,
		stats:      initial,
	}
}

// Apply counts the outcome for the recipient at position: sent for a success, failed
// otherwise. A position that already holds an outcome is left as it is.
// The returned error is always an infrastructure error and aborts the run.
func (a *StatsAggregator) Apply(ctx context.Context, position int, o model.DispatchOutcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delta := repository.StatsDelta{Sent: 1}
	rec := &model.DispatchRecord{
		CampaignID:        a.campaignID,
		Position:          position,
		Phone:             o.RecipientPhone,
		ProviderMessageID: o.ProviderMessageID,
		Status:            model.DispatchSent,
	}
	if !o.Succeeded {
		delta = repository.StatsDelta{Failed: 1}
		rec.Status = model.DispatchFailed
		rec.ErrorCode = o.ErrorCode
	}

	stats, err := a.dispatches.Record(ctx, rec, delta)
	switch {
	case errors.Is(err, repository.ErrAlreadyRecorded), errors.Is(err, repository.ErrStatsOverflow):
		// an earlier run already counted this recipient
		a.logger.Warn("outcome already counted",
			zap.Int("position", position),
			zap.String("recipient", o.RecipientPhone),
			zap.Error(err))
		return nil
	case err != nil:
		return storeError(a.campaignID, fmt.Errorf("record outcome: %w", err))
	}
	a.stats = stats
	return nil
}

// Snapshot returns the counters as last persisted by this aggregator.
func (a *StatsAggregator) Snapshot() model.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// storeError keeps classified errors and marks everything else as a store outage.
func storeError(campaignID string, err error) error {
	if appErrors.CodeOf(err) != "" {
		return err
	}
	return appErrors.NewStoreUnavailable(campaignID, err)
}
