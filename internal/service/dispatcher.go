package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// CodeOptedOut marks recipients skipped because they opted out.
const CodeOptedOut = "opted_out"

// Sender is the part of the provider adapter the dispatcher needs.
type Sender interface {
	CheckChannel(ch model.ChannelType) error
	Send(ctx context.Context, campaignID string, ch model.ChannelType, phone, content string) (model.DispatchOutcome, error)
}

type DispatcherConfig struct {
	BatchSize       int
	InterBatchDelay time.Duration
}

// StartResult is returned to the caller as soon as a run has been accepted.
type StartResult struct {
	CampaignID      string       `json:"campaign_id"`
	Status          model.Status `json:"status"`
	TotalRecipients int          `json:"total_recipients"`
}

// RunReport describes how a run ended.
type RunReport struct {
	CampaignID  string       `json:"campaign_id"`
	Status      model.Status `json:"status"`
	Stats       model.Stats  `json:"stats"`
	Batches     int          `json:"batches"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// StatsView is the read model served by the stats query.
type StatsView struct {
	CampaignID  string       `json:"campaign_id"`
	Status      model.Status `json:"status"`
	Stats       model.Stats  `json:"stats"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

type run struct {
	campaignID string
	channel    model.ChannelType
	content    string
	recipients []model.Recipient
	cursor     int
	version    int64
	stats      model.Stats
}

// Dispatcher owns campaign runs. At most one run per campaign executes in a process;
// cross-process overlap is caught by the status version each run captured on start.
type Dispatcher struct {
	campaigns  repository.CampaignStore
	dispatches repository.DispatchStore
	optOuts    repository.OptOutStore
	sender     Sender
	cfg        DispatcherConfig
	metrics    metrics.Recorder
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	active   map[string]struct{}
	wg       sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(
	campaigns repository.CampaignStore,
	dispatches repository.DispatchStore,
	optOuts repository.OptOutStore,
	sender Sender,
	cfg DispatcherConfig,
	rec metrics.Recorder,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.InterBatchDelay < 0 {
		cfg.InterBatchDelay = 0
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		campaigns:  campaigns,
		dispatches: dispatches,
		optOuts:    optOuts,
		sender:     sender,
		cfg:        cfg,
		metrics:    rec,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		active:     make(map[string]struct{}),
		stopping:   make(chan struct{}),
	}
}

// Start validates and moves the campaign to running, then dispatches in the background.
func (d *Dispatcher) Start(ctx context.Context, campaignID string) (*StartResult, error) {
	r, err := d.begin(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// the run outlives the request that started it
		if _, err := d.execute(context.WithoutCancel(ctx), r); err != nil {
			d.logger.Error("campaign run aborted", zap.String("campaign_id", campaignID), zap.Error(err))
		}
	}()

	return &StartResult{
		CampaignID:      campaignID,
		Status:          model.StatusRunning,
		TotalRecipients: len(r.recipients),
	}, nil
}

// Run is Start without the background goroutine: it returns once the run has stopped.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) (*RunReport, error) {
	r, err := d.begin(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, r)
}

// Pause asks a running campaign to stop at the next batch boundary. Sends already in
// flight finish and are counted.
func (d *Dispatcher) Pause(ctx context.Context, campaignID string) (model.Status, error) {
	snap, err := d.campaigns.GetStatusSnapshot(ctx, campaignID)
	if err != nil {
		return "", storeError(campaignID, err)
	}
	noop, err := ValidatePause(campaignID, snap.Status)
	if err != nil || noop {
		return snap.Status, err
	}

	snap, err = d.campaigns.TransitionStatus(ctx, campaignID,
		SourcesOf(model.StatusPaused), model.StatusPaused,
		repository.TransitionOptions{At: d.now()})
	if errors.Is(err, repository.ErrStatusConflict) {
		// lost a race with completion or another pause
		if _, verr := ValidatePause(campaignID, snap.Status); verr != nil {
			return snap.Status, verr
		}
		return snap.Status, nil
	}
	if err != nil {
		return "", storeError(campaignID, err)
	}

	d.logger.Info("campaign paused", zap.String("campaign_id", campaignID))
	return model.StatusPaused, nil
}

func (d *Dispatcher) Stats(ctx context.Context, campaignID string) (*StatsView, error) {
	c, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, storeError(campaignID, err)
	}
	return &StatsView{
		CampaignID:  c.ID,
		Status:      c.Status,
		Stats:       c.Stats,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}, nil
}

// Active reports whether this process is executing a run for the campaign.
func (d *Dispatcher) Active(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[campaignID]
	return ok
}

// Shutdown stops background runs at their next batch boundary, pausing them so they
// can be resumed, and waits for them to drain or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopping) })
	return d.Wait(ctx)
}

// Wait blocks until every background run has returned.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) begin(ctx context.Context, campaignID string) (*run, error) {
	c, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, storeError(campaignID, err)
	}
	if err := ValidateStart(c, d.sender.CheckChannel(c.Channel) == nil); err != nil {
		return nil, err
	}
	if !d.claim(campaignID) {
		return nil, appErrors.NewInvalidState(campaignID, "a previous run is still finishing its batch")
	}

	opts := repository.TransitionOptions{At: d.now()}
	stats := c.Stats
	if c.Status == model.StatusDraft {
		total := len(c.Recipients)
		opts.Total = &total
		stats.Total = total
	}
	snap, err := d.campaigns.TransitionStatus(ctx, campaignID, StartableStatuses, model.StatusRunning, opts)
	if err != nil {
		d.release(campaignID)
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, appErrors.NewInvalidState(campaignID, fmt.Sprintf("cannot start a %s campaign", snap.Status))
		}
		return nil, storeError(campaignID, err)
	}

	d.metrics.RunStarted()
	d.logger.Info("campaign run started",
		zap.String("campaign_id", campaignID),
		zap.String("channel", string(c.Channel)),
		zap.Int("total", stats.Total),
		zap.Int("cursor", c.Cursor),
		zap.Bool("resumed", c.Status == model.StatusPaused))

	return &run{
		campaignID: campaignID,
		channel:    c.Channel,
		content:    c.Content,
		recipients: slices.Clone(c.Recipients),
		cursor:     c.Cursor,
		version:    snap.Version,
		stats:      stats,
	}, nil
}

func (d *Dispatcher) claim(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[campaignID]; ok {
		return false
	}
	d.active[campaignID] = struct{}{}
	return true
}

func (d *Dispatcher) release(campaignID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, campaignID)
}

func (d *Dispatcher) execute(ctx context.Context, r *run) (report *RunReport, err error) {
	log := d.logger.With(zap.String("campaign_id", r.campaignID))
	report = &RunReport{CampaignID: r.campaignID, Status: model.StatusRunning}
	defer func() {
		d.release(r.campaignID)
		result := string(report.Status)
		if err != nil {
			result = "aborted"
		}
		d.metrics.RunFinished(result)
	}()

	sched := NewBatchScheduler(r.recipients, r.cursor, d.cfg.BatchSize, d.cfg.InterBatchDelay)
	// pacing waits end early on shutdown; sends never see this context
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		select {
		case <-d.stopping:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()
	agg := NewStatsAggregator(r.campaignID, r.stats, d.dispatches, log)

	for {
		snap, err := d.campaigns.GetStatusSnapshot(ctx, r.campaignID)
		if err != nil {
			return d.finish(ctx, report, agg), storeError(r.campaignID, err)
		}
		if snap.Status != model.StatusRunning || snap.Version != r.version {
			log.Info("campaign run stopped", zap.String("status", string(snap.Status)), zap.Int("batches", report.Batches))
			return d.finish(ctx, report, agg), nil
		}
		if d.shuttingDown() {
			return d.finish(ctx, report, agg), d.pauseForShutdown(ctx, r, log)
		}
		// a resumed run may find every recipient already counted
		if agg.Snapshot().Complete() {
			break
		}

		batch, ok := sched.Next()
		if !ok {
			break
		}

		started := time.Now()
		if err := d.dispatchBatch(ctx, r, batch, agg, log); err != nil {
			log.Error("batch failed", zap.Int("batch", batch.Index), zap.Error(err))
			return d.finish(ctx, report, agg), err
		}
		d.metrics.RecordBatch(time.Since(started))
		report.Batches++

		if err := d.campaigns.AdvanceCursor(ctx, r.campaignID, batch.Offset+len(batch.Recipients)); err != nil {
			return d.finish(ctx, report, agg), storeError(r.campaignID, err)
		}
		log.Debug("batch dispatched",
			zap.Int("batch", batch.Index),
			zap.Int("size", len(batch.Recipients)),
			zap.Duration("took", time.Since(started)))

		if agg.Snapshot().Complete() {
			break
		}
		if err := sched.Wait(waitCtx); err != nil && !d.shuttingDown() {
			return d.finish(ctx, report, agg), err
		}
	}

	if err := d.complete(ctx, r, agg, log); err != nil {
		return d.finish(ctx, report, agg), err
	}
	return d.finish(ctx, report, agg), nil
}

// dispatchBatch fans a batch out with one goroutine per recipient and joins before
// returning. Recipients that already have a recorded outcome, from a run that aborted
// mid-batch, are skipped. Per-recipient failures are outcomes; only run-level errors
// come back.
func (d *Dispatcher) dispatchBatch(ctx context.Context, r *run, batch Batch, agg *StatsAggregator, log *zap.Logger) error {
	done, err := d.dispatches.Recorded(ctx, r.campaignID, batch.Offset, batch.Offset+len(batch.Recipients))
	if err != nil {
		return storeError(r.campaignID, fmt.Errorf("recorded positions: %w", err))
	}
	if len(done) > 0 {
		log.Info("skipping recipients with a recorded outcome", zap.Int("batch", batch.Index), zap.Int("skipped", len(done)))
	}

	var g errgroup.Group
	g.SetLimit(len(batch.Recipients))
	for i, recipient := range batch.Recipients {
		position := batch.Offset + i
		if done[position] {
			continue
		}
		g.Go(func() error {
			outcome, err := d.sendOne(ctx, r, recipient)
			if err != nil {
				return err
			}
			return agg.Apply(ctx, position, outcome)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) sendOne(ctx context.Context, r *run, recipient model.Recipient) (model.DispatchOutcome, error) {
	if d.optOuts != nil {
		opted, err := d.optOuts.IsOptedOut(ctx, recipient.Phone)
		if err != nil {
			return model.DispatchOutcome{}, storeError(r.campaignID, fmt.Errorf("opt-out lookup: %w", err))
		}
		if opted {
			return model.DispatchOutcome{RecipientPhone: recipient.Phone, ErrorCode: CodeOptedOut}, nil
		}
	}

	outcome, err := d.sender.Send(ctx, r.campaignID, r.channel, recipient.Phone, RenderContent(r.content, recipient))
	if errors.Is(err, provider.ErrNoCallbackAddress) {
		return outcome, appErrors.NewMissingCallbackAddress(r.campaignID)
	}
	return outcome, err
}

func (d *Dispatcher) complete(ctx context.Context, r *run, agg *StatsAggregator, log *zap.Logger) error {
	if !agg.Snapshot().Complete() {
		// the persisted counters may include a previous run's work
		c, err := d.campaigns.GetByID(ctx, r.campaignID)
		if err != nil {
			return storeError(r.campaignID, err)
		}
		if !c.Stats.Complete() {
			log.Warn("recipients exhausted before counters reached total", zap.Any("stats", c.Stats))
			return nil
		}
	}

	_, err := d.campaigns.TransitionStatus(ctx, r.campaignID,
		SourcesOf(model.StatusCompleted), model.StatusCompleted,
		repository.TransitionOptions{At: d.now()})
	if errors.Is(err, repository.ErrStatusConflict) {
		log.Info("campaign left running before completion")
		return nil
	}
	if err != nil {
		return storeError(r.campaignID, err)
	}
	log.Info("campaign completed", zap.Any("stats", agg.Snapshot()))
	return nil
}

func (d *Dispatcher) pauseForShutdown(ctx context.Context, r *run, log *zap.Logger) error {
	_, err := d.campaigns.TransitionStatus(ctx, r.campaignID,
		SourcesOf(model.StatusPaused), model.StatusPaused,
		repository.TransitionOptions{At: d.now()})
	if err != nil && !errors.Is(err, repository.ErrStatusConflict) {
		return storeError(r.campaignID, err)
	}
	log.Info("campaign paused for shutdown")
	return nil
}

func (d *Dispatcher) shuttingDown() bool {
	select {
	case <-d.stopping:
		return true
	default:
		return false
	}
}

// finish fills the report from the store, falling back to the run's own counters.
func (d *Dispatcher) finish(ctx context.Context, report *RunReport, agg *StatsAggregator) *RunReport {
	report.Stats = agg.Snapshot()
	c, err := d.campaigns.GetByID(ctx, report.CampaignID)
	if err != nil {
		return report
	}
	report.Status = c.Status
	report.Stats = c.Stats
	report.StartedAt = c.StartedAt
	report.CompletedAt = c.CompletedAt
	return report
}
