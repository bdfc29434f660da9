package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// MemoryCampaignStore keeps campaigns in process. Reads return copies.
type MemoryCampaignStore struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	now       func() time.Time
}

func NewMemoryCampaignStore() *MemoryCampaignStore {
	return &MemoryCampaignStore{
		campaigns: make(map[string]*model.Campaign),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryCampaignStore) Create(_ context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	c.CreatedAt = s.now()
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *MemoryCampaignStore) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (s *MemoryCampaignStore) List(_ context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []*model.Campaign
	for _, c := range s.campaigns {
		if channel != "" && string(c.Channel) != channel {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		filtered = append(filtered, c)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID > filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	out := make([]*model.Campaign, 0, end-offset)
	for _, c := range filtered[offset:end] {
		out = append(out, cloneCampaign(c))
	}
	return out, total, nil
}

func (s *MemoryCampaignStore) GetStatusSnapshot(_ context.Context, id string) (model.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return model.StatusSnapshot{}, appErrors.NewCampaignNotFound(id)
	}
	return model.StatusSnapshot{Status: c.Status, Version: c.Version}, nil
}

func (s *MemoryCampaignStore) TransitionStatus(_ context.Context, id string, from []model.Status, to model.Status, opts TransitionOptions) (model.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return model.StatusSnapshot{}, appErrors.NewCampaignNotFound(id)
	}
	if !slices.Contains(from, c.Status) {
		return model.StatusSnapshot{Status: c.Status, Version: c.Version},
			fmt.Errorf("%w: %s is %s", ErrStatusConflict, id, c.Status)
	}

	at := opts.At
	if at.IsZero() {
		at = s.now()
	}
	c.Status = to
	c.Version++
	c.UpdatedAt = &at
	if to == model.StatusRunning && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if to == model.StatusCompleted && c.CompletedAt == nil {
		c.CompletedAt = &at
	}
	if opts.Total != nil {
		c.Stats.Total = *opts.Total
	}
	return model.StatusSnapshot{Status: c.Status, Version: c.Version}, nil
}

func (s *MemoryCampaignStore) IncrementStats(_ context.Context, id string, d StatsDelta) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return model.Stats{}, appErrors.NewCampaignNotFound(id)
	}
	if c.Stats.Sent+d.Sent+c.Stats.Failed+d.Failed > c.Stats.Total {
		return c.Stats, fmt.Errorf("%w: campaign %s", ErrStatsOverflow, id)
	}
	c.Stats.Sent += d.Sent
	c.Stats.Delivered += d.Delivered
	c.Stats.Failed += d.Failed
	c.Stats.Responded += d.Responded
	return c.Stats, nil
}

func (s *MemoryCampaignStore) AdvanceCursor(_ context.Context, id string, cursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Cursor = max(c.Cursor, cursor)
	return nil
}

func (s *MemoryCampaignStore) UpdateRecipients(_ context.Context, id string, recipients []model.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status != model.StatusDraft {
		return appErrors.NewInvalidState(id, fmt.Sprintf("recipients are fixed once a campaign leaves draft (status %s)", c.Status))
	}
	c.Recipients = slices.Clone(recipients)
	return nil
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Recipients = slices.Clone(c.Recipients)
	return &cp
}

// StatsCounter is the slice of CampaignStore the memory dispatch store writes through.
type StatsCounter interface {
	IncrementStats(ctx context.Context, id string, d StatsDelta) (model.Stats, error)
}

type dispatchKey struct {
	campaignID string
	position   int
}

// MemoryDispatchStore is the in-process DispatchStore. Its lock is held across the
// counter write, and a record only changes once that write succeeds.
type MemoryDispatchStore struct {
	counters StatsCounter

	mu        sync.Mutex
	nextID    int
	records   []*model.DispatchRecord
	positions map[dispatchKey]struct{}
}

func NewMemoryDispatchStore(counters StatsCounter) *MemoryDispatchStore {
	return &MemoryDispatchStore{counters: counters, positions: make(map[dispatchKey]struct{})}
}

func (s *MemoryDispatchStore) Record(ctx context.Context, rec *model.DispatchRecord, d StatsDelta) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dispatchKey{rec.CampaignID, rec.Position}
	if _, ok := s.positions[key]; ok {
		return model.Stats{}, fmt.Errorf("%w: campaign %s position %d", ErrAlreadyRecorded, rec.CampaignID, rec.Position)
	}
	stats, err := s.counters.IncrementStats(ctx, rec.CampaignID, d)
	if err != nil {
		return stats, err
	}

	s.nextID++
	now := time.Now().UTC()
	rec.ID = s.nextID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	cp := *rec
	s.records = append(s.records, &cp)
	s.positions[key] = struct{}{}
	return stats, nil
}

func (s *MemoryDispatchStore) Recorded(_ context.Context, campaignID string, from, to int) (map[int]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]bool)
	for pos := from; pos < to; pos++ {
		if _, ok := s.positions[dispatchKey{campaignID, pos}]; ok {
			out[pos] = true
		}
	}
	return out, nil
}

func (s *MemoryDispatchStore) GetByProviderID(_ context.Context, providerID string) (*model.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.findByProviderID(providerID); rec != nil {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryDispatchStore) MarkFinal(ctx context.Context, providerID string, status model.DispatchStatus, errorCode string, d StatsDelta) (*model.DispatchRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findByProviderID(providerID)
	if rec == nil {
		return nil, false, nil
	}
	if rec.Status != model.DispatchSent {
		cp := *rec
		return &cp, false, nil
	}
	if _, err := s.counters.IncrementStats(ctx, rec.CampaignID, d); err != nil {
		return nil, false, err
	}
	rec.Status = status
	rec.ErrorCode = errorCode
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	return &cp, true, nil
}

func (s *MemoryDispatchStore) MarkResponded(ctx context.Context, phone string, d StatsDelta) (*model.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.Phone != phone || rec.Responded {
			continue
		}
		if rec.Status != model.DispatchSent && rec.Status != model.DispatchDelivered {
			continue
		}
		if _, err := s.counters.IncrementStats(ctx, rec.CampaignID, d); err != nil {
			return nil, err
		}
		rec.Responded = true
		rec.UpdatedAt = time.Now().UTC()
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

// Records returns copies of every record for campaignID, in insertion order.
func (s *MemoryDispatchStore) Records(campaignID string) []model.DispatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.DispatchRecord
	for _, rec := range s.records {
		if rec.CampaignID == campaignID {
			out = append(out, *rec)
		}
	}
	return out
}

func (s *MemoryDispatchStore) findByProviderID(providerID string) *model.DispatchRecord {
	if providerID == "" {
		return nil
	}
	for _, rec := range s.records {
		if rec.ProviderMessageID == providerID {
			return rec
		}
	}
	return nil
}

type MemoryOptOutStore struct {
	mu     sync.RWMutex
	phones map[string]string
}

func NewMemoryOptOutStore() *MemoryOptOutStore {
	return &MemoryOptOutStore{phones: make(map[string]string)}
}

func (s *MemoryOptOutStore) IsOptedOut(_ context.Context, phone string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.phones[phone]
	return ok, nil
}

func (s *MemoryOptOutStore) Add(_ context.Context, phone, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.phones[phone]; !ok {
		s.phones[phone] = code
	}
	return nil
}

// Code returns the opt-out code stored for phone.
func (s *MemoryOptOutStore) Code(phone string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.phones[phone]
	return code, ok
}

var (
	_ CampaignStore = (*MemoryCampaignStore)(nil)
	_ DispatchStore = (*MemoryDispatchStore)(nil)
	_ OptOutStore   = (*MemoryOptOutStore)(nil)
)
