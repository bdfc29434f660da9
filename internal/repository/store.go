package repository

import (
	"context"
	"errors"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

var (
	// ErrStatusConflict means a conditional status write found the campaign in a different status.
	ErrStatusConflict = errors.New("campaign status changed concurrently")
	// ErrStatsOverflow means an increment would push sent+failed above total.
	ErrStatsOverflow = errors.New("stats increment would exceed total")
	// ErrAlreadyRecorded means the campaign already holds an outcome for that recipient position.
	ErrAlreadyRecorded = errors.New("dispatch outcome already recorded")
)

// TransitionOptions controls the side effects of a status write.
// StartedAt/CompletedAt are only ever set once; later writes keep the first value.
type TransitionOptions struct {
	At    time.Time
	Total *int
}

// StatsDelta is applied atomically by the store. Negative values are allowed for
// moving a unit between counters.
type StatsDelta struct {
	Sent      int
	Delivered int
	Failed    int
	Responded int
}

// CampaignStore is the durable record of campaigns. Implementations must be safe for
// concurrent use.
type CampaignStore interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	List(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	GetStatusSnapshot(ctx context.Context, id string) (model.StatusSnapshot, error)
	// TransitionStatus writes `to` only when the current status is one of `from`.
	// It returns ErrStatusConflict (wrapped) with the current snapshot otherwise.
	TransitionStatus(ctx context.Context, id string, from []model.Status, to model.Status, opts TransitionOptions) (model.StatusSnapshot, error)
	IncrementStats(ctx context.Context, id string, d StatsDelta) (model.Stats, error)
	AdvanceCursor(ctx context.Context, id string, cursor int) error
	// UpdateRecipients replaces the list; only allowed while the campaign is a draft.
	UpdateRecipients(ctx context.Context, id string, recipients []model.Recipient) error
}

// DispatchStore keeps one record per recipient outcome. Every write that changes what
// a campaign has counted applies its StatsDelta in the same transaction, so a record
// and its count are never persisted one without the other.
type DispatchStore interface {
	// Record inserts rec and applies d to its campaign. A second record for the same
	// campaign and position fails with ErrAlreadyRecorded and changes nothing.
	Record(ctx context.Context, rec *model.DispatchRecord, d StatsDelta) (model.Stats, error)
	// Recorded returns the positions in [from, to) that already have a record.
	Recorded(ctx context.Context, campaignID string, from, to int) (map[int]bool, error)
	GetByProviderID(ctx context.Context, providerID string) (*model.DispatchRecord, error)
	// MarkFinal moves a record out of "sent" exactly once and applies d to its campaign.
	// changed is false when the record was already final; rec is nil when no record
	// matches. On error neither write happens.
	MarkFinal(ctx context.Context, providerID string, status model.DispatchStatus, errorCode string, d StatsDelta) (rec *model.DispatchRecord, changed bool, err error)
	// MarkResponded flags the most recent unresponded successful dispatch to phone and
	// applies d to its campaign.
	MarkResponded(ctx context.Context, phone string, d StatsDelta) (*model.DispatchRecord, error)
}

type OptOutStore interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	Add(ctx context.Context, phone, code string) error
}
