package service

import (
	"context"
	"slices"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	DefaultBatchSize       = 5
	DefaultInterBatchDelay = 2000 * time.Millisecond
)

// Batch is one pacing unit. Offset is the index of its first recipient in the full list.
type Batch struct {
	Index      int
	Offset     int
	Recipients []model.Recipient
}

// BatchScheduler hands out consecutive, non-overlapping slices of a recipient list
// and enforces the delay between them. It is not safe for concurrent use; a run
// owns its scheduler.
type BatchScheduler struct {
	recipients []model.Recipient
	next       int
	index      int
	size       int
	delay      time.Duration
}

// NewBatchScheduler snapshots recipients and starts at offset start (the resume point).
func NewBatchScheduler(recipients []model.Recipient, start, size int, delay time.Duration) *BatchScheduler {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if delay < 0 {
		delay = 0
	}
	start = min(max(start, 0), len(recipients))
	return &BatchScheduler{
		recipients: slices.Clone(recipients),
		next:       start,
		size:       size,
		delay:      delay,
	}
}

func (s *BatchScheduler) HasNext() bool { return s.next < len(s.recipients) }

func (s *BatchScheduler) Remaining() int { return len(s.recipients) - s.next }

func (s *BatchScheduler) Next() (Batch, bool) {
	if !s.HasNext() {
		return Batch{}, false
	}
	end := min(s.next+s.size, len(s.recipients))
	b := Batch{Index: s.index, Offset: s.next, Recipients: s.recipients[s.next:end]}
	s.next = end
	s.index++
	return b, true
}

// Wait blocks for the inter-batch delay. After the final batch it returns at once.
func (s *BatchScheduler) Wait(ctx context.Context) error {
	if !s.HasNext() || s.delay == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PartitionCount is ceil(n/size).
func PartitionCount(n, size int) int {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
