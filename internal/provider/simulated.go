package provider

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// SimulatedProvider accepts a configurable share of sends and rejects the rest.
// It stands in for the real gateway in local runs.
type SimulatedProvider struct {
	SuccessRate float64
	Latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedProvider(successRate float64, latency time.Duration, seed uint64) *SimulatedProvider {
	return &SimulatedProvider{
		SuccessRate: successRate,
		Latency:     latency,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (p *SimulatedProvider) Send(ctx context.Context, req Request) (Receipt, error) {
	if p.Latency > 0 {
		t := time.NewTimer(p.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}

	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()

	if roll >= p.SuccessRate {
		return Receipt{}, Rejected("30003", "unreachable destination handset")
	}

	status := "queued"
	if req.Channel == model.ChannelCall {
		status = "initiated"
	}
	return Receipt{ProviderID: uuid.NewString(), InitialStatus: status}, nil
}

var _ Provider = (*SimulatedProvider)(nil)
