package pricing

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory RateRepository for tests.
type MemoryRepo struct {
	mu    sync.RWMutex
	rates []Rate
}

func NewMemoryRepo(rates ...Rate) *MemoryRepo {
	return &MemoryRepo{rates: rates}
}

func (r *MemoryRepo) Add(rate Rate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = append(r.rates, rate)
}

// FindRate returns the most recently effective active rate for engine.
func (r *MemoryRepo) FindRate(ctx context.Context, engine string, at time.Time) (Rate, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Rate
	found := false
	for _, p := range r.rates {
		if p.Engine != engine || !p.EffectiveAt(at) {
			continue
		}
		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}
	return best, found, nil
}
