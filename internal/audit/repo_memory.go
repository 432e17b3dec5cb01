package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only repository for tests.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// List returns matching events newest first.
func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.events) - 1; i >= 0; i-- {
		if !f.matches(r.events[i]) {
			continue
		}
		out = append(out, r.events[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
