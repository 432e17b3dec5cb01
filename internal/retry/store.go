// Package retry re-drives campaigns that were blocked by provider capacity.
package retry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Campaign is the retry-relevant view of an outbound campaign.
type Campaign struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	AgentID        string     `json:"agent_id"` // local agent id
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	RetryExhausted bool       `json:"retry_exhausted"`
	ReadyForRetry  bool       `json:"ready_for_retry"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var ErrCampaignNotFound = errors.New("retry: campaign not found")

type Store interface {
	Get(ctx context.Context, id string) (Campaign, error)
	// MarkForRetry bumps the retry counter in one write. Reaching max fails
	// the campaign for good; an exhausted campaign is returned unchanged.
	MarkForRetry(ctx context.Context, id, errMsg string, now, next time.Time, max int) (Campaign, error)
	// MarkReady flags a processing campaign for re-dispatch and clears its
	// retry state.
	MarkReady(ctx context.Context, id string, now time.Time) (Campaign, error)
	// ListDue returns processing, non-exhausted campaigns whose next retry
	// is due (or unset).
	ListDue(ctx context.Context, now time.Time, limit int) ([]Campaign, error)
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
}

func NewMemoryStore(seed ...Campaign) *MemoryStore {
	s := &MemoryStore{campaigns: make(map[string]Campaign, len(seed))}
	for _, c := range seed {
		s.campaigns[c.ID] = c
	}
	return s
}

func (s *MemoryStore) Put(c Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrCampaignNotFound
	}
	return c, nil
}

func (s *MemoryStore) MarkForRetry(ctx context.Context, id, errMsg string, now, next time.Time, max int) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrCampaignNotFound
	}
	if c.RetryExhausted {
		return c, nil
	}
	c.RetryCount++
	c.LastError = errMsg
	c.ReadyForRetry = false
	c.UpdatedAt = now
	if c.RetryCount >= max {
		c.Status = StatusFailed
		c.RetryExhausted = true
		c.NextRetryAt = nil
	} else {
		c.Status = StatusProcessing
		c.NextRetryAt = &next
	}
	s.campaigns[id] = c
	return c, nil
}

func (s *MemoryStore) MarkReady(ctx context.Context, id string, now time.Time) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrCampaignNotFound
	}
	if c.RetryExhausted || c.Status != StatusProcessing {
		return c, nil
	}
	c.Status = StatusPending
	c.ReadyForRetry = true
	c.RetryCount = 0
	c.NextRetryAt = nil
	c.LastError = ""
	c.UpdatedAt = now
	s.campaigns[id] = c
	return c, nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Campaign
	for _, c := range s.campaigns {
		if c.Status != StatusProcessing || c.RetryExhausted {
			continue
		}
		if c.NextRetryAt != nil && c.NextRetryAt.After(now) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].NextRetryAt, out[j].NextRetryAt
		switch {
		case ti == nil && tj != nil:
			return true
		case ti != nil && tj == nil:
			return false
		case ti != nil && !ti.Equal(*tj):
			return ti.Before(*tj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
