package pool

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same reservation semantics as
// PostgresStore. Useful for tests and single-node development.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credential
	clock func() time.Time
}

func NewMemoryStore(seed ...Credential) *MemoryStore {
	s := &MemoryStore{creds: make(map[string]Credential, len(seed)), clock: time.Now}
	for _, c := range seed {
		if c.HealthStatus == "" {
			c.HealthStatus = HealthUnknown
		}
		s.creds[c.ID] = c
	}
	return s
}

func (s *MemoryStore) ReserveSlot(ctx context.Context, tier string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cands := s.candidatesLocked(tier, "")
	if len(cands) == 0 {
		return Credential{}, false, nil
	}
	return s.incrementLocked(cands[0].ID), true, nil
}

func (s *MemoryStore) ReserveSlotOn(ctx context.Context, id string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok || !c.HasCapacity() {
		return Credential{}, false, nil
	}
	return s.incrementLocked(id), true, nil
}

func (s *MemoryStore) ReleaseSlot(ctx context.Context, id string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	if c.CurrentLoad > 0 {
		c.CurrentLoad--
	}
	c.UpdatedAt = s.clock().UTC()
	s.creds[id] = c
	return c, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return c, nil
}

func (s *MemoryStore) List(ctx context.Context, activeOnly bool) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credential, 0, len(s.creds))
	for _, c := range s.creds {
		if activeOnly && !c.IsActive {
			continue
		}
		out = append(out, c)
	}
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) FindAvailable(ctx context.Context, tier, excludeID string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cands := s.candidatesLocked(tier, excludeID)
	if len(cands) == 0 {
		return Credential{}, false, nil
	}
	return cands[0], true, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	if cur, ok := s.creds[c.ID]; ok {
		cur.Provider, cur.APIKey, cur.Tier = c.Provider, c.APIKey, c.Tier
		cur.MaxConcurrency, cur.IsActive = c.MaxConcurrency, c.IsActive
		cur.UpdatedAt = now
		s.creds[c.ID] = cur
		return nil
	}
	c.CurrentLoad, c.TotalAssignedAgents, c.TotalAssignedUsers = 0, 0, 0
	c.HealthStatus = HealthUnknown
	c.CreatedAt, c.UpdatedAt = now, now
	s.creds[c.ID] = c
	return nil
}

func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(id, func(c *Credential) { c.IsActive = active })
}

func (s *MemoryStore) SetHealth(ctx context.Context, id string, status HealthStatus, lastErr string, at time.Time) error {
	return s.update(id, func(c *Credential) {
		c.HealthStatus = status
		c.LastError = lastErr
		c.LastHealthCheckAt = &at
	})
}

func (s *MemoryStore) AdjustAssignments(ctx context.Context, id string, agentsDelta, usersDelta int) error {
	return s.update(id, func(c *Credential) {
		c.TotalAssignedAgents = max(c.TotalAssignedAgents+agentsDelta, 0)
		c.TotalAssignedUsers = max(c.TotalAssignedUsers+usersDelta, 0)
	})
}

func (s *MemoryStore) update(id string, fn func(c *Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrCredentialNotFound
	}
	fn(&c)
	c.UpdatedAt = s.clock().UTC()
	s.creds[id] = c
	return nil
}

func (s *MemoryStore) candidatesLocked(tier, excludeID string) []Credential {
	var out []Credential
	for _, c := range s.creds {
		if !c.HasCapacity() || c.ID == excludeID {
			continue
		}
		if tier != "" && c.Tier != tier {
			continue
		}
		out = append(out, c)
	}
	rankCandidates(out)
	return out
}

func (s *MemoryStore) incrementLocked(id string) Credential {
	c := s.creds[id]
	c.CurrentLoad++
	c.UpdatedAt = s.clock().UTC()
	s.creds[id] = c
	return c
}
