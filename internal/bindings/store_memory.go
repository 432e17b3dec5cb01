package bindings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu        sync.Mutex
	items     map[Kind]map[string]Binding
	preferred map[string]string
	clock     func() time.Time
	last      time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     map[Kind]map[string]Binding{KindAgent: {}, KindPhone: {}},
		preferred: map[string]string{},
		clock:     time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, b Binding) (Binding, error) {
	if err := b.validate(); err != nil {
		return Binding{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.LocalID == "" {
		b.LocalID = uuid.NewString()
	}
	now := s.clock().UTC()
	// keep insertion order visible through CreatedAt
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	b.CreatedAt, b.UpdatedAt = now, now
	s.items[b.Kind][b.LocalID] = b
	return b, nil
}

func (s *MemoryStore) Get(ctx context.Context, kind Kind, localID string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[kind][localID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) List(ctx context.Context, userID string, kind Kind, credentialID string) ([]Binding, error) {
	if !validKind(kind) {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Binding
	for _, b := range s.items[kind] {
		if b.UserID != userID {
			continue
		}
		if credentialID != "" && b.CredentialID != credentialID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

func (s *MemoryStore) Repoint(ctx context.Context, kind Kind, localID, fromCredentialID, toCredentialID, newExternalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[kind][localID]
	if !ok {
		return ErrNotFound
	}
	if b.CredentialID != fromCredentialID {
		return ErrStaleBinding
	}
	b.CredentialID = toCredentialID
	b.ExternalID = newExternalID
	b.UpdatedAt = s.clock().UTC()
	s.items[kind][localID] = b
	return nil
}

func (s *MemoryStore) SetPreferredCredential(ctx context.Context, userID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferred[userID] = credentialID
	return nil
}

func (s *MemoryStore) PreferredCredential(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferred[userID], nil
}
