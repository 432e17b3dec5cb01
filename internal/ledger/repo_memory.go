package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store for tests. A single mutex stands in
// for the advisory lock; writes become visible only when fn succeeds.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	entries  []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: map[string]decimal.Decimal{}}
}

func (s *MemoryStore) InLockedTx(ctx context.Context, userID, reference string, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, balances: map[string]decimal.Decimal{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, v := range tx.balances {
		s.balances[k] = v
	}
	s.entries = append(s.entries, tx.entries...)
	return nil
}

func (s *MemoryStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *MemoryStore) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID == userID {
			out = append(out, s.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindEntry(ctx context.Context, userID, reference string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(userID, reference)
}

// ListEntries returns userID's entries created in [from, to), oldest first.
func (s *MemoryStore) ListEntries(ctx context.Context, userID string, from, to time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.UserID != userID || e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Entries returns every committed entry in insertion order.
func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func (s *MemoryStore) findLocked(userID, reference string) (Entry, bool, error) {
	for _, e := range s.entries {
		if e.UserID == userID && e.Reference == reference {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

type memTx struct {
	s        *MemoryStore
	balances map[string]decimal.Decimal
	entries  []Entry
}

func (t *memTx) FindEntry(ctx context.Context, userID, reference string) (Entry, bool, error) {
	for _, e := range t.entries {
		if e.UserID == userID && e.Reference == reference {
			return e, true, nil
		}
	}
	return t.s.findLocked(userID, reference)
}

func (t *memTx) LockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if b, ok := t.balances[userID]; ok {
		return b, nil
	}
	return t.s.balances[userID], nil
}

func (t *memTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal, at time.Time) error {
	t.balances[userID] = balance
	return nil
}

func (t *memTx) InsertEntry(ctx context.Context, e Entry) error {
	if _, ok, _ := t.FindEntry(ctx, e.UserID, e.Reference); ok {
		return ErrDuplicateReference
	}
	t.entries = append(t.entries, e)
	return nil
}
