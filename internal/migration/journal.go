package migration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"dialer-platform/internal/bindings"

	"github.com/google/uuid"
)

type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptPartial    AttemptStatus = "partial"
)

func (s AttemptStatus) Final() bool {
	return s == AttemptCompleted || s == AttemptFailed || s == AttemptPartial
}

// Attempt is the durable record of one MigrateUserResources call.
// It is immutable once Final.
type Attempt struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	FromCredentialID string        `json:"from_credential_id"`
	ToCredentialID   string        `json:"to_credential_id"`
	Status           AttemptStatus `json:"status"`
	Error            string        `json:"error,omitempty"`
	Steps            []StepRecord  `json:"steps"`
	CreatedAt        time.Time     `json:"created_at"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
}

// StepRecord is the last state reached by one resource within an attempt.
type StepRecord struct {
	Kind          bindings.Kind `json:"kind"`
	LocalID       string        `json:"local_id"`
	OldExternalID string        `json:"old_external_id"`
	NewExternalID string        `json:"new_external_id,omitempty"`
	State         State         `json:"state"`
	Error         string        `json:"error,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

var (
	ErrAttemptNotFound = errors.New("migration: attempt not found")
	ErrAttemptFinal    = errors.New("migration: attempt already finalized")
)

// Journal persists attempts so a crash mid-migration can be reconciled.
type Journal interface {
	Begin(ctx context.Context, a Attempt) (Attempt, error)
	// RecordStep upserts the step for (kind, local id) within the attempt.
	RecordStep(ctx context.Context, attemptID string, s StepRecord) error
	Finish(ctx context.Context, attemptID string, status AttemptStatus, errMsg string, at time.Time) error
	Get(ctx context.Context, attemptID string) (Attempt, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Attempt, error)
	// ListUnfinished returns non-final attempts created before olderThan.
	ListUnfinished(ctx context.Context, olderThan time.Time) ([]Attempt, error)
}

// MemoryJournal is an in-process Journal for tests.
type MemoryJournal struct {
	mu       sync.Mutex
	attempts map[string]*Attempt
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{attempts: map[string]*Attempt{}}
}

func (j *MemoryJournal) Begin(ctx context.Context, a Attempt) (Attempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AttemptInProgress
	}
	cp := a
	cp.Steps = nil
	j.attempts[a.ID] = &cp
	return cp, nil
}

func (j *MemoryJournal) RecordStep(ctx context.Context, attemptID string, s StepRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	a, ok := j.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}
	if a.Status.Final() {
		return ErrAttemptFinal
	}
	for i := range a.Steps {
		if a.Steps[i].Kind == s.Kind && a.Steps[i].LocalID == s.LocalID {
			a.Steps[i] = s
			return nil
		}
	}
	a.Steps = append(a.Steps, s)
	return nil
}

func (j *MemoryJournal) Finish(ctx context.Context, attemptID string, status AttemptStatus, errMsg string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	a, ok := j.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}
	if a.Status.Final() {
		return ErrAttemptFinal
	}
	a.Status = status
	a.Error = errMsg
	a.FinishedAt = &at
	return nil
}

func (j *MemoryJournal) Get(ctx context.Context, attemptID string) (Attempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	a, ok := j.attempts[attemptID]
	if !ok {
		return Attempt{}, ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

func (j *MemoryJournal) ListByUser(ctx context.Context, userID string, limit int) ([]Attempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Attempt
	for _, a := range j.attempts {
		if a.UserID == userID {
			out = append(out, copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *MemoryJournal) ListUnfinished(ctx context.Context, olderThan time.Time) ([]Attempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Attempt
	for _, a := range j.attempts {
		if !a.Status.Final() && a.CreatedAt.Before(olderThan) {
			out = append(out, copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func copyAttempt(a *Attempt) Attempt {
	cp := *a
	cp.Steps = append([]StepRecord(nil), a.Steps...)
	return cp
}
