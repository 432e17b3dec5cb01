package pool

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrCapacityExhausted means no active credential has a free slot.
	ErrCapacityExhausted  = errors.New("pool: capacity exhausted")
	// ErrCredentialInvalid means a credential exists but cannot be used (inactive, bad key).
	ErrCredentialInvalid  = errors.New("pool: credential invalid")
	ErrCredentialNotFound = errors.New("pool: credential not found")
	ErrInvalidArgument    = errors.New("pool: invalid argument")
)

// Store is the persistence contract for credentials.
//
// Reserve methods must check and increment in one atomic step; a reservation
// that returns ok=false has not changed any row.
type Store interface {
	ReserveSlot(ctx context.Context, tier string) (Credential, bool, error)
	ReserveSlotOn(ctx context.Context, id string) (Credential, bool, error)
	ReleaseSlot(ctx context.Context, id string) (Credential, error)

	Get(ctx context.Context, id string) (Credential, error)
	List(ctx context.Context, activeOnly bool) ([]Credential, error)

	// FindAvailable is a read-only probe: the best candidate for tier
	// (any tier when empty), skipping excludeID. It reserves nothing.
	FindAvailable(ctx context.Context, tier, excludeID string) (Credential, bool, error)

	Upsert(ctx context.Context, c Credential) error
	SetActive(ctx context.Context, id string, active bool) error
	SetHealth(ctx context.Context, id string, status HealthStatus, lastErr string, at time.Time) error
	AdjustAssignments(ctx context.Context, id string, agentsDelta, usersDelta int) error
}

// rankCandidates orders credentials the way reservation picks them:
// lowest utilization, then fewest assigned agents, then id for stability.
func rankCandidates(cs []Credential) {
	sort.SliceStable(cs, func(i, j int) bool {
		ui, uj := cs[i].Utilization(), cs[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		if cs[i].TotalAssignedAgents != cs[j].TotalAssignedAgents {
			return cs[i].TotalAssignedAgents < cs[j].TotalAssignedAgents
		}
		return cs[i].ID < cs[j].ID
	})
}

func sortByID(cs []Credential) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}
