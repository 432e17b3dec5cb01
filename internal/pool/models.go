package pool

import "time"

// Credential is a provider API key plus its tracked capacity.
//
// Invariant: 0 <= CurrentLoad <= MaxConcurrency at every committed state.
// CurrentLoad is only ever changed through Store reserve/release calls.
type Credential struct {
	ID       string `json:"id" db:"id"`
	Provider string `json:"provider" db:"provider"`
	APIKey   string `json:"-" db:"api_key"`
	Tier     string `json:"tier" db:"tier"`

	MaxConcurrency      int `json:"max_concurrency" db:"max_concurrency"`
	CurrentLoad         int `json:"current_load" db:"current_load"`
	TotalAssignedAgents int `json:"total_assigned_agents" db:"total_assigned_agents"`
	TotalAssignedUsers  int `json:"total_assigned_users" db:"total_assigned_users"`

	IsActive          bool         `json:"is_active" db:"is_active"`
	HealthStatus      HealthStatus `json:"health_status" db:"health_status"`
	LastHealthCheckAt *time.Time   `json:"last_health_check_at,omitempty" db:"last_health_check_at"`
	LastError         string       `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Utilization is CurrentLoad/MaxConcurrency in [0,1].
func (c Credential) Utilization() float64 {
	if c.MaxConcurrency <= 0 {
		return 1
	}
	return float64(c.CurrentLoad) / float64(c.MaxConcurrency)
}

// HasCapacity reports whether one more slot could be reserved right now.
// The answer is advisory; only a Store reservation is authoritative.
func (c Credential) HasCapacity() bool {
	return c.IsActive && c.CurrentLoad < c.MaxConcurrency
}

func (c Credential) Available() int {
	if n := c.MaxConcurrency - c.CurrentLoad; n > 0 {
		return n
	}
	return 0
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	TotalCapacity      int          `json:"total_capacity"`
	TotalLoad          int          `json:"total_load"`
	Utilization        float64      `json:"utilization"`
	ActiveCredentials  int          `json:"active_credentials"`
	HealthyCredentials int          `json:"healthy_credentials"`
	Credentials        []Credential `json:"credentials"`
}

// HealthResult is the outcome of probing one credential.
type HealthResult struct {
	CredentialID string        `json:"credential_id"`
	Status       HealthStatus  `json:"status"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}
