package audit

import "time"

// Event is an immutable, append-only audit record of an operator or system
// action against the pool, a user's resources, or a user's credits.
//
// Events are never updated or deleted. Audit writes are best-effort and
// must not block the action being audited.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Actor is empty for system actions (scheduler, startup resume).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Targets; which ones are set depends on Type.
	SubjectUserID string `json:"subject_user_id,omitempty" db:"subject_user_id"`
	CredentialID  string `json:"credential_id,omitempty" db:"credential_id"`
	AttemptID     string `json:"attempt_id,omitempty" db:"attempt_id"`
	Reference     string `json:"reference,omitempty" db:"reference"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON with full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminAction      EventType = "admin_action"
	EventTypeCredentialChange EventType = "credential_change"
	EventTypeMigration        EventType = "migration"
	EventTypeCreditAdjustment EventType = "credit_adjustment"
)

// Actor identifies who caused an event.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type          EventType
	SubjectUserID string
	CredentialID  string
	Limit         int
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SubjectUserID != "" && e.SubjectUserID != f.SubjectUserID {
		return false
	}
	if f.CredentialID != "" && e.CredentialID != f.CredentialID {
		return false
	}
	return true
}
