package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rates are expressed in credits per minute of call time, per voice engine.
// Engine "*" is the fallback used when an engine has no rate of its own.

const AnyEngine = "*"

// Rate is one effective per-minute price.
type Rate struct {
	ID     string `json:"id" db:"id"`
	Engine string `json:"engine" db:"engine"`

	CreditsPerMinute decimal.Decimal `json:"credits_per_minute" db:"credits_per_minute"`

	// BillingIncrementSeconds (e.g., 60 for per-minute, 1 for per-second billing).
	BillingIncrementSeconds int `json:"billing_increment_seconds" db:"billing_increment_seconds"`

	// MinimumBillableSeconds enforces a minimum charge duration.
	MinimumBillableSeconds int `json:"minimum_billable_seconds" db:"minimum_billable_seconds"`

	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status Status `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveAt reports whether r applies at instant at.
func (r Rate) EffectiveAt(at time.Time) bool {
	if r.Status != StatusActive || at.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || at.Before(*r.EffectiveTo)
}

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)
