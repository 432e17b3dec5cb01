package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UsageRequest asks for one user's credit movements over a half-open range.
type UsageRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

// UsageSummary is derived from immutable ledger entries only. Amounts are
// positive magnitudes; Net is the signed change over the range.
type UsageSummary struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	Credited     decimal.Decimal `json:"credited"`
	AdminCredits decimal.Decimal `json:"admin_credits"`
	Deducted     decimal.Decimal `json:"deducted"`
	Refunded     decimal.Decimal `json:"refunded"`
	Net          decimal.Decimal `json:"net"`

	BilledCalls int `json:"billed_calls"`
	// ByEngine splits call deductions by voice engine.
	ByEngine map[string]decimal.Decimal `json:"by_engine"`
}
