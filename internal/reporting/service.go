package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"dialer-platform/internal/ledger"

	"github.com/shopspring/decimal"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRange bounds one summary so a single request cannot scan a user's
// whole history.
const maxRange = 366 * 24 * time.Hour

// Repository reads ledger entries. Both ledger stores satisfy it.
type Repository interface {
	ListEntries(ctx context.Context, userID string, from, to time.Time) ([]ledger.Entry, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) UsageSummary(ctx context.Context, req UsageRequest) (UsageSummary, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return UsageSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return UsageSummary{}, errors.New("reporting: repository not configured")
	}

	entries, err := s.repo.ListEntries(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return UsageSummary{}, err
	}

	out := UsageSummary{UserID: req.UserID, Range: req.Range, ByEngine: map[string]decimal.Decimal{}}
	for _, e := range entries {
		out.Net = out.Net.Add(e.Amount)
		switch e.Type {
		case ledger.EntryTypeCredit:
			out.Credited = out.Credited.Add(e.Amount)
			if strings.HasPrefix(e.Reference, "admin:") {
				out.AdminCredits = out.AdminCredits.Add(e.Amount)
			}
		case ledger.EntryTypeDeduction:
			amt := e.Amount.Neg()
			out.Deducted = out.Deducted.Add(amt)
			out.BilledCalls++
			engine := engineOf(e.Reference)
			out.ByEngine[engine] = out.ByEngine[engine].Add(amt)
		case ledger.EntryTypeRefund:
			out.Refunded = out.Refunded.Add(e.Amount.Neg())
		}
	}
	return out, nil
}

// engineOf extracts the engine from a call reference ("vapi:call-1").
func engineOf(reference string) string {
	if i := strings.IndexByte(reference, ':'); i > 0 {
		return reference[:i]
	}
	return "unknown"
}
