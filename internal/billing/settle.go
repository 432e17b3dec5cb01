package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dialer-platform/internal/calls"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/metrics"
	"dialer-platform/internal/pricing"
	"dialer-platform/pkg/logger"

	"github.com/shopspring/decimal"
)

type Pricer interface {
	CalculateCallCost(ctx context.Context, req pricing.CallCostRequest) (pricing.CallCost, error)
}

type Charger interface {
	Deduct(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) (ledger.Result, error)
}

type SlotReleaser interface {
	ReleaseSlotOnce(ctx context.Context, id, token string) (bool, error)
}

// Settlement describes what Settle did for one completion.
type Settlement struct {
	Reference    string            `json:"reference"`
	Charged      bool              `json:"charged"`
	SlotReleased bool              `json:"slot_released"`
	Cost         *pricing.CallCost `json:"cost,omitempty"`
	Ledger       *ledger.Result    `json:"ledger,omitempty"`
}

// Settler turns call completions into ledger deductions and pool releases.
type Settler struct {
	pricer   Pricer
	charger  Charger
	releaser SlotReleaser
	log      *slog.Logger
}

func NewSettler(p Pricer, c Charger, r SlotReleaser, log *slog.Logger) *Settler {
	return &Settler{pricer: p, charger: c, releaser: r, log: logger.Component(log, "billing")}
}

// Settle is safe to call any number of times for the same completion: the
// slot is released once per call id and the charge is keyed by
// engine:callID in the ledger.
func (s *Settler) Settle(ctx context.Context, c calls.Completion) (Settlement, error) {
	if err := c.Validate(); err != nil {
		return Settlement{}, err
	}
	ref := ledger.EngineReference(c.Engine, c.CallID)
	out := Settlement{Reference: ref}
	log := s.log.With("reference", ref, "user_id", c.UserID)

	var releaseErr error
	if c.CredentialID != "" && c.Status.Terminal() && s.releaser != nil {
		released, err := s.releaser.ReleaseSlotOnce(ctx, c.CredentialID, ref)
		if err != nil {
			// Charge anyway, then fail the settlement so the sender redelivers
			// and the release is attempted again.
			log.Warn("slot release failed", "credential_id", c.CredentialID, "err", err)
			releaseErr = fmt.Errorf("release slot on %s: %w", c.CredentialID, err)
		}
		out.SlotReleased = released
	}

	if !c.Billable() {
		metrics.Settlements.WithLabelValues("not_billable").Inc()
		return out, releaseErr
	}

	cost, err := s.pricer.CalculateCallCost(ctx, pricing.CallCostRequest{
		Engine:          c.Engine,
		DurationSeconds: c.DurationSeconds,
		At:              c.EndedAt,
	})
	if err != nil {
		metrics.Settlements.WithLabelValues("pricing_error").Inc()
		return out, fmt.Errorf("price call %s: %w", ref, err)
	}
	out.Cost = &cost

	desc := fmt.Sprintf("%s call %s, %ds billed", c.Engine, c.CallID, cost.BillableSeconds)
	res, err := s.charger.Deduct(ctx, c.UserID, cost.Total, ref, desc)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			metrics.Settlements.WithLabelValues("insufficient_funds").Inc()
			log.Warn("call not charged, insufficient credits", "amount", cost.Total.String())
		} else {
			metrics.Settlements.WithLabelValues("error").Inc()
		}
		return out, err
	}
	out.Ledger = &res
	out.Charged = !res.AlreadyProcessed

	if res.AlreadyProcessed {
		metrics.Settlements.WithLabelValues("duplicate").Inc()
	} else {
		metrics.Settlements.WithLabelValues("charged").Inc()
	}
	return out, releaseErr
}
