package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Service prices completed calls in credits. Pure calculation plus rate
// lookups; it never touches balances.
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// RateRepository abstracts rate persistence.
type RateRepository interface {
	FindRate(ctx context.Context, engine string, at time.Time) (Rate, bool, error)
}

type CallCostRequest struct {
	Engine string

	// DurationSeconds is the connected duration; billable seconds are derived.
	DurationSeconds int

	// At selects the effective rate. Zero means now.
	At time.Time
}

type CallCost struct {
	Engine           string          `json:"engine"`
	BillableSeconds  int             `json:"billable_seconds"`
	CreditsPerMinute decimal.Decimal `json:"credits_per_minute"`
	Total            decimal.Decimal `json:"total"`
}

var (
	ErrPricingNotFound   = errors.New("pricing: rate not found")
	ErrInvalidPricingReq = errors.New("pricing: invalid request")
)

// creditPlaces is the precision credits are charged at.
const creditPlaces = 4

// CalculateCallCost prices a call: duration is raised to the minimum, rounded
// up to the billing increment, and charged pro rata per minute.
func (s *Service) CalculateCallCost(ctx context.Context, req CallCostRequest) (CallCost, error) {
	engine := strings.ToLower(strings.TrimSpace(req.Engine))
	if engine == "" || req.DurationSeconds <= 0 {
		return CallCost{}, ErrInvalidPricingReq
	}

	at := req.At
	if at.IsZero() {
		at = s.clock().UTC()
	}

	rate, ok, err := s.repo.FindRate(ctx, engine, at)
	if err != nil {
		return CallCost{}, err
	}
	if !ok {
		rate, ok, err = s.repo.FindRate(ctx, AnyEngine, at)
		if err != nil {
			return CallCost{}, err
		}
		if !ok {
			return CallCost{}, ErrPricingNotFound
		}
	}

	sec := billableSeconds(req.DurationSeconds, rate.MinimumBillableSeconds, rate.BillingIncrementSeconds)
	total := rate.CreditsPerMinute.
		Mul(decimal.NewFromInt(int64(sec))).
		Div(decimal.NewFromInt(60)).
		RoundUp(creditPlaces)

	return CallCost{
		Engine:           engine,
		BillableSeconds:  sec,
		CreditsPerMinute: rate.CreditsPerMinute,
		Total:            total,
	}, nil
}

func billableSeconds(actualSec int, minSec int, incrementSec int) int {
	if actualSec < 0 {
		return 0
	}
	if minSec <= 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to nearest increment
	q := sec / incrementSec
	r := sec % incrementSec
	if r != 0 {
		q++
	}
	return q * incrementSec
}
