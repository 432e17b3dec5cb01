package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"dialer-platform/internal/ledger"

	"github.com/shopspring/decimal"
)

func seedLedger(t *testing.T) (*ledger.MemoryStore, time.Time) {
	t.Helper()
	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, nil)
	ctx := context.Background()

	must := func(_ ledger.Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(svc.Credit(ctx, "u1", decimal.NewFromInt(100), "purchase:p1", "top-up"))
	must(svc.Credit(ctx, "u1", decimal.NewFromInt(10), "admin:goodwill-1", "goodwill"))
	must(svc.Deduct(ctx, "u1", decimal.RequireFromString("2.5"), ledger.EngineReference("vapi", "c1"), "call"))
	must(svc.Deduct(ctx, "u1", decimal.NewFromInt(4), ledger.EngineReference("vapi", "c2"), "call"))
	must(svc.Deduct(ctx, "u1", decimal.NewFromInt(3), ledger.EngineReference("retell", "c3"), "call"))
	must(svc.Refund(ctx, "u1", decimal.NewFromInt(20), "razorpay", "rfnd_1", "pay_1"))
	must(svc.Credit(ctx, "u2", decimal.NewFromInt(999), "purchase:p2", "other user"))
	return store, time.Now().UTC()
}

func TestUsageSummary_Aggregates(t *testing.T) {
	store, now := seedLedger(t)
	svc := NewService(store)

	out, err := svc.UsageSummary(context.Background(), UsageRequest{
		UserID: "u1",
		Range:  TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !out.Credited.Equal(decimal.NewFromInt(110)) || !out.AdminCredits.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected credits %+v", out)
	}
	if !out.Deducted.Equal(decimal.RequireFromString("9.5")) || out.BilledCalls != 3 {
		t.Fatalf("unexpected deductions %+v", out)
	}
	if !out.Refunded.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected refunded 20, got %s", out.Refunded)
	}
	if !out.Net.Equal(decimal.RequireFromString("80.5")) {
		t.Fatalf("expected net 80.5, got %s", out.Net)
	}
	if !out.ByEngine["vapi"].Equal(decimal.RequireFromString("6.5")) || !out.ByEngine["retell"].Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected engine split %+v", out.ByEngine)
	}
}

func TestUsageSummary_RangeExcludesEntries(t *testing.T) {
	store, now := seedLedger(t)
	svc := NewService(store)

	out, err := svc.UsageSummary(context.Background(), UsageRequest{
		UserID: "u1",
		Range:  TimeRange{From: now.Add(time.Hour), To: now.Add(2 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !out.Net.IsZero() || out.BilledCalls != 0 {
		t.Fatalf("expected empty summary, got %+v", out)
	}
}

func TestUsageSummary_Validation(t *testing.T) {
	svc := NewService(ledger.NewMemoryStore())
	now := time.Now()
	cases := []UsageRequest{
		{Range: TimeRange{From: now.Add(-time.Hour), To: now}},
		{UserID: "u1"},
		{UserID: "u1", Range: TimeRange{From: now, To: now.Add(-time.Hour)}},
		{UserID: "u1", Range: TimeRange{From: now.Add(-400 * 24 * time.Hour), To: now}},
	}
	for i, req := range cases {
		if _, err := svc.UsageSummary(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}
