package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dialer-platform/internal/metrics"
	"dialer-platform/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service moves user credits. Every operation is keyed by a reference and
// is applied at most once per (user, reference).
type Service struct {
	store Store
	log   *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store, log *slog.Logger) *Service {
	return &Service{store: store, log: logger.Component(log, "ledger"), clock: time.Now}
}

// EngineReference is the billing reference of one call on one voice engine.
func EngineReference(engine, callID string) string {
	return strings.ToLower(strings.TrimSpace(engine)) + ":" + strings.TrimSpace(callID)
}

// RefundReference is the reference of one gateway refund.
func RefundReference(gateway, gatewayRefundID string) string {
	return "refund:" + strings.ToLower(strings.TrimSpace(gateway)) + ":" + strings.TrimSpace(gatewayRefundID)
}

// Deduct charges amount in full or not at all. A reference seen before
// returns AlreadyProcessed with no change. When the balance cannot cover
// amount, ErrInsufficientFunds is returned and nothing is written.
func (s *Service) Deduct(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) (Result, error) {
	if err := validate(userID, amount, reference); err != nil {
		return Result{}, err
	}
	return s.apply(ctx, "deduct", userID, reference, func(bal decimal.Decimal) (Entry, error) {
		actual := decimal.Min(amount, bal)
		if actual.LessThan(amount) {
			return Entry{}, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, bal.String(), amount.String())
		}
		return Entry{Type: EntryTypeDeduction, Amount: amount.Neg(), Description: description}, nil
	})
}

// Refund removes refunded credits after a payment-gateway refund. The
// balance is reduced by at most what remains, never below zero.
func (s *Service) Refund(ctx context.Context, userID string, amount decimal.Decimal, gateway, gatewayRefundID, transactionID string) (Result, error) {
	if strings.TrimSpace(gateway) == "" || strings.TrimSpace(gatewayRefundID) == "" {
		return Result{}, ErrInvalidArgument
	}
	reference := RefundReference(gateway, gatewayRefundID)
	if err := validate(userID, amount, reference); err != nil {
		return Result{}, err
	}
	return s.apply(ctx, "refund", userID, reference, func(bal decimal.Decimal) (Entry, error) {
		actual := decimal.Max(decimal.Min(amount, bal), decimal.Zero)
		return Entry{
			Type:          EntryTypeRefund,
			Amount:        actual.Neg(),
			Description:   fmt.Sprintf("refund %s via %s (requested %s)", gatewayRefundID, gateway, amount.String()),
			TransactionID: transactionID,
		}, nil
	})
}

// Credit adds purchased or granted credits.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) (Result, error) {
	if err := validate(userID, amount, reference); err != nil {
		return Result{}, err
	}
	return s.apply(ctx, "credit", userID, reference, func(bal decimal.Decimal) (Entry, error) {
		return Entry{Type: EntryTypeCredit, Amount: amount, Description: description}, nil
	})
}

func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if strings.TrimSpace(userID) == "" {
		return decimal.Zero, ErrInvalidArgument
	}
	return s.store.Balance(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.History(ctx, userID, limit)
}

// apply runs the check-then-insert under the (user, reference) lock. plan
// receives the locked balance and returns the entry to write (Amount signed).
func (s *Service) apply(ctx context.Context, op, userID, reference string, plan func(bal decimal.Decimal) (Entry, error)) (Result, error) {
	now := s.clock().UTC()
	var out Result

	err := s.store.InLockedTx(ctx, userID, reference, func(ctx context.Context, tx Tx) error {
		if existing, ok, err := tx.FindEntry(ctx, userID, reference); err != nil {
			return err
		} else if ok {
			out = Result{Entry: existing, AlreadyProcessed: true}
			return nil
		}

		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		entry, err := plan(bal)
		if err != nil {
			return err
		}
		newBal := bal.Add(entry.Amount)
		if newBal.IsNegative() {
			return ErrInsufficientFunds
		}

		entry.ID = uuid.NewString()
		entry.UserID = userID
		entry.Reference = reference
		entry.BalanceAfter = newBal
		entry.CreatedAt = now
		if err := tx.SetBalance(ctx, userID, newBal, now); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		out = Result{Entry: entry, Balance: newBal}
		return nil
	})

	switch {
	case errors.Is(err, ErrDuplicateReference):
		// Lost a race the lock should have prevented; the unique index held.
		out = Result{AlreadyProcessed: true}
		if e, ok, ferr := s.store.FindEntry(ctx, userID, reference); ferr == nil && ok {
			out.Entry = e
		}
	case errors.Is(err, ErrInsufficientFunds):
		metrics.LedgerOperations.WithLabelValues(op, "insufficient_funds").Inc()
		s.log.Warn("ledger operation rejected", "op", op, "user_id", userID, "reference", reference, "err", err)
		return Result{}, err
	case err != nil:
		metrics.LedgerOperations.WithLabelValues(op, "error").Inc()
		return Result{}, fmt.Errorf("ledger %s %s: %w", op, reference, err)
	}

	if out.AlreadyProcessed {
		metrics.LedgerOperations.WithLabelValues(op, "duplicate").Inc()
		s.log.Info("ledger reference already processed", "op", op, "user_id", userID, "reference", reference)
		bal, berr := s.store.Balance(ctx, userID)
		if berr != nil {
			return out, berr
		}
		out.Balance = bal
		return out, nil
	}
	metrics.LedgerOperations.WithLabelValues(op, "applied").Inc()
	s.log.Info("ledger entry recorded", "op", op, "user_id", userID, "reference", reference, "amount", out.Entry.Amount.String(), "balance", out.Balance.String())
	return out, nil
}

func validate(userID string, amount decimal.Decimal, reference string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(reference) == "" {
		return ErrInvalidArgument
	}
	if !amount.IsPositive() {
		return ErrInvalidArgument
	}
	return nil
}
