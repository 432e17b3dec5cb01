package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Credit ledger invariants:
// - No balance change without a ledger entry, in the same transaction.
// - Entries are append-only.
// - (user_id, reference) is unique: one reference moves money at most once.
// - Balance never goes negative.

type EntryType string

const (
	EntryTypeDeduction EntryType = "deduction"
	EntryTypeRefund    EntryType = "refund"
	EntryTypeCredit    EntryType = "credit"
)

type Entry struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Reference     string          `json:"reference"`
	Type          EntryType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"` // signed
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Result reports one ledger operation. AlreadyProcessed means the reference
// was seen before and nothing changed; Entry is then the original entry when
// it could be loaded.
type Result struct {
	Entry            Entry           `json:"entry"`
	Balance          decimal.Decimal `json:"balance"`
	AlreadyProcessed bool            `json:"already_processed"`
}

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidArgument   = errors.New("ledger: invalid argument")
	// ErrDuplicateReference is raised by a store when the unique index
	// rejects an entry; the service reports it as AlreadyProcessed.
	ErrDuplicateReference = errors.New("ledger: duplicate reference")
)

// Store runs ledger mutations serialized per (user, reference).
type Store interface {
	// InLockedTx runs fn in one transaction holding the lock for
	// (userID, reference). fn's error rolls everything back.
	InLockedTx(ctx context.Context, userID, reference string, fn func(ctx context.Context, tx Tx) error) error
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	History(ctx context.Context, userID string, limit int) ([]Entry, error)
	FindEntry(ctx context.Context, userID, reference string) (Entry, bool, error)
}

type Tx interface {
	FindEntry(ctx context.Context, userID, reference string) (Entry, bool, error)
	// LockBalance returns the balance, creating a zero row if needed, and
	// holds it until the transaction ends.
	LockBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal, at time.Time) error
	InsertEntry(ctx context.Context, e Entry) error
}
