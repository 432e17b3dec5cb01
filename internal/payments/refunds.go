package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dialer-platform/internal/ledger"
	"dialer-platform/pkg/logger"

	"github.com/shopspring/decimal"
)

var (
	ErrBadSignature   = errors.New("payments: signature mismatch")
	ErrInvalidEvent   = errors.New("payments: invalid refund event")
	ErrNotProcessed   = errors.New("payments: refund not processed by gateway")
	ErrUnknownGateway = errors.New("payments: unknown gateway")
	// ErrMissingUser is an otherwise well-formed refund with no user_id.
	ErrMissingUser    = fmt.Errorf("%w: no user_id", ErrInvalidEvent)
)

// Refund is a gateway refund that should remove credits from a user.
type Refund struct {
	Gateway       string
	RefundID      string
	TransactionID string
	UserID        string
	// Credits to remove; gateways report minor currency units and one
	// credit is one major unit.
	Credits decimal.Decimal
}

// Confirmer asks the gateway for the authoritative state of a refund.
type Confirmer interface {
	Confirm(ctx context.Context, refundID string) (Refund, error)
}

type Refunder interface {
	Refund(ctx context.Context, userID string, amount decimal.Decimal, gateway, gatewayRefundID, transactionID string) (ledger.Result, error)
}

type Options struct {
	// WebhookSecret enables X-Signature verification when set.
	WebhookSecret string
	// Confirmers by gateway; a gateway without one is trusted as delivered.
	Confirmers map[string]Confirmer
	Logger     *slog.Logger
}

// Service applies refund webhooks to the ledger.
type Service struct {
	refunder Refunder
	opts     Options
	log      *slog.Logger
}

func NewService(r Refunder, opts Options) *Service {
	return &Service{refunder: r, opts: opts, log: logger.Component(opts.Logger, "payments")}
}

// VerifySignature checks a hex HMAC-SHA256 of body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// HandleRefundWebhook verifies, parses and applies one refund notification.
// Redelivery is harmless: the ledger keys refunds by gateway refund id.
func (s *Service) HandleRefundWebhook(ctx context.Context, gateway string, body []byte, signature string) (ledger.Result, error) {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	if s.opts.WebhookSecret != "" && !VerifySignature(s.opts.WebhookSecret, body, signature) {
		return ledger.Result{}, ErrBadSignature
	}

	ev, err := ParseRefund(gateway, body)
	if err != nil {
		return ledger.Result{}, err
	}

	if c, ok := s.opts.Confirmers[gateway]; ok && c != nil {
		confirmed, err := c.Confirm(ctx, ev.RefundID)
		if err != nil {
			return ledger.Result{}, fmt.Errorf("confirm refund %s: %w", ev.RefundID, err)
		}
		// Trust the gateway's amount over the webhook body.
		ev.Credits = confirmed.Credits
		if confirmed.TransactionID != "" {
			ev.TransactionID = confirmed.TransactionID
		}
	}

	res, err := s.refunder.Refund(ctx, ev.UserID, ev.Credits, gateway, ev.RefundID, ev.TransactionID)
	if err != nil {
		return ledger.Result{}, err
	}
	s.log.Info("refund applied",
		"gateway", gateway,
		"refund_id", ev.RefundID,
		"user_id", ev.UserID,
		"already_processed", res.AlreadyProcessed,
	)
	return res, nil
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Refund struct {
			Entity razorpayRefund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type razorpayRefund struct {
	ID        string          `json:"id"`
	PaymentID string          `json:"payment_id"`
	Amount    int64           `json:"amount"`
	Status    string          `json:"status"`
	Notes     json.RawMessage `json:"notes"`
}

// noteString reads one string note. Razorpay sends "notes": [] when a
// refund has none.
func noteString(raw json.RawMessage, key string) string {
	var notes map[string]any
	if err := json.Unmarshal(raw, &notes); err != nil {
		return ""
	}
	v, _ := notes[key].(string)
	return v
}

type genericRefund struct {
	RefundID      string `json:"refund_id"`
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	AmountMinor   int64  `json:"amount_minor"`
}

// ParseRefund decodes a refund webhook body. Razorpay's event envelope is
// understood natively; other gateways post a flat JSON object.
func ParseRefund(gateway string, body []byte) (Refund, error) {
	var ev Refund
	switch gateway {
	case "":
		return Refund{}, ErrUnknownGateway
	case GatewayRazorpay:
		var w razorpayWebhook
		if err := json.Unmarshal(body, &w); err != nil {
			return Refund{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if w.Event != "" && w.Event != "refund.processed" {
			return Refund{}, ErrNotProcessed
		}
		ent := w.Payload.Refund.Entity
		ev = Refund{
			RefundID:      ent.ID,
			TransactionID: ent.PaymentID,
			UserID:        noteString(ent.Notes, "user_id"),
			Credits:       minorToCredits(ent.Amount),
		}
	default:
		var g genericRefund
		if err := json.Unmarshal(body, &g); err != nil {
			return Refund{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		ev = Refund{
			RefundID:      g.RefundID,
			TransactionID: g.TransactionID,
			UserID:        g.UserID,
			Credits:       minorToCredits(g.AmountMinor),
		}
	}
	ev.Gateway = gateway
	if ev.RefundID == "" || !ev.Credits.IsPositive() {
		return Refund{}, ErrInvalidEvent
	}
	if strings.TrimSpace(ev.UserID) == "" {
		return Refund{}, ErrMissingUser
	}
	return ev, nil
}

func minorToCredits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
