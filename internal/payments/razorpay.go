package payments

import (
	"context"
	"fmt"

	razorpay "github.com/razorpay/razorpay-go"
)

const GatewayRazorpay = "razorpay"

// RazorpayConfirmer fetches refunds from the Razorpay API.
type RazorpayConfirmer struct {
	client *razorpay.Client
}

func NewRazorpayConfirmer(keyID, keySecret string) *RazorpayConfirmer {
	return &RazorpayConfirmer{client: razorpay.NewClient(keyID, keySecret)}
}

func (c *RazorpayConfirmer) Confirm(ctx context.Context, refundID string) (Refund, error) {
	if err := ctx.Err(); err != nil {
		return Refund{}, err
	}
	body, err := c.client.Refund.Fetch(refundID, nil, nil)
	if err != nil {
		return Refund{}, fmt.Errorf("razorpay fetch refund: %w", err)
	}
	return refundFromRazorpay(body)
}

// refundFromRazorpay reads the fields of a Razorpay refund entity. Numbers
// arrive as float64 from the SDK's JSON decoding.
func refundFromRazorpay(m map[string]interface{}) (Refund, error) {
	status, _ := m["status"].(string)
	if status != "processed" {
		return Refund{}, ErrNotProcessed
	}
	id, _ := m["id"].(string)
	paymentID, _ := m["payment_id"].(string)
	amount, ok := m["amount"].(float64)
	if id == "" || !ok || amount <= 0 {
		return Refund{}, ErrInvalidEvent
	}
	return Refund{
		Gateway:       GatewayRazorpay,
		RefundID:      id,
		TransactionID: paymentID,
		Credits:       minorToCredits(int64(amount)),
	}, nil
}
