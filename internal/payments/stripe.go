// Package payments is the fare collaborator boundary. The core never
// touches money; the reconciler drives these calls from ride events.
package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient wraps stripe-go for the hold/capture/release flow tied to
// the ride lifecycle: hold on acceptance, capture on completion, release
// on cancellation.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a manual-capture PaymentIntent for the estimated fare and
// returns its id.
func (s *StripeClient) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent at the final fare.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string, finalAmountCents int64) error {
	params := &stripe.PaymentIntentCaptureParams{}
	if finalAmountCents > 0 {
		params.AmountToCapture = stripe.Int64(finalAmountCents)
	}
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
