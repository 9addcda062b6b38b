package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/meridianworks/meridian/internal/ledger"
)

// StripeGateway implements CardGateway on Stripe PaymentIntents.
type StripeGateway struct {
	api      *client.API
	currency string
}

// NewStripeGateway creates a card gateway backed by Stripe.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, currency: string(stripe.CurrencyUSD)}
}

// CreateCharge creates and confirms a PaymentIntent for the tokenized card.
//
// Failure classification:
//   - card declines and invalid requests definitely did not charge → retry-safe
//   - Stripe API errors, rate limits, and timeouts → outcome unknown
func (g *StripeGateway) CreateCharge(ctx context.Context, amount int64, cardToken string) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(g.currency),
		PaymentMethod: stripe.String(cardToken),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String(string(stripe.PaymentIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		// The intent exists but did not settle (requires_action etc).
		// Nothing was captured; safe to retry with another instrument.
		return nil, &GatewayError{
			Rail:      ledger.RailCard,
			RetrySafe: true,
			Err:       fmt.Errorf("payment intent %s not captured: status %s", pi.ID, pi.Status),
		}
	}

	return &ChargeResult{ExternalID: pi.ID, Amount: pi.Amount}, nil
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return &GatewayError{Rail: ledger.RailCard, RetrySafe: true, Err: err}
		}
		// API errors and anything else: the charge may have been created
		// server-side before the failure reached us.
		return &GatewayError{Rail: ledger.RailCard, RetrySafe: false, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &GatewayError{Rail: ledger.RailCard, RetrySafe: false, Err: err}
	}
	return &GatewayError{Rail: ledger.RailCard, RetrySafe: false, Err: err}
}
