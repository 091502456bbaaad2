package billing

import (
	"context"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/careerpulse/hub/internal/hub"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates the provider with the given secret key.
func NewStripeProvider(apiKey string) *StripeProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api}
}

func (p *StripeProvider) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, translate(err, "create payment intent")
	}
	return fromStripe(pi), nil
}

func (p *StripeProvider) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, translate(err, "fetch payment intent")
	}
	return fromStripe(pi), nil
}

func (p *StripeProvider) Refund(ctx context.Context, intentID string) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	r, err := p.api.Refunds.New(params)
	if err != nil {
		return "", translate(err, "create refund")
	}
	return r.ID, nil
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		intent.Status = IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		intent.Status = IntentFailed
	default:
		intent.Status = IntentPending
	}
	return intent
}

// translate maps Stripe errors onto the shared taxonomy. Card declines and
// bad requests are terminal; connectivity and 5xx responses are retryable.
func translate(err error, op string) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return hub.Wrap(hub.KindValidation, op+" rejected by provider", err)
		case stripe.ErrorTypeAPI:
			return hub.Wrap(hub.KindUpstreamUnavailable, op+" failed at provider", err)
		}
	}
	return hub.Wrap(hub.KindUpstreamUnavailable, op+" failed", err)
}
