// Package billing sells energy packs through an external payment provider
// and credits the ledger once a payment is confirmed.
package billing

import "context"

// IntentStatus is the provider-side state of a payment.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
)

// Intent is a provider payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	AmountCents  int64
	Currency     string
	Status       IntentStatus
}

// Provider is the payment gateway boundary. Implementations are thin;
// retries and the circuit breaker are owned by the service's executor.
type Provider interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	Refund(ctx context.Context, intentID string) (string, error)
}
