package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/energy"
	"github.com/careerpulse/hub/internal/events"
	"github.com/careerpulse/hub/internal/hub"
	"github.com/careerpulse/hub/internal/pool"
)

// packPrices maps pack names to their price in cents. Prices live server-side
// so a client can never name its own amount.
var packPrices = map[string]int64{
	"recharge_25":  299,
	"recharge_50":  499,
	"recharge_100": 799,
	"booster_150":  999,
}

var supportedCurrencies = map[string]bool{"eur": true, "usd": true}

// Ledger is the slice of the energy ledger billing needs.
type Ledger interface {
	Purchase(ctx context.Context, userID, packName, providerRef string) (*energy.Transaction, error)
	ReversePurchase(ctx context.Context, userID, purchaseTxID, reason string) (*energy.Transaction, error)
}

// IntentRecord is the local shadow of a provider intent.
type IntentRecord struct {
	IntentID    string    `json:"intent_id"`
	UserID      string    `json:"user_id"`
	Pack        string    `json:"pack"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateIntentResult is returned to the client to drive the payment UI.
type CreateIntentResult struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
	AmountCents  int64  `json:"amount_cents"`
	Currency     string `json:"currency"`
	Pack         string `json:"pack"`
}

// Service coordinates the provider, the intent shadow table and the ledger.
type Service struct {
	db       *sql.DB
	provider Provider
	ledger   Ledger
	exec     *pool.Executor
	sink     events.Sink
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates the billing service. exec guards provider calls only;
// database work here is short and local.
func NewService(db *sql.DB, provider Provider, ledger Ledger, exec *pool.Executor, sink events.Sink, logger zerolog.Logger) *Service {
	return &Service{
		db:       db,
		provider: provider,
		ledger:   ledger,
		exec:     exec,
		sink:     sink,
		log:      logger.With().Str("component", "billing").Logger(),
		now:      time.Now,
	}
}

// CreateIntent opens a provider payment for a pack and records a pending
// shadow row so confirm can recover the pack without trusting the client.
func (s *Service) CreateIntent(ctx context.Context, userID, packName, currency string) (*CreateIntentResult, error) {
	if userID == "" {
		return nil, hub.E(hub.KindValidation, "user_id is required")
	}
	pack, err := energy.PackByName(packName)
	if err != nil {
		return nil, err
	}
	price, ok := packPrices[pack.Name]
	if !ok {
		return nil, hub.E(hub.KindValidation, "pack is not purchasable")
	}
	if currency == "" {
		currency = "eur"
	}
	if !supportedCurrencies[currency] {
		return nil, hub.E(hub.KindValidation, "unsupported currency: "+currency)
	}

	var intent *Intent
	err = s.exec.Do(ctx, func(ctx context.Context) error {
		var provErr error
		intent, provErr = s.provider.CreateIntent(ctx, price, currency, map[string]string{
			"user_id": userID,
			"pack":    pack.Name,
		})
		return provErr
	})
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_intents (intent_id, user_id, pack, amount_cents, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, intent.ID, userID, pack.Name, price, currency, string(IntentPending), s.now().UTC())
	if err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "record intent", err)
	}

	_ = events.RecordProcessing(ctx, s.sink, userID, "payment", "pack_purchase", []string{"pack", "amount", "currency"})

	s.log.Info().Str("user_id", userID).Str("pack", pack.Name).Str("intent_id", intent.ID).Msg("payment intent created")
	return &CreateIntentResult{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountCents:  price,
		Currency:     currency,
		Pack:         pack.Name,
	}, nil
}

// Confirm checks the intent with the provider and, on success, credits the
// pack. Idempotent end to end: the ledger dedupes on provider_ref=intent_id,
// so replaying a confirm returns the original purchase.
func (s *Service) Confirm(ctx context.Context, userID, intentID string) (*energy.Transaction, error) {
	if intentID == "" {
		return nil, hub.E(hub.KindValidation, "intent_id is required")
	}

	record, err := s.getRecord(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, hub.E(hub.KindNotFound, "payment intent not found")
	}

	var intent *Intent
	err = s.exec.Do(ctx, func(ctx context.Context) error {
		var provErr error
		intent, provErr = s.provider.GetIntent(ctx, intentID)
		return provErr
	})
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case IntentSucceeded:
	case IntentFailed:
		s.setStatus(ctx, intentID, string(IntentFailed))
		return nil, hub.E(hub.KindValidation, "payment did not succeed")
	default:
		return nil, hub.E(hub.KindConflict, "payment is still pending")
	}

	txn, err := s.ledger.Purchase(ctx, userID, record.Pack, intentID)
	if err != nil {
		return nil, err
	}
	s.setStatus(ctx, intentID, string(IntentSucceeded))
	return txn, nil
}

// RefundPurchase refunds the payment at the provider and reverses the energy
// credit. The ledger reversal is idempotent on the purchase transaction, so
// a crash between the two steps is safe to retry.
func (s *Service) RefundPurchase(ctx context.Context, userID, purchaseTxID, reason string) (*energy.Transaction, error) {
	var intentID string
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_ref FROM energy_transactions
		WHERE tx_id = $1 AND user_id = $2 AND action_type = 'purchase'
	`, purchaseTxID, userID).Scan(&intentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hub.E(hub.KindNotFound, "purchase not found")
	}
	if err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "load purchase", err)
	}

	err = s.exec.Do(ctx, func(ctx context.Context) error {
		_, provErr := s.provider.Refund(ctx, intentID)
		return provErr
	})
	if err != nil {
		return nil, err
	}

	txn, err := s.ledger.ReversePurchase(ctx, userID, purchaseTxID, reason)
	if err != nil {
		return nil, err
	}
	s.setStatus(ctx, intentID, "refunded")
	s.log.Info().Str("user_id", userID).Str("intent_id", intentID).Msg("purchase refunded")
	return txn, nil
}

func (s *Service) getRecord(ctx context.Context, intentID string) (*IntentRecord, error) {
	var r IntentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT intent_id, user_id, pack, amount_cents, currency, status, created_at
		FROM billing_intents WHERE intent_id = $1
	`, intentID).Scan(&r.IntentID, &r.UserID, &r.Pack, &r.AmountCents, &r.Currency, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hub.E(hub.KindNotFound, "payment intent not found")
	}
	if err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "load intent", err)
	}
	return &r, nil
}

// setStatus is best effort; the provider and the ledger are authoritative.
func (s *Service) setStatus(ctx context.Context, intentID, status string) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE billing_intents SET status = $1 WHERE intent_id = $2
	`, status, intentID); err != nil {
		s.log.Warn().Err(err).Str("intent_id", intentID).Msg("intent status update failed")
	}
}
