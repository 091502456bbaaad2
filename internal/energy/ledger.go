// Package energy implements the transactional energy ledger.
//
// PostgreSQL is the source of truth: every mutation locks the user's energy
// row (SELECT ... FOR UPDATE), re-reads the balance under the lock, writes
// the updated row and its audit transaction in one database transaction,
// and only then emits the domain event and invalidates the cache. The cache
// tier serves reads with a 60 second TTL.
//
// Concurrency: the row lock serializes all mutations for one user, so under
// N concurrent consumes only as many succeed as the balance fits. There are
// no in-process locks on this path.
//
// Idempotency: consume takes a caller-supplied key, unique per user.
// Replaying a key returns the original transaction; reusing it for a
// different action is a conflict. Refunds are idempotent per original
// transaction; purchases per provider reference.
package energy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/cache"
	"github.com/careerpulse/hub/internal/events"
	"github.com/careerpulse/hub/internal/hub"
	"github.com/careerpulse/hub/internal/pool"
)

const (
	// DefaultBalance is granted to every new user at registration.
	DefaultBalance = 85
	// MaxEnergy caps every balance.
	MaxEnergy = 100

	balanceCacheTTL = 60 * time.Second
)

// Subscription types.
const (
	SubStandard  = "standard"
	SubUnlimited = "unlimited"
)

// Transaction action types.
const (
	TxConsume  = "consume"
	TxRefund   = "refund"
	TxPurchase = "purchase"
	TxBonus    = "bonus"
)

// uniqueViolation is PostgreSQL's duplicate-key SQLSTATE.
const uniqueViolation = "23505"

// Balance is the per-user energy row.
type Balance struct {
	UserID           string     `json:"user_id"`
	CurrentEnergy    float64    `json:"current_energy"`
	MaxEnergy        float64    `json:"max_energy"`
	TotalPurchased   float64    `json:"total_purchased"`
	TotalConsumed    float64    `json:"total_consumed"`
	LastRechargeAt   *time.Time `json:"last_recharge_at,omitempty"`
	SubscriptionType string     `json:"subscription_type"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsUnlimited reports whether the user's actions bypass cost checks.
func (b *Balance) IsUnlimited() bool { return b.SubscriptionType == SubUnlimited }

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID           string                 `json:"tx_id"`
	UserID       string                 `json:"user_id"`
	ActionType   string                 `json:"action_type"`
	Amount       float64                `json:"amount"`
	Reason       string                 `json:"reason"`
	EnergyBefore float64                `json:"energy_before"`
	EnergyAfter  float64                `json:"energy_after"`
	Context      map[string]interface{} `json:"context,omitempty"`
	AppSource    string                 `json:"app_source,omitempty"`
	FeatureUsed  string                 `json:"feature_used,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// CanPerformResult is the read-only affordability check.
type CanPerformResult struct {
	Allowed     bool    `json:"allowed"`
	Required    float64 `json:"required"`
	Current     float64 `json:"current"`
	Deficit     float64 `json:"deficit"`
	IsUnlimited bool    `json:"is_unlimited"`
}

// ConsumeResult is the outcome of a successful (or replayed) consume.
type ConsumeResult struct {
	NewBalance float64 `json:"new_balance"`
	TxID       string  `json:"tx_id"`
	Consumed   float64 `json:"consumed"`
	Replayed   bool    `json:"replayed"`
}

// ConsumeOptions carry attribution recorded on the transaction row.
type ConsumeOptions struct {
	AppSource   string
	FeatureUsed string
	Context     map[string]interface{}
}

// Ledger manages all energy operations.
//
// Thread safety: all methods are safe for concurrent use; per-user ordering
// comes from the database row lock.
type Ledger struct {
	db    *sql.DB
	cache *cache.Tier
	sink  events.Sink
	exec  *pool.Executor
	log   zerolog.Logger
	now   func() time.Time
}

// NewLedger creates the ledger. exec guards all database work; sink receives
// post-commit events.
func NewLedger(db *sql.DB, tier *cache.Tier, sink events.Sink, exec *pool.Executor, logger zerolog.Logger) *Ledger {
	return &Ledger{
		db:    db,
		cache: tier,
		sink:  sink,
		exec:  exec,
		log:   logger.With().Str("component", "energy").Logger(),
		now:   time.Now,
	}
}

// CreateAccount inserts the energy row for a new user. Called by auth during
// registration, inside the registration transaction.
func CreateAccount(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_energy (user_id, current_energy, max_energy, total_purchased,
		                         total_consumed, subscription_type, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $5)
	`, userID, float64(DefaultBalance), float64(MaxEnergy), SubStandard, now.UTC())
	if err != nil {
		return fmt.Errorf("insert energy row: %w", err)
	}
	return nil
}

// GetBalance returns the user's energy row, cache first (60s TTL).
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	if raw, ok := l.cache.Get(ctx, cache.NSEnergy, userID); ok {
		var b Balance
		if err := json.Unmarshal(raw, &b); err == nil {
			return &b, nil
		}
	}

	var b *Balance
	err := l.exec.Do(ctx, func(ctx context.Context) error {
		row := l.db.QueryRowContext(ctx, `
			SELECT user_id, current_energy, max_energy, total_purchased, total_consumed,
			       last_recharge_at, subscription_type, updated_at
			FROM user_energy WHERE user_id = $1
		`, userID)
		loaded, err := scanBalance(row)
		if err != nil {
			return err
		}
		b = loaded
		return nil
	})
	if err != nil {
		return nil, l.surface(err, "get balance")
	}

	if raw, err := json.Marshal(b); err == nil {
		l.cache.Set(ctx, cache.NSEnergy, userID, raw, balanceCacheTTL)
	}
	return b, nil
}

// CanPerform is the read-only affordability check. Unlimited users are
// always allowed.
func (l *Ledger) CanPerform(ctx context.Context, userID, action string) (*CanPerformResult, error) {
	cost, err := Cost(action)
	if err != nil {
		return nil, err
	}

	b, err := l.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := &CanPerformResult{
		Required:    cost,
		Current:     b.CurrentEnergy,
		IsUnlimited: b.IsUnlimited(),
	}
	if b.IsUnlimited() || b.CurrentEnergy >= cost {
		res.Allowed = true
	} else {
		res.Deficit = cost - b.CurrentEnergy
	}
	return res, nil
}

// Consume atomically debits the action's cost.
//
// The affordability check runs again under the row lock: CanPerform is a UX
// hint, correctness lives here. Unlimited users keep their balance and get
// a zero-amount transaction for a uniform audit trail.
func (l *Ledger) Consume(ctx context.Context, userID, action, idempotencyKey string, opts ConsumeOptions) (*ConsumeResult, error) {
	if idempotencyKey == "" {
		return nil, hub.E(hub.KindValidation, "idempotency_key is required")
	}
	cost, err := Cost(action)
	if err != nil {
		return nil, err
	}

	start := l.now()
	var result *ConsumeResult

	err = l.exec.Do(ctx, func(ctx context.Context) error {
		r, err := l.consumeTx(ctx, userID, action, cost, idempotencyKey, opts)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, l.surface(err, "consume")
	}

	l.log.Info().
		Str("user_id", userID).
		Str("action", action).
		Float64("cost", result.Consumed).
		Float64("new_balance", result.NewBalance).
		Bool("replayed", result.Replayed).
		Dur("duration_ms", time.Since(start)).
		Msg("consume completed")

	if !result.Replayed {
		l.cache.Delete(ctx, cache.NSEnergy, userID)
		l.emit(events.TypeEnergyConsumed, userID, map[string]interface{}{
			"action":      action,
			"amount":      result.Consumed,
			"new_balance": result.NewBalance,
			"tx_id":       result.TxID,
			"app_source":  opts.AppSource,
		})
		_ = events.RecordProcessing(ctx, l.sink, userID, "usage", "energy_accounting",
			[]string{"action", "app_source", "feature_used"})
	}
	return result, nil
}

func (l *Ledger) consumeTx(ctx context.Context, userID, action string, cost float64, idempotencyKey string, opts ConsumeOptions) (*ConsumeResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	// Idempotency replay check before taking the row lock.
	if prior, err := l.findByIdempotencyKey(ctx, tx, userID, idempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		if prior.Reason != action {
			return nil, hub.E(hub.KindConflict, "idempotency key reused for a different action").
				WithDetails(map[string]interface{}{"original_action": prior.Reason})
		}
		return &ConsumeResult{NewBalance: prior.EnergyAfter, TxID: prior.ID, Consumed: prior.Amount, Replayed: true}, nil
	}

	b, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	amount := cost
	if b.IsUnlimited() {
		amount = 0
	} else if b.CurrentEnergy < cost {
		return nil, hub.E(hub.KindInsufficientEnergy, "insufficient energy").WithDetails(map[string]interface{}{
			"required": cost,
			"current":  b.CurrentEnergy,
			"deficit":  cost - b.CurrentEnergy,
		})
	}

	newBalance := b.CurrentEnergy - amount
	now := l.now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_energy
		SET current_energy = $1, total_consumed = total_consumed + $2, updated_at = $3
		WHERE user_id = $4
	`, newBalance, amount, now, userID); err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "update energy row", err)
	}

	txn := Transaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		ActionType:   TxConsume,
		Amount:       amount,
		Reason:       action,
		EnergyBefore: b.CurrentEnergy,
		EnergyAfter:  newBalance,
		Context:      opts.Context,
		AppSource:    opts.AppSource,
		FeatureUsed:  opts.FeatureUsed,
		CreatedAt:    now,
	}
	if err := insertTransaction(ctx, tx, &txn, idempotencyKey, ""); err != nil {
		// Concurrent request with the same key won the insert race.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, hub.E(hub.KindConflict, "concurrent request with same idempotency key")
		}
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "insert transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "commit", err)
	}

	return &ConsumeResult{NewBalance: newBalance, TxID: txn.ID, Consumed: amount}, nil
}

// Refund reverses a consume transaction. Idempotent per original tx: a
// repeated refund returns the existing refund row.
func (l *Ledger) Refund(ctx context.Context, userID, consumeTxID, reason string) (*Transaction, error) {
	var (
		refund   *Transaction
		replayed bool
	)

	err := l.exec.Do(ctx, func(ctx context.Context) error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "begin tx", err)
		}
		defer tx.Rollback()

		original, err := l.findTransaction(ctx, tx, consumeTxID)
		if err != nil {
			return err
		}
		if original == nil || original.UserID != userID {
			return hub.E(hub.KindNotFound, "transaction not found")
		}
		if original.ActionType != TxConsume {
			return hub.E(hub.KindValidation, "only consume transactions are refundable")
		}

		if existing, err := l.findRefundOf(ctx, tx, consumeTxID); err != nil {
			return err
		} else if existing != nil {
			refund = existing
			replayed = true
			return tx.Commit()
		}

		b, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		// Credit is clipped so the balance invariant [0, max] holds; the
		// clipped remainder is recorded for support.
		credit := original.Amount
		clipped := 0.0
		if b.CurrentEnergy+credit > b.MaxEnergy {
			clipped = b.CurrentEnergy + credit - b.MaxEnergy
			credit = b.MaxEnergy - b.CurrentEnergy
		}
		newBalance := b.CurrentEnergy + credit
		now := l.now().UTC()

		if _, err := tx.ExecContext(ctx, `
			UPDATE user_energy SET current_energy = $1, updated_at = $2 WHERE user_id = $3
		`, newBalance, now, userID); err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "update energy row", err)
		}

		txnCtx := map[string]interface{}{"refunded_tx": consumeTxID}
		if clipped > 0 {
			txnCtx["clipped"] = clipped
		}
		txn := Transaction{
			ID:           uuid.New().String(),
			UserID:       userID,
			ActionType:   TxRefund,
			Amount:       credit,
			Reason:       reason,
			EnergyBefore: b.CurrentEnergy,
			EnergyAfter:  newBalance,
			Context:      txnCtx,
			CreatedAt:    now,
		}
		if err := insertTransaction(ctx, tx, &txn, "", consumeTxID); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
				return hub.E(hub.KindConflict, "refund already in flight")
			}
			return hub.Wrap(hub.KindUpstreamUnavailable, "insert refund", err)
		}

		if err := tx.Commit(); err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "commit", err)
		}
		refund = &txn
		return nil
	})
	if err != nil {
		return nil, l.surface(err, "refund")
	}

	if !replayed {
		l.cache.Delete(ctx, cache.NSEnergy, userID)
		l.emit(events.TypeEnergyRefunded, userID, map[string]interface{}{
			"refunded_tx": consumeTxID,
			"amount":      refund.Amount,
			"new_balance": refund.EnergyAfter,
			"reason":      reason,
		})
	}
	return refund, nil
}

// Purchase credits a pack, idempotent on providerRef. The first purchase of
// a user's lifetime adds a one-time bonus transaction.
func (l *Ledger) Purchase(ctx context.Context, userID, packName, providerRef string) (*Transaction, error) {
	pack, err := PackByName(packName)
	if err != nil {
		return nil, err
	}
	if providerRef == "" {
		return nil, hub.E(hub.KindValidation, "provider reference is required")
	}

	var (
		purchase     *Transaction
		bonus        float64
		finalBalance float64
		replayed     bool
	)

	err = l.exec.Do(ctx, func(ctx context.Context) error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "begin tx", err)
		}
		defer tx.Rollback()

		if existing, err := l.findByProviderRef(ctx, tx, providerRef); err != nil {
			return err
		} else if existing != nil {
			purchase = existing
			replayed = true
			return tx.Commit()
		}

		b, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		firstPurchase := b.TotalPurchased == 0

		credit := pack.Energy
		clipped := 0.0
		if !pack.Cumulative && b.CurrentEnergy+credit > b.MaxEnergy {
			clipped = b.CurrentEnergy + credit - b.MaxEnergy
			credit = b.MaxEnergy - b.CurrentEnergy
		}
		newBalance := b.CurrentEnergy + credit
		now := l.now().UTC()

		txnCtx := map[string]interface{}{"pack": pack.Name}
		if clipped > 0 {
			txnCtx["clipped"] = clipped
		}
		txn := Transaction{
			ID:           uuid.New().String(),
			UserID:       userID,
			ActionType:   TxPurchase,
			Amount:       credit,
			Reason:       "purchase:" + pack.Name,
			EnergyBefore: b.CurrentEnergy,
			EnergyAfter:  newBalance,
			Context:      txnCtx,
			CreatedAt:    now,
		}
		if err := insertTransaction(ctx, tx, &txn, "", providerRef); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
				return hub.E(hub.KindConflict, "purchase already recorded for this payment")
			}
			return hub.Wrap(hub.KindUpstreamUnavailable, "insert purchase", err)
		}

		if firstPurchase {
			bonusCredit := float64(FirstPurchaseBonus)
			if newBalance+bonusCredit > b.MaxEnergy && !pack.Cumulative {
				bonusCredit = b.MaxEnergy - newBalance
			}
			if bonusCredit > 0 {
				bonusTxn := Transaction{
					ID:           uuid.New().String(),
					UserID:       userID,
					ActionType:   TxBonus,
					Amount:       bonusCredit,
					Reason:       "first_purchase_bonus",
					EnergyBefore: newBalance,
					EnergyAfter:  newBalance + bonusCredit,
					Context:      map[string]interface{}{"pack": pack.Name},
					CreatedAt:    now,
				}
				if err := insertTransaction(ctx, tx, &bonusTxn, "", ""); err != nil {
					return hub.Wrap(hub.KindUpstreamUnavailable, "insert bonus", err)
				}
				newBalance += bonusCredit
				bonus = bonusCredit
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE user_energy
			SET current_energy = $1, total_purchased = total_purchased + $2,
			    last_recharge_at = $3, updated_at = $3
			WHERE user_id = $4
		`, newBalance, pack.Energy, now, userID); err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "update energy row", err)
		}

		if err := tx.Commit(); err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "commit", err)
		}
		// The returned transaction is the purchase row exactly as stored;
		// a first-purchase bonus lives in its own row.
		purchase = &txn
		finalBalance = newBalance
		return nil
	})
	if err != nil {
		return nil, l.surface(err, "purchase")
	}

	if !replayed {
		l.cache.Delete(ctx, cache.NSEnergy, userID)
		l.emit(events.TypeEnergyPurchased, userID, map[string]interface{}{
			"pack":         packName,
			"amount":       purchase.Amount,
			"bonus":        bonus,
			"new_balance":  finalBalance,
			"provider_ref": providerRef,
		})
	}
	return purchase, nil
}

// ReversePurchase debits a previously credited pack after a payment refund.
// Idempotent on the purchase transaction id. The first-purchase bonus that
// rode on the same commit is clawed back too, so the balance returns to its
// pre-purchase value; the debit floors at zero if energy was spent since.
func (l *Ledger) ReversePurchase(ctx context.Context, userID, purchaseTxID, reason string) (*Transaction, error) {
	var (
		reversal *Transaction
		replayed bool
		debited  float64
	)

	err := l.exec.Do(ctx, func(ctx context.Context) error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "begin tx", err)
		}
		defer tx.Rollback()

		original, err := l.findTransaction(ctx, tx, purchaseTxID)
		if err != nil {
			return err
		}
		if original == nil || original.UserID != userID {
			return hub.E(hub.KindNotFound, "transaction not found")
		}
		if original.ActionType != TxPurchase {
			return hub.E(hub.KindValidation, "only purchase transactions are reversible")
		}

		if existing, err := l.findRefundOf(ctx, tx, purchaseTxID); err != nil {
			return err
		} else if existing != nil {
			reversal = existing
			replayed = true
			return tx.Commit()
		}

		b, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		debit := original.Amount
		var bonusAmount float64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM energy_transactions
			WHERE user_id = $1 AND action_type = $2 AND created_at = $3
		`, userID, TxBonus, original.CreatedAt).Scan(&bonusAmount); err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "load bonus", err)
		}
		debit += bonusAmount
		if debit > b.CurrentEnergy {
			debit = b.CurrentEnergy
		}
		newBalance := b.CurrentEnergy - debit
		now := l.now().UTC()

		if _, err := tx.ExecContext(ctx, `
			UPDATE user_energy SET current_energy = $1, updated_at = $2 WHERE user_id = $3
		`, newBalance, now, userID); err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "update energy row", err)
		}

		txn := Transaction{
			ID:           uuid.New().String(),
			UserID:       userID,
			ActionType:   TxRefund,
			Amount:       -debit,
			Reason:       reason,
			EnergyBefore: b.CurrentEnergy,
			EnergyAfter:  newBalance,
			Context:      map[string]interface{}{"reversed_tx": purchaseTxID, "bonus_clawback": bonusAmount},
			CreatedAt:    now,
		}
		if err := insertTransaction(ctx, tx, &txn, "", purchaseTxID); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
				return hub.E(hub.KindConflict, "reversal already in flight")
			}
			return hub.Wrap(hub.KindUpstreamUnavailable, "insert reversal", err)
		}

		if err := tx.Commit(); err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "commit", err)
		}
		reversal = &txn
		debited = debit
		return nil
	})
	if err != nil {
		return nil, l.surface(err, "reverse purchase")
	}

	if !replayed {
		l.cache.Delete(ctx, cache.NSEnergy, userID)
		l.emit(events.TypeEnergyRefunded, userID, map[string]interface{}{
			"reversed_tx": purchaseTxID,
			"amount":      -debited,
			"new_balance": reversal.EnergyAfter,
			"reason":      reason,
		})
	}
	return reversal, nil
}

// SetSubscription flips a user between standard and unlimited.
func (l *Ledger) SetSubscription(ctx context.Context, userID, subscription string) error {
	if subscription != SubStandard && subscription != SubUnlimited {
		return hub.E(hub.KindValidation, "invalid subscription type")
	}
	err := l.exec.Do(ctx, func(ctx context.Context) error {
		res, err := l.db.ExecContext(ctx, `
			UPDATE user_energy SET subscription_type = $1, updated_at = $2 WHERE user_id = $3
		`, subscription, l.now().UTC(), userID)
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "update subscription", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return hub.E(hub.KindNotFound, "user has no energy account")
		}
		return nil
	})
	if err != nil {
		return l.surface(err, "set subscription")
	}
	l.cache.Delete(ctx, cache.NSEnergy, userID)
	return nil
}

// emit sends an event post-commit; event failures never fail the operation.
func (l *Ledger) emit(eventType, userID string, payload map[string]interface{}) {
	if l.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.sink.Create(ctx, eventType, userID, payload, nil); err != nil {
		l.log.Warn().Err(err).Str("type", eventType).Msg("event emit failed")
	}
}

// surface maps exhausted infrastructure errors to InternalUnavailable while
// passing typed business errors through unchanged.
func (l *Ledger) surface(err error, op string) error {
	var he *hub.Error
	if errors.As(err, &he) {
		if he.Kind == hub.KindUpstreamUnavailable {
			return hub.Wrap(hub.KindInternalUnavailable, op+" failed after retries", err)
		}
		return err
	}
	return hub.Wrap(hub.KindInternalUnavailable, op+" failed", err)
}

// --- row helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBalance(row rowScanner) (*Balance, error) {
	var (
		b        Balance
		recharge sql.NullTime
	)
	err := row.Scan(&b.UserID, &b.CurrentEnergy, &b.MaxEnergy, &b.TotalPurchased,
		&b.TotalConsumed, &recharge, &b.SubscriptionType, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, hub.E(hub.KindNotFound, "user has no energy account")
	}
	if err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "scan energy row", err)
	}
	if recharge.Valid {
		t := recharge.Time
		b.LastRechargeAt = &t
	}
	return &b, nil
}

// lockBalance takes the per-user row lock. This is the single lock of the
// mutation path; no other lock may be held while it is.
func lockBalance(ctx context.Context, tx *sql.Tx, userID string) (*Balance, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT user_id, current_energy, max_energy, total_purchased, total_consumed,
		       last_recharge_at, subscription_type, updated_at
		FROM user_energy WHERE user_id = $1
		FOR UPDATE
	`, userID)
	return scanBalance(row)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction, idempotencyKey, providerRef string) error {
	ctxJSON, err := json.Marshal(txn.Context)
	if err != nil {
		ctxJSON = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO energy_transactions (
			tx_id, user_id, action_type, amount, reason,
			energy_before, energy_after, context, app_source, feature_used,
			idempotency_key, provider_ref, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), $13)
	`, txn.ID, txn.UserID, txn.ActionType, txn.Amount, txn.Reason,
		txn.EnergyBefore, txn.EnergyAfter, ctxJSON, txn.AppSource, txn.FeatureUsed,
		idempotencyKey, providerRef, txn.CreatedAt)
	return err
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		txn     Transaction
		ctxJSON []byte
	)
	err := row.Scan(&txn.ID, &txn.UserID, &txn.ActionType, &txn.Amount, &txn.Reason,
		&txn.EnergyBefore, &txn.EnergyAfter, &ctxJSON, &txn.AppSource, &txn.FeatureUsed, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "scan transaction", err)
	}
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &txn.Context)
	}
	return &txn, nil
}

const txColumns = `tx_id, user_id, action_type, amount, reason,
       energy_before, energy_after, context, COALESCE(app_source, ''), COALESCE(feature_used, ''), created_at`

func (l *Ledger) findByIdempotencyKey(ctx context.Context, tx *sql.Tx, userID, key string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM energy_transactions
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)
	return scanTransaction(row)
}

func (l *Ledger) findTransaction(ctx context.Context, tx *sql.Tx, txID string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM energy_transactions WHERE tx_id = $1
	`, txID)
	return scanTransaction(row)
}

func (l *Ledger) findRefundOf(ctx context.Context, tx *sql.Tx, consumeTxID string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM energy_transactions
		WHERE action_type = 'refund' AND provider_ref = $1
	`, consumeTxID)
	return scanTransaction(row)
}

func (l *Ledger) findByProviderRef(ctx context.Context, tx *sql.Tx, providerRef string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM energy_transactions
		WHERE action_type = 'purchase' AND provider_ref = $1
	`, providerRef)
	return scanTransaction(row)
}

// ListTransactions returns a user's most recent ledger entries.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Transaction
	err := l.exec.Do(ctx, func(ctx context.Context) error {
		rows, err := l.db.QueryContext(ctx, `
			SELECT `+txColumns+` FROM energy_transactions
			WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
		`, userID, limit)
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "query transactions", err)
		}
		defer rows.Close()
		for rows.Next() {
			txn, err := scanTransaction(rows)
			if err != nil {
				return err
			}
			out = append(out, *txn)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, l.surface(err, "list transactions")
	}
	return out, nil
}
