package energy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerpulse/hub/internal/cache"
	"github.com/careerpulse/hub/internal/events"
	"github.com/careerpulse/hub/internal/hub"
	"github.com/careerpulse/hub/internal/pool"
)

const testUser = "2f3a7f64-9f1d-4c1e-8d6a-0b1a2c3d4e5f"

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	return newTestLedgerWithSink(t, nil)
}

func newTestLedgerWithSink(t *testing.T, sink events.Sink) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	exec := pool.New(pool.Config{
		Name:                "db",
		MaxConcurrent:       4,
		CallTimeout:         time.Second,
		RetryAttempts:       1,
		BreakerThreshold:    100,
		BreakerResetTimeout: time.Second,
	}, zerolog.Nop())

	return NewLedger(db, cache.New(nil, 100, zerolog.Nop()), sink, exec, zerolog.Nop()), mock
}

type captureSink struct {
	types []string
}

func (s *captureSink) Create(ctx context.Context, eventType, actorUserID string, payload, metadata map[string]interface{}) (string, error) {
	s.types = append(s.types, eventType)
	return "ev-1", nil
}

var balanceCols = []string{
	"user_id", "current_energy", "max_energy", "total_purchased",
	"total_consumed", "last_recharge_at", "subscription_type", "updated_at",
}

var txCols = []string{
	"tx_id", "user_id", "action_type", "amount", "reason",
	"energy_before", "energy_after", "context", "app_source", "feature_used", "created_at",
}

func balanceRow(current, totalPurchased float64, sub string) *sqlmock.Rows {
	return sqlmock.NewRows(balanceCols).
		AddRow(testUser, current, 100.0, totalPurchased, 0.0, nil, sub, time.Now())
}

func noTxRows() *sqlmock.Rows { return sqlmock.NewRows(txCols) }

func TestConsumeDebitsBalance(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tx_id").WillReturnRows(noTxRows())
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(85, 0, SubStandard))
	mock.ExpectExec("UPDATE user_energy").
		WithArgs(73.0, 12.0, sqlmock.AnyArg(), testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := l.Consume(context.Background(), testUser, "optimisation_cv", "key-1", ConsumeOptions{AppSource: "resume-app"})
	require.NoError(t, err)
	assert.Equal(t, 73.0, res.NewBalance)
	assert.Equal(t, 12.0, res.Consumed)
	assert.False(t, res.Replayed)
	assert.NotEmpty(t, res.TxID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeWritesAuditAndProcessingEvents(t *testing.T) {
	sink := &captureSink{}
	l, mock := newTestLedgerWithSink(t, sink)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tx_id").WillReturnRows(noTxRows())
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(85, 0, SubStandard))
	mock.ExpectExec("UPDATE user_energy").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := l.Consume(context.Background(), testUser, "optimisation_cv", "key-1", ConsumeOptions{AppSource: "resume-app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"EnergyConsumed", "DataProcessed"}, sink.types)
}

func TestConsumeInsufficientEnergy(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tx_id").WillReturnRows(noTxRows())
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(5, 0, SubStandard))
	mock.ExpectRollback()

	_, err := l.Consume(context.Background(), testUser, "optimisation_cv", "key-1", ConsumeOptions{})
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindInsufficientEnergy))

	var he *hub.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 12.0, he.Details["required"])
	assert.Equal(t, 5.0, he.Details["current"])
	assert.Equal(t, 7.0, he.Details["deficit"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeIdempotentReplay(t *testing.T) {
	l, mock := newTestLedger(t)

	prior := sqlmock.NewRows(txCols).AddRow(
		"tx-original", testUser, TxConsume, 12.0, "optimisation_cv",
		85.0, 73.0, []byte(`{}`), "", "", time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tx_id").WithArgs(testUser, "key-1").WillReturnRows(prior)
	mock.ExpectRollback()

	res, err := l.Consume(context.Background(), testUser, "optimisation_cv", "key-1", ConsumeOptions{})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "tx-original", res.TxID)
	assert.Equal(t, 73.0, res.NewBalance)
	assert.Equal(t, 12.0, res.Consumed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeKeyReusedForDifferentAction(t *testing.T) {
	l, mock := newTestLedger(t)

	prior := sqlmock.NewRows(txCols).AddRow(
		"tx-original", testUser, TxConsume, 12.0, "optimisation_cv",
		85.0, 73.0, []byte(`{}`), "", "", time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tx_id").WillReturnRows(prior)
	mock.ExpectRollback()

	_, err := l.Consume(context.Background(), testUser, "analyse_profil", "key-1", ConsumeOptions{})
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindConflict))
}

func TestConsumeUnlimitedKeepsBalance(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tx_id").WillReturnRows(noTxRows())
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(3, 0, SubUnlimited))
	mock.ExpectExec("UPDATE user_energy").
		WithArgs(3.0, 0.0, sqlmock.AnyArg(), testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := l.Consume(context.Background(), testUser, "analyse_cv_complete", "key-1", ConsumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.NewBalance)
	assert.Equal(t, 0.0, res.Consumed)
}

func TestConsumeRequiresIdempotencyKey(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Consume(context.Background(), testUser, "optimisation_cv", "", ConsumeOptions{})
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindValidation))
}

func TestConsumeUnknownAction(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Consume(context.Background(), testUser, "free_everything", "key-1", ConsumeOptions{})
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUnknownAction))
}

func TestGetBalanceCachesReads(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT user_id").WillReturnRows(balanceRow(42, 0, SubStandard))

	b, err := l.GetBalance(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 42.0, b.CurrentEnergy)

	// Second read is served from cache; the single query expectation above
	// would fail if the database were hit again.
	b, err = l.GetBalance(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 42.0, b.CurrentEnergy)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCanPerform(t *testing.T) {
	l, mock := newTestLedger(t)
	mock.ExpectQuery("SELECT user_id").WillReturnRows(balanceRow(10, 0, SubStandard))

	res, err := l.CanPerform(context.Background(), testUser, "analyse_cv_complete")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 25.0, res.Required)
	assert.Equal(t, 10.0, res.Current)
	assert.Equal(t, 15.0, res.Deficit)
}

func TestRefundClipsAtMax(t *testing.T) {
	l, mock := newTestLedger(t)

	original := sqlmock.NewRows(txCols).AddRow(
		"tx-consume", testUser, TxConsume, 12.0, "optimisation_cv",
		95.0, 83.0, []byte(`{}`), "", "", time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE tx_id").WithArgs("tx-consume").WillReturnRows(original)
	mock.ExpectQuery("provider_ref").WillReturnRows(noTxRows())
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(95, 0, SubStandard))
	mock.ExpectExec("UPDATE user_energy").
		WithArgs(100.0, sqlmock.AnyArg(), testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	refund, err := l.Refund(context.Background(), testUser, "tx-consume", "generation failed")
	require.NoError(t, err)
	assert.Equal(t, 5.0, refund.Amount)
	assert.Equal(t, 100.0, refund.EnergyAfter)
	assert.Equal(t, 7.0, refund.Context["clipped"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundReplaysExistingRefund(t *testing.T) {
	l, mock := newTestLedger(t)

	original := sqlmock.NewRows(txCols).AddRow(
		"tx-consume", testUser, TxConsume, 12.0, "optimisation_cv",
		85.0, 73.0, []byte(`{}`), "", "", time.Now())
	existing := sqlmock.NewRows(txCols).AddRow(
		"tx-refund", testUser, TxRefund, 12.0, "generation failed",
		73.0, 85.0, []byte(`{"refunded_tx":"tx-consume"}`), "", "", time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE tx_id").WillReturnRows(original)
	mock.ExpectQuery("provider_ref").WillReturnRows(existing)
	mock.ExpectCommit()

	refund, err := l.Refund(context.Background(), testUser, "tx-consume", "generation failed")
	require.NoError(t, err)
	assert.Equal(t, "tx-refund", refund.ID)
}

func TestRefundRejectsNonConsume(t *testing.T) {
	l, mock := newTestLedger(t)

	original := sqlmock.NewRows(txCols).AddRow(
		"tx-purchase", testUser, TxPurchase, 25.0, "purchase:recharge_25",
		50.0, 75.0, []byte(`{}`), "", "", time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE tx_id").WillReturnRows(original)
	mock.ExpectRollback()

	_, err := l.Refund(context.Background(), testUser, "tx-purchase", "oops")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindValidation))
}

func TestRefundUnknownTransaction(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE tx_id").WillReturnRows(noTxRows())
	mock.ExpectRollback()

	_, err := l.Refund(context.Background(), testUser, "tx-nope", "oops")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindNotFound))
}

func TestPurchaseFirstTimeBonus(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("provider_ref").WithArgs("pi_123").WillReturnRows(noTxRows())
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(50, 0, SubStandard))
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// First purchase carries the bonus transaction in the same commit.
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE user_energy").
		WithArgs(85.0, 25.0, sqlmock.AnyArg(), testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	purchase, err := l.Purchase(context.Background(), testUser, "recharge_25", "pi_123")
	require.NoError(t, err)
	assert.Equal(t, 25.0, purchase.Amount)
	// The returned row is the purchase as stored; the bonus is its own
	// transaction, visible only in the 85.0 balance written above.
	assert.Equal(t, 75.0, purchase.EnergyAfter)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurchaseReplayedByProviderRef(t *testing.T) {
	l, mock := newTestLedger(t)

	existing := sqlmock.NewRows(txCols).AddRow(
		"tx-purchase", testUser, TxPurchase, 25.0, "purchase:recharge_25",
		50.0, 75.0, []byte(`{}`), "", "", time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery("provider_ref").WillReturnRows(existing)
	mock.ExpectCommit()

	purchase, err := l.Purchase(context.Background(), testUser, "recharge_25", "pi_123")
	require.NoError(t, err)
	assert.Equal(t, "tx-purchase", purchase.ID)
}

func TestPurchaseBoosterExceedsMax(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("provider_ref").WillReturnRows(noTxRows())
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(80, 50, SubStandard))
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE user_energy").
		WithArgs(230.0, 150.0, sqlmock.AnyArg(), testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	purchase, err := l.Purchase(context.Background(), testUser, "booster_150", "pi_456")
	require.NoError(t, err)
	assert.Equal(t, 150.0, purchase.Amount)
	assert.Equal(t, 230.0, purchase.EnergyAfter)
}

func TestReversePurchaseClawsBackBonus(t *testing.T) {
	l, mock := newTestLedger(t)

	purchasedAt := time.Now().UTC()
	original := sqlmock.NewRows(txCols).AddRow(
		"tx-purchase", testUser, TxPurchase, 25.0, "purchase:recharge_25",
		50.0, 85.0, []byte(`{}`), "", "", purchasedAt)

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE tx_id").WillReturnRows(original)
	mock.ExpectQuery("provider_ref").WillReturnRows(noTxRows())
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(85, 25, SubStandard))
	mock.ExpectQuery("SUM").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(10.0))
	mock.ExpectExec("UPDATE user_energy").
		WithArgs(50.0, sqlmock.AnyArg(), testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reversal, err := l.ReversePurchase(context.Background(), testUser, "tx-purchase", "payment refunded")
	require.NoError(t, err)
	assert.Equal(t, -35.0, reversal.Amount)
	assert.Equal(t, 50.0, reversal.EnergyAfter)
	assert.Equal(t, 10.0, reversal.Context["bonus_clawback"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReversePurchaseFloorsAtZero(t *testing.T) {
	l, mock := newTestLedger(t)

	original := sqlmock.NewRows(txCols).AddRow(
		"tx-purchase", testUser, TxPurchase, 25.0, "purchase:recharge_25",
		50.0, 85.0, []byte(`{}`), "", "", time.Now().UTC())

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE tx_id").WillReturnRows(original)
	mock.ExpectQuery("provider_ref").WillReturnRows(noTxRows())
	// Most of the purchased energy was spent already.
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(balanceRow(8, 25, SubStandard))
	mock.ExpectQuery("SUM").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0.0))
	mock.ExpectExec("UPDATE user_energy").
		WithArgs(0.0, sqlmock.AnyArg(), testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO energy_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reversal, err := l.ReversePurchase(context.Background(), testUser, "tx-purchase", "payment refunded")
	require.NoError(t, err)
	assert.Equal(t, -8.0, reversal.Amount)
	assert.Equal(t, 0.0, reversal.EnergyAfter)
}

func TestSetSubscription(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectExec("UPDATE user_energy SET subscription_type").
		WithArgs(SubUnlimited, sqlmock.AnyArg(), testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.SetSubscription(context.Background(), testUser, SubUnlimited))

	assert.Error(t, l.SetSubscription(context.Background(), testUser, "gold"))
}
