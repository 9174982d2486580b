package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
	"go.uber.org/zap/zaptest"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	mem    *store.Memory
	ledger *ledger.Ledger
	rec    *events.Recorder
	p      *Pipeline
	slept  []time.Duration
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), rec: &events.Recorder{}}
	logger := zaptest.NewLogger(t).Sugar()
	f.ledger = ledger.New(ledger.Deps{Store: f.mem, Events: f.rec, Logger: logger})
	f.p = New(Deps{Store: f.mem, Ledger: f.ledger, Events: f.rec, Logger: logger, Config: cfg})
	f.p.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func (f *fixture) deposit(t *testing.T, user, currency, amount string) {
	t.Helper()
	_, err := f.ledger.Post(context.Background(), ledger.SpotKey(user, currency), "", ledger.Posting{Type: models.TxDeposit, Amount: d(amount)})
	require.NoError(t, err)
}

// order stores an order that holds reserved in currency and carries fills
func (f *fixture) order(t *testing.T, user string, side models.Side, qty, price, reserved, currency string, status models.OrderStatus, fills ...models.Fill) *models.Order {
	t.Helper()
	ctx := context.Background()
	o := models.NewOrder(user, "TREND/ZAR", side, models.OrderTypeLimit, models.GTC, d(qty), models.DecimalPtr(d(price)), nil, time.Now().UTC())
	_, err := f.ledger.LockFunds(ctx, user, d(reserved), currency, "order hold", ledger.WithIdempotencyKey(ledger.OrderLockKey(o.ID)))
	require.NoError(t, err)
	o.ReservedAmount = d(reserved)
	o.ReservedCurrency = currency
	for _, fl := range fills {
		o.ApplyFill(fl)
	}
	o.Status = status
	require.NoError(t, f.mem.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		return tx.SaveSettlement(ctx, &models.Settlement{OrderID: o.ID, Status: models.SettlementPending})
	}))
	return o
}

func fill(qty, price, commission, fee string) models.Fill {
	return models.Fill{
		TradeID:    uuid.New(),
		Quantity:   d(qty),
		Price:      d(price),
		Commission: d(commission),
		Fee:        d(fee),
		Timestamp:  time.Now().UTC(),
	}
}

func (f *fixture) balances(t *testing.T, user, currency, available, locked string) {
	t.Helper()
	w, err := f.ledger.Wallet(context.Background(), user, currency)
	require.NoError(t, err)
	assert.True(t, w.Balanced())
	assert.True(t, w.Available.Equal(d(available)), "%s available: want %s got %s", currency, available, w.Available)
	assert.True(t, w.Locked.Equal(d(locked)), "%s locked: want %s got %s", currency, locked, w.Locked)
}

func (f *fixture) settlement(t *testing.T, id uuid.UUID) *models.Settlement {
	t.Helper()
	s, err := f.mem.GetSettlement(context.Background(), id)
	require.NoError(t, err)
	return s
}

// A filled buy pays cost plus charges and gets back the excess locked at its limit price
func TestPipeline_SettleBuyReleasesPriceImprovement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.deposit(t, "buyer", "ZAR", "2000")
	o := f.order(t, "buyer", models.SideBuy, "10", "105", "1051.155", "ZAR", models.StatusFilled,
		fill("6", "100", "0.6", "0.06"),
		fill("4", "102", "0.408", "0.0408"),
	)

	require.NoError(t, f.p.SettleOrder(ctx, o.ID))
	f.balances(t, "buyer", "ZAR", "990.8912", "0")
	f.balances(t, "buyer", "TREND", "10", "0")
	assert.Equal(t, models.SettlementCompleted, f.settlement(t, o.ID).Status)

	// settling again changes nothing
	require.NoError(t, f.p.SettleOrder(ctx, o.ID))
	f.balances(t, "buyer", "ZAR", "990.8912", "0")
	f.balances(t, "buyer", "TREND", "10", "0")

	w, err := f.ledger.Wallet(ctx, "buyer", "ZAR")
	require.NoError(t, err)
	txns, err := f.ledger.Transactions(ctx, w.ID)
	require.NoError(t, err)
	// deposit, lock, 2 x (unlock, settlement, commission, fee), release
	assert.Len(t, txns, 11)
}

// Charges debited from traders are credited to the fee account
func TestPipeline_CollectsCharges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{FeeAccount: "house"})
	f.deposit(t, "buyer", "ZAR", "2000")
	f.deposit(t, "seller", "TREND", "10")
	trade := fill("4", "100", "0.4", "0.04")
	buy := f.order(t, "buyer", models.SideBuy, "4", "100", "400.44", "ZAR", models.StatusFilled, trade)
	sell := f.order(t, "seller", models.SideSell, "4", "100", "4", "TREND", models.StatusFilled, trade)

	tests := []struct {
		name  string
		order *models.Order
		house string
	}{
		{name: "Buyer", order: buy, house: "0.44"},
		{name: "Seller", order: sell, house: "0.88"},
		{name: "Replay", order: buy, house: "0.88"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, f.p.SettleOrder(ctx, tt.order.ID))
			f.balances(t, "house", "ZAR", tt.house, "0")
		})
	}

	f.balances(t, "buyer", "ZAR", "1599.56", "0")
	f.balances(t, "seller", "ZAR", "399.56", "0")

	w, err := f.ledger.Wallet(ctx, "house", "ZAR")
	require.NoError(t, err)
	rec, err := f.ledger.ReconcileWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)
}

func TestPipeline_SettleCancelledSell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.deposit(t, "seller", "TREND", "10")
	o := f.order(t, "seller", models.SideSell, "10", "100", "10", "TREND", models.StatusCancelled,
		fill("4", "100", "0.4", "0.04"),
	)
	// the cancel already released the unfilled 6
	_, err := f.ledger.UnlockFunds(ctx, "seller", d("6"), "TREND", "cancel", ledger.WithIdempotencyKey(ledger.CancelKey(o.ID)))
	require.NoError(t, err)
	o.ReservedAmount = d("4")
	require.NoError(t, f.mem.WithTx(ctx, func(tx store.Tx) error { return tx.SaveOrder(ctx, o) }))

	require.NoError(t, f.p.SettleOrder(ctx, o.ID))
	f.balances(t, "seller", "TREND", "6", "0")
	f.balances(t, "seller", "ZAR", "399.56", "0")
}

// An open order is settled fill by fill; its reservation stays until it is terminal
func TestPipeline_PartialOrderKeepsReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.deposit(t, "buyer", "ZAR", "1100")
	o := f.order(t, "buyer", models.SideBuy, "10", "100", "1001.1", "ZAR", models.StatusPartialFilled,
		fill("4", "100", "0.4", "0.04"),
	)

	require.NoError(t, f.p.SettleOrder(ctx, o.ID))
	f.balances(t, "buyer", "ZAR", "98.9", "600.66")
	f.balances(t, "buyer", "TREND", "4", "0")
	assert.Equal(t, models.SettlementCompleted, f.settlement(t, o.ID).Status)
}

func TestPipeline_RetriesThenFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: time.Second})
	f.deposit(t, "buyer", "ZAR", "1100")
	o := f.order(t, "buyer", models.SideBuy, "1", "100", "100.11", "ZAR", models.StatusFilled, fill("1", "100", "0.1", "0.01"))

	for i := 0; i < 3; i++ {
		f.mem.FailNextCommit(errors.New("connection reset"))
	}
	f.p.Process(ctx, o.ID)

	s := f.settlement(t, o.ID)
	assert.Equal(t, models.SettlementProcessing, s.Status)
	assert.True(t, s.Flagged)
	assert.Equal(t, 3, s.Attempts)
	assert.Contains(t, s.LastError, "connection reset")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.slept)
	assert.Len(t, f.rec.OfType(events.SettlementFlagged), 1)

	// flagged orders are left for manual reconciliation
	n, err := f.p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	f.balances(t, "buyer", "ZAR", "999.89", "100.11")
}

func TestPipeline_PermanentErrorFlagsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 5})
	f.deposit(t, "buyer", "ZAR", "1000")
	// the fill needs more than the order ever locked
	o := f.order(t, "buyer", models.SideBuy, "1", "100", "50", "ZAR", models.StatusFilled, fill("1", "100", "0.1", "0.01"))

	f.p.Process(ctx, o.ID)

	s := f.settlement(t, o.ID)
	assert.True(t, s.Flagged)
	assert.Equal(t, 1, s.Attempts)
	assert.Empty(t, f.slept)
	f.balances(t, "buyer", "ZAR", "950", "50")
}

func TestPipeline_RecoverAndDrain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.deposit(t, "seller", "TREND", "5")
	o := f.order(t, "seller", models.SideSell, "5", "10", "5", "TREND", models.StatusFilled, fill("5", "10", "0", "0"))

	n, err := f.p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.p.Drain(ctx))

	assert.Equal(t, models.SettlementCompleted, f.settlement(t, o.ID).Status)
	f.balances(t, "seller", "TREND", "0", "0")
	f.balances(t, "seller", "ZAR", "50", "0")

	ids, err := f.mem.ListUnsettledOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPipeline_EnqueueNeverBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{QueueSize: 1})
	a, b := uuid.New(), uuid.New()

	f.p.Enqueue(ctx, a, a, b)
	assert.Len(t, f.p.queue, 1)
	assert.Equal(t, a, <-f.p.queue)
}

func TestPipeline_Backoff(t *testing.T) {
	f := newFixture(t, Config{BaseBackoff: 200 * time.Millisecond, MaxBackoff: time.Second})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{5, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, f.p.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPipeline_Run(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	f.deposit(t, "seller", "TREND", "1")
	o := f.order(t, "seller", models.SideSell, "1", "10", "1", "TREND", models.StatusFilled, fill("1", "10", "0.01", "0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.Run(ctx) }()

	f.p.Enqueue(ctx, o.ID)
	require.Eventually(t, func() bool {
		s, err := f.mem.GetSettlement(context.Background(), o.ID)
		return err == nil && s.Status == models.SettlementCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	f.balances(t, "seller", "ZAR", "9.99", "0")
}
