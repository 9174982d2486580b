package engine

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
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/marketdata"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/settlement"
	"github.com/xtrntr/trendex/internal/store"
	"github.com/xtrntr/trendex/internal/validation"
	"go.uber.org/zap/zaptest"
)

const symbol = "TREND-AI/ZAR"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// flakyStore fails every trade insert while failTrades is set and every
// order save while failOrderSaves is set
type flakyStore struct {
	*store.Memory
	failTrades     bool
	failOrderSaves bool
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx store.Tx) error {
		if s.failTrades || s.failOrderSaves {
			return fn(flakyTx{Tx: tx, s: s})
		}
		return fn(tx)
	})
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (f flakyTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	if f.s.failTrades {
		return errors.New("disk full")
	}
	return f.Tx.InsertTrade(ctx, trade)
}

func (f flakyTx) SaveOrder(ctx context.Context, o *models.Order) error {
	if f.s.failOrderSaves {
		return errors.New("disk full")
	}
	return f.Tx.SaveOrder(ctx, o)
}

type harness struct {
	store  *flakyStore
	ex     *exchange.Exchange
	ledger *ledger.Ledger
	market *marketdata.Local
	settle *settlement.Pipeline
	rec    *events.Recorder
	eng    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: &flakyStore{Memory: store.NewMemory()}, rec: &events.Recorder{}}
	h.build(t, exchange.NewExchange(exchange.DefaultConfig()))
	return h
}

// build wires an engine over the harness store, as a restarted process would
func (h *harness) build(t *testing.T, ex *exchange.Exchange) {
	logger := zaptest.NewLogger(t).Sugar()
	h.ex = ex
	h.market = marketdata.NewLocal(ex)
	h.ledger = ledger.New(ledger.Deps{Store: h.store, Events: h.rec, Logger: logger})
	h.settle = settlement.New(settlement.Deps{Store: h.store, Ledger: h.ledger, Events: h.rec, Logger: logger})
	h.eng = New(Deps{
		Store:     h.store,
		Exchange:  ex,
		Ledger:    h.ledger,
		Validator: validation.New(validation.DefaultConfig(), h.market, h.ledger, nil, nil),
		Settler:   h.settle,
		Events:    h.rec,
		Logger:    logger,
	})
}

func (h *harness) deposit(t *testing.T, user, currency, amount string) {
	t.Helper()
	_, err := h.ledger.Post(context.Background(), ledger.SpotKey(user, currency), "", ledger.Posting{Type: models.TxDeposit, Amount: d(amount)})
	require.NoError(t, err)
}

func (h *harness) newOrder(user string, side models.Side, typ models.OrderType, tif models.TimeInForce, qty, price, stop string) *models.Order {
	var p, s *decimal.Decimal
	if price != "" {
		p = models.DecimalPtr(d(price))
	}
	if stop != "" {
		s = models.DecimalPtr(d(stop))
	}
	return models.NewOrder(user, symbol, side, typ, tif, d(qty), p, s, time.Now().UTC())
}

func (h *harness) place(t *testing.T, user string, side models.Side, typ models.OrderType, tif models.TimeInForce, qty, price, stop string) *PlaceResult {
	t.Helper()
	res, err := h.eng.ExecuteOrder(context.Background(), h.newOrder(user, side, typ, tif, qty, price, stop))
	require.NoError(t, err)
	return res
}

func (h *harness) limit(t *testing.T, user string, side models.Side, qty, price string) *PlaceResult {
	t.Helper()
	res := h.place(t, user, side, models.OrderTypeLimit, models.GTC, qty, price, "")
	require.True(t, res.Accepted, "limit order rejected: %v", res.Errors)
	return res
}

func (h *harness) balances(t *testing.T, user, currency, available, locked string) {
	t.Helper()
	w, err := h.ledger.Wallet(context.Background(), user, currency)
	require.NoError(t, err)
	assert.True(t, w.Balanced())
	assert.True(t, w.Available.Equal(d(available)), "%s %s available: want %s got %s", user, currency, available, w.Available)
	assert.True(t, w.Locked.Equal(d(locked)), "%s %s locked: want %s got %s", user, currency, locked, w.Locked)
}

func (h *harness) stored(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, o.CheckQuantities())
	return o
}

func TestEngine_ExecuteOrder_ScenarioA(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "16")
	h.deposit(t, "buyer", "ZAR", "2000")

	ask1 := h.limit(t, "seller", models.SideSell, "6", "100")
	ask2 := h.limit(t, "seller", models.SideSell, "10", "102")
	h.balances(t, "seller", "TREND-AI", "0", "16")

	bid := h.limit(t, "buyer", models.SideBuy, "10", "105")
	require.Len(t, bid.Trades, 2)
	assert.True(t, bid.Trades[0].Quantity.Equal(d("6")))
	assert.True(t, bid.Trades[0].Price.Equal(d("100")))
	assert.True(t, bid.Trades[1].Quantity.Equal(d("4")))
	assert.True(t, bid.Trades[1].Price.Equal(d("102")))
	assert.Equal(t, models.StatusFilled, bid.Order.Status)

	assert.Equal(t, models.StatusFilled, h.stored(t, ask1.Order.ID).Status)
	second := h.stored(t, ask2.Order.ID)
	assert.Equal(t, models.StatusPartialFilled, second.Status)
	assert.True(t, second.RemainingQuantity.Equal(d("6")))

	depth := h.eng.Depth(symbol, 0)
	require.Len(t, depth.Asks, 1)
	assert.True(t, depth.Asks[0].Quantity.Equal(d("6")))
	assert.Empty(t, depth.Bids)

	h.settle.Drain(ctx)
	h.balances(t, "buyer", "ZAR", "990.8912", "0")
	h.balances(t, "buyer", "TREND-AI", "10", "0")
	h.balances(t, "seller", "TREND-AI", "0", "6")
	h.balances(t, "seller", "ZAR", "1006.8912", "0")

	assert.Len(t, h.rec.OfType(events.OrderMatched), 2)
	assert.Len(t, h.rec.OfType(events.OrderFilled), 2)

	trades, err := h.eng.Trades(ctx, "buyer")
	require.NoError(t, err)
	assert.Len(t, trades, 2)
	assert.True(t, h.eng.Stats(symbol).Volume.Equal(d("10")))
}

// A FOK order the book cannot fill in full is rejected and its funds released
func TestEngine_ExecuteOrder_ScenarioB(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "30")
	h.deposit(t, "buyer", "ZAR", "10000")
	h.limit(t, "seller", models.SideSell, "30", "100")

	res := h.place(t, "buyer", models.SideBuy, models.OrderTypeLimit, models.FOK, "50", "100", "")
	assert.False(t, res.Accepted)
	assert.Empty(t, res.Trades)
	assert.Equal(t, models.StatusRejected, h.stored(t, res.Order.ID).Status)
	h.balances(t, "buyer", "ZAR", "10000", "0")

	depth := h.eng.Depth(symbol, 0)
	require.Len(t, depth.Asks, 1)
	assert.True(t, depth.Asks[0].Quantity.Equal(d("30")))

	// the same order fits once it asks for what is there
	res = h.place(t, "buyer", models.SideBuy, models.OrderTypeLimit, models.FOK, "30", "100", "")
	assert.True(t, res.Accepted)
	assert.Equal(t, models.StatusFilled, res.Order.Status)
}

func TestEngine_ExecuteOrder_IOCRemainderCancelled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "5")
	h.deposit(t, "buyer", "ZAR", "1000")
	h.limit(t, "seller", models.SideSell, "5", "100")

	res := h.place(t, "buyer", models.SideBuy, models.OrderTypeLimit, models.IOC, "8", "100", "")
	require.True(t, res.Accepted)
	require.Len(t, res.Trades, 1)
	o := h.stored(t, res.Order.ID)
	assert.Equal(t, models.StatusCancelled, o.Status)
	assert.Equal(t, "IOC remainder cancelled", o.Reason)
	assert.True(t, o.FilledQuantity.Equal(d("5")))
	assert.Empty(t, h.eng.Depth(symbol, 0).Bids)

	h.settle.Drain(ctx)
	h.balances(t, "buyer", "ZAR", "499.45", "0")
	h.balances(t, "buyer", "TREND-AI", "5", "0")
}

func TestEngine_ExecuteOrder_Market(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "5")
	h.deposit(t, "buyer", "ZAR", "1000")
	h.limit(t, "seller", models.SideSell, "3", "100")
	h.limit(t, "seller", models.SideSell, "2", "110")

	res := h.place(t, "buyer", models.SideBuy, models.OrderTypeMarket, models.GTC, "4", "", "")
	require.True(t, res.Accepted, "%v", res.Errors)
	assert.Equal(t, models.IOC, res.Order.TimeInForce)
	require.Len(t, res.Trades, 2)
	assert.True(t, res.Trades[1].Price.Equal(d("110")))
	assert.Equal(t, models.StatusFilled, res.Order.Status)
	assert.True(t, res.Order.ReservedAmount.Equal(d("410.451")))

	h.settle.Drain(ctx)
	h.balances(t, "buyer", "ZAR", "589.549", "0")
	h.balances(t, "buyer", "TREND-AI", "4", "0")

	// one unit is left; a market order the book cannot cover is refused up front
	res = h.place(t, "buyer", models.SideBuy, models.OrderTypeMarket, models.IOC, "3", "", "")
	assert.False(t, res.Accepted)
	assert.Equal(t, models.StatusRejected, res.Order.Status)
	assert.Contains(t, res.Order.Reason, "only 1 of 3 available")
	assert.Empty(t, res.Trades)
	h.balances(t, "buyer", "ZAR", "589.549", "0")

	res = h.place(t, "buyer", models.SideBuy, models.OrderTypeMarket, models.IOC, "1", "", "")
	require.True(t, res.Accepted, "%v", res.Errors)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, models.StatusFilled, res.Order.Status)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "visible liquidity")

	res = h.place(t, "buyer", models.SideBuy, models.OrderTypeMarket, models.IOC, "1", "", "")
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Order.Reason, "no liquidity")
}

func TestEngine_ExecuteOrder_Rejections(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "buyer", "ZAR", "100")

	tests := []struct {
		name   string
		order  *models.Order
		reason string
	}{
		{
			name:   "InsufficientFunds",
			order:  h.newOrder("buyer", models.SideBuy, models.OrderTypeLimit, models.GTC, "10", "100", ""),
			reason: "insufficient ZAR balance",
		},
		{
			name:   "NoBaseCurrency",
			order:  h.newOrder("buyer", models.SideSell, models.OrderTypeLimit, models.GTC, "1", "100", ""),
			reason: "insufficient TREND-AI balance",
		},
		{
			name:   "BelowMinimum",
			order:  h.newOrder("buyer", models.SideBuy, models.OrderTypeLimit, models.GTC, "0.5", "1", ""),
			reason: "below the minimum",
		},
		{
			name:   "LimitWithoutPrice",
			order:  h.newOrder("buyer", models.SideBuy, models.OrderTypeLimit, models.GTC, "1", "", ""),
			reason: "need a positive price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.eng.ExecuteOrder(context.Background(), tt.order)
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, models.StatusRejected, h.stored(t, tt.order.ID).Status)
			assert.Contains(t, res.Order.Reason, tt.reason)
		})
	}
	h.balances(t, "buyer", "ZAR", "100", "0")
	assert.Len(t, h.rec.OfType(events.OrderRejected), len(tests))
}

func TestEngine_CancelOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "10")
	h.deposit(t, "buyer", "ZAR", "1000")
	ask := h.limit(t, "seller", models.SideSell, "10", "100")
	h.limit(t, "buyer", models.SideBuy, "4", "100")

	_, err := h.eng.CancelOrder(ctx, ask.Order.ID, "buyer", "")
	assert.ErrorIs(t, err, exception.ErrNotFound)

	o, err := h.eng.CancelOrder(ctx, ask.Order.ID, "seller", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, o.Status)
	assert.Equal(t, "cancelled by user", o.Reason)
	assert.True(t, o.ReservedAmount.Equal(d("4")))
	assert.Empty(t, h.eng.Depth(symbol, 0).Asks)

	_, err = h.eng.CancelOrder(ctx, ask.Order.ID, "seller", "")
	assert.ErrorIs(t, err, exception.ErrConflict)

	h.settle.Drain(ctx)
	h.balances(t, "seller", "TREND-AI", "6", "0")
	h.balances(t, "seller", "ZAR", "399.56", "0")
	assert.Len(t, h.rec.OfType(events.OrderCancelled), 1)
}

func TestEngine_CancelOrder_PersistenceFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "buyer", "ZAR", "1000")
	h.deposit(t, "seller", "TREND-AI", "2")
	bid := h.limit(t, "buyer", models.SideBuy, "2", "100")
	h.balances(t, "buyer", "ZAR", "799.78", "200.22")

	h.store.failOrderSaves = true
	_, err := h.eng.CancelOrder(ctx, bid.Order.ID, "buyer", "")
	require.Error(t, err)

	// nothing of the cancel survives: funds stay locked and the bid keeps resting
	o := h.stored(t, bid.Order.ID)
	assert.Equal(t, models.StatusOpen, o.Status)
	assert.True(t, o.ReservedAmount.Equal(d("200.22")))
	h.balances(t, "buyer", "ZAR", "799.78", "200.22")
	assert.Len(t, h.eng.Depth(symbol, 0).Bids, 1)
	assert.Empty(t, h.rec.OfType(events.OrderCancelled))

	h.store.failOrderSaves = false
	res := h.limit(t, "seller", models.SideSell, "2", "100")
	require.Len(t, res.Trades, 1)
	h.settle.Drain(ctx)

	s, err := h.store.GetSettlement(ctx, bid.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementCompleted, s.Status)
	assert.False(t, s.Flagged)
	h.balances(t, "buyer", "ZAR", "799.78", "0")
	h.balances(t, "buyer", "TREND-AI", "2", "0")
}

func TestEngine_ExpireOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "buyer", "ZAR", "1000")
	bid := h.place(t, "buyer", models.SideBuy, models.OrderTypeLimit, models.DAY, "2", "100", "")
	require.True(t, bid.Accepted)
	require.NotNil(t, bid.Order.ExpiresAt)
	h.balances(t, "buyer", "ZAR", "799.78", "200.22")

	o, err := h.eng.ExpireOrder(ctx, bid.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, o.Status)
	h.balances(t, "buyer", "ZAR", "1000", "0")
	assert.Empty(t, h.eng.Depth(symbol, 0).Bids)
}

// A trade through a stop price activates it and the activated order trades in the same call
func TestEngine_StopTriggers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "10")
	h.deposit(t, "taker", "ZAR", "1000")
	h.deposit(t, "stopper", "ZAR", "1000")
	h.limit(t, "seller", models.SideSell, "5", "100")
	h.limit(t, "seller", models.SideSell, "5", "105")
	h.limit(t, "taker", models.SideBuy, "1", "100")

	// a BUY stop at or below the last price would trigger at once
	res := h.place(t, "stopper", models.SideBuy, models.OrderTypeStop, models.GTC, "2", "", "99")
	assert.False(t, res.Accepted)

	stop := h.place(t, "stopper", models.SideBuy, models.OrderTypeStop, models.GTC, "2", "", "102")
	require.True(t, stop.Accepted, "%v", stop.Errors)
	assert.Empty(t, stop.Trades)
	h.balances(t, "stopper", "ZAR", "795.7756", "204.2244")

	h.limit(t, "taker", models.SideBuy, "5", "105")

	o := h.stored(t, stop.Order.ID)
	assert.Equal(t, models.OrderTypeMarket, o.Type)
	assert.Equal(t, models.StatusFilled, o.Status)
	assert.NotNil(t, o.TriggeredAt)
	assert.Nil(t, o.StopPrice)
	require.Len(t, o.Fills, 1)
	assert.True(t, o.Fills[0].Price.Equal(d("105")))
	assert.Len(t, h.rec.OfType(events.OrderTriggered), 1)

	h.settle.Drain(ctx)
	h.balances(t, "stopper", "ZAR", "789.769", "0")
	h.balances(t, "stopper", "TREND-AI", "2", "0")

	n, err := h.eng.TriggerStops(ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// A stop limit becomes a resting limit order at its stop price
func TestEngine_StopLimitRests(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "10")
	h.deposit(t, "buyer", "ZAR", "1000")
	h.limit(t, "seller", models.SideSell, "1", "100")
	h.limit(t, "buyer", models.SideBuy, "1", "100")

	stop := h.place(t, "seller", models.SideSell, models.OrderTypeStopLimit, models.GTC, "3", "97", "98")
	require.True(t, stop.Accepted, "%v", stop.Errors)
	assert.Empty(t, h.eng.Depth(symbol, 0).Asks)

	h.limit(t, "buyer", models.SideBuy, "1", "98")
	h.limit(t, "seller", models.SideSell, "1", "98")

	o := h.stored(t, stop.Order.ID)
	assert.Equal(t, models.OrderTypeLimit, o.Type)
	assert.True(t, o.Price.Equal(d("98")))
	assert.Equal(t, models.StatusOpen, o.Status)

	depth := h.eng.Depth(symbol, 0)
	require.Len(t, depth.Asks, 1)
	assert.True(t, depth.Asks[0].Price.Equal(d("98")))
	assert.True(t, depth.Asks[0].Quantity.Equal(d("3")))
}

// A pass that cannot be persisted leaves the book as it was
func TestEngine_PersistenceFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "5")
	h.deposit(t, "buyer", "ZAR", "2000")
	ask := h.limit(t, "seller", models.SideSell, "5", "100")

	h.store.failTrades = true
	res, err := h.eng.ExecuteOrder(ctx, h.newOrder("buyer", models.SideBuy, models.OrderTypeLimit, models.IOC, "5", "100", ""))
	require.Error(t, err)
	assert.Equal(t, models.StatusCancelled, h.stored(t, res.Order.ID).Status)
	h.balances(t, "buyer", "ZAR", "2000", "0")

	bid, err := h.eng.ExecuteOrder(ctx, h.newOrder("buyer", models.SideBuy, models.OrderTypeLimit, models.GTC, "5", "100", ""))
	require.Error(t, err)
	assert.Equal(t, models.StatusOpen, h.stored(t, ask.Order.ID).Status)
	assert.Equal(t, models.StatusOpen, h.stored(t, bid.Order.ID).Status)
	depth := h.eng.Depth(symbol, 0)
	require.Len(t, depth.Asks, 1)
	assert.True(t, depth.Asks[0].Quantity.Equal(d("5")))

	// the resting pair trades once the store recovers
	h.store.failTrades = false
	trades, err := h.eng.MatchOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusFilled, h.stored(t, bid.Order.ID).Status)
}

func TestEngine_RecoverPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "buyer", "ZAR", "1000")

	// a crash after the lock but before the order opened
	o := h.newOrder("buyer", models.SideBuy, models.OrderTypeLimit, models.GTC, "1", "100", "")
	o.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, h.store.WithTx(ctx, func(tx store.Tx) error { return tx.SaveOrder(ctx, o) }))
	_, err := h.ledger.LockFunds(ctx, "buyer", d("100.11"), "ZAR", "order", ledger.WithIdempotencyKey(ledger.OrderLockKey(o.ID)))
	require.NoError(t, err)

	// one without a lock
	bare := h.newOrder("buyer", models.SideBuy, models.OrderTypeLimit, models.GTC, "1", "100", "")
	bare.UpdatedAt = o.UpdatedAt
	require.NoError(t, h.store.WithTx(ctx, func(tx store.Tx) error { return tx.SaveOrder(ctx, bare) }))

	n, err := h.eng.RecoverPending(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, models.StatusRejected, h.stored(t, o.ID).Status)
	assert.Equal(t, models.StatusRejected, h.stored(t, bare.ID).Status)
	h.balances(t, "buyer", "ZAR", "1000", "0")

	n, err = h.eng.RecoverPending(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngine_LoadBooks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deposit(t, "seller", "TREND-AI", "10")
	h.deposit(t, "buyer", "ZAR", "1000")
	h.limit(t, "seller", models.SideSell, "4", "101")
	h.limit(t, "seller", models.SideSell, "1", "100")
	h.limit(t, "buyer", models.SideBuy, "1", "100")
	h.limit(t, "buyer", models.SideBuy, "2", "99")

	h.build(t, exchange.NewExchange(exchange.DefaultConfig()))
	n, err := h.eng.LoadBooks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	depth := h.eng.Depth(symbol, 0)
	require.Len(t, depth.Asks, 1)
	require.Len(t, depth.Bids, 1)
	assert.True(t, depth.Asks[0].Price.Equal(d("101")))
	assert.True(t, depth.Bids[0].Quantity.Equal(d("2")))

	last, ok, err := h.market.LastPrice(ctx, symbol)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(d("100")))
}
