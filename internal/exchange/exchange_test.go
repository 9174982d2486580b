package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/trendex/internal/models"
)

const symbol = "TREND-AI/ZAR"

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limitOrder(user string, side models.Side, price, qty string, at time.Time) *models.Order {
	o := models.NewOrder(user, symbol, side, models.OrderTypeLimit, models.GTC, d(qty), models.DecimalPtr(d(price)), nil, at)
	o.Status = models.StatusOpen
	return o
}

func marketOrder(user string, side models.Side, qty string) *models.Order {
	o := models.NewOrder(user, symbol, side, models.OrderTypeMarket, models.IOC, d(qty), nil, nil, t0.Add(time.Hour))
	o.Status = models.StatusOpen
	return o
}

func TestOrderBook_AddOrder(t *testing.T) {
	book := NewOrderBook(symbol, DefaultConfig())

	book.AddOrder(limitOrder("u1", models.SideBuy, "100", "1", t0.Add(-time.Second)))
	book.AddOrder(limitOrder("u2", models.SideBuy, "101", "2", t0))
	book.AddOrder(limitOrder("u3", models.SideBuy, "100", "3", t0.Add(time.Second)))
	book.AddOrder(limitOrder("u4", models.SideSell, "103", "1", t0))
	book.AddOrder(limitOrder("u5", models.SideSell, "102", "2", t0.Add(time.Second)))
	book.AddOrder(limitOrder("u6", models.SideSell, "103", "3", t0.Add(-time.Second)))

	depth := book.Depth(0)
	require.Len(t, depth.Bids, 2)
	require.Len(t, depth.Asks, 2)

	// Highest bid first, lowest ask first
	assert.True(t, depth.Bids[0].Price.Equal(d("101")))
	assert.True(t, depth.Bids[1].Price.Equal(d("100")))
	assert.True(t, depth.Bids[1].Quantity.Equal(d("4")))
	assert.Equal(t, 2, depth.Bids[1].Orders)
	assert.True(t, depth.Asks[0].Price.Equal(d("102")))
	assert.True(t, depth.Asks[1].Quantity.Equal(d("4")))

	// Equal price: earlier order first
	require.Len(t, book.bids, 3)
	assert.Equal(t, "u1", book.bids[1].order.UserID)
	assert.Equal(t, "u3", book.bids[2].order.UserID)
	assert.Equal(t, "u6", book.asks[1].order.UserID)
	assert.Equal(t, "u4", book.asks[2].order.UserID)

	top := book.Depth(1)
	assert.Len(t, top.Bids, 1)
	assert.Len(t, top.Asks, 1)
}

func TestOrderBook_EqualTimestampsKeepInsertionOrder(t *testing.T) {
	book := NewOrderBook(symbol, DefaultConfig())
	first := limitOrder("a", models.SideSell, "100", "1", t0)
	second := limitOrder("b", models.SideSell, "100", "1", t0)
	book.AddOrder(first)
	book.AddOrder(second)

	pass := book.Sweep(marketOrder("c", models.SideBuy, "1"))
	require.Len(t, pass.Trades, 1)
	assert.Equal(t, first.ID, pass.Trades[0].AskOrderID)
}

// A bid crossing two resting asks trades at the asks' prices in priority order
func TestOrderBook_Match_ScenarioA(t *testing.T) {
	book := NewOrderBook(symbol, DefaultConfig())
	ask1 := limitOrder("s1", models.SideSell, "100", "6", t0.Add(1*time.Second))
	ask2 := limitOrder("s2", models.SideSell, "102", "10", t0.Add(2*time.Second))
	bid := limitOrder("b1", models.SideBuy, "105", "10", t0.Add(3*time.Second))
	book.AddOrder(ask1)
	book.AddOrder(ask2)
	book.AddOrder(bid)

	pass := book.Match()
	require.Len(t, pass.Trades, 2)

	assert.True(t, pass.Trades[0].Quantity.Equal(d("6")))
	assert.True(t, pass.Trades[0].Price.Equal(d("100")))
	assert.Equal(t, ask1.ID, pass.Trades[0].AskOrderID)
	assert.True(t, pass.Trades[1].Quantity.Equal(d("4")))
	assert.True(t, pass.Trades[1].Price.Equal(d("102")))
	assert.Equal(t, ask2.ID, pass.Trades[1].AskOrderID)

	gotBid, ok := pass.Order(bid.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusFilled, gotBid.Status)
	assert.True(t, gotBid.AverageFillPrice.Equal(d("100.8")))
	// 6*100 + 4*102 = 1008; commission 0.1%, fee 0.01%
	assert.True(t, gotBid.Commission.Equal(d("1.008")))
	assert.True(t, gotBid.Fee.Equal(d("0.1008")))

	gotAsk1, _ := pass.Order(ask1.ID)
	assert.Equal(t, models.StatusFilled, gotAsk1.Status)
	gotAsk2, _ := pass.Order(ask2.ID)
	assert.Equal(t, models.StatusPartialFilled, gotAsk2.Status)
	assert.True(t, gotAsk2.RemainingQuantity.Equal(d("6")))

	for _, o := range pass.Orders {
		assert.NoError(t, o.CheckQuantities())
	}

	// Nothing changes until the pass is committed
	assert.Equal(t, 3, book.Stats().BidOrders+book.Stats().AskOrders)

	book.Commit(pass)
	stats := book.Stats()
	assert.Equal(t, 0, stats.BidOrders)
	assert.Equal(t, 1, stats.AskOrders)
	assert.True(t, stats.AskDepth.Equal(d("6")))
	require.NotNil(t, stats.LastPrice)
	assert.True(t, stats.LastPrice.Equal(d("102")))
	assert.True(t, stats.Volume.Equal(d("10")))
	assert.Equal(t, 2, stats.TradeCount)

	rest, ok := book.Order(ask2.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusPartialFilled, rest.Status)
}

func TestOrderBook_Match_MakerSetsPrice(t *testing.T) {
	tests := []struct {
		name      string
		bidAt     time.Time
		askAt     time.Time
		wantPrice string
	}{
		{name: "BidRestedFirst", bidAt: t0, askAt: t0.Add(time.Second), wantPrice: "105"},
		{name: "AskRestedFirst", bidAt: t0.Add(time.Second), askAt: t0, wantPrice: "100"},
		{name: "SameTimeUsesAsk", bidAt: t0, askAt: t0, wantPrice: "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := NewOrderBook(symbol, DefaultConfig())
			book.AddOrder(limitOrder("b", models.SideBuy, "105", "1", tt.bidAt))
			book.AddOrder(limitOrder("s", models.SideSell, "100", "1", tt.askAt))

			pass := book.Match()
			require.Len(t, pass.Trades, 1)
			assert.True(t, pass.Trades[0].Price.Equal(d(tt.wantPrice)))
		})
	}
}

func TestOrderBook_Match_NoCross(t *testing.T) {
	tests := []struct {
		name   string
		orders []*models.Order
	}{
		{name: "EmptyBook"},
		{
			name:   "OneSided",
			orders: []*models.Order{limitOrder("b", models.SideBuy, "100", "1", t0)},
		},
		{
			name: "Spread",
			orders: []*models.Order{
				limitOrder("b", models.SideBuy, "99", "1", t0),
				limitOrder("s", models.SideSell, "100", "1", t0),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := NewOrderBook(symbol, DefaultConfig())
			for _, o := range tt.orders {
				book.AddOrder(o)
			}
			pass := book.Match()
			assert.True(t, pass.Empty())
			assert.Empty(t, pass.Orders)
		})
	}
}

func TestOrderBook_Match_SelfTrade(t *testing.T) {
	build := func(policy SelfTradePolicy) *OrderBook {
		cfg := DefaultConfig()
		cfg.SelfTrade = policy
		book := NewOrderBook(symbol, cfg)
		book.AddOrder(limitOrder("alice", models.SideSell, "100", "1", t0))
		book.AddOrder(limitOrder("bob", models.SideSell, "101", "1", t0.Add(time.Second)))
		book.AddOrder(limitOrder("alice", models.SideBuy, "105", "1", t0.Add(2*time.Second)))
		return book
	}

	t.Run("Skip", func(t *testing.T) {
		pass := build(SelfTradeSkip).Match()
		require.Len(t, pass.Trades, 1)
		assert.Equal(t, "bob", pass.Trades[0].AskUserID)
		assert.True(t, pass.Trades[0].Price.Equal(d("101")))
		assert.Equal(t, 1, pass.SelfTradesSkipped)
	})

	t.Run("Allow", func(t *testing.T) {
		pass := build(SelfTradeAllow).Match()
		require.Len(t, pass.Trades, 1)
		assert.Equal(t, "alice", pass.Trades[0].AskUserID)
		assert.True(t, pass.Trades[0].Price.Equal(d("100")))
	})

	t.Run("LowerBidTakesSkippedAsk", func(t *testing.T) {
		book := build(SelfTradeSkip)
		book.AddOrder(limitOrder("carol", models.SideBuy, "100", "1", t0.Add(3*time.Second)))
		pass := book.Match()
		require.Len(t, pass.Trades, 2)
		assert.Equal(t, "carol", pass.Trades[1].BidUserID)
		assert.Equal(t, "alice", pass.Trades[1].AskUserID)
	})
}

func TestOrderBook_Match_Deterministic(t *testing.T) {
	type key struct {
		bid, ask   string
		price, qty string
	}
	run := func() []key {
		book := NewOrderBook(symbol, DefaultConfig())
		book.AddOrder(limitOrder("s1", models.SideSell, "101", "3", t0))
		book.AddOrder(limitOrder("s2", models.SideSell, "100", "2", t0.Add(time.Second)))
		book.AddOrder(limitOrder("s3", models.SideSell, "100", "4", t0.Add(time.Second)))
		book.AddOrder(limitOrder("b1", models.SideBuy, "101", "5", t0.Add(2*time.Second)))
		book.AddOrder(limitOrder("b2", models.SideBuy, "102", "3", t0.Add(3*time.Second)))
		var out []key
		for _, tr := range book.Match().Trades {
			out = append(out, key{tr.BidUserID, tr.AskUserID, tr.Price.String(), tr.Quantity.String()})
		}
		return out
	}

	first := run()
	require.NotEmpty(t, first)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run())
	}
	assert.Equal(t, key{"b2", "s2", "100", "2"}, first[0])
}

func TestOrderBook_Sweep(t *testing.T) {
	newBook := func() *OrderBook {
		book := NewOrderBook(symbol, DefaultConfig())
		book.AddOrder(limitOrder("s1", models.SideSell, "100", "6", t0))
		book.AddOrder(limitOrder("s2", models.SideSell, "102", "10", t0.Add(time.Second)))
		return book
	}

	tests := []struct {
		name       string
		taker      *models.Order
		wantTrades int
		wantFilled string
		wantStatus models.OrderStatus
	}{
		{
			name:       "MarketBuyAcrossLevels",
			taker:      marketOrder("b", models.SideBuy, "8"),
			wantTrades: 2,
			wantFilled: "8",
			wantStatus: models.StatusFilled,
		},
		{
			name:       "MarketBuyExhaustsBook",
			taker:      marketOrder("b", models.SideBuy, "20"),
			wantTrades: 2,
			wantFilled: "16",
			wantStatus: models.StatusPartialFilled,
		},
		{
			name:       "LimitTakerStopsAtPrice",
			taker:      limitOrder("b", models.SideBuy, "101", "8", t0.Add(time.Hour)),
			wantTrades: 1,
			wantFilled: "6",
			wantStatus: models.StatusPartialFilled,
		},
		{
			name:       "SellFindsNoBids",
			taker:      marketOrder("x", models.SideSell, "1"),
			wantTrades: 0,
			wantFilled: "0",
			wantStatus: models.StatusOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := newBook()
			pass := book.Sweep(tt.taker)
			assert.Len(t, pass.Trades, tt.wantTrades)

			got, ok := pass.Order(tt.taker.ID)
			if tt.wantTrades == 0 {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.True(t, got.FilledQuantity.Equal(d(tt.wantFilled)), "filled %s", got.FilledQuantity)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.NoError(t, got.CheckQuantities())

			// The taker never rests in the book
			book.Commit(pass)
			_, inBook := book.Order(tt.taker.ID)
			assert.False(t, inBook)
		})
	}
}

func TestOrderBook_FillableAndEstimate(t *testing.T) {
	book := NewOrderBook(symbol, DefaultConfig())
	book.AddOrder(limitOrder("s1", models.SideSell, "100", "10", t0))
	book.AddOrder(limitOrder("s2", models.SideSell, "110", "20", t0))

	assert.True(t, book.Fillable(marketOrder("b", models.SideBuy, "50")).Equal(d("30")))
	assert.True(t, book.Fillable(marketOrder("b", models.SideBuy, "12")).Equal(d("12")))
	assert.True(t, book.Fillable(limitOrder("b", models.SideBuy, "105", "50", t0)).Equal(d("10")))
	assert.True(t, book.Fillable(marketOrder("s1", models.SideBuy, "50")).Equal(d("20")))

	cost, covered := book.EstimateCost(models.SideBuy, d("15"), "b")
	assert.True(t, cost.Equal(d("1550")))
	assert.True(t, covered.Equal(d("15")))

	cost, covered = book.EstimateCost(models.SideBuy, d("15"), "s1")
	assert.True(t, cost.Equal(d("1650")))
	assert.True(t, covered.Equal(d("15")))

	assert.True(t, book.Liquidity(models.SideSell).Equal(d("30")))
	assert.True(t, book.Liquidity(models.SideBuy).IsZero())
}

func TestOrderBook_RemoveOrder(t *testing.T) {
	book := NewOrderBook(symbol, DefaultConfig())
	buy := limitOrder("u", models.SideBuy, "100", "1", t0)
	sell := limitOrder("u", models.SideSell, "101", "1", t0)
	stop := models.NewOrder("u", symbol, models.SideSell, models.OrderTypeStop, models.GTC, d("1"), nil, models.DecimalPtr(d("90")), t0)
	book.AddOrder(buy)
	book.AddOrder(sell)
	book.AddOrder(stop)

	tests := []struct {
		name          string
		order         *models.Order
		expectRemoved bool
	}{
		{name: "RemoveBuyOrder", order: buy, expectRemoved: true},
		{name: "RemoveSellOrder", order: sell, expectRemoved: true},
		{name: "RemoveStopOrder", order: stop, expectRemoved: true},
		{name: "AlreadyRemoved", order: buy, expectRemoved: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectRemoved, book.RemoveOrder(tt.order.ID))
			_, ok := book.Order(tt.order.ID)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, 0, book.Stats().StopOrders)
}

func TestOrderBook_SetLastPrice(t *testing.T) {
	book := NewOrderBook(symbol, DefaultConfig())
	_, ok := book.LastPrice()
	assert.False(t, ok)

	book.SetLastPrice(d("250"))
	last, ok := book.LastPrice()
	require.True(t, ok)
	assert.True(t, last.Equal(d("250")))

	stats := book.Stats()
	require.NotNil(t, stats.LastPrice)
	assert.True(t, stats.LastPrice.Equal(d("250")))
	assert.Equal(t, 0, stats.TradeCount)
	assert.Nil(t, stats.High)
	assert.Nil(t, stats.Low)
}

func TestOrderBook_TriggeredStops(t *testing.T) {
	book := NewOrderBook(symbol, DefaultConfig())
	sellStop := models.NewOrder("u", symbol, models.SideSell, models.OrderTypeStop, models.GTC, d("1"), nil, models.DecimalPtr(d("95")), t0)
	buyStop := models.NewOrder("u", symbol, models.SideBuy, models.OrderTypeStopLimit, models.GTC, d("1"), models.DecimalPtr(d("106")), models.DecimalPtr(d("105")), t0)
	book.AddOrder(sellStop)
	book.AddOrder(buyStop)

	tests := []struct {
		name string
		last string
		want int
	}{
		{name: "BetweenStops", last: "100", want: 0},
		{name: "SellAtStop", last: "95", want: 1},
		{name: "SellBelowStop", last: "90", want: 1},
		{name: "BuyAtStop", last: "105", want: 1},
		{name: "BuyAboveStop", last: "120", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, book.TriggeredStops(d(tt.last)), tt.want)
		})
	}

	// Dormant stops never match
	assert.True(t, book.Match().Empty())
}

func TestExchange_Books(t *testing.T) {
	ex := NewExchange(DefaultConfig())

	b := ex.Book("trend-ai/zar")
	assert.Same(t, b, ex.Book("TREND-AI/ZAR"))
	assert.Equal(t, "TREND-AI/ZAR", b.Symbol())

	_, ok := ex.Lookup("TREND-X/ZAR")
	assert.False(t, ok)

	ex.Book("TREND-B/ZAR")
	assert.Equal(t, []string{"TREND-AI/ZAR", "TREND-B/ZAR"}, ex.Symbols())

	unlock := ex.Lock("TREND-AI/ZAR")
	done := make(chan struct{})
	go func() {
		defer close(done)
		release := ex.Lock("TREND-B/ZAR")
		release()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on one symbol blocked another symbol")
	}
	unlock()

	b.AddOrder(limitOrder("s", models.SideSell, "100", "1", t0))
	b.AddOrder(limitOrder("b", models.SideBuy, "100", "1", t0.Add(time.Second)))
	pass := ex.MatchOrders("TREND-AI/ZAR")
	assert.Len(t, pass.Trades, 1)
}
