package exchange

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/models"
)

// SelfTradePolicy decides what happens when both sides of a cross belong to one user
type SelfTradePolicy string

const (
	// SelfTradeSkip passes over the user's own resting order and keeps matching
	SelfTradeSkip  SelfTradePolicy = "skip"
	SelfTradeAllow SelfTradePolicy = "allow"
)

// Config holds the fee schedule and policies shared by every book
type Config struct {
	CommissionRate decimal.Decimal
	FeeRate        decimal.Decimal
	SelfTrade      SelfTradePolicy
}

// DefaultConfig charges 0.1% commission and 0.01% fee and skips self trades
func DefaultConfig() Config {
	return Config{
		CommissionRate: decimal.RequireFromString("0.001"),
		FeeRate:        decimal.RequireFromString("0.0001"),
		SelfTrade:      SelfTradeSkip,
	}
}

type entry struct {
	order *models.Order
	seq   uint64
}

// OrderBook keeps the resting orders of one symbol in price-time priority
type OrderBook struct {
	mu     sync.RWMutex
	symbol string
	cfg    Config
	now    func() time.Time

	bids  []entry // price desc, time asc
	asks  []entry // price asc, time asc
	stops []entry // dormant until triggered
	seq   uint64

	lastPrice  decimal.Decimal
	hasPrice   bool
	high       decimal.Decimal
	low        decimal.Decimal
	volume     decimal.Decimal
	tradeCount int
}

// NewOrderBook creates an empty book for symbol
func NewOrderBook(symbol string, cfg Config) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Symbol returns the instrument the book trades
func (b *OrderBook) Symbol() string {
	return b.symbol
}

// AddOrder inserts an open order, or parks a stop order until it triggers
func (b *OrderBook) AddOrder(order *models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e := entry{order: order.Clone(), seq: b.seq}

	switch {
	case order.Type.IsStop():
		b.stops = append(b.stops, e)
	case order.Side == models.SideBuy:
		b.bids = insert(b.bids, e, bidBefore)
	default:
		b.asks = insert(b.asks, e, askBefore)
	}
}

// RemoveOrder drops the order from every list it is on and reports whether it was present
func (b *OrderBook) RemoveOrder(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(id)
}

func (b *OrderBook) remove(id uuid.UUID) bool {
	var found bool
	b.bids, found = without(b.bids, id)
	if found {
		return true
	}
	b.asks, found = without(b.asks, id)
	if found {
		return true
	}
	b.stops, found = without(b.stops, id)
	return found
}

// Order returns a copy of a resting or dormant order
func (b *OrderBook) Order(id uuid.UUID) (*models.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, list := range [][]entry{b.bids, b.asks, b.stops} {
		for _, e := range list {
			if e.order.ID == id {
				return e.order.Clone(), true
			}
		}
	}
	return nil, false
}

// LastPrice returns the price of the most recent committed trade
func (b *OrderBook) LastPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice, b.hasPrice
}

// SetLastPrice seeds the last traded price, e.g. from persisted trades on startup.
// Session statistics only count trades matched by this book.
func (b *OrderBook) SetLastPrice(price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPrice = price
	b.hasPrice = true
}

func insert(list []entry, e entry, before func(a, b entry) bool) []entry {
	i := sort.Search(len(list), func(i int) bool { return before(e, list[i]) })
	list = append(list, entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func without(list []entry, id uuid.UUID) ([]entry, bool) {
	for i, e := range list {
		if e.order.ID == id {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}

// bidBefore orders bids by highest price, then earliest time, then insertion
func bidBefore(a, b entry) bool {
	pa, pb := a.order.LimitPrice(), b.order.LimitPrice()
	if !pa.Equal(pb) {
		return pa.GreaterThan(pb)
	}
	return earlier(a, b)
}

// askBefore orders asks by lowest price, then earliest time, then insertion
func askBefore(a, b entry) bool {
	pa, pb := a.order.LimitPrice(), b.order.LimitPrice()
	if !pa.Equal(pb) {
		return pa.LessThan(pb)
	}
	return earlier(a, b)
}

func earlier(a, b entry) bool {
	ta, tb := a.order.PriorityTime(), b.order.PriorityTime()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.seq < b.seq
}
