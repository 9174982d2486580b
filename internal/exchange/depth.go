package exchange

import (
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/models"
)

// Level is the aggregated resting quantity at one price
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a snapshot of the top price levels of a book
type Depth struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Stats summarizes a book and its committed trades
type Stats struct {
	Symbol     string           `json:"symbol"`
	BestBid    *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk    *decimal.Decimal `json:"best_ask,omitempty"`
	Spread     *decimal.Decimal `json:"spread,omitempty"`
	LastPrice  *decimal.Decimal `json:"last_price,omitempty"`
	High       *decimal.Decimal `json:"high,omitempty"`
	Low        *decimal.Decimal `json:"low,omitempty"`
	BidDepth   decimal.Decimal  `json:"bid_depth"`
	AskDepth   decimal.Decimal  `json:"ask_depth"`
	BidOrders  int              `json:"bid_orders"`
	AskOrders  int              `json:"ask_orders"`
	StopOrders int              `json:"stop_orders"`
	Volume     decimal.Decimal  `json:"volume"`
	TradeCount int              `json:"trade_count"`
}

// Depth aggregates up to levels price levels per side; levels <= 0 returns every level
func (b *OrderBook) Depth(levels int) Depth {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Depth{
		Symbol: b.symbol,
		Bids:   aggregate(b.bids, levels),
		Asks:   aggregate(b.asks, levels),
	}
}

func aggregate(list []entry, levels int) []Level {
	out := []Level{}
	for _, e := range list {
		price := e.order.LimitPrice()
		if n := len(out); n > 0 && out[n-1].Price.Equal(price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(e.order.RemainingQuantity)
			out[n-1].Orders++
			continue
		}
		if levels > 0 && len(out) == levels {
			break
		}
		out = append(out, Level{Price: price, Quantity: e.order.RemainingQuantity, Orders: 1})
	}
	return out
}

// Stats returns the current summary of the book
func (b *OrderBook) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Symbol:     b.symbol,
		BidDepth:   sum(b.bids),
		AskDepth:   sum(b.asks),
		BidOrders:  len(b.bids),
		AskOrders:  len(b.asks),
		StopOrders: len(b.stops),
		Volume:     b.volume,
		TradeCount: b.tradeCount,
	}
	if len(b.bids) > 0 {
		s.BestBid = models.DecimalPtr(b.bids[0].order.LimitPrice())
	}
	if len(b.asks) > 0 {
		s.BestAsk = models.DecimalPtr(b.asks[0].order.LimitPrice())
	}
	if s.BestBid != nil && s.BestAsk != nil {
		s.Spread = models.DecimalPtr(s.BestAsk.Sub(*s.BestBid))
	}
	if b.hasPrice {
		s.LastPrice = models.DecimalPtr(b.lastPrice)
	}
	if b.tradeCount > 0 {
		s.High = models.DecimalPtr(b.high)
		s.Low = models.DecimalPtr(b.low)
	}
	return s
}

func sum(list []entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range list {
		total = total.Add(e.order.RemainingQuantity)
	}
	return total
}
