package exchange

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/models"
)

// MatchPass is the outcome of one matching run computed on copies of the
// resting orders. Nothing in the book changes until the pass is committed.
type MatchPass struct {
	Symbol string
	Trades []models.Trade
	// Orders holds the mutated copies in the order they were first touched
	Orders []*models.Order
	// SelfTradesSkipped counts crosses passed over because both sides had the same owner
	SelfTradesSkipped int

	index map[uuid.UUID]*models.Order
}

// Empty reports whether the pass produced no trades
func (p *MatchPass) Empty() bool {
	return len(p.Trades) == 0
}

// Order returns the mutated copy of id, if the pass touched it
func (p *MatchPass) Order(id uuid.UUID) (*models.Order, bool) {
	o, ok := p.index[id]
	return o, ok
}

func (p *MatchPass) track(o *models.Order) *models.Order {
	if c, ok := p.index[o.ID]; ok {
		return c
	}
	c := o.Clone()
	p.index[c.ID] = c
	p.Orders = append(p.Orders, c)
	return c
}

func (b *OrderBook) newPass() *MatchPass {
	return &MatchPass{Symbol: b.symbol, index: make(map[uuid.UUID]*models.Order)}
}

// Match crosses the resting bids and asks until the best bid is below the best ask
func (b *OrderBook) Match() *MatchPass {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pass := b.newPass()
	now := b.now()

	for _, be := range b.bids {
		bid := pass.track(be.order)
		if !b.crossesAny(pass, bid) {
			break
		}
		for _, ae := range b.asks {
			if bid.RemainingQuantity.Sign() <= 0 {
				break
			}
			ask := b.current(pass, ae.order)
			if ask.RemainingQuantity.Sign() <= 0 {
				continue
			}
			if bid.LimitPrice().LessThan(ask.LimitPrice()) {
				break
			}
			if b.selfTrade(bid, ask) {
				pass.SelfTradesSkipped++
				continue
			}
			ask = pass.track(ae.order)
			// the order that rested first sets the price; the ask wins a tie
			price := ask.LimitPrice()
			if be.order.PriorityTime().Before(ae.order.PriorityTime()) {
				price = bid.LimitPrice()
			}
			b.fill(pass, bid, ask, price, now)
		}
	}
	pass.prune()
	return pass
}

// Sweep executes an incoming order that does not rest in the book against the
// opposite side. A taker with a price only crosses levels at or better than it.
func (b *OrderBook) Sweep(taker *models.Order) *MatchPass {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pass := b.newPass()
	now := b.now()
	t := pass.track(taker)

	for _, e := range b.opposite(taker.Side) {
		if t.RemainingQuantity.Sign() <= 0 {
			break
		}
		maker := pass.track(e.order)
		if !b.takerCrosses(t, maker) {
			break
		}
		if b.selfTrade(t, maker) {
			pass.SelfTradesSkipped++
			continue
		}
		if t.Side == models.SideBuy {
			b.fill(pass, t, maker, maker.LimitPrice(), now)
		} else {
			b.fill(pass, maker, t, maker.LimitPrice(), now)
		}
	}
	pass.prune()
	return pass
}

// Fillable returns how much of taker's remaining quantity the book could fill right now
func (b *OrderBook) Fillable(taker *models.Order) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	filled := decimal.Zero
	need := taker.RemainingQuantity
	for _, e := range b.opposite(taker.Side) {
		if filled.GreaterThanOrEqual(need) {
			break
		}
		if !b.takerCrosses(taker, e.order) {
			break
		}
		if b.selfTrade(taker, e.order) {
			continue
		}
		filled = filled.Add(decimal.Min(e.order.RemainingQuantity, need.Sub(filled)))
	}
	return filled
}

// EstimateCost walks the side opposite to side for qty and returns the notional
// cost and the quantity it could cover. Orders owned by userID are ignored under
// the skip policy.
func (b *OrderBook) EstimateCost(side models.Side, qty decimal.Decimal, userID string) (cost, covered decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cost, covered = decimal.Zero, decimal.Zero
	for _, e := range b.opposite(side) {
		if covered.GreaterThanOrEqual(qty) {
			break
		}
		if b.cfg.SelfTrade == SelfTradeSkip && e.order.UserID == userID {
			continue
		}
		q := decimal.Min(e.order.RemainingQuantity, qty.Sub(covered))
		cost = cost.Add(q.Mul(e.order.LimitPrice()))
		covered = covered.Add(q)
	}
	return cost, covered
}

// Liquidity returns the resting quantity on side
func (b *OrderBook) Liquidity(side models.Side) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.asks
	if side == models.SideBuy {
		list = b.bids
	}
	total := decimal.Zero
	for _, e := range list {
		total = total.Add(e.order.RemainingQuantity)
	}
	return total
}

// TriggeredStops returns copies of the dormant orders whose stop condition holds at last.
// SELL stops trigger when last <= stop, BUY stops when last >= stop.
func (b *OrderBook) TriggeredStops(last decimal.Decimal) []*models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*models.Order
	for _, e := range b.stops {
		if e.order.StopPrice == nil {
			continue
		}
		stop := *e.order.StopPrice
		if (e.order.Side == models.SideSell && last.LessThanOrEqual(stop)) ||
			(e.order.Side == models.SideBuy && last.GreaterThanOrEqual(stop)) {
			out = append(out, e.order.Clone())
		}
	}
	return out
}

// Commit applies a persisted pass: filled orders leave the book, partially
// filled ones are updated in place and keep their queue position.
func (b *OrderBook) Commit(pass *MatchPass) {
	if pass == nil || pass.Empty() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range pass.Orders {
		if o.Status.IsTerminal() || o.RemainingQuantity.Sign() <= 0 {
			b.remove(o.ID)
			continue
		}
		replace(b.bids, o)
		replace(b.asks, o)
	}

	for _, t := range pass.Trades {
		if b.tradeCount == 0 || t.Price.GreaterThan(b.high) {
			b.high = t.Price
		}
		if b.tradeCount == 0 || t.Price.LessThan(b.low) {
			b.low = t.Price
		}
		b.lastPrice = t.Price
		b.hasPrice = true
		b.volume = b.volume.Add(t.Quantity)
		b.tradeCount++
	}
}

func replace(list []entry, o *models.Order) {
	for i := range list {
		if list[i].order.ID == o.ID {
			list[i].order = o.Clone()
			return
		}
	}
}

func (b *OrderBook) fill(pass *MatchPass, bid, ask *models.Order, price decimal.Decimal, now time.Time) {
	qty := decimal.Min(bid.RemainingQuantity, ask.RemainingQuantity)
	notional := qty.Mul(price)
	commission := notional.Mul(b.cfg.CommissionRate).Truncate(models.AmountScale)
	fee := notional.Mul(b.cfg.FeeRate).Truncate(models.AmountScale)

	trade := models.Trade{
		ID:         uuid.New(),
		Symbol:     b.symbol,
		BidOrderID: bid.ID,
		AskOrderID: ask.ID,
		BidUserID:  bid.UserID,
		AskUserID:  ask.UserID,
		Price:      price,
		Quantity:   qty,
		ExecutedAt: now,
	}
	f := models.Fill{TradeID: trade.ID, Quantity: qty, Price: price, Commission: commission, Fee: fee, Timestamp: now}
	bid.ApplyFill(f)
	ask.ApplyFill(f)
	pass.Trades = append(pass.Trades, trade)
}

// current returns the pass copy of o if it was already touched, else o itself
func (b *OrderBook) current(pass *MatchPass, o *models.Order) *models.Order {
	if c, ok := pass.index[o.ID]; ok {
		return c
	}
	return o
}

// crossesAny reports whether some unfilled ask is priced at or below bid
func (b *OrderBook) crossesAny(pass *MatchPass, bid *models.Order) bool {
	for _, ae := range b.asks {
		ask := b.current(pass, ae.order)
		if ask.RemainingQuantity.Sign() <= 0 {
			continue
		}
		return bid.LimitPrice().GreaterThanOrEqual(ask.LimitPrice())
	}
	return false
}

func (b *OrderBook) takerCrosses(taker, maker *models.Order) bool {
	if taker.Price == nil {
		return true
	}
	if taker.Side == models.SideBuy {
		return taker.Price.GreaterThanOrEqual(maker.LimitPrice())
	}
	return taker.Price.LessThanOrEqual(maker.LimitPrice())
}

func (b *OrderBook) selfTrade(x, y *models.Order) bool {
	return b.cfg.SelfTrade == SelfTradeSkip && x.UserID == y.UserID
}

func (b *OrderBook) opposite(side models.Side) []entry {
	if side == models.SideBuy {
		return b.asks
	}
	return b.bids
}

// prune drops copies that were touched but never traded
func (p *MatchPass) prune() {
	traded := make(map[uuid.UUID]bool, 2*len(p.Trades))
	for _, t := range p.Trades {
		traded[t.BidOrderID] = true
		traded[t.AskOrderID] = true
	}
	kept := p.Orders[:0]
	for _, o := range p.Orders {
		if traded[o.ID] {
			kept = append(kept, o)
			continue
		}
		delete(p.index, o.ID)
	}
	p.Orders = kept
}
