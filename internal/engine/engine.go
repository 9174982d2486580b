// Package engine drives the order lifecycle: it persists, validates and funds
// incoming orders, runs them through the symbol's book and hands filled orders
// to settlement.
//
// Every operation on a symbol runs under that symbol's execution lock. A
// matching pass is persisted in one store transaction before the book applies
// it, so a failed write leaves the book as it was.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/logging"
	"github.com/xtrntr/trendex/internal/metrics"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
	"github.com/xtrntr/trendex/internal/validation"
	"go.uber.org/zap"
)

// Settler accepts orders whose fills need settling
type Settler interface {
	Enqueue(ctx context.Context, orderIDs ...uuid.UUID)
}

// Deps are the collaborators of an Engine
type Deps struct {
	Store     store.Store
	Exchange  *exchange.Exchange
	Ledger    *ledger.Ledger
	Validator *validation.Validator
	Settler   Settler
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
}

// Engine is the matching engine
type Engine struct {
	store     store.Store
	ex        *exchange.Exchange
	ledger    *ledger.Ledger
	validator *validation.Validator
	cfg       validation.Config
	settler   Settler
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// New creates an engine
func New(d Deps) *Engine {
	e := &Engine{
		store:     d.Store,
		ex:        d.Exchange,
		ledger:    d.Ledger,
		validator: d.Validator,
		cfg:       d.Validator.Config(),
		settler:   d.Settler,
		events:    d.Events,
		metrics:   metrics.OrNop(d.Metrics),
		logger:    logging.OrNop(d.Logger).Named("engine"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	return e
}

// SetSettler attaches the settlement pipeline after construction
func (e *Engine) SetSettler(s Settler) {
	e.settler = s
}

// PlaceResult is the outcome of ExecuteOrder. A rejection is a result, not an error.
type PlaceResult struct {
	Order    *models.Order  `json:"order"`
	Trades   []models.Trade `json:"trades"`
	Accepted bool           `json:"accepted"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// ExecuteOrder places o. The returned error is reserved for persistence
// failures; policy and funding failures come back as a REJECTED order.
func (e *Engine) ExecuteOrder(ctx context.Context, o *models.Order) (*PlaceResult, error) {
	e.prepare(o)

	unlock := e.ex.Lock(o.Symbol)
	defer unlock()

	if err := e.save(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to persist order %s: %w", o.ID, err)
	}

	res := &PlaceResult{Order: o, Trades: []models.Trade{}}
	check, err := e.validator.Validate(ctx, o)
	if err != nil {
		e.logger.Warnw("order validation unavailable", "order", o.ID, "error", err)
		return e.reject(ctx, res, "unavailable", err.Error())
	}
	res.Warnings = check.Warnings
	if !check.IsValid {
		res.Errors = check.Errors
		return e.reject(ctx, res, "validation", check.Reason())
	}

	book := e.ex.Book(o.Symbol)
	if err := e.reserve(ctx, book, o); err != nil {
		return e.reject(ctx, res, "funds", err.Error())
	}

	if o.TimeInForce == models.FOK && !o.Type.IsStop() && book.Fillable(o).LessThan(o.RemainingQuantity) {
		if err := e.releaseAll(ctx, o, ledger.ReleaseKey(o.ID)); err != nil {
			return nil, err
		}
		return e.reject(ctx, res, "fok", "FOK order cannot be filled in full")
	}

	o.Status = models.StatusOpen
	o.UpdatedAt = e.now()
	if err := e.save(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to open order %s: %w", o.ID, err)
	}
	res.Accepted = true
	e.metrics.OrdersPlaced.WithLabelValues(o.Symbol, string(o.Side), string(o.Type)).Inc()
	e.publish(ctx, events.OrderPlaced, o.UserID, o.Symbol, o)
	e.logger.Infow("order placed",
		"order", o.ID,
		"user", o.UserID,
		"symbol", o.Symbol,
		"side", o.Side,
		"type", o.Type,
		"quantity", o.Quantity,
		"reserved", o.ReservedAmount,
	)

	pass, err := e.dispatch(ctx, book, o)
	if pass != nil {
		res.Trades = append(res.Trades, pass.Trades...)
	}
	if err != nil {
		return res, err
	}
	if err := e.triggerStops(ctx, book); err != nil {
		e.logger.Errorw("stop cascade failed", "symbol", o.Symbol, "error", err)
	}
	return res, nil
}

func (e *Engine) prepare(o *models.Order) {
	now := e.now()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	o.Status = models.StatusPending
	o.FilledQuantity = decimal.Zero
	o.RemainingQuantity = o.Quantity
	o.UpdatedAt = now

	if o.TimeInForce == "" {
		o.TimeInForce = models.GTC
	}
	// a market order never rests
	if o.Type == models.OrderTypeMarket && (o.TimeInForce == models.GTC || o.TimeInForce == models.DAY) {
		o.TimeInForce = models.IOC
	}
	if o.TimeInForce == models.DAY && o.ExpiresAt == nil {
		y, m, d := now.Date()
		eod := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
		o.ExpiresAt = &eod
	}
}

// reserve locks the funds o needs and records them on the order
func (e *Engine) reserve(ctx context.Context, book *exchange.OrderBook, o *models.Order) error {
	marketCost := decimal.Zero
	if o.Type == models.OrderTypeMarket && o.Side == models.SideBuy {
		marketCost, _ = book.EstimateCost(o.Side, o.RemainingQuantity, o.UserID)
	}
	amount, currency := e.cfg.Reservation(o, marketCost)
	if !amount.IsPositive() {
		return fmt.Errorf("nothing to reserve for %s %s", o.Side, o.Symbol)
	}
	_, err := e.ledger.LockFunds(ctx, o.UserID, amount, currency, "order "+o.ID.String(),
		ledger.WithIdempotencyKey(ledger.OrderLockKey(o.ID)),
		ledger.WithReference(o.ID.String(), models.RefOrder),
		ledger.WithMetadata(models.LockMetadata{OrderID: o.ID, Reason: "order placement"}),
	)
	if err != nil {
		return err
	}
	o.ReservedAmount = amount
	o.ReservedCurrency = currency
	return nil
}

// releaseAll unlocks everything the order still holds. Only valid for orders without fills.
func (e *Engine) releaseAll(ctx context.Context, o *models.Order, key string) error {
	if !o.ReservedAmount.IsPositive() {
		return nil
	}
	_, err := e.ledger.UnlockFunds(ctx, o.UserID, o.ReservedAmount, o.ReservedCurrency, "order "+o.ID.String()+" released",
		ledger.WithIdempotencyKey(key),
		ledger.WithReference(o.ID.String(), models.RefOrder),
		ledger.WithMetadata(models.LockMetadata{OrderID: o.ID, Reason: "order released"}),
	)
	if err != nil {
		return fmt.Errorf("failed to release funds of order %s: %w", o.ID, err)
	}
	o.ReservedAmount = decimal.Zero
	return nil
}

func (e *Engine) reject(ctx context.Context, res *PlaceResult, label, reason string) (*PlaceResult, error) {
	o := res.Order
	o.Status = models.StatusRejected
	o.Reason = reason
	o.UpdatedAt = e.now()
	if len(res.Errors) == 0 {
		res.Errors = []string{reason}
	}
	res.Accepted = false

	e.metrics.OrdersRejected.WithLabelValues(o.Symbol, label).Inc()
	e.logger.Infow("order rejected", "order", o.ID, "user", o.UserID, "symbol", o.Symbol, "reason", reason)
	if err := e.save(ctx, o); err != nil {
		return res, fmt.Errorf("failed to persist rejected order %s: %w", o.ID, err)
	}
	e.publish(ctx, events.OrderRejected, o.UserID, o.Symbol, o)
	return res, nil
}

// dispatch routes an OPEN order: stops go dormant, takers sweep, limits rest and match
func (e *Engine) dispatch(ctx context.Context, book *exchange.OrderBook, o *models.Order) (*exchange.MatchPass, error) {
	switch {
	case o.Type.IsStop():
		book.AddOrder(o)
		return nil, nil
	case o.Type == models.OrderTypeMarket || o.TimeInForce == models.IOC || o.TimeInForce == models.FOK:
		return e.sweep(ctx, book, o)
	default:
		book.AddOrder(o)
		pass, err := e.match(ctx, book)
		if err != nil {
			return nil, err
		}
		if c, ok := pass.Order(o.ID); ok {
			*o = *c.Clone()
		}
		return pass, nil
	}
}

// sweep runs an order that never rests. Whatever it cannot fill is cancelled.
func (e *Engine) sweep(ctx context.Context, book *exchange.OrderBook, o *models.Order) (*exchange.MatchPass, error) {
	start := time.Now()
	var pass *exchange.MatchPass
	if o.TimeInForce == models.FOK && book.Fillable(o).LessThan(o.RemainingQuantity) {
		pass = &exchange.MatchPass{Symbol: book.Symbol()}
	} else {
		pass = book.Sweep(o)
	}

	taker, traded := pass.Order(o.ID)
	if !traded {
		taker = o.Clone()
	}
	var extra []*models.Order
	if taker.RemainingQuantity.IsPositive() {
		now := e.now()
		taker.Status = models.StatusCancelled
		taker.Reason = fmt.Sprintf("%s remainder cancelled", taker.TimeInForce)
		taker.CancelledAt = &now
		taker.UpdatedAt = now
	}
	if !traded {
		if err := e.releaseAll(ctx, taker, ledger.ReleaseKey(taker.ID)); err != nil {
			return nil, err
		}
		extra = append(extra, taker)
	}

	if err := e.persist(ctx, pass, extra...); err != nil {
		e.abandon(ctx, o, err)
		return nil, err
	}
	e.metrics.MatchDuration.WithLabelValues(book.Symbol()).Observe(time.Since(start).Seconds())
	book.Commit(pass)
	*o = *taker.Clone()

	e.afterPass(ctx, pass)
	if o.Status == models.StatusCancelled {
		e.metrics.OrdersCancelled.WithLabelValues(o.Symbol).Inc()
		e.publish(ctx, events.OrderCancelled, o.UserID, o.Symbol, o)
	}
	return pass, nil
}

// abandon cancels a taker whose pass could not be persisted
func (e *Engine) abandon(ctx context.Context, o *models.Order, cause error) {
	e.logger.Errorw("failed to persist matching pass", "order", o.ID, "symbol", o.Symbol, "error", cause)
	if err := e.closeUnfilled(ctx, o, "matching could not be persisted"); err != nil {
		e.logger.Errorw("failed to cancel abandoned order", "order", o.ID, "error", err)
	}
}

// closeUnfilled cancels an order that never traded. The release of its whole
// reservation and the CANCELLED order commit in one store transaction.
func (e *Engine) closeUnfilled(ctx context.Context, o *models.Order, reason string) error {
	c := o.Clone()
	release := c.ReservedAmount
	now := e.now()
	c.Status = models.StatusCancelled
	c.Reason = reason
	c.CancelledAt = &now
	c.UpdatedAt = now
	c.ReservedAmount = decimal.Zero

	var published func()
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockOrder(ctx, c.ID); err != nil {
			return err
		}
		if release.IsPositive() {
			var err error
			_, published, err = e.ledger.PostTx(ctx, tx, ledger.SpotKey(c.UserID, c.ReservedCurrency), ledger.ReleaseKey(c.ID), ledger.Posting{
				Type:          models.TxUnlock,
				Amount:        release,
				Description:   "order " + c.ID.String() + " released",
				ReferenceID:   c.ID.String(),
				ReferenceType: models.RefOrder,
				Metadata:      models.LockMetadata{OrderID: c.ID, Reason: reason},
			})
			if err != nil {
				return fmt.Errorf("failed to release funds of order %s: %w", c.ID, err)
			}
		}
		return tx.SaveOrder(ctx, c)
	})
	if err != nil {
		return err
	}
	if published != nil {
		published()
	}
	*o = *c
	return nil
}

// match runs a pass over the resting orders of book
func (e *Engine) match(ctx context.Context, book *exchange.OrderBook) (*exchange.MatchPass, error) {
	start := time.Now()
	pass := book.Match()
	if pass.Empty() {
		return pass, nil
	}
	if err := e.persist(ctx, pass); err != nil {
		e.logger.Errorw("failed to persist matching pass", "symbol", book.Symbol(), "trades", len(pass.Trades), "error", err)
		return nil, err
	}
	e.metrics.MatchDuration.WithLabelValues(book.Symbol()).Observe(time.Since(start).Seconds())
	book.Commit(pass)
	e.afterPass(ctx, pass)
	return pass, nil
}

// MatchOrders runs a matching pass on symbol and returns its trades
func (e *Engine) MatchOrders(ctx context.Context, symbol string) ([]models.Trade, error) {
	unlock := e.ex.Lock(symbol)
	defer unlock()

	book := e.ex.Book(symbol)
	pass, err := e.match(ctx, book)
	if err != nil {
		return nil, err
	}
	if err := e.triggerStops(ctx, book); err != nil {
		e.logger.Errorw("stop cascade failed", "symbol", symbol, "error", err)
	}
	return pass.Trades, nil
}

// persist writes every order and trade of a pass, plus extra orders, in one unit.
// Orders that traded get a PENDING settlement row in the same unit.
func (e *Engine) persist(ctx context.Context, pass *exchange.MatchPass, extra ...*models.Order) error {
	now := e.now()
	return e.store.WithTx(ctx, func(tx store.Tx) error {
		for _, o := range pass.Orders {
			// settlement checks the fill count under this lock before completing
			if _, err := tx.LockOrder(ctx, o.ID); err != nil {
				return fmt.Errorf("failed to lock order %s: %w", o.ID, err)
			}
			if err := tx.SaveOrder(ctx, o); err != nil {
				return fmt.Errorf("failed to save order %s: %w", o.ID, err)
			}
			s := &models.Settlement{OrderID: o.ID, Status: models.SettlementPending, UpdatedAt: now}
			if err := tx.SaveSettlement(ctx, s); err != nil {
				return fmt.Errorf("failed to save settlement of %s: %w", o.ID, err)
			}
		}
		for _, o := range extra {
			if err := tx.SaveOrder(ctx, o); err != nil {
				return fmt.Errorf("failed to save order %s: %w", o.ID, err)
			}
		}
		for i := range pass.Trades {
			if err := tx.InsertTrade(ctx, &pass.Trades[i]); err != nil {
				return fmt.Errorf("failed to insert trade %s: %w", pass.Trades[i].ID, err)
			}
		}
		return nil
	})
}

// afterPass reports a committed pass and hands its orders to settlement
func (e *Engine) afterPass(ctx context.Context, pass *exchange.MatchPass) {
	if pass.SelfTradesSkipped > 0 {
		e.metrics.SelfTradesSkipped.WithLabelValues(pass.Symbol).Add(float64(pass.SelfTradesSkipped))
	}
	if pass.Empty() {
		return
	}
	e.metrics.Trades.WithLabelValues(pass.Symbol).Add(float64(len(pass.Trades)))
	for _, t := range pass.Trades {
		e.metrics.TradeVolume.WithLabelValues(pass.Symbol).Add(t.Quantity.InexactFloat64())
		e.publish(ctx, events.OrderMatched, "", t.Symbol, t)
	}

	ids := make([]uuid.UUID, 0, len(pass.Orders))
	for _, o := range pass.Orders {
		ids = append(ids, o.ID)
		if o.Status == models.StatusFilled {
			e.publish(ctx, events.OrderFilled, o.UserID, o.Symbol, o)
		}
	}
	e.logger.Infow("matching pass committed", "symbol", pass.Symbol, "trades", len(pass.Trades), "orders", len(ids))
	if e.settler != nil {
		e.settler.Enqueue(ctx, ids...)
	}
}

func (e *Engine) save(ctx context.Context, o *models.Order) error {
	return e.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SaveOrder(ctx, o)
	})
}

func (e *Engine) publish(ctx context.Context, typ events.Type, userID, symbol string, payload any) {
	ev, err := events.New(typ, userID, symbol, payload)
	if err != nil {
		e.logger.Warnw("failed to build event", "type", typ, "error", err)
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warnw("failed to publish event", "type", typ, "error", err)
	}
}
