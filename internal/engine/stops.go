package engine

import (
	"context"
	"fmt"

	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/models"
)

// TriggerStops activates the dormant orders of symbol whose stop price the
// last trade reached. It returns how many were activated.
func (e *Engine) TriggerStops(ctx context.Context, symbol string) (int, error) {
	unlock := e.ex.Lock(symbol)
	defer unlock()

	book, ok := e.ex.Lookup(symbol)
	if !ok {
		return 0, nil
	}
	return e.cascade(ctx, book)
}

func (e *Engine) triggerStops(ctx context.Context, book *exchange.OrderBook) error {
	_, err := e.cascade(ctx, book)
	return err
}

// cascade keeps activating stops while the trades they cause trigger more.
// Each stop leaves the dormant list before it runs, so the loop ends.
func (e *Engine) cascade(ctx context.Context, book *exchange.OrderBook) (int, error) {
	n := 0
	for {
		last, ok := book.LastPrice()
		if !ok {
			return n, nil
		}
		stops := book.TriggeredStops(last)
		if len(stops) == 0 {
			return n, nil
		}
		for _, s := range stops {
			n++
			if err := e.activate(ctx, book, s, last.String()); err != nil {
				return n, err
			}
		}
	}
}

// activate turns a stop into the order it stands for: STOP becomes MARKET and
// STOP_LIMIT becomes LIMIT at its stop price. The trigger time becomes its
// priority time.
func (e *Engine) activate(ctx context.Context, book *exchange.OrderBook, o *models.Order, last string) error {
	book.RemoveOrder(o.ID)

	now := e.now()
	o.TriggeredAt = &now
	o.UpdatedAt = now
	if o.Type == models.OrderTypeStop {
		o.Type = models.OrderTypeMarket
		o.Price = nil
		if o.TimeInForce == models.GTC || o.TimeInForce == models.DAY {
			o.TimeInForce = models.IOC
		}
	} else {
		o.Type = models.OrderTypeLimit
		o.Price = o.StopPrice
	}
	o.StopPrice = nil

	e.metrics.StopsTriggered.WithLabelValues(o.Symbol).Inc()
	e.logger.Infow("stop order triggered", "order", o.ID, "symbol", o.Symbol, "type", o.Type, "last", last)

	if o.Type == models.OrderTypeMarket && o.Side == models.SideBuy {
		if err := e.topUp(ctx, book, o); err != nil {
			e.logger.Warnw("triggered stop cannot be funded", "order", o.ID, "error", err)
			return e.cancelUnfilled(ctx, o, "stop triggered without funds or liquidity: "+err.Error())
		}
	}

	if err := e.save(ctx, o); err != nil {
		return fmt.Errorf("failed to persist triggered order %s: %w", o.ID, err)
	}
	e.publish(ctx, events.OrderTriggered, o.UserID, o.Symbol, o)

	_, err := e.dispatch(ctx, book, o)
	return err
}

// topUp extends the reservation of a triggered BUY MARKET order to the cost of
// sweeping the book as it stands now
func (e *Engine) topUp(ctx context.Context, book *exchange.OrderBook, o *models.Order) error {
	cost, covered := book.EstimateCost(o.Side, o.RemainingQuantity, o.UserID)
	if !covered.IsPositive() {
		return fmt.Errorf("no liquidity")
	}
	need, _ := e.cfg.Reservation(o, cost)
	extra := need.Sub(o.ReservedAmount)
	if !extra.IsPositive() {
		return nil
	}
	_, err := e.ledger.LockFunds(ctx, o.UserID, extra, o.ReservedCurrency, "order "+o.ID.String()+" top-up",
		ledger.WithIdempotencyKey(ledger.TopUpKey(o.ID)),
		ledger.WithReference(o.ID.String(), models.RefOrder),
		ledger.WithMetadata(models.LockMetadata{OrderID: o.ID, Reason: "stop trigger"}),
	)
	if err != nil {
		return err
	}
	o.ReservedAmount = o.ReservedAmount.Add(extra)
	return nil
}

// cancelUnfilled cancels an order that never traded and releases its whole reservation
func (e *Engine) cancelUnfilled(ctx context.Context, o *models.Order, reason string) error {
	if err := e.closeUnfilled(ctx, o, reason); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", o.ID, err)
	}
	e.metrics.OrdersCancelled.WithLabelValues(o.Symbol).Inc()
	e.publish(ctx, events.OrderCancelled, o.UserID, o.Symbol, o)
	return nil
}
