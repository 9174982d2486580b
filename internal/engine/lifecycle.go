package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
)

// CancelOrder cancels an open order of userID and releases the funds held for
// its unfilled part. Orders of other users are reported as not found.
func (e *Engine) CancelOrder(ctx context.Context, orderID uuid.UUID, userID, reason string) (*models.Order, error) {
	snap, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if snap.UserID != userID {
		return nil, exception.NotFound("order", orderID)
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	return e.close(ctx, snap.Symbol, orderID, models.StatusCancelled, reason)
}

// ExpireOrder closes an open order whose time in force ran out
func (e *Engine) ExpireOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	snap, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return e.close(ctx, snap.Symbol, orderID, models.StatusExpired, "expired")
}

func (e *Engine) close(ctx context.Context, symbol string, id uuid.UUID, status models.OrderStatus, reason string) (*models.Order, error) {
	unlock := e.ex.Lock(symbol)
	defer unlock()

	// the release, the closed order and its settlement row commit together;
	// the book only changes after that commit
	var (
		o         *models.Order
		release   decimal.Decimal
		published func()
	)
	now := e.now()
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		// re-read under the row lock; a pass may have filled the order meanwhile
		o, err = tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if !o.Status.IsOpen() {
			return exception.Conflict("order %s is %s", id, o.Status)
		}

		release = o.ReservedAmount
		if len(o.Fills) > 0 && o.Quantity.IsPositive() {
			release = o.ReservedAmount.Mul(o.RemainingQuantity).Div(o.Quantity).Truncate(models.AmountScale)
		}
		if release.IsPositive() {
			_, published, err = e.ledger.PostTx(ctx, tx, ledger.SpotKey(o.UserID, o.ReservedCurrency), ledger.CancelKey(o.ID), ledger.Posting{
				Type:          models.TxUnlock,
				Amount:        release,
				Description:   fmt.Sprintf("order %s %s", o.ID, status),
				ReferenceID:   o.ID.String(),
				ReferenceType: models.RefOrder,
				Metadata:      models.LockMetadata{OrderID: o.ID, Reason: reason},
			})
			if err != nil {
				return fmt.Errorf("failed to release funds of order %s: %w", o.ID, err)
			}
			o.ReservedAmount = o.ReservedAmount.Sub(release)
		}

		o.Status = status
		o.Reason = reason
		o.UpdatedAt = now
		if status == models.StatusCancelled {
			o.CancelledAt = &now
		}
		if err := tx.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("failed to persist %s order %s: %w", status, o.ID, err)
		}
		if len(o.Fills) == 0 {
			return nil
		}
		// a closed order with fills still owes settlement the release of its leftover
		return tx.SaveSettlement(ctx, &models.Settlement{OrderID: o.ID, Status: models.SettlementPending, UpdatedAt: now})
	})
	if err != nil {
		return nil, err
	}
	if published != nil {
		published()
	}
	if b, ok := e.ex.Lookup(symbol); ok {
		b.RemoveOrder(o.ID)
	}

	if status == models.StatusExpired {
		e.metrics.OrdersExpired.Inc()
		e.publish(ctx, events.OrderExpired, o.UserID, o.Symbol, o)
	} else {
		e.metrics.OrdersCancelled.WithLabelValues(o.Symbol).Inc()
		e.publish(ctx, events.OrderCancelled, o.UserID, o.Symbol, o)
	}
	e.logger.Infow("order closed", "order", o.ID, "status", status, "released", release, "reason", reason)

	if len(o.Fills) > 0 && e.settler != nil {
		e.settler.Enqueue(ctx, o.ID)
	}
	return o, nil
}

// LoadBooks rebuilds every book from the open orders in the store and
// restores each symbol's last traded price.
func (e *Engine) LoadBooks(ctx context.Context) (int, error) {
	orders, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load open orders: %w", err)
	}
	for i := range orders {
		e.ex.Book(orders[i].Symbol).AddOrder(&orders[i])
	}
	for _, symbol := range e.ex.Symbols() {
		trades, err := e.store.ListTrades(ctx, symbol, 1)
		if err != nil {
			return len(orders), fmt.Errorf("failed to load last trade of %s: %w", symbol, err)
		}
		if len(trades) > 0 {
			e.ex.Book(symbol).SetLastPrice(trades[0].Price)
		}
	}
	e.logger.Infow("order books loaded", "orders", len(orders), "symbols", len(e.ex.Symbols()))
	return len(orders), nil
}

// RecoverPending rejects orders stuck in PENDING for longer than olderThan,
// which happens when the process died between persisting and opening an
// order. A lock taken for such an order is released.
func (e *Engine) RecoverPending(ctx context.Context, olderThan time.Duration) (int, error) {
	orders, err := e.store.ListOrdersByStatus(ctx, []models.OrderStatus{models.StatusPending}, e.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to list pending orders: %w", err)
	}
	n := 0
	for i := range orders {
		ok, err := e.recoverOrder(ctx, orders[i].Symbol, orders[i].ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (e *Engine) recoverOrder(ctx context.Context, symbol string, id uuid.UUID) (bool, error) {
	unlock := e.ex.Lock(symbol)
	defer unlock()

	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	if o.Status != models.StatusPending {
		return false, nil
	}

	lock, err := e.store.GetTransactionByKey(ctx, ledger.OrderLockKey(id))
	switch {
	case err == nil && lock.Status == models.TxCompleted:
		o.ReservedAmount = lock.Amount
		o.ReservedCurrency = lock.Currency
		if err := e.releaseAll(ctx, o, ledger.ReleaseKey(id)); err != nil {
			return false, err
		}
	case err != nil && !errors.Is(err, exception.ErrNotFound):
		return false, fmt.Errorf("failed to look up lock of order %s: %w", id, err)
	}

	o.Status = models.StatusRejected
	o.Reason = "placement was interrupted"
	o.UpdatedAt = e.now()
	if err := e.save(ctx, o); err != nil {
		return false, fmt.Errorf("failed to reject pending order %s: %w", id, err)
	}
	e.metrics.OrdersRejected.WithLabelValues(o.Symbol, "recovered").Inc()
	e.publish(ctx, events.OrderRejected, o.UserID, o.Symbol, o)
	e.logger.Warnw("recovered pending order", "order", id, "symbol", symbol)
	return true, nil
}

// Order returns an order of userID
func (e *Engine) Order(ctx context.Context, id uuid.UUID, userID string) (*models.Order, error) {
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, exception.NotFound("order", id)
	}
	return o, nil
}

// Orders lists the orders of userID
func (e *Engine) Orders(ctx context.Context, userID string) ([]models.Order, error) {
	return e.store.ListUserOrders(ctx, userID)
}

// Trades lists the trades userID took part in
func (e *Engine) Trades(ctx context.Context, userID string) ([]models.Trade, error) {
	return e.store.ListUserTrades(ctx, userID)
}

// Depth returns the aggregated book of symbol
func (e *Engine) Depth(symbol string, levels int) exchange.Depth {
	b, ok := e.ex.Lookup(symbol)
	if !ok {
		return exchange.Depth{Symbol: symbol, Bids: []exchange.Level{}, Asks: []exchange.Level{}}
	}
	return b.Depth(levels)
}

// Stats returns the market summary of symbol
func (e *Engine) Stats(symbol string) exchange.Stats {
	b, ok := e.ex.Lookup(symbol)
	if !ok {
		return exchange.Stats{Symbol: symbol, Volume: decimal.Zero}
	}
	return b.Stats()
}
