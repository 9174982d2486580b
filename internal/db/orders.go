package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/trendex/internal/models"
)

const orderColumns = `id, user_id, symbol, side, type, time_in_force,
	quantity::text, price::text, stop_price::text, filled_quantity::text, remaining_quantity::text,
	average_fill_price::text, commission::text, fee::text, status, reason, fills,
	reserved_amount::text, reserved_currency,
	created_at, updated_at, triggered_at, filled_at, cancelled_at, expires_at, archived_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var qty, filled, remaining, avg, commission, fee, reserved string
	var price, stop *string
	var fills []byte
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.Type, &o.TimeInForce,
		&qty, &price, &stop, &filled, &remaining,
		&avg, &commission, &fee, &o.Status, &o.Reason, &fills,
		&reserved, &o.ReservedCurrency,
		&o.CreatedAt, &o.UpdatedAt, &o.TriggeredAt, &o.FilledAt, &o.CancelledAt, &o.ExpiresAt, &o.ArchivedAt)
	if err != nil {
		return nil, err
	}

	var d decoder
	o.Quantity = d.dec(qty)
	o.Price = d.decPtr(price)
	o.StopPrice = d.decPtr(stop)
	o.FilledQuantity = d.dec(filled)
	o.RemainingQuantity = d.dec(remaining)
	o.AverageFillPrice = d.dec(avg)
	o.Commission = d.dec(commission)
	o.Fee = d.dec(fee)
	o.ReservedAmount = d.dec(reserved)
	if d.err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", o.ID, d.err)
	}
	if len(fills) > 0 {
		if err := json.Unmarshal(fills, &o.Fills); err != nil {
			return nil, fmt.Errorf("failed to decode fills of order %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

func queryOrders(ctx context.Context, q querier, sql string, args ...any) ([]models.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

// ListUserOrders retrieves all orders for a user
func (db *DB) ListUserOrders(ctx context.Context, userID string) ([]models.Order, error) {
	return queryOrders(ctx, db.Pool,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at ASC`, userID)
}

// ListOpenOrders retrieves resting orders in time priority
func (db *DB) ListOpenOrders(ctx context.Context) ([]models.Order, error) {
	return queryOrders(ctx, db.Pool, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('OPEN', 'PARTIAL_FILLED')
		ORDER BY COALESCE(triggered_at, created_at) ASC
	`)
}

// ListOrdersByStatus retrieves unarchived orders in one of statuses
func (db *DB) ListOrdersByStatus(ctx context.Context, statuses []models.OrderStatus, updatedBefore time.Time) ([]models.Order, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return queryOrders(ctx, db.Pool, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = ANY($1::text[]) AND archived_at IS NULL AND updated_at < $2
		ORDER BY updated_at ASC
	`, names, updatedBefore)
}

// ListExpiredOrders retrieves open orders past their expiry
func (db *DB) ListExpiredOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	return queryOrders(ctx, db.Pool, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('OPEN', 'PARTIAL_FILLED') AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
	`, now)
}

func (tx *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(tx.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (tx *pgTx) SaveOrder(ctx context.Context, o *models.Order) error {
	fills := o.Fills
	if fills == nil {
		fills = []models.Fill{}
	}
	data, err := json.Marshal(fills)
	if err != nil {
		return fmt.Errorf("failed to encode fills: %w", err)
	}
	_, err = tx.tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, symbol, side, type, time_in_force,
			quantity, price, stop_price, filled_quantity, remaining_quantity,
			average_fill_price, commission, fee, status, reason, fills,
			reserved_amount, reserved_currency,
			created_at, updated_at, triggered_at, filled_at, cancelled_at, expires_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			time_in_force = EXCLUDED.time_in_force,
			price = EXCLUDED.price,
			filled_quantity = EXCLUDED.filled_quantity,
			remaining_quantity = EXCLUDED.remaining_quantity,
			average_fill_price = EXCLUDED.average_fill_price,
			commission = EXCLUDED.commission,
			fee = EXCLUDED.fee,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			fills = EXCLUDED.fills,
			reserved_amount = EXCLUDED.reserved_amount,
			reserved_currency = EXCLUDED.reserved_currency,
			updated_at = EXCLUDED.updated_at,
			triggered_at = EXCLUDED.triggered_at,
			filled_at = EXCLUDED.filled_at,
			cancelled_at = EXCLUDED.cancelled_at,
			expires_at = EXCLUDED.expires_at,
			archived_at = EXCLUDED.archived_at
	`, o.ID, o.UserID, o.Symbol, o.Side, o.Type, o.TimeInForce,
		o.Quantity.String(), decimalArg(o.Price), decimalArg(o.StopPrice), o.FilledQuantity.String(), o.RemainingQuantity.String(),
		o.AverageFillPrice.String(), o.Commission.String(), o.Fee.String(), o.Status, o.Reason, data,
		o.ReservedAmount.String(), o.ReservedCurrency,
		o.CreatedAt, o.UpdatedAt, o.TriggeredAt, o.FilledAt, o.CancelledAt, o.ExpiresAt, o.ArchivedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

const tradeColumns = `id, symbol, bid_order_id, ask_order_id, bid_user_id, ask_user_id,
	price::text, quantity::text, executed_at`

func queryTrades(ctx context.Context, q querier, sql string, args ...any) ([]models.Trade, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			t          models.Trade
			price, qty string
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.BidOrderID, &t.AskOrderID, &t.BidUserID, &t.AskUserID,
			&price, &qty, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		var d decoder
		t.Price = d.dec(price)
		t.Quantity = d.dec(qty)
		if d.err != nil {
			return nil, fmt.Errorf("failed to decode trade %s: %w", t.ID, d.err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListUserTrades retrieves trades where the user was on either side
func (db *DB) ListUserTrades(ctx context.Context, userID string) ([]models.Trade, error) {
	return queryTrades(ctx, db.Pool, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE bid_user_id = $1 OR ask_user_id = $1
		ORDER BY seq ASC
	`, userID)
}

// ListTrades retrieves the most recent trades of a symbol, newest first
func (db *DB) ListTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		return queryTrades(ctx, db.Pool,
			`SELECT `+tradeColumns+` FROM trades WHERE symbol = $1 ORDER BY seq DESC`, symbol)
	}
	return queryTrades(ctx, db.Pool,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = $1 ORDER BY seq DESC LIMIT $2`, symbol, limit)
}

func (tx *pgTx) InsertTrade(ctx context.Context, t *models.Trade) error {
	_, err := tx.tx.Exec(ctx, `
		INSERT INTO trades (id, symbol, bid_order_id, ask_order_id, bid_user_id, ask_user_id, price, quantity, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.Symbol, t.BidOrderID, t.AskOrderID, t.BidUserID, t.AskUserID,
		t.Price.String(), t.Quantity.String(), t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}
