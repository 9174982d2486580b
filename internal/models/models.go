package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places kept when an amount has to be rounded.
const AmountScale = 8

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the execution style of an order
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether t is a known order type
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// IsStop reports whether the order stays dormant until its stop price triggers
func (t OrderType) IsStop() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// TimeInForce controls what happens to the unfilled part of an order
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
	DAY TimeInForce = "DAY"
)

// Valid reports whether tif is a known time in force
func (tif TimeInForce) Valid() bool {
	switch tif {
	case GTC, IOC, FOK, DAY:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusPending       OrderStatus = "PENDING"
	StatusOpen          OrderStatus = "OPEN"
	StatusPartialFilled OrderStatus = "PARTIAL_FILLED"
	StatusFilled        OrderStatus = "FILLED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusRejected      OrderStatus = "REJECTED"
	StatusExpired       OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further lifecycle transition is allowed
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order can still trade or be cancelled
func (s OrderStatus) IsOpen() bool {
	return s == StatusOpen || s == StatusPartialFilled
}

// Fill is one execution against an order
type Fill struct {
	TradeID    uuid.UUID       `json:"trade_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Fee        decimal.Decimal `json:"fee"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Notional returns quantity * price
func (f Fill) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.Price)
}

// Order represents a buy or sell order
type Order struct {
	ID                uuid.UUID        `json:"id"`
	UserID            string           `json:"user_id"`
	Symbol            string           `json:"symbol"`
	Side              Side             `json:"side"`
	Type              OrderType        `json:"type"`
	TimeInForce       TimeInForce      `json:"time_in_force"`
	Quantity          decimal.Decimal  `json:"quantity"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	StopPrice         *decimal.Decimal `json:"stop_price,omitempty"`
	FilledQuantity    decimal.Decimal  `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity"`
	AverageFillPrice  decimal.Decimal  `json:"average_fill_price"`
	Commission        decimal.Decimal  `json:"commission"`
	Fee               decimal.Decimal  `json:"fee"`
	Status            OrderStatus      `json:"status"`
	Reason            string           `json:"reason,omitempty"`
	Fills             []Fill           `json:"fills"`

	// Funds currently locked in the ledger on behalf of this order
	ReservedAmount   decimal.Decimal `json:"reserved_amount"`
	ReservedCurrency string          `json:"reserved_currency,omitempty"`

	CreatedAt   time.Time  `json:"created_at"` // Used for time priority
	UpdatedAt   time.Time  `json:"updated_at"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

// NewOrder builds a PENDING order with a fresh id
func NewOrder(userID, symbol string, side Side, typ OrderType, tif TimeInForce, qty decimal.Decimal, price, stopPrice *decimal.Decimal, now time.Time) *Order {
	return &Order{
		ID:                uuid.New(),
		UserID:            userID,
		Symbol:            symbol,
		Side:              side,
		Type:              typ,
		TimeInForce:       tif,
		Quantity:          qty,
		Price:             price,
		StopPrice:         stopPrice,
		RemainingQuantity: qty,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	c := *o
	c.Price = cloneDecimal(o.Price)
	c.StopPrice = cloneDecimal(o.StopPrice)
	c.TriggeredAt = cloneTime(o.TriggeredAt)
	c.FilledAt = cloneTime(o.FilledAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	c.ExpiresAt = cloneTime(o.ExpiresAt)
	c.ArchivedAt = cloneTime(o.ArchivedAt)
	if o.Fills != nil {
		c.Fills = make([]Fill, len(o.Fills))
		copy(c.Fills, o.Fills)
	}
	return &c
}

// LimitPrice returns the order price or zero when unset
func (o *Order) LimitPrice() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return *o.Price
}

// PriorityTime is the timestamp used for time priority in the book
func (o *Order) PriorityTime() time.Time {
	if o.TriggeredAt != nil {
		return *o.TriggeredAt
	}
	return o.CreatedAt
}

// ApplyFill records an execution and moves the order to PARTIAL_FILLED or FILLED
func (o *Order) ApplyFill(f Fill) {
	o.Fills = append(o.Fills, f)
	o.FilledQuantity = o.FilledQuantity.Add(f.Quantity)
	o.RemainingQuantity = o.Quantity.Sub(o.FilledQuantity)
	if o.RemainingQuantity.IsNegative() {
		o.RemainingQuantity = decimal.Zero
	}
	if o.FilledQuantity.IsPositive() {
		o.AverageFillPrice = o.FilledNotional().DivRound(o.FilledQuantity, AmountScale)
	}
	o.Commission = o.Commission.Add(f.Commission)
	o.Fee = o.Fee.Add(f.Fee)
	o.UpdatedAt = f.Timestamp

	if o.RemainingQuantity.Sign() <= 0 {
		o.Status = StatusFilled
		ts := f.Timestamp
		o.FilledAt = &ts
	} else {
		o.Status = StatusPartialFilled
	}
}

// FilledNotional is the exact value of every fill so far
func (o *Order) FilledNotional() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Notional())
	}
	return total
}

// CheckQuantities verifies filled + remaining == quantity and remaining >= 0
func (o *Order) CheckQuantities() error {
	if o.RemainingQuantity.IsNegative() {
		return fmt.Errorf("order %s has negative remaining quantity %s", o.ID, o.RemainingQuantity)
	}
	if !o.FilledQuantity.Add(o.RemainingQuantity).Equal(o.Quantity) {
		return fmt.Errorf("order %s quantities out of balance: filled %s + remaining %s != %s",
			o.ID, o.FilledQuantity, o.RemainingQuantity, o.Quantity)
	}
	return nil
}

// Trade represents an executed trade
type Trade struct {
	ID         uuid.UUID       `json:"id"`
	Symbol     string          `json:"symbol"`
	BidOrderID uuid.UUID       `json:"bid_order_id"`
	AskOrderID uuid.UUID       `json:"ask_order_id"`
	BidUserID  string          `json:"bid_user_id"`
	AskUserID  string          `json:"ask_user_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// SettlementStatus tracks how far the ledger postings of an order have progressed
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "PENDING"
	SettlementProcessing SettlementStatus = "PROCESSING"
	SettlementCompleted  SettlementStatus = "COMPLETED"
)

// Settlement is the bookkeeping row of the settlement pipeline for one order
type Settlement struct {
	OrderID   uuid.UUID        `json:"order_id"`
	Status    SettlementStatus `json:"status"`
	Flagged   bool             `json:"flagged"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// SplitSymbol returns the base and quote currency of a symbol like "TREND-AI/ZAR".
// Symbols without a quote part trade against defaultQuote.
func SplitSymbol(symbol, defaultQuote string) (string, string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.LastIndex(symbol, "/"); idx > 0 && idx < len(symbol)-1 {
		return symbol[:idx], symbol[idx+1:]
	}
	return symbol, strings.ToUpper(defaultQuote)
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// DecimalPtr is a helper for optional prices
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
