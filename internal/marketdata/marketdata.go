package marketdata

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/models"
)

// Status is the trading state of a market
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusHalted Status = "HALTED"
	StatusClosed Status = "CLOSED"
)

// Provider answers the questions order validation asks about a market
type Provider interface {
	// LastPrice returns the last traded price; ok is false before the first trade
	LastPrice(ctx context.Context, symbol string) (price decimal.Decimal, ok bool, err error)
	MarketStatus(ctx context.Context, symbol string) (Status, error)
	// Liquidity returns the resting quantity an order on side could trade against
	Liquidity(ctx context.Context, symbol string, side models.Side) (decimal.Decimal, error)
	// EstimateCost prices qty against the opposite side of the book
	EstimateCost(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, userID string) (cost, covered decimal.Decimal, err error)
}

// Local serves market data from the in-process books
type Local struct {
	ex *exchange.Exchange

	mu     sync.RWMutex
	status map[string]Status
}

// NewLocal creates a provider backed by ex. Every symbol is open until halted.
func NewLocal(ex *exchange.Exchange) *Local {
	return &Local{ex: ex, status: make(map[string]Status)}
}

func (l *Local) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	b, ok := l.ex.Lookup(symbol)
	if !ok {
		return decimal.Zero, false, nil
	}
	p, ok := b.LastPrice()
	return p, ok, nil
}

func (l *Local) MarketStatus(ctx context.Context, symbol string) (Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.status[key(symbol)]; ok {
		return s, nil
	}
	return StatusOpen, nil
}

func (l *Local) Liquidity(ctx context.Context, symbol string, side models.Side) (decimal.Decimal, error) {
	b, ok := l.ex.Lookup(symbol)
	if !ok {
		return decimal.Zero, nil
	}
	return b.Liquidity(side.Opposite()), nil
}

func (l *Local) EstimateCost(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, userID string) (decimal.Decimal, decimal.Decimal, error) {
	b, ok := l.ex.Lookup(symbol)
	if !ok {
		return decimal.Zero, decimal.Zero, nil
	}
	cost, covered := b.EstimateCost(side, qty, userID)
	return cost, covered, nil
}

// SetStatus halts, closes or reopens a market
func (l *Local) SetStatus(symbol string, s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == StatusOpen {
		delete(l.status, key(symbol))
		return
	}
	l.status[key(symbol)] = s
}

// SetReferencePrice seeds the last price of a market that has not traded yet
func (l *Local) SetReferencePrice(symbol string, price decimal.Decimal) {
	l.ex.Book(symbol).SetLastPrice(price)
}

func key(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
