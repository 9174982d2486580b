// Package validation holds the read-only policy checks an order passes before
// the engine locks any funds for it.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/marketdata"
	"github.com/xtrntr/trendex/internal/metrics"
	"github.com/xtrntr/trendex/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Config holds the order policy
type Config struct {
	MinQuantity decimal.Decimal
	// MaxQuantity of zero disables the upper bound
	MaxQuantity       decimal.Decimal
	CircuitBreakerPct decimal.Decimal
	SlippageWarnPct   decimal.Decimal
	CommissionRate    decimal.Decimal
	FeeRate           decimal.Decimal
	DefaultQuote      string
}

// DefaultConfig returns the production policy
func DefaultConfig() Config {
	return Config{
		MinQuantity:       decimal.NewFromInt(1),
		CircuitBreakerPct: decimal.NewFromInt(10),
		SlippageWarnPct:   decimal.NewFromInt(20),
		CommissionRate:    decimal.RequireFromString("0.001"),
		FeeRate:           decimal.RequireFromString("0.0001"),
		DefaultQuote:      "ZAR",
	}
}

// Currencies returns the base and quote currency of symbol
func (c Config) Currencies(symbol string) (base, quote string) {
	return models.SplitSymbol(symbol, c.DefaultQuote)
}

// Reservation returns what an order locks at placement. A BUY locks quote
// currency for its notional plus commission and fee, a SELL locks its base
// quantity. marketCost is the estimated sweep notional of a BUY MARKET order.
func (c Config) Reservation(o *models.Order, marketCost decimal.Decimal) (decimal.Decimal, string) {
	base, quote := c.Currencies(o.Symbol)
	if o.Side == models.SideSell {
		return o.RemainingQuantity, base
	}

	var notional decimal.Decimal
	switch o.Type {
	case models.OrderTypeMarket:
		notional = marketCost
	case models.OrderTypeStop:
		notional = o.RemainingQuantity.Mul(stopPrice(o))
	case models.OrderTypeStopLimit:
		// converts at the stop price, so cover whichever is higher
		notional = o.RemainingQuantity.Mul(decimal.Max(o.LimitPrice(), stopPrice(o)))
	default:
		notional = o.RemainingQuantity.Mul(o.LimitPrice())
	}
	rate := decimal.NewFromInt(1).Add(c.CommissionRate).Add(c.FeeRate)
	return notional.Mul(rate).RoundCeil(models.AmountScale), quote
}

func stopPrice(o *models.Order) decimal.Decimal {
	if o.StopPrice == nil {
		return decimal.Zero
	}
	return *o.StopPrice
}

// Wallets reads balances for the funds check
type Wallets interface {
	Wallet(ctx context.Context, userID, currency string) (*models.Wallet, error)
}

// Result is the outcome of Validate
type Result struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err returns the failures as a ValidationError, or nil when valid
func (r *Result) Err() error {
	if r.IsValid {
		return nil
	}
	return exception.NewValidation(r.Errors...)
}

// Reason joins the failures into one rejection reason
func (r *Result) Reason() string {
	return strings.Join(r.Errors, "; ")
}

// Validator runs the pre-lock policy checks
type Validator struct {
	cfg     Config
	market  marketdata.Provider
	wallets Wallets
	limiter RateLimiter
	metrics *metrics.Metrics
}

// New creates a validator. A nil limiter disables rate limiting.
func New(cfg Config, market marketdata.Provider, wallets Wallets, limiter RateLimiter, m *metrics.Metrics) *Validator {
	return &Validator{
		cfg:     cfg,
		market:  market,
		wallets: wallets,
		limiter: limiter,
		metrics: metrics.OrNop(m),
	}
}

// Config returns the policy the validator enforces
func (v *Validator) Config() Config {
	return v.cfg
}

// Validate checks o without changing anything but the rate limit counter.
// The error return is reserved for collaborators that could not answer.
func (v *Validator) Validate(ctx context.Context, o *models.Order) (*Result, error) {
	res := &Result{}

	if v.limiter != nil {
		ok, err := v.limiter.Allow(ctx, o.UserID)
		if err != nil {
			return nil, &exception.ExternalServiceError{Service: "rate limiter", Err: err}
		}
		if !ok {
			v.metrics.RateLimited.Inc()
			res.fail("rate limit exceeded")
		}
	}

	structural(o, res)
	if len(res.Errors) > 0 {
		return res, nil
	}

	status, err := v.market.MarketStatus(ctx, o.Symbol)
	if err != nil {
		return nil, &exception.ExternalServiceError{Service: "market data", Err: err}
	}
	if status != marketdata.StatusOpen {
		res.fail("market %s is %s", o.Symbol, status)
	}

	if o.Quantity.LessThan(v.cfg.MinQuantity) {
		res.fail("quantity %s is below the minimum %s", o.Quantity, v.cfg.MinQuantity)
	}
	if v.cfg.MaxQuantity.IsPositive() && o.Quantity.GreaterThan(v.cfg.MaxQuantity) {
		res.fail("quantity %s exceeds the maximum %s", o.Quantity, v.cfg.MaxQuantity)
	}

	last, hasLast, err := v.market.LastPrice(ctx, o.Symbol)
	if err != nil {
		return nil, &exception.ExternalServiceError{Service: "market data", Err: err}
	}
	if hasLast && last.IsPositive() {
		v.checkPriceBand(o, last, res)
		checkStopSide(o, last, res)
	}

	marketCost := decimal.Zero
	if o.Type == models.OrderTypeMarket {
		marketCost, err = v.checkMarket(ctx, o, last, hasLast, res)
		if err != nil {
			return nil, err
		}
	}

	if err := v.checkFunds(ctx, o, marketCost, res); err != nil {
		return nil, err
	}

	res.IsValid = len(res.Errors) == 0
	return res, nil
}

func structural(o *models.Order, res *Result) {
	if strings.TrimSpace(o.UserID) == "" {
		res.fail("user is required")
	}
	if strings.TrimSpace(o.Symbol) == "" {
		res.fail("symbol is required")
	}
	if !o.Side.Valid() {
		res.fail("side must be BUY or SELL")
	}
	if !o.Type.Valid() {
		res.fail("unknown order type %q", o.Type)
	}
	if !o.TimeInForce.Valid() {
		res.fail("unknown time in force %q", o.TimeInForce)
	}
	if !o.Quantity.IsPositive() {
		res.fail("quantity must be positive")
	}

	switch o.Type {
	case models.OrderTypeLimit, models.OrderTypeStopLimit:
		if o.Price == nil || !o.Price.IsPositive() {
			res.fail("%s orders need a positive price", o.Type)
		}
	case models.OrderTypeMarket:
		if o.Price != nil {
			res.fail("MARKET orders cannot have a price")
		}
	}
	if o.Type.IsStop() {
		if o.StopPrice == nil || !o.StopPrice.IsPositive() {
			res.fail("%s orders need a positive stop price", o.Type)
		}
	} else if o.StopPrice != nil {
		res.fail("only stop orders can have a stop price")
	}
}

func (v *Validator) checkPriceBand(o *models.Order, last decimal.Decimal, res *Result) {
	if o.Price == nil || !v.cfg.CircuitBreakerPct.IsPositive() {
		return
	}
	deviation := o.Price.Sub(last).Abs().Div(last).Mul(hundred)
	if deviation.GreaterThan(v.cfg.CircuitBreakerPct) {
		res.fail("price %s is more than %s%% away from the last price %s", o.Price, v.cfg.CircuitBreakerPct, last)
	}
}

func checkStopSide(o *models.Order, last decimal.Decimal, res *Result) {
	if !o.Type.IsStop() || o.StopPrice == nil {
		return
	}
	switch {
	case o.Side == models.SideBuy && !o.StopPrice.GreaterThan(last):
		res.fail("BUY stop price %s must be above the last price %s", o.StopPrice, last)
	case o.Side == models.SideSell && !o.StopPrice.LessThan(last):
		res.fail("SELL stop price %s must be below the last price %s", o.StopPrice, last)
	}
}

func (v *Validator) checkMarket(ctx context.Context, o *models.Order, last decimal.Decimal, hasLast bool, res *Result) (decimal.Decimal, error) {
	liquidity, err := v.market.Liquidity(ctx, o.Symbol, o.Side)
	if err != nil {
		return decimal.Zero, &exception.ExternalServiceError{Service: "market data", Err: err}
	}
	if !liquidity.IsPositive() {
		res.fail("no liquidity for %s %s", o.Side, o.Symbol)
		return decimal.Zero, nil
	}

	cost, covered, err := v.market.EstimateCost(ctx, o.Symbol, o.Side, o.Quantity, o.UserID)
	if err != nil {
		return decimal.Zero, &exception.ExternalServiceError{Service: "market data", Err: err}
	}
	if !covered.IsPositive() {
		res.fail("no liquidity for %s %s", o.Side, o.Symbol)
		return decimal.Zero, nil
	}
	if covered.LessThan(o.Quantity) {
		res.fail("insufficient liquidity for %s %s: only %s of %s available", o.Side, o.Symbol, covered, o.Quantity)
		return decimal.Zero, nil
	}
	if v.cfg.SlippageWarnPct.IsPositive() {
		if share := o.Quantity.Div(liquidity).Mul(hundred); share.GreaterThan(v.cfg.SlippageWarnPct) {
			res.warn("slippage risk: the order takes %s%% of the visible liquidity", share.Round(2))
		}
	}
	if hasLast && last.IsPositive() && v.cfg.SlippageWarnPct.IsPositive() {
		avg := cost.Div(covered)
		slippage := avg.Sub(last).Abs().Div(last).Mul(hundred)
		if slippage.GreaterThan(v.cfg.SlippageWarnPct) {
			res.warn("expected slippage of %s%% against the last price %s", slippage.Round(2), last)
		}
	}
	return cost, nil
}

func (v *Validator) checkFunds(ctx context.Context, o *models.Order, marketCost decimal.Decimal, res *Result) error {
	required, currency := v.cfg.Reservation(o, marketCost)
	if !required.IsPositive() {
		return nil
	}
	available := decimal.Zero
	w, err := v.wallets.Wallet(ctx, o.UserID, currency)
	switch {
	case err == nil:
		available = w.Available
	case errors.Is(err, exception.ErrNotFound):
	default:
		return fmt.Errorf("failed to read %s balance: %w", currency, err)
	}
	if available.LessThan(required) {
		res.fail("insufficient %s balance: %s required, %s available", currency, required, available)
	}
	return nil
}
