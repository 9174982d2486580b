// Package config reads process configuration from the environment, loading a
// .env file first when one exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/settlement"
	"github.com/xtrntr/trendex/internal/validation"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string
	LogLevel    string
	Development bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string
	OutboxPath   string

	CommissionRate     decimal.Decimal
	FeeRate            decimal.Decimal
	CircuitBreakerPct  decimal.Decimal
	RateLimitPerMinute int
	MinOrderQty        decimal.Decimal
	MaxOrderQty        decimal.Decimal
	SlippageWarnPct    decimal.Decimal
	ConversionFeeRate  decimal.Decimal
	DefaultQuote       string
	SelfTradePolicy    exchange.SelfTradePolicy

	SettlementWorkers     int
	SettlementMaxAttempts int
	SettlementBaseBackoff time.Duration
	FeeAccount            string

	CleanupInterval     time.Duration
	StopTickInterval    time.Duration
	ReconcileInterval   time.Duration
	ArchiveAfter        time.Duration
	PendingOrderTimeout time.Duration
	PaymentPollInterval time.Duration

	// WebhookSecrets maps a gateway name to its signing secret
	WebhookSecrets map[string]string
}

// Load reads .env (if present) and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset variables
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}
	c := &Config{
		DatabaseURL: r.str("DATABASE_URL", ""),
		HTTPAddr:    r.str("HTTP_ADDR", ":8080"),
		JWTSecret:   r.str("JWT_SECRET", ""),
		LogLevel:    r.str("LOG_LEVEL", "info"),
		Development: r.boolean("DEVELOPMENT", false),

		RedisAddr:     r.str("REDIS_ADDR", ""),
		RedisPassword: r.str("REDIS_PASSWORD", ""),
		RedisDB:       r.integer("REDIS_DB", 0),

		KafkaBrokers: r.list("KAFKA_BROKERS"),
		KafkaTopic:   r.str("KAFKA_TOPIC", "trendex.events"),
		OutboxPath:   r.str("OUTBOX_PATH", "data/outbox"),

		CommissionRate:     r.dec("COMMISSION_RATE", "0.001"),
		FeeRate:            r.dec("FEE_RATE", "0.0001"),
		CircuitBreakerPct:  r.dec("CIRCUIT_BREAKER_PCT", "10"),
		RateLimitPerMinute: r.integer("RATE_LIMIT_PER_MINUTE", 100),
		MinOrderQty:        r.dec("MIN_ORDER_QTY", "1"),
		MaxOrderQty:        r.dec("MAX_ORDER_QTY", "0"),
		SlippageWarnPct:    r.dec("SLIPPAGE_WARN_PCT", "20"),
		ConversionFeeRate:  r.dec("CONVERSION_FEE_RATE", "0.005"),
		DefaultQuote:       strings.ToUpper(r.str("DEFAULT_QUOTE_CURRENCY", "ZAR")),
		SelfTradePolicy:    exchange.SelfTradePolicy(strings.ToLower(r.str("SELF_TRADE_POLICY", string(exchange.SelfTradeSkip)))),

		SettlementWorkers:     r.integer("SETTLEMENT_WORKERS", 4),
		SettlementMaxAttempts: r.integer("SETTLEMENT_MAX_ATTEMPTS", 5),
		SettlementBaseBackoff: r.duration("SETTLEMENT_BASE_BACKOFF", 200*time.Millisecond),
		FeeAccount:            r.str("FEE_ACCOUNT", "exchange-fees"),

		CleanupInterval:     r.duration("CLEANUP_INTERVAL", time.Minute),
		StopTickInterval:    r.duration("STOP_TICK_INTERVAL", time.Second),
		ReconcileInterval:   r.duration("RECONCILE_INTERVAL", 10*time.Minute),
		ArchiveAfter:        r.duration("ARCHIVE_AFTER", 24*time.Hour),
		PendingOrderTimeout: r.duration("PENDING_ORDER_TIMEOUT", 5*time.Minute),
		PaymentPollInterval: r.duration("PAYMENT_POLL_INTERVAL", time.Minute),

		WebhookSecrets: r.pairs("WEBHOOK_SECRETS"),
	}

	switch c.SelfTradePolicy {
	case exchange.SelfTradeSkip, exchange.SelfTradeAllow:
	default:
		r.fail("SELF_TRADE_POLICY", fmt.Errorf("unknown policy %q", c.SelfTradePolicy))
	}
	if c.CommissionRate.IsNegative() || c.FeeRate.IsNegative() {
		r.fail("COMMISSION_RATE/FEE_RATE", errors.New("rates must not be negative"))
	}
	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Exchange returns the fee schedule and policies of the order books
func (c *Config) Exchange() exchange.Config {
	return exchange.Config{
		CommissionRate: c.CommissionRate,
		FeeRate:        c.FeeRate,
		SelfTrade:      c.SelfTradePolicy,
	}
}

func (c *Config) Validation() validation.Config {
	return validation.Config{
		MinQuantity:       c.MinOrderQty,
		MaxQuantity:       c.MaxOrderQty,
		CircuitBreakerPct: c.CircuitBreakerPct,
		SlippageWarnPct:   c.SlippageWarnPct,
		CommissionRate:    c.CommissionRate,
		FeeRate:           c.FeeRate,
		DefaultQuote:      c.DefaultQuote,
	}
}

func (c *Config) Ledger() ledger.Config {
	return ledger.Config{ConversionFeeRate: c.ConversionFeeRate}
}

func (c *Config) Settlement() settlement.Config {
	s := settlement.DefaultConfig()
	s.Workers = c.SettlementWorkers
	s.MaxAttempts = c.SettlementMaxAttempts
	s.BaseBackoff = c.SettlementBaseBackoff
	s.DefaultQuote = c.DefaultQuote
	s.FeeAccount = c.FeeAccount
	return s
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

func (r *reader) dec(key, def string) decimal.Decimal {
	v := r.str(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.fail(key, err)
		return decimal.RequireFromString(def)
	}
	return d
}

func (r *reader) list(key string) []string {
	var out []string
	for _, s := range strings.Split(r.getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// pairs parses "a=1,b=2"
func (r *reader) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, item := range r.list(key) {
		name, value, ok := strings.Cut(item, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" || value == "" {
			r.fail(key, fmt.Errorf("expected name=value, got %q", item))
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}
