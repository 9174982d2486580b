package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/config"
	"github.com/xtrntr/trendex/internal/db"
	"github.com/xtrntr/trendex/internal/engine"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/logging"
	"github.com/xtrntr/trendex/internal/marketdata"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/settlement"
	"github.com/xtrntr/trendex/internal/validation"
	"go.uber.org/zap"
)

const symbol = "TREND-AI/ZAR"

type seedOrder struct {
	user  string
	side  models.Side
	qty   int64
	price int64
}

// Seed the database with funded traders, a few trades and a resting book
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalw("invalid configuration", "error", err)
	}
	logger, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		zap.S().Fatalw("failed to build logger", "error", err)
	}
	if cfg.DatabaseURL == "" {
		logger.Fatalw("DATABASE_URL is required")
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalw("failed to connect to database", "error", err)
	}
	defer database.Close()
	if err := database.Migrate(ctx, "migrations/001_init.sql"); err != nil {
		logger.Fatalw("failed to migrate", "error", err)
	}

	// First check if we already have trades
	trades, err := database.ListTrades(ctx, symbol, 1)
	if err != nil {
		logger.Fatalw("failed to check trades", "error", err)
	}
	if len(trades) > 0 {
		fmt.Println("Database already has trades. No need to seed.")
		os.Exit(0)
	}

	ex := exchange.NewExchange(cfg.Exchange())
	l := ledger.New(ledger.Deps{Store: database, Logger: logger, Config: cfg.Ledger()})
	pipeline := settlement.New(settlement.Deps{Store: database, Ledger: l, Logger: logger, Config: cfg.Settlement()})
	eng := engine.New(engine.Deps{
		Store:     database,
		Exchange:  ex,
		Ledger:    l,
		Validator: validation.New(cfg.Validation(), marketdata.NewLocal(ex), l, nil, nil),
		Settler:   pipeline,
		Logger:    logger,
	})

	funding := map[string]map[string]int64{
		"trader1": {"ZAR": 1_000_000},
		"trader2": {"TREND-AI": 500},
		"maker":   {"ZAR": 1_000_000, "TREND-AI": 500},
	}
	for user, balances := range funding {
		for currency, amount := range balances {
			_, err := l.Post(ctx, ledger.SpotKey(user, currency), "seed:"+user+":"+currency,
				ledger.Posting{Type: models.TxDeposit, Amount: decimal.NewFromInt(amount), Description: "seed deposit"})
			if err != nil {
				logger.Fatalw("failed to fund wallet", "user", user, "currency", currency, "error", err)
			}
		}
	}

	orders := []seedOrder{
		// crossing pairs produce the trade history
		{"trader2", models.SideSell, 10, 300},
		{"trader1", models.SideBuy, 10, 300},
		{"trader2", models.SideSell, 20, 310},
		{"trader1", models.SideBuy, 20, 310},
		{"trader2", models.SideSell, 15, 320},
		{"trader1", models.SideBuy, 15, 320},
		// resting ladder
		{"maker", models.SideBuy, 25, 315},
		{"maker", models.SideBuy, 40, 310},
		{"maker", models.SideBuy, 60, 300},
		{"maker", models.SideSell, 25, 325},
		{"maker", models.SideSell, 40, 330},
		{"maker", models.SideSell, 60, 340},
	}
	for _, so := range orders {
		price := decimal.NewFromInt(so.price)
		o := models.NewOrder(so.user, symbol, so.side, models.OrderTypeLimit, models.GTC,
			decimal.NewFromInt(so.qty), &price, nil, time.Now().UTC())
		res, err := eng.ExecuteOrder(ctx, o)
		if err != nil {
			logger.Fatalw("failed to place order", "user", so.user, "error", err)
		}
		if !res.Accepted {
			logger.Fatalw("seed order rejected", "user", so.user, "errors", res.Errors)
		}
	}

	settled := pipeline.Drain(ctx)
	fmt.Printf("Successfully seeded %s: %d orders placed, %d settled\n", symbol, len(orders), settled)
}
