package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/trendex/internal/api"
	"github.com/xtrntr/trendex/internal/auth"
	"github.com/xtrntr/trendex/internal/cache"
	"github.com/xtrntr/trendex/internal/config"
	"github.com/xtrntr/trendex/internal/db"
	"github.com/xtrntr/trendex/internal/engine"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/exchange"
	"github.com/xtrntr/trendex/internal/jobs"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/logging"
	"github.com/xtrntr/trendex/internal/marketdata"
	"github.com/xtrntr/trendex/internal/metrics"
	"github.com/xtrntr/trendex/internal/payment"
	"github.com/xtrntr/trendex/internal/settlement"
	"github.com/xtrntr/trendex/internal/store"
	"github.com/xtrntr/trendex/internal/validation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	depthCacheTTL = time.Second
	relayInterval = 500 * time.Millisecond
	tokenTTL      = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalw("invalid configuration", "error", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		zap.S().Fatalw("failed to build logger", "error", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalw("server stopped", "error", err)
	}
	logger.Infow("server stopped")
}

// run wires storage, engine, settlement and events behind the HTTP server
func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	var st store.Store
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(ctx, "migrations/001_init.sql"); err != nil {
			return err
		}
		st = database
	} else {
		logger.Warnw("DATABASE_URL not set, state is kept in memory")
		st = store.NewMemory()
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
	}

	authService, err := auth.NewAuthService(cfg.JWTSecret, tokenTTL)
	if err != nil {
		return err
	}
	hub := api.NewHub(authService, logger)

	g, ctx := errgroup.WithContext(ctx)

	// domain events reach websocket clients directly and kafka through the durable outbox
	publishers := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		outbox, err := events.OpenOutbox(cfg.OutboxPath, nil)
		if err != nil {
			return err
		}
		defer outbox.Close()
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()

		relay := events.NewRelay(outbox, kafka, relayInterval, logger.Named("relay"))
		relay.OnPending(func(n int) { m.OutboxPending.Set(float64(n)) })
		g.Go(func() error { return relay.Run(ctx) })
		publishers = append(publishers, outbox)
	}
	bus := events.Counted{Next: publishers, Metrics: m}

	ex := exchange.NewExchange(cfg.Exchange())
	l := ledger.New(ledger.Deps{
		Store:   st,
		Events:  bus,
		Metrics: m,
		Logger:  logger,
		Config:  cfg.Ledger(),
	})

	var limiter validation.RateLimiter
	if rdb != nil {
		limiter = cache.NewRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute)
	} else {
		limiter = validation.NewSlidingWindow(cfg.RateLimitPerMinute, time.Minute)
	}
	validator := validation.New(cfg.Validation(), marketdata.NewLocal(ex), l, limiter, m)

	pipeline := settlement.New(settlement.Deps{
		Store:   st,
		Ledger:  l,
		Events:  bus,
		Metrics: m,
		Logger:  logger,
		Config:  cfg.Settlement(),
	})
	eng := engine.New(engine.Deps{
		Store:     st,
		Exchange:  ex,
		Ledger:    l,
		Validator: validator,
		Settler:   pipeline,
		Events:    bus,
		Metrics:   m,
		Logger:    logger,
	})

	gateways := payment.NewRegistry()
	for name, secret := range cfg.WebhookSecrets {
		gateways.Register(payment.NewSandbox(name, secret))
	}
	payments := settlement.NewPayments(settlement.PaymentDeps{
		Store:    st,
		Ledger:   l,
		Gateways: gateways,
		Events:   bus,
		Metrics:  m,
		Logger:   logger,
	})

	n, err := eng.LoadBooks(ctx)
	if err != nil {
		return err
	}
	logger.Infow("order books restored", "orders", n, "symbols", ex.Symbols())

	now := func() time.Time { return time.Now().UTC() }
	scheduler := jobs.NewScheduler(logger,
		jobs.Job{Name: "expire-orders", Interval: cfg.CleanupInterval, Task: jobs.ExpireOrders(st, eng, now), RunAtStart: true},
		jobs.Job{Name: "recover-orders", Interval: cfg.CleanupInterval, Task: jobs.After(cfg.PendingOrderTimeout, eng.RecoverPending), RunAtStart: true},
		jobs.Job{Name: "recover-settlements", Interval: cfg.CleanupInterval, Task: pipeline.Recover, RunAtStart: true},
		jobs.Job{Name: "trigger-stops", Interval: cfg.StopTickInterval, Task: jobs.TriggerStops(eng, ex.Symbols)},
		jobs.Job{Name: "archive-orders", Interval: cfg.CleanupInterval, Task: jobs.ArchiveOrders(st, cfg.ArchiveAfter, m, now)},
		jobs.Job{Name: "reconcile-wallets", Interval: cfg.ReconcileInterval, Task: jobs.ReconcileWallets(st, l)},
		jobs.Job{Name: "poll-payments", Interval: cfg.PaymentPollInterval, Task: jobs.After(cfg.PaymentPollInterval, payments.PollPending)},
	)

	handler := api.NewHandler(api.Deps{
		Engine:      eng,
		Ledger:      l,
		Payments:    payments,
		AuthService: authService,
		Depth:       depthCache(rdb),
		Logger:      logger,
	})

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/ws", hub.ServeWS)
	r.Handle("/metrics", promhttp.Handler())
	handler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error {
		logger.Infow("starting server", "addr", cfg.HTTPAddr, "jobs", scheduler.Jobs(), "gateways", gateways.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	return g.Wait()
}

func depthCache(rdb *redis.Client) api.DepthCache {
	if rdb == nil {
		return nil
	}
	return cache.NewDepthCache(rdb, depthCacheTTL)
}
