// Package settlement turns fills into ledger postings. Orders are settled by a
// pool of workers with retries; every posting carries an idempotency key so
// an order can be settled any number of times with the same result.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/logging"
	"github.com/xtrntr/trendex/internal/metrics"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	legQuote = "quote"
	legBase  = "base"
	legFees  = "fees"

	// rounds of settling before an order that keeps trading is handed back to the retry loop
	maxRounds = 3
)

var errOrderMoved = errors.New("order changed while settling")

// Config holds the pipeline settings
type Config struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	QueueSize    int
	DefaultQuote string
	// FeeAccount is the user whose spot wallets collect commission and fees
	FeeAccount string
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxAttempts:  5,
		BaseBackoff:  200 * time.Millisecond,
		MaxBackoff:   5 * time.Second,
		QueueSize:    1024,
		DefaultQuote: "ZAR",
		FeeAccount:   "exchange-fees",
	}
}

// Deps are the collaborators of a Pipeline
type Deps struct {
	Store   store.Store
	Ledger  *ledger.Ledger
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
	Config  Config
}

// Pipeline settles the fills of orders
type Pipeline struct {
	store   store.Store
	ledger  *ledger.Ledger
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	cfg     Config

	queue  chan uuid.UUID
	mu     sync.Mutex
	queued map[uuid.UUID]struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a pipeline; call Run to start its workers
func New(d Deps) *Pipeline {
	cfg := d.Config
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff * 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DefaultQuote == "" {
		cfg.DefaultQuote = def.DefaultQuote
	}
	if cfg.FeeAccount == "" {
		cfg.FeeAccount = def.FeeAccount
	}

	p := &Pipeline{
		store:   d.Store,
		ledger:  d.Ledger,
		events:  d.Events,
		metrics: metrics.OrNop(d.Metrics),
		logger:  logging.OrNop(d.Logger).Named("settlement"),
		cfg:     cfg,
		queue:   make(chan uuid.UUID, cfg.QueueSize),
		queued:  make(map[uuid.UUID]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepCtx,
	}
	if p.events == nil {
		p.events = events.Nop{}
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue schedules orders for settlement without blocking. When the queue
// is full the order is left to the recovery sweep; its settlement row stays
// PENDING until then.
func (p *Pipeline) Enqueue(ctx context.Context, orderIDs ...uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range orderIDs {
		if _, ok := p.queued[id]; ok {
			continue
		}
		select {
		case p.queue <- id:
			p.queued[id] = struct{}{}
		default:
			p.logger.Warnw("settlement queue full, leaving order to recovery", "order", id)
		}
	}
	p.metrics.SettlementQueue.Set(float64(len(p.queue)))
}

func (p *Pipeline) dequeued(id uuid.UUID) {
	p.mu.Lock()
	delete(p.queued, id)
	p.metrics.SettlementQueue.Set(float64(len(p.queue)))
	p.mu.Unlock()
}

// Run starts the workers and blocks until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Infow("settlement workers started", "workers", p.cfg.Workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-p.queue:
					p.dequeued(id)
					p.Process(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

// Drain settles everything currently queued on the calling goroutine and
// returns how many orders it processed
func (p *Pipeline) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case id := <-p.queue:
			p.dequeued(id)
			p.Process(ctx, id)
			n++
		default:
			return n
		}
	}
}

// Recover re-enqueues every order with outstanding settlement work
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	ids, err := p.store.ListUnsettledOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsettled orders: %w", err)
	}
	p.Enqueue(ctx, ids...)
	if len(ids) > 0 {
		p.logger.Infow("re-enqueued unsettled orders", "orders", len(ids))
	}
	return len(ids), nil
}

// Process settles one order, retrying with exponential backoff. An order that
// still fails after the last attempt is flagged for manual reconciliation.
func (p *Pipeline) Process(ctx context.Context, orderID uuid.UUID) {
	var err error
	attempt := 1
	for ; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err = p.markProcessing(ctx, orderID, attempt); err == nil {
			err = p.SettleOrder(ctx, orderID)
		}
		if err == nil {
			p.metrics.Settlements.WithLabelValues("completed").Inc()
			return
		}
		if ctx.Err() != nil {
			p.logger.Warnw("settlement interrupted", "order", orderID, "error", err)
			return
		}
		if exception.IsPermanent(err) {
			break
		}
		if attempt < p.cfg.MaxAttempts {
			p.metrics.SettlementRetries.Inc()
			wait := p.backoff(attempt)
			p.logger.Warnw("settlement failed, retrying", "order", orderID, "attempt", attempt, "backoff", wait, "error", err)
			if p.sleep(ctx, wait) != nil {
				return
			}
		}
	}
	p.flag(ctx, orderID, min(attempt, p.cfg.MaxAttempts), err)
}

// backoff returns base * 2^(attempt-1), capped
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}

func (p *Pipeline) markProcessing(ctx context.Context, orderID uuid.UUID, attempt int) error {
	return p.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		return tx.SaveSettlement(ctx, &models.Settlement{
			OrderID:   orderID,
			Status:    models.SettlementProcessing,
			Attempts:  attempt,
			UpdatedAt: p.now(),
		})
	})
}

func (p *Pipeline) flag(ctx context.Context, orderID uuid.UUID, attempts int, cause error) {
	p.metrics.Settlements.WithLabelValues("flagged").Inc()
	p.metrics.SettlementsFlagged.Inc()
	p.logger.Errorw("settlement flagged for manual reconciliation", "order", orderID, "attempts", attempts, "error", cause)

	s := &models.Settlement{
		OrderID:   orderID,
		Status:    models.SettlementProcessing,
		Flagged:   true,
		Attempts:  attempts,
		LastError: cause.Error(),
		UpdatedAt: p.now(),
	}
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SaveSettlement(ctx, s)
	})
	if err != nil {
		p.logger.Errorw("failed to flag settlement", "order", orderID, "error", err)
	}

	userID := ""
	if o, err := p.store.GetOrder(ctx, orderID); err == nil {
		userID = o.UserID
	}
	if ev, err := events.New(events.SettlementFlagged, userID, "", s); err == nil {
		if err := p.events.Publish(ctx, ev); err != nil {
			p.logger.Warnw("failed to publish event", "type", ev.Type, "error", err)
		}
	}
}

// SettleOrder posts every fill of an order and, once the order is terminal,
// releases what is left of its reservation. It never modifies the order.
func (p *Pipeline) SettleOrder(ctx context.Context, orderID uuid.UUID) error {
	o, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for round := 0; round < maxRounds; round++ {
		if err := p.settle(ctx, o); err != nil {
			return err
		}
		cur, err := p.complete(ctx, o)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errOrderMoved) {
			return err
		}
		o = cur
	}
	return fmt.Errorf("order %s: %w", orderID, errOrderMoved)
}

func (p *Pipeline) settle(ctx context.Context, o *models.Order) error {
	base, quote := models.SplitSymbol(o.Symbol, p.cfg.DefaultQuote)
	consumed := decimal.Zero
	for _, f := range o.Fills {
		spent, err := p.settleFill(ctx, o, f, base, quote)
		if err != nil {
			return fmt.Errorf("failed to settle trade %s of order %s: %w", f.TradeID, o.ID, err)
		}
		consumed = consumed.Add(spent)
	}
	if !o.Status.IsTerminal() {
		return nil
	}

	leftover := o.ReservedAmount.Sub(consumed)
	if !leftover.IsPositive() {
		return nil
	}
	_, err := p.ledger.UnlockFunds(ctx, o.UserID, leftover, o.ReservedCurrency, "order "+o.ID.String()+" leftover released",
		ledger.WithIdempotencyKey(ledger.ReleaseKey(o.ID)),
		ledger.WithReference(o.ID.String(), models.RefOrder),
		ledger.WithMetadata(models.LockMetadata{OrderID: o.ID, Reason: "order " + string(o.Status)}),
	)
	if err != nil {
		return fmt.Errorf("failed to release leftover of order %s: %w", o.ID, err)
	}
	return nil
}

// settleFill posts one fill and returns how much of the reservation it consumed
func (p *Pipeline) settleFill(ctx context.Context, o *models.Order, f models.Fill, base, quote string) (decimal.Decimal, error) {
	cost := f.Notional()
	meta := models.OrderMetadata{OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, TradeID: f.TradeID}
	ref := o.ID.String()
	posting := func(typ models.TransactionType, amount decimal.Decimal, desc string) ledger.Posting {
		return ledger.Posting{
			Type:          typ,
			Amount:        amount,
			Description:   desc,
			ReferenceID:   ref,
			ReferenceType: models.RefOrder,
			Metadata:      meta,
		}
	}
	charges := func(ps []ledger.Posting) []ledger.Posting {
		if f.Commission.IsPositive() {
			ps = append(ps, posting(models.TxCommission, f.Commission, "trading commission"))
		}
		if f.Fee.IsPositive() {
			ps = append(ps, posting(models.TxFee, f.Fee, "exchange fee"))
		}
		return ps
	}

	if o.Side == models.SideBuy {
		spent := cost.Add(f.Commission).Add(f.Fee)
		quoteLeg := charges([]ledger.Posting{
			posting(models.TxUnlock, spent, "release for trade"),
			posting(models.TxTradeSettlement, cost, "paid for "+base),
		})
		if _, err := p.ledger.Post(ctx, ledger.SpotKey(o.UserID, quote), ledger.SettleKey(f.TradeID, o.ID, legQuote), quoteLeg...); err != nil {
			return decimal.Zero, err
		}
		if err := p.collect(ctx, o, f, quote, posting); err != nil {
			return decimal.Zero, err
		}
		_, err := p.ledger.Post(ctx, ledger.SpotKey(o.UserID, base), ledger.SettleKey(f.TradeID, o.ID, legBase),
			posting(models.TxTradeBuy, f.Quantity, "bought "+base))
		return spent, err
	}

	_, err := p.ledger.Post(ctx, ledger.SpotKey(o.UserID, base), ledger.SettleKey(f.TradeID, o.ID, legBase),
		posting(models.TxUnlock, f.Quantity, "release for trade"),
		posting(models.TxTradeSettlement, f.Quantity, "delivered "+base),
	)
	if err != nil {
		return decimal.Zero, err
	}
	quoteLeg := charges([]ledger.Posting{posting(models.TxTradeSell, cost, "sold "+base)})
	if _, err := p.ledger.Post(ctx, ledger.SpotKey(o.UserID, quote), ledger.SettleKey(f.TradeID, o.ID, legQuote), quoteLeg...); err != nil {
		return decimal.Zero, err
	}
	return f.Quantity, p.collect(ctx, o, f, quote, posting)
}

// collect credits the charges of one fill to the fee account's quote wallet
func (p *Pipeline) collect(ctx context.Context, o *models.Order, f models.Fill, quote string,
	posting func(models.TransactionType, decimal.Decimal, string) ledger.Posting) error {
	var ps []ledger.Posting
	if f.Commission.IsPositive() {
		ps = append(ps, posting(models.TxTransferIn, f.Commission, "commission from "+o.UserID))
	}
	if f.Fee.IsPositive() {
		ps = append(ps, posting(models.TxTransferIn, f.Fee, "fee from "+o.UserID))
	}
	if len(ps) == 0 {
		return nil
	}
	_, err := p.ledger.Post(ctx, ledger.SpotKey(p.cfg.FeeAccount, quote), ledger.SettleKey(f.TradeID, o.ID, legFees), ps...)
	return err
}

// complete marks the settlement COMPLETED unless the order traded or closed
// since the snapshot was taken, in which case the fresh order is returned
func (p *Pipeline) complete(ctx context.Context, snap *models.Order) (*models.Order, error) {
	var cur *models.Order
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		cur, err = tx.LockOrder(ctx, snap.ID)
		if err != nil {
			return err
		}
		if len(cur.Fills) != len(snap.Fills) || cur.Status != snap.Status || !cur.ReservedAmount.Equal(snap.ReservedAmount) {
			return errOrderMoved
		}
		return tx.SaveSettlement(ctx, &models.Settlement{
			OrderID:   snap.ID,
			Status:    models.SettlementCompleted,
			UpdatedAt: p.now(),
		})
	})
	if err != nil {
		return cur, err
	}
	p.logger.Infow("order settled", "order", snap.ID, "fills", len(snap.Fills), "status", snap.Status)
	return nil, nil
}
