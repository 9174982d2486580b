// Package ledger is the only path through which wallet balances change.
//
// Every mutation locks the wallet row, computes the new balances, refuses a
// negative available or locked balance and writes the wallet together with
// its transaction rows in one store transaction. Idempotency keys make a
// replayed request return the rows written the first time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/logging"
	"github.com/xtrntr/trendex/internal/metrics"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
	"go.uber.org/zap"
)

// Config holds ledger policy
type Config struct {
	ConversionFeeRate decimal.Decimal
}

// Deps are the collaborators of a Ledger
type Deps struct {
	Store   store.Store
	Rates   RateProvider
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
	Config  Config
}

// Ledger posts transactions against wallets
type Ledger struct {
	store   store.Store
	rates   RateProvider
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	cfg     Config
	now     func() time.Time
}

// New creates a ledger
func New(d Deps) *Ledger {
	l := &Ledger{
		store:   d.Store,
		rates:   d.Rates,
		events:  d.Events,
		metrics: metrics.OrNop(d.Metrics),
		logger:  logging.OrNop(d.Logger).Named("ledger"),
		cfg:     d.Config,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if l.events == nil {
		l.events = events.Nop{}
	}
	if l.rates == nil {
		l.rates = FixedRates{}
	}
	return l
}

// Posting is one balance change inside a Post batch
type Posting struct {
	Type          models.TransactionType
	Amount        decimal.Decimal
	Description   string
	ReferenceID   string
	ReferenceType string
	Metadata      models.Metadata
}

// Option customizes a single-posting call such as LockFunds
type Option func(*options)

type options struct {
	key     string
	refID   string
	refType string
	meta    models.Metadata
}

// WithIdempotencyKey makes the call return the original rows when replayed
func WithIdempotencyKey(key string) Option {
	return func(o *options) { o.key = key }
}

// WithReference links the transaction to the object that caused it
func WithReference(id, typ string) Option {
	return func(o *options) {
		o.refID = id
		o.refType = typ
	}
}

// WithMetadata attaches a metadata variant
func WithMetadata(m models.Metadata) Option {
	return func(o *options) { o.meta = m }
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SpotKey builds the key of a user's spot wallet in currency
func SpotKey(userID, currency string) models.WalletKey {
	return models.WalletKey{UserID: userID, Currency: normalizeCurrency(currency), Type: models.WalletSpot}
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// LockFunds moves amount from available to locked
func (l *Ledger) LockFunds(ctx context.Context, userID string, amount decimal.Decimal, currency, description string, opts ...Option) (*models.Transaction, error) {
	return l.single(ctx, userID, models.TxLock, amount, currency, description, opts)
}

// UnlockFunds moves amount from locked back to available
func (l *Ledger) UnlockFunds(ctx context.Context, userID string, amount decimal.Decimal, currency, description string, opts ...Option) (*models.Transaction, error) {
	return l.single(ctx, userID, models.TxUnlock, amount, currency, description, opts)
}

func (l *Ledger) single(ctx context.Context, userID string, typ models.TransactionType, amount decimal.Decimal, currency, description string, opts []Option) (*models.Transaction, error) {
	o := collect(opts)
	out, err := l.Post(ctx, SpotKey(userID, currency), o.key, Posting{
		Type:          typ,
		Amount:        amount,
		Description:   description,
		ReferenceID:   o.refID,
		ReferenceType: o.refType,
		Metadata:      o.meta,
	})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// Post applies postings to one wallet atomically. With an idempotency key a
// replay returns the transactions of the first call without touching the wallet.
func (l *Ledger) Post(ctx context.Context, key models.WalletKey, idempotencyKey string, postings ...Posting) ([]models.Transaction, error) {
	if err := validatePostings(postings); err != nil {
		return nil, err
	}
	key.Currency = normalizeCurrency(key.Currency)
	if key.Type == "" {
		key.Type = models.WalletSpot
	}

	var (
		out    []models.Transaction
		wallet *models.Wallet
	)
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, wallet, err = l.postTx(ctx, tx, key, idempotencyKey, postings)
		return err
	})
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		l.committed(ctx, wallet, out...)
	}
	return out, nil
}

// PostTx applies postings to one wallet inside the caller's store transaction,
// after any order rows the caller locked. The returned function publishes the
// wallet update and must only be called once tx committed.
func (l *Ledger) PostTx(ctx context.Context, tx store.Tx, key models.WalletKey, idempotencyKey string, postings ...Posting) ([]models.Transaction, func(), error) {
	if err := validatePostings(postings); err != nil {
		return nil, nil, err
	}
	key.Currency = normalizeCurrency(key.Currency)
	if key.Type == "" {
		key.Type = models.WalletSpot
	}
	out, wallet, err := l.postTx(ctx, tx, key, idempotencyKey, postings)
	if err != nil {
		return nil, nil, err
	}
	return out, func() {
		if wallet != nil {
			l.committed(ctx, wallet, out...)
		}
	}, nil
}

func validatePostings(postings []Posting) error {
	if len(postings) == 0 {
		return exception.NewValidation("at least one posting is required")
	}
	var msgs []string
	for i, p := range postings {
		if !p.Type.Valid() || p.Type == models.TxReversal {
			msgs = append(msgs, fmt.Sprintf("posting %d: unsupported type %q", i, p.Type))
		}
		if !p.Amount.IsPositive() {
			msgs = append(msgs, fmt.Sprintf("posting %d: amount must be positive", i))
		}
	}
	if len(msgs) > 0 {
		return exception.NewValidation(msgs...)
	}
	return nil
}

// postTx returns a nil wallet when the call was a replay
func (l *Ledger) postTx(ctx context.Context, tx store.Tx, key models.WalletKey, idempotencyKey string, postings []Posting) ([]models.Transaction, *models.Wallet, error) {
	w, err := tx.LockWallet(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock wallet %s: %w", key, err)
	}

	if idempotencyKey != "" {
		prior, err := replay(ctx, tx, idempotencyKey, len(postings))
		if err == nil {
			return prior, nil, nil
		}
		if !errors.Is(err, exception.ErrNotFound) {
			return nil, nil, err
		}
	}

	now := l.now()
	out := make([]models.Transaction, 0, len(postings))
	for i, p := range postings {
		txn := newTransaction(w, p, now)
		txn.IdempotencyKey = postingKey(idempotencyKey, i)
		if err := l.apply(w, txn, now, true); err != nil {
			return nil, nil, err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return nil, nil, fmt.Errorf("failed to insert %s transaction: %w", txn.Type, err)
		}
		out = append(out, *txn)
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, nil, fmt.Errorf("failed to save wallet %s: %w", w.ID, err)
	}
	return out, w, nil
}

func replay(ctx context.Context, tx store.Tx, key string, n int) ([]models.Transaction, error) {
	out := make([]models.Transaction, 0, n)
	for i := 0; i < n; i++ {
		txn, err := tx.TransactionByKey(ctx, postingKey(key, i))
		if err != nil {
			if i > 0 && errors.Is(err, exception.ErrNotFound) {
				return nil, exception.Conflict("idempotency key %q was used for a different batch", key)
			}
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, nil
}

// postingKey derives the key of the i-th row of a batch; the first row carries the key itself
func postingKey(key string, i int) string {
	if key == "" || i == 0 {
		return key
	}
	return fmt.Sprintf("%s#%d", key, i)
}

func newTransaction(w *models.Wallet, p Posting, now time.Time) *models.Transaction {
	return &models.Transaction{
		ID:            uuid.New(),
		WalletID:      w.ID,
		UserID:        w.UserID,
		Type:          p.Type,
		Amount:        p.Amount,
		Currency:      w.Currency,
		Status:        models.TxPending,
		BalanceBefore: w.Available,
		BalanceAfter:  w.Available,
		ReferenceID:   p.ReferenceID,
		ReferenceType: p.ReferenceType,
		Description:   p.Description,
		Metadata:      p.Metadata,
		CreatedAt:     now,
	}
}

// apply completes txn against w in memory. Limits are only enforced when the
// caller has not already checked them at request time.
func (l *Ledger) apply(w *models.Wallet, txn *models.Transaction, now time.Time, enforceLimits bool) error {
	// releases stay possible on a frozen wallet so cancels and expiries can
	// hand reserved funds back
	if w.Status != models.WalletActive && txn.Type != models.TxUnlock {
		return exception.Conflict("wallet %s is %s", w.ID, w.Status)
	}

	dAvail, dLocked := txn.Effect()
	available := w.Available.Add(dAvail)
	locked := w.Locked.Add(dLocked)
	if available.IsNegative() {
		return &exception.InsufficientFundsError{
			WalletID:  w.ID.String(),
			Currency:  w.Currency,
			Available: w.Available,
			Required:  dAvail.Neg(),
		}
	}
	if locked.IsNegative() {
		return exception.Conflict("wallet %s: releasing %s exceeds locked balance %s", w.ID, dLocked.Neg(), w.Locked)
	}

	if limited(txn.Type) {
		rollLimits(w, now)
		if enforceLimits {
			if err := checkLimits(w, txn.Amount); err != nil {
				return err
			}
		}
		w.DailyUsed = w.DailyUsed.Add(txn.Amount)
		w.MonthlyUsed = w.MonthlyUsed.Add(txn.Amount)
	}

	txn.BalanceBefore = w.Available
	w.Available = available
	w.Locked = locked
	w.Total = available.Add(locked)
	w.UpdatedAt = now
	txn.BalanceAfter = w.Available
	txn.Status = models.TxCompleted
	completed := now
	txn.CompletedAt = &completed
	return nil
}

func limited(t models.TransactionType) bool {
	return t == models.TxWithdrawal || t == models.TxTransferOut
}

// rollLimits resets the usage counters when the day or month rolled over
func rollLimits(w *models.Wallet, now time.Time) {
	last := w.LimitsResetAt
	if last.Year() != now.Year() || last.Month() != now.Month() {
		w.MonthlyUsed = decimal.Zero
		w.DailyUsed = decimal.Zero
	} else if last.Day() != now.Day() {
		w.DailyUsed = decimal.Zero
	}
	w.LimitsResetAt = now
}

func checkLimits(w *models.Wallet, amount decimal.Decimal) error {
	var msgs []string
	if w.DailyLimit.IsPositive() && w.DailyUsed.Add(amount).GreaterThan(w.DailyLimit) {
		msgs = append(msgs, fmt.Sprintf("daily limit %s %s exceeded", w.DailyLimit, w.Currency))
	}
	if w.MonthlyLimit.IsPositive() && w.MonthlyUsed.Add(amount).GreaterThan(w.MonthlyLimit) {
		msgs = append(msgs, fmt.Sprintf("monthly limit %s %s exceeded", w.MonthlyLimit, w.Currency))
	}
	if len(msgs) > 0 {
		return exception.NewValidation(msgs...)
	}
	return nil
}

// committed records metrics and emits wallet-updated after a successful commit
func (l *Ledger) committed(ctx context.Context, w *models.Wallet, txns ...models.Transaction) {
	for _, t := range txns {
		if t.Status == models.TxCompleted {
			l.metrics.LedgerPostings.WithLabelValues(string(t.Type)).Inc()
		}
	}
	ev, err := events.New(events.WalletUpdated, w.UserID, "", w)
	if err != nil {
		l.logger.Warnw("failed to build wallet event", "wallet", w.ID, "error", err)
		return
	}
	if err := l.events.Publish(ctx, ev); err != nil {
		l.logger.Warnw("failed to publish wallet event", "wallet", w.ID, "error", err)
	}
}

// RecordParams describes a transaction recorded through RecordTransaction
type RecordParams struct {
	UserID         string
	Currency       string
	Type           models.TransactionType
	Amount         decimal.Decimal
	Status         models.TransactionStatus // PENDING or COMPLETED; empty means COMPLETED
	Description    string
	ReferenceID    string
	ReferenceType  string
	IdempotencyKey string
	Metadata       models.Metadata
}

// RecordTransaction records a completed posting, or a PENDING one that does not
// touch any balance until UpdateTransactionStatus completes it.
func (l *Ledger) RecordTransaction(ctx context.Context, p RecordParams) (*models.Transaction, error) {
	posting := Posting{
		Type:          p.Type,
		Amount:        p.Amount,
		Description:   p.Description,
		ReferenceID:   p.ReferenceID,
		ReferenceType: p.ReferenceType,
		Metadata:      p.Metadata,
	}
	switch p.Status {
	case "", models.TxCompleted:
		out, err := l.Post(ctx, SpotKey(p.UserID, p.Currency), p.IdempotencyKey, posting)
		if err != nil {
			return nil, err
		}
		return &out[0], nil
	case models.TxPending:
		return l.recordPending(ctx, SpotKey(p.UserID, p.Currency), p.IdempotencyKey, posting)
	}
	return nil, exception.NewValidation(fmt.Sprintf("cannot record a transaction as %s", p.Status))
}

func (l *Ledger) recordPending(ctx context.Context, key models.WalletKey, idempotencyKey string, p Posting) (*models.Transaction, error) {
	if err := validatePostings([]Posting{p}); err != nil {
		return nil, err
	}
	var out *models.Transaction
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to lock wallet %s: %w", key, err)
		}
		if idempotencyKey != "" {
			prior, err := tx.TransactionByKey(ctx, idempotencyKey)
			if err == nil {
				out = prior
				return nil
			}
			if !errors.Is(err, exception.ErrNotFound) {
				return err
			}
		}
		if w.Status != models.WalletActive {
			return exception.Conflict("wallet %s is %s", w.ID, w.Status)
		}
		if limited(p.Type) {
			rollLimits(w, l.now())
			if err := checkLimits(w, p.Amount); err != nil {
				return err
			}
		}
		txn := newTransaction(w, p, l.now())
		txn.IdempotencyKey = idempotencyKey
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("failed to insert pending %s: %w", txn.Type, err)
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTransactionStatus moves a transaction forward. Completing a PENDING or
// PROCESSING transaction applies its balance effect; completing twice is a Conflict.
func (l *Ledger) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus, meta models.Metadata) (*models.Transaction, error) {
	var (
		out    *models.Transaction
		wallet *models.Wallet
	)
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		txn, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !txn.Status.CanTransition(status) {
			return exception.Conflict("transaction %s cannot move from %s to %s", id, txn.Status, status)
		}
		if meta != nil {
			txn.Metadata = meta
		}

		if status == models.TxCompleted {
			w, err := tx.LockWalletByID(ctx, txn.WalletID)
			if err != nil {
				return err
			}
			if err := l.apply(w, txn, l.now(), false); err != nil {
				return err
			}
			if err := tx.SaveWallet(ctx, w); err != nil {
				return err
			}
			wallet = w
		} else {
			txn.Status = status
			if status.IsFinal() {
				now := l.now()
				txn.CompletedAt = &now
			}
		}
		if err := tx.SaveTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		l.committed(ctx, wallet, *out)
	}
	return out, nil
}

// EnsureWallet returns the user's spot wallet in currency, creating it when missing
func (l *Ledger) EnsureWallet(ctx context.Context, userID, currency string) (*models.Wallet, error) {
	key := SpotKey(userID, currency)
	if w, err := l.store.GetWallet(ctx, key); err == nil {
		return w, nil
	}
	var out *models.Wallet
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, key)
		if err != nil {
			return err
		}
		out = w
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet %s: %w", key, err)
	}
	return out, nil
}

// Wallet returns the user's spot wallet in currency
func (l *Ledger) Wallet(ctx context.Context, userID, currency string) (*models.Wallet, error) {
	return l.store.GetWallet(ctx, SpotKey(userID, currency))
}

// Wallets lists every wallet of the user
func (l *Ledger) Wallets(ctx context.Context, userID string) ([]models.Wallet, error) {
	return l.store.ListUserWallets(ctx, userID)
}

// Transactions lists the ledger entries of a wallet in insertion order
func (l *Ledger) Transactions(ctx context.Context, walletID uuid.UUID) ([]models.Transaction, error) {
	return l.store.ListWalletTransactions(ctx, walletID)
}

// SetWalletStatus freezes, suspends, closes or reactivates a wallet
func (l *Ledger) SetWalletStatus(ctx context.Context, walletID uuid.UUID, status models.WalletStatus) (*models.Wallet, error) {
	return l.updateWallet(ctx, walletID, func(w *models.Wallet) error {
		switch status {
		case models.WalletActive, models.WalletFrozen, models.WalletSuspended, models.WalletClosed:
		default:
			return exception.NewValidation(fmt.Sprintf("unknown wallet status %q", status))
		}
		if w.Status == models.WalletClosed && status != models.WalletClosed {
			return exception.Conflict("wallet %s is closed", w.ID)
		}
		w.Status = status
		return nil
	})
}

// SetLimits sets the daily and monthly outflow limits; zero disables a limit
func (l *Ledger) SetLimits(ctx context.Context, walletID uuid.UUID, daily, monthly decimal.Decimal) (*models.Wallet, error) {
	return l.updateWallet(ctx, walletID, func(w *models.Wallet) error {
		if daily.IsNegative() || monthly.IsNegative() {
			return exception.NewValidation("limits cannot be negative")
		}
		w.DailyLimit = daily
		w.MonthlyLimit = monthly
		return nil
	})
}

func (l *Ledger) updateWallet(ctx context.Context, walletID uuid.UUID, fn func(w *models.Wallet) error) (*models.Wallet, error) {
	var out *models.Wallet
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWalletByID(ctx, walletID)
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
		w.UpdatedAt = l.now()
		out = w
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
