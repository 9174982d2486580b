package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/logging"
	"github.com/xtrntr/trendex/internal/metrics"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/payment"
	"github.com/xtrntr/trendex/internal/store"
	"go.uber.org/zap"
)

// PaymentDeps are the collaborators of Payments
type PaymentDeps struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Gateways *payment.Registry
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
}

// Payments moves money between wallets and external gateways
type Payments struct {
	store    store.Store
	ledger   *ledger.Ledger
	gateways *payment.Registry
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewPayments creates the payment flows
func NewPayments(d PaymentDeps) *Payments {
	p := &Payments{
		store:    d.Store,
		ledger:   d.Ledger,
		gateways: d.Gateways,
		events:   d.Events,
		metrics:  metrics.OrNop(d.Metrics),
		logger:   logging.OrNop(d.Logger).Named("payments"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if p.events == nil {
		p.events = events.Nop{}
	}
	return p
}

// Intent is a payment started with a gateway and recorded as PENDING
type Intent struct {
	Transaction *models.Transaction `json:"transaction"`
	Reference   string              `json:"reference"`
	RedirectURL string              `json:"redirect_url,omitempty"`
}

// Deposit starts a deposit. Nothing is credited until the gateway confirms it.
func (p *Payments) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal, gateway string) (*Intent, error) {
	if !amount.IsPositive() {
		return nil, exception.NewValidation("amount must be positive")
	}
	g, err := p.gateways.Get(gateway)
	if err != nil {
		return nil, err
	}
	resp, err := g.ProcessPayment(ctx, payment.Request{Kind: payment.KindDeposit, UserID: userID, Currency: currency, Amount: amount})
	if err != nil {
		return nil, &exception.ExternalServiceError{Service: g.Name(), Err: err}
	}
	txn, err := p.ledger.RequestDeposit(ctx, userID, currency, amount, g.Name(), resp.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to record deposit %s: %w", resp.Reference, err)
	}
	p.logger.Infow("deposit requested", "user", userID, "gateway", g.Name(), "reference", resp.Reference, "amount", amount, "currency", currency)
	return &Intent{Transaction: txn, Reference: resp.Reference, RedirectURL: resp.RedirectURL}, nil
}

// Withdraw starts a withdrawal, holding the amount until the gateway answers
func (p *Payments) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, gateway, destination string) (*Intent, error) {
	if !amount.IsPositive() {
		return nil, exception.NewValidation("amount must be positive")
	}
	g, err := p.gateways.Get(gateway)
	if err != nil {
		return nil, err
	}

	// refuse before the gateway is involved; the hold below re-checks under the wallet lock
	w, err := p.ledger.Wallet(ctx, userID, currency)
	switch {
	case errors.Is(err, exception.ErrNotFound):
		return nil, &exception.InsufficientFundsError{Currency: strings.ToUpper(currency), Available: decimal.Zero, Required: amount}
	case err != nil:
		return nil, err
	case w.Available.LessThan(amount):
		return nil, &exception.InsufficientFundsError{WalletID: w.ID.String(), Currency: w.Currency, Available: w.Available, Required: amount}
	}

	resp, err := g.ProcessPayment(ctx, payment.Request{
		Kind:        payment.KindWithdrawal,
		UserID:      userID,
		Currency:    currency,
		Amount:      amount,
		Destination: destination,
	})
	if err != nil {
		return nil, &exception.ExternalServiceError{Service: g.Name(), Err: err}
	}
	txn, err := p.ledger.RequestWithdrawal(ctx, userID, currency, amount, g.Name(), resp.Reference)
	if err != nil {
		p.logger.Errorw("gateway accepted a withdrawal the ledger refused", "gateway", g.Name(), "reference", resp.Reference, "error", err)
		return nil, fmt.Errorf("failed to record withdrawal %s: %w", resp.Reference, err)
	}
	p.logger.Infow("withdrawal requested", "user", userID, "gateway", g.Name(), "reference", resp.Reference, "amount", amount, "currency", currency)
	return &Intent{Transaction: txn, Reference: resp.Reference}, nil
}

// Confirm applies a gateway verdict. Redelivered verdicts are logged and ignored.
func (p *Payments) Confirm(ctx context.Context, gateway, reference string, status models.PaymentStatus, providerStatus string) (*ledger.PaymentResult, error) {
	res, err := p.ledger.ConfirmPayment(ctx, gateway, reference, status, providerStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm payment %s/%s: %w", gateway, reference, err)
	}
	if res.Duplicate {
		p.metrics.WebhookDuplicates.WithLabelValues(gateway).Inc()
		p.logger.Infow("duplicate payment confirmation ignored", "gateway", gateway, "reference", reference, "status", status)
		return res, nil
	}

	txn := res.Transaction
	if txn == nil || !status.IsFinal() {
		return res, nil
	}
	kind := strings.ToLower(string(txn.Type))
	p.metrics.PaymentsConfirmed.WithLabelValues(kind, string(status)).Inc()
	p.logger.Infow("payment confirmed",
		"gateway", gateway,
		"reference", reference,
		"kind", kind,
		"status", status,
		"amount", txn.Amount,
		"currency", txn.Currency,
	)

	var typ events.Type
	switch {
	case txn.Type == models.TxDeposit && status == models.PaymentSuccessful:
		typ = events.DepositCompleted
	case txn.Type == models.TxDeposit:
		typ = events.DepositFailed
	case status == models.PaymentSuccessful:
		typ = events.WithdrawalCompleted
	default:
		typ = events.WithdrawalFailed
	}
	if ev, err := events.New(typ, txn.UserID, "", txn); err == nil {
		if err := p.events.Publish(ctx, ev); err != nil {
			p.logger.Warnw("failed to publish event", "type", typ, "error", err)
		}
	}
	return res, nil
}

// HandleWebhook verifies a gateway callback and applies it
func (p *Payments) HandleWebhook(ctx context.Context, gateway string, payload []byte, signature string) (*ledger.PaymentResult, error) {
	g, err := p.gateways.Get(gateway)
	if err != nil {
		return nil, err
	}
	u, err := g.VerifyWebhook(payload, signature)
	if err != nil {
		p.logger.Warnw("webhook rejected", "gateway", g.Name(), "error", err)
		return nil, err
	}
	return p.Confirm(ctx, g.Name(), u.Reference, u.Status, u.ProviderStatus)
}

// PollPending asks the gateways about payments still pending after olderThan
// and applies every final answer. It returns how many payments were resolved.
func (p *Payments) PollPending(ctx context.Context, olderThan time.Duration) (int, error) {
	txns, err := p.store.ListPendingPayments(ctx, p.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to list pending payments: %w", err)
	}
	resolved := 0
	for _, txn := range txns {
		meta, ok := txn.Metadata.(models.PaymentMetadata)
		if !ok || meta.Gateway == "" {
			continue
		}
		g, err := p.gateways.Get(meta.Gateway)
		if err != nil {
			p.logger.Warnw("pending payment has no gateway", "transaction", txn.ID, "gateway", meta.Gateway)
			continue
		}
		u, err := g.CheckPaymentStatus(ctx, meta.Reference)
		if err != nil {
			p.logger.Warnw("payment status check failed", "gateway", meta.Gateway, "reference", meta.Reference, "error", err)
			continue
		}
		if !u.Status.IsFinal() {
			continue
		}
		if _, err := p.Confirm(ctx, meta.Gateway, meta.Reference, u.Status, u.ProviderStatus); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}
