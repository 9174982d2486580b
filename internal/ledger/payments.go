package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
)

// PaymentKey is the idempotency key of the ledger row of an external payment
func PaymentKey(gateway, reference string) string {
	return "payment:" + gateway + ":" + reference
}

// WebhookKey is the processed-event key claimed by a final payment confirmation
func WebhookKey(gateway, reference string) string {
	return "webhook:" + gateway + ":" + reference
}

// RequestDeposit records a PENDING deposit that credits nothing until confirmed
func (l *Ledger) RequestDeposit(ctx context.Context, userID, currency string, amount decimal.Decimal, gateway, reference string) (*models.Transaction, error) {
	if gateway == "" || reference == "" {
		return nil, exception.NewValidation("gateway and reference are required")
	}
	return l.RecordTransaction(ctx, RecordParams{
		UserID:         userID,
		Currency:       currency,
		Type:           models.TxDeposit,
		Amount:         amount,
		Status:         models.TxPending,
		Description:    "deposit via " + gateway,
		ReferenceID:    reference,
		ReferenceType:  models.RefDeposit,
		IdempotencyKey: PaymentKey(gateway, reference),
		Metadata:       models.PaymentMetadata{Gateway: gateway, Reference: reference},
	})
}

// RequestWithdrawal locks amount and records a PENDING withdrawal in one unit.
// The lock is released again when the gateway confirms either outcome.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID, currency string, amount decimal.Decimal, gateway, reference string) (*models.Transaction, error) {
	if gateway == "" || reference == "" {
		return nil, exception.NewValidation("gateway and reference are required")
	}
	if !amount.IsPositive() {
		return nil, exception.NewValidation("amount must be positive")
	}

	key := PaymentKey(gateway, reference)
	var (
		out    *models.Transaction
		lock   *models.Transaction
		wallet *models.Wallet
	)
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, SpotKey(userID, currency))
		if err != nil {
			return err
		}
		if prior, err := tx.TransactionByKey(ctx, key); err == nil {
			out = prior
			return nil
		} else if !errors.Is(err, exception.ErrNotFound) {
			return err
		}

		now := l.now()
		rollLimits(w, now)
		if err := checkLimits(w, amount); err != nil {
			return err
		}

		lock = newTransaction(w, Posting{
			Type:          models.TxLock,
			Amount:        amount,
			Description:   "withdrawal hold",
			ReferenceID:   reference,
			ReferenceType: models.RefWithdrawal,
			Metadata:      models.LockMetadata{Reason: "withdrawal " + reference},
		}, now)
		lock.IdempotencyKey = key + ":lock"
		if err := l.apply(w, lock, now, false); err != nil {
			return err
		}

		out = newTransaction(w, Posting{
			Type:          models.TxWithdrawal,
			Amount:        amount,
			Description:   "withdrawal via " + gateway,
			ReferenceID:   reference,
			ReferenceType: models.RefWithdrawal,
			Metadata:      models.PaymentMetadata{Gateway: gateway, Reference: reference, Reserved: true},
		}, now)
		out.IdempotencyKey = key

		for _, txn := range []*models.Transaction{lock, out} {
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return fmt.Errorf("failed to insert %s: %w", txn.Type, err)
			}
		}
		wallet = w
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		l.committed(ctx, wallet, *lock)
	}
	return out, nil
}

// PaymentResult is the outcome of ConfirmPayment
type PaymentResult struct {
	Transaction *models.Transaction
	// Duplicate is set when the confirmation had already been processed
	Duplicate bool
}

// ConfirmPayment applies a gateway's verdict on a deposit or withdrawal.
// A final verdict claims the webhook key in the same unit as the ledger
// change, so a redelivered confirmation is a no-op.
func (l *Ledger) ConfirmPayment(ctx context.Context, gateway, reference string, status models.PaymentStatus, providerStatus string) (*PaymentResult, error) {
	res := &PaymentResult{}
	var (
		wallet  *models.Wallet
		touched []models.Transaction
	)
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		if status.IsFinal() {
			claimed, err := tx.ClaimEvent(ctx, WebhookKey(gateway, reference))
			if err != nil {
				return fmt.Errorf("failed to claim webhook: %w", err)
			}
			if !claimed {
				res.Duplicate = true
				return nil
			}
		}

		found, err := tx.TransactionByKey(ctx, PaymentKey(gateway, reference))
		if err != nil {
			return err
		}
		txn, err := tx.LockTransaction(ctx, found.ID)
		if err != nil {
			return err
		}
		res.Transaction = txn
		if txn.Status.IsFinal() {
			res.Duplicate = true
			return nil
		}

		meta, _ := txn.Metadata.(models.PaymentMetadata)
		meta.ProviderStatus = providerStatus
		txn.Metadata = meta

		now := l.now()
		switch status {
		case models.PaymentPending:
			if txn.Status == models.TxPending {
				txn.Status = models.TxProcessing
			}
			return tx.SaveTransaction(ctx, txn)

		case models.PaymentSuccessful, models.PaymentFailed:
			w, err := tx.LockWalletByID(ctx, txn.WalletID)
			if err != nil {
				return err
			}
			if meta.Reserved {
				unlock := newTransaction(w, Posting{
					Type:          models.TxUnlock,
					Amount:        txn.Amount,
					Description:   "withdrawal hold released",
					ReferenceID:   reference,
					ReferenceType: models.RefWithdrawal,
					Metadata:      models.LockMetadata{Reason: "withdrawal " + string(status)},
				}, now)
				unlock.IdempotencyKey = PaymentKey(gateway, reference) + ":unlock"
				if err := l.apply(w, unlock, now, false); err != nil {
					return err
				}
				if err := tx.InsertTransaction(ctx, unlock); err != nil {
					return err
				}
				touched = append(touched, *unlock)
			}

			if status == models.PaymentSuccessful {
				if err := l.apply(w, txn, now, false); err != nil {
					return err
				}
			} else {
				meta.FailureReason = providerStatus
				txn.Metadata = meta
				txn.Status = models.TxFailed
				txn.CompletedAt = &now
			}
			if err := tx.SaveTransaction(ctx, txn); err != nil {
				return err
			}
			touched = append(touched, *txn)
			wallet = w
			return tx.SaveWallet(ctx, w)
		}
		return exception.NewValidation(fmt.Sprintf("unknown payment status %q", status))
	})
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		l.committed(ctx, wallet, touched...)
	}
	return res, nil
}
