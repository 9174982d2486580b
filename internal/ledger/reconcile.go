package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
)

// DriftTolerance is the largest difference between stored and replayed balances treated as equal
var DriftTolerance = decimal.New(1, -models.AmountScale)

// Reconciliation compares a wallet's stored balances with a replay of its ledger
type Reconciliation struct {
	WalletID          uuid.UUID       `json:"wallet_id"`
	UserID            string          `json:"user_id"`
	Currency          string          `json:"currency"`
	StoredAvailable   decimal.Decimal `json:"stored_available"`
	StoredLocked      decimal.Decimal `json:"stored_locked"`
	StoredTotal       decimal.Decimal `json:"stored_total"`
	ExpectedAvailable decimal.Decimal `json:"expected_available"`
	ExpectedLocked    decimal.Decimal `json:"expected_locked"`
	Transactions      int             `json:"transactions"`
	Balanced          bool            `json:"balanced"`
}

// Err returns a DriftError when the wallet does not balance
func (r *Reconciliation) Err() error {
	if r.Balanced {
		return nil
	}
	stored, expected := r.StoredAvailable, r.ExpectedAvailable
	if !drifts(stored, expected) {
		stored, expected = r.StoredLocked, r.ExpectedLocked
	}
	if !drifts(stored, expected) {
		stored, expected = r.StoredTotal, r.ExpectedAvailable.Add(r.ExpectedLocked)
	}
	return &exception.DriftError{
		WalletID:    r.WalletID.String(),
		Stored:      stored,
		Expected:    expected,
		Discrepancy: stored.Sub(expected),
	}
}

func drifts(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().GreaterThan(DriftTolerance)
}

// ReconcileWallet replays every COMPLETED transaction of the wallet under its
// lock and reports drift. Drift is logged and counted but never corrected.
func (l *Ledger) ReconcileWallet(ctx context.Context, walletID uuid.UUID) (*Reconciliation, error) {
	var rec *Reconciliation
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWalletByID(ctx, walletID)
		if err != nil {
			return err
		}
		txns, err := l.store.ListWalletTransactions(ctx, walletID)
		if err != nil {
			return fmt.Errorf("failed to load transactions of wallet %s: %w", walletID, err)
		}
		rec = replayBalances(w, txns)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.metrics.ReconciliationRuns.Inc()
	if !rec.Balanced {
		l.metrics.ReconciliationDrift.Inc()
		l.logger.Errorw("wallet balance drift detected",
			"wallet", rec.WalletID,
			"user", rec.UserID,
			"currency", rec.Currency,
			"stored_available", rec.StoredAvailable,
			"expected_available", rec.ExpectedAvailable,
			"stored_locked", rec.StoredLocked,
			"expected_locked", rec.ExpectedLocked,
		)
	}
	return rec, nil
}

func replayBalances(w *models.Wallet, txns []models.Transaction) *Reconciliation {
	available, locked := decimal.Zero, decimal.Zero
	n := 0
	for i := range txns {
		if txns[i].Status != models.TxCompleted {
			continue
		}
		a, l := txns[i].Effect()
		available = available.Add(a)
		locked = locked.Add(l)
		n++
	}
	rec := &Reconciliation{
		WalletID:          w.ID,
		UserID:            w.UserID,
		Currency:          w.Currency,
		StoredAvailable:   w.Available,
		StoredLocked:      w.Locked,
		StoredTotal:       w.Total,
		ExpectedAvailable: available,
		ExpectedLocked:    locked,
		Transactions:      n,
	}
	rec.Balanced = !drifts(w.Available, available) &&
		!drifts(w.Locked, locked) &&
		!drifts(w.Total, available.Add(locked))
	return rec
}

// RollbackKey is the idempotency key of the reversal of a transaction
func RollbackKey(id uuid.UUID) string {
	return "rollback:" + id.String()
}

// RollbackTransaction posts a REVERSAL that undoes a COMPLETED transaction.
// It is idempotent per original and refused when it would overdraw the wallet.
func (l *Ledger) RollbackTransaction(ctx context.Context, id uuid.UUID, reason string) (*models.Transaction, error) {
	var (
		out    *models.Transaction
		wallet *models.Wallet
	)
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		orig, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		w, err := tx.LockWalletByID(ctx, orig.WalletID)
		if err != nil {
			return err
		}
		if prior, err := tx.TransactionByKey(ctx, RollbackKey(id)); err == nil {
			out = prior
			return nil
		} else if !errors.Is(err, exception.ErrNotFound) {
			return err
		}
		if orig.Status != models.TxCompleted {
			return exception.Conflict("transaction %s is %s, only completed transactions can be rolled back", id, orig.Status)
		}
		if orig.Type == models.TxReversal {
			return exception.Conflict("transaction %s is itself a reversal", id)
		}

		now := l.now()
		txn := newTransaction(w, Posting{
			Type:          models.TxReversal,
			Amount:        orig.Amount,
			Description:   "reversal of " + string(orig.Type),
			ReferenceID:   orig.ID.String(),
			ReferenceType: models.RefReversal,
			Metadata:      models.ReversalMetadata{OriginalID: orig.ID, OriginalType: orig.Type, Reason: reason},
		}, now)
		txn.IdempotencyKey = RollbackKey(id)
		if err := l.apply(w, txn, now, false); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn
		wallet = w
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		l.committed(ctx, wallet, *out)
	}
	return out, nil
}
