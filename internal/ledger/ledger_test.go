package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
	"go.uber.org/zap/zaptest"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLedger(t *testing.T) (*Ledger, *store.Memory, *events.Recorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := &events.Recorder{}
	l := New(Deps{
		Store:  mem,
		Rates:  FixedRates{"USD/ZAR": d("18")},
		Events: rec,
		Logger: zaptest.NewLogger(t).Sugar(),
		Config: Config{ConversionFeeRate: d("0.005")},
	})
	return l, mem, rec
}

func deposit(t *testing.T, l *Ledger, user, currency, amount string) {
	t.Helper()
	_, err := l.Post(context.Background(), SpotKey(user, currency), "", Posting{Type: models.TxDeposit, Amount: d(amount)})
	require.NoError(t, err)
}

func wallet(t *testing.T, l *Ledger, user, currency string) *models.Wallet {
	t.Helper()
	w, err := l.Wallet(context.Background(), user, currency)
	require.NoError(t, err)
	require.True(t, w.Balanced(), "total %s != available %s + locked %s", w.Total, w.Available, w.Locked)
	return w
}

func assertBalances(t *testing.T, w *models.Wallet, available, locked string) {
	t.Helper()
	assert.True(t, w.Available.Equal(d(available)), "available: want %s got %s", available, w.Available)
	assert.True(t, w.Locked.Equal(d(locked)), "locked: want %s got %s", locked, w.Locked)
}

func TestLedger_LockUnlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, _, rec := newLedger(t)
	deposit(t, l, "u1", "ZAR", "1000")

	lock, err := l.LockFunds(ctx, "u1", d("250.5"), "zar", "order hold")
	require.NoError(t, err)
	assert.Equal(t, models.TxLock, lock.Type)
	assert.True(t, lock.BalanceBefore.Equal(d("1000")))
	assert.True(t, lock.BalanceAfter.Equal(d("749.5")))
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "749.5", "250.5")

	_, err = l.UnlockFunds(ctx, "u1", d("250.5"), "ZAR", "order released")
	require.NoError(t, err)
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "1000", "0")

	assert.Len(t, rec.OfType(events.WalletUpdated), 3)
}

// Locking more than is available changes nothing
func TestLedger_LockFunds_ScenarioC(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	deposit(t, l, "u1", "ZAR", "500")
	before := wallet(t, l, "u1", "ZAR")

	_, err := l.LockFunds(ctx, "u1", d("1000"), "ZAR", "too much")
	require.ErrorIs(t, err, exception.ErrInsufficientFunds)

	var funds *exception.InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	assert.True(t, funds.Available.Equal(d("500")))
	assert.True(t, funds.Required.Equal(d("1000")))

	after := wallet(t, l, "u1", "ZAR")
	assert.Equal(t, before, after)
	txns, err := l.Transactions(ctx, after.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestLedger_LockFunds_NoWalletCreatesNothing(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)

	_, err := l.LockFunds(ctx, "ghost", d("1"), "ZAR", "hold")
	require.ErrorIs(t, err, exception.ErrInsufficientFunds)

	_, err = l.Wallet(ctx, "ghost", "ZAR")
	assert.ErrorIs(t, err, exception.ErrNotFound)
}

func TestLedger_Post(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	deposit(t, l, "u1", "ZAR", "100")
	key := SpotKey("u1", "ZAR")

	t.Run("BatchIsAtomic", func(t *testing.T) {
		_, err := l.Post(ctx, key, "batch-1",
			Posting{Type: models.TxLock, Amount: d("50")},
			Posting{Type: models.TxUnlock, Amount: d("80")},
		)
		require.ErrorIs(t, err, exception.ErrConflict)
		assertBalances(t, wallet(t, l, "u1", "ZAR"), "100", "0")
	})

	t.Run("ReplayReturnsOriginalRows", func(t *testing.T) {
		first, err := l.Post(ctx, key, "batch-2",
			Posting{Type: models.TxLock, Amount: d("40")},
			Posting{Type: models.TxUnlock, Amount: d("10")},
		)
		require.NoError(t, err)
		require.Len(t, first, 2)

		again, err := l.Post(ctx, key, "batch-2",
			Posting{Type: models.TxLock, Amount: d("40")},
			Posting{Type: models.TxUnlock, Amount: d("10")},
		)
		require.NoError(t, err)
		assert.Equal(t, first[0].ID, again[0].ID)
		assert.Equal(t, first[1].ID, again[1].ID)
		assertBalances(t, wallet(t, l, "u1", "ZAR"), "70", "30")
	})

	t.Run("RejectsBadPostings", func(t *testing.T) {
		tests := []struct {
			name     string
			postings []Posting
		}{
			{name: "Empty"},
			{name: "ZeroAmount", postings: []Posting{{Type: models.TxDeposit, Amount: decimal.Zero}}},
			{name: "NegativeAmount", postings: []Posting{{Type: models.TxDeposit, Amount: d("-1")}}},
			{name: "UnknownType", postings: []Posting{{Type: "BONUS", Amount: d("1")}}},
			{name: "ReversalNeedsRollback", postings: []Posting{{Type: models.TxReversal, Amount: d("1")}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := l.Post(ctx, key, "", tt.postings...)
				assert.ErrorIs(t, err, exception.ErrValidation)
			})
		}
	})
}

func TestLedger_PendingTransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)

	pending, err := l.RecordTransaction(ctx, RecordParams{
		UserID:   "u1",
		Currency: "ZAR",
		Type:     models.TxDeposit,
		Amount:   d("300"),
		Status:   models.TxPending,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, pending.Status)
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "0", "0")

	done, err := l.UpdateTransactionStatus(ctx, pending.ID, models.TxCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, done.Status)
	assert.True(t, done.BalanceAfter.Sub(done.BalanceBefore).Equal(d("300")))
	require.NotNil(t, done.CompletedAt)
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "300", "0")

	_, err = l.UpdateTransactionStatus(ctx, pending.ID, models.TxCompleted, nil)
	assert.ErrorIs(t, err, exception.ErrConflict)
	_, err = l.UpdateTransactionStatus(ctx, pending.ID, models.TxFailed, nil)
	assert.ErrorIs(t, err, exception.ErrConflict)
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "300", "0")

	failed, err := l.RecordTransaction(ctx, RecordParams{UserID: "u1", Currency: "ZAR", Type: models.TxDeposit, Amount: d("5"), Status: models.TxPending})
	require.NoError(t, err)
	failed, err = l.UpdateTransactionStatus(ctx, failed.ID, models.TxFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TxFailed, failed.Status)
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "300", "0")

	_, err = l.RecordTransaction(ctx, RecordParams{UserID: "u1", Currency: "ZAR", Type: models.TxDeposit, Amount: d("5"), Status: models.TxFailed})
	assert.ErrorIs(t, err, exception.ErrValidation)
}

func TestLedger_RecordDoubleEntry(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	deposit(t, l, "alice", "ZAR", "100")

	tr, err := l.RecordDoubleEntry(ctx, "alice", "bob", d("40"), "ZAR", "rent", WithIdempotencyKey("t-1"))
	require.NoError(t, err)
	assert.Equal(t, models.TxTransferOut, tr.Out.Type)
	assert.Equal(t, models.TxTransferIn, tr.In.Type)
	assert.Equal(t, tr.Out.ReferenceID, tr.In.ReferenceID)
	assertBalances(t, wallet(t, l, "alice", "ZAR"), "60", "0")
	assertBalances(t, wallet(t, l, "bob", "ZAR"), "40", "0")

	again, err := l.RecordDoubleEntry(ctx, "alice", "bob", d("40"), "ZAR", "rent", WithIdempotencyKey("t-1"))
	require.NoError(t, err)
	assert.Equal(t, tr.Out.ID, again.Out.ID)
	assertBalances(t, wallet(t, l, "alice", "ZAR"), "60", "0")

	_, err = l.RecordDoubleEntry(ctx, "alice", "bob", d("61"), "ZAR", "too much")
	assert.ErrorIs(t, err, exception.ErrInsufficientFunds)
	assertBalances(t, wallet(t, l, "bob", "ZAR"), "40", "0")

	_, err = l.RecordDoubleEntry(ctx, "alice", "alice", d("1"), "ZAR", "self")
	assert.ErrorIs(t, err, exception.ErrValidation)
}

func TestLedger_ConvertAndTransfer(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	deposit(t, l, "alice", "USD", "100")

	tr, err := l.ConvertAndTransfer(ctx, "alice", "bob", d("10"), "USD", "ZAR", "fx")
	require.NoError(t, err)
	// 10 USD * 18 = 180 ZAR, less 0.5%
	assert.True(t, tr.Rate.Equal(d("18")))
	assert.True(t, tr.Fee.Equal(d("0.9")))
	assert.True(t, tr.In.Amount.Equal(d("179.1")))
	assertBalances(t, wallet(t, l, "alice", "USD"), "90", "0")
	assertBalances(t, wallet(t, l, "bob", "ZAR"), "179.1", "0")

	meta, ok := tr.In.Metadata.(models.TransferMetadata)
	require.True(t, ok)
	assert.Equal(t, "USD", meta.SourceCurrency)
	assert.Equal(t, "ZAR", meta.TargetCurrency)

	back, err := l.ConvertAndTransfer(ctx, "bob", "alice", d("18"), "ZAR", "USD", "fx back")
	require.NoError(t, err)
	assert.True(t, back.In.Amount.Equal(d("0.995")), "got %s", back.In.Amount)

	_, err = l.ConvertAndTransfer(ctx, "alice", "bob", d("1"), "USD", "EUR", "no rate")
	assert.ErrorIs(t, err, exception.ErrValidation)
}

func TestLedger_ReconcileWallet(t *testing.T) {
	ctx := context.Background()
	l, mem, _ := newLedger(t)
	deposit(t, l, "u1", "ZAR", "100")
	_, err := l.LockFunds(ctx, "u1", d("30"), "ZAR", "hold")
	require.NoError(t, err)
	_, err = l.RecordTransaction(ctx, RecordParams{UserID: "u1", Currency: "ZAR", Type: models.TxDeposit, Amount: d("999"), Status: models.TxPending})
	require.NoError(t, err)

	w := wallet(t, l, "u1", "ZAR")
	rec, err := l.ReconcileWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)
	assert.NoError(t, rec.Err())
	assert.Equal(t, 2, rec.Transactions)

	// Corrupt the stored balance behind the ledger's back
	require.NoError(t, mem.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWalletByID(ctx, w.ID)
		if err != nil {
			return err
		}
		w.Available = w.Available.Add(d("5"))
		w.Total = w.Available.Add(w.Locked)
		return tx.SaveWallet(ctx, w)
	}))

	rec, err = l.ReconcileWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, rec.Balanced)
	var drift *exception.DriftError
	require.ErrorAs(t, rec.Err(), &drift)
	assert.True(t, drift.Discrepancy.Equal(d("5")))
	assert.ErrorIs(t, rec.Err(), exception.ErrReconciliationDrift)

	// Report only: nothing was corrected
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "75", "30")
}

func TestLedger_RollbackTransaction(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	out, err := l.Post(ctx, SpotKey("u1", "ZAR"), "", Posting{Type: models.TxDeposit, Amount: d("100")})
	require.NoError(t, err)
	dep := out[0]

	lock, err := l.LockFunds(ctx, "u1", d("20"), "ZAR", "hold")
	require.NoError(t, err)

	rev, err := l.RollbackTransaction(ctx, lock.ID, "order failed")
	require.NoError(t, err)
	assert.Equal(t, models.TxReversal, rev.Type)
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "100", "0")

	again, err := l.RollbackTransaction(ctx, lock.ID, "order failed")
	require.NoError(t, err)
	assert.Equal(t, rev.ID, again.ID)
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "100", "0")

	_, err = l.RollbackTransaction(ctx, rev.ID, "undo undo")
	assert.ErrorIs(t, err, exception.ErrConflict)

	// Reversing the deposit after spending it would overdraw
	_, err = l.Post(ctx, SpotKey("u1", "ZAR"), "", Posting{Type: models.TxFee, Amount: d("50")})
	require.NoError(t, err)
	_, err = l.RollbackTransaction(ctx, dep.ID, "chargeback")
	assert.ErrorIs(t, err, exception.ErrInsufficientFunds)

	_, err = l.RollbackTransaction(ctx, uuid.New(), "missing")
	assert.ErrorIs(t, err, exception.ErrNotFound)

	w := wallet(t, l, "u1", "ZAR")
	rec, err := l.ReconcileWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)
}

func TestLedger_WalletStatusAndLimits(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	deposit(t, l, "u1", "ZAR", "1000")
	w := wallet(t, l, "u1", "ZAR")

	_, err := l.SetLimits(ctx, w.ID, d("100"), d("150"))
	require.NoError(t, err)

	_, err = l.RecordDoubleEntry(ctx, "u1", "u2", d("60"), "ZAR", "first")
	require.NoError(t, err)
	_, err = l.RecordDoubleEntry(ctx, "u1", "u2", d("60"), "ZAR", "second")
	assert.ErrorIs(t, err, exception.ErrValidation)
	assert.True(t, wallet(t, l, "u1", "ZAR").DailyUsed.Equal(d("60")))

	// Locks are not outflows
	_, err = l.LockFunds(ctx, "u1", d("500"), "ZAR", "hold")
	require.NoError(t, err)

	_, err = l.SetWalletStatus(ctx, w.ID, models.WalletFrozen)
	require.NoError(t, err)
	_, err = l.LockFunds(ctx, "u1", d("10"), "ZAR", "hold")
	assert.ErrorIs(t, err, exception.ErrConflict)
	_, err = l.RecordDoubleEntry(ctx, "u1", "u2", d("10"), "ZAR", "frozen")
	assert.ErrorIs(t, err, exception.ErrConflict)

	// a frozen wallet can still have its reservations released
	_, err = l.UnlockFunds(ctx, "u1", d("500"), "ZAR", "release")
	require.NoError(t, err)
	frozen := wallet(t, l, "u1", "ZAR")
	assert.Equal(t, models.WalletFrozen, frozen.Status)
	assert.True(t, frozen.Locked.IsZero())

	_, err = l.SetWalletStatus(ctx, w.ID, models.WalletActive)
	require.NoError(t, err)
	_, err = l.LockFunds(ctx, "u1", d("10"), "ZAR", "hold")
	require.NoError(t, err)

	_, err = l.SetWalletStatus(ctx, w.ID, models.WalletClosed)
	require.NoError(t, err)
	_, err = l.SetWalletStatus(ctx, w.ID, models.WalletActive)
	assert.ErrorIs(t, err, exception.ErrConflict)
}

func TestLedger_Deposit_ScenarioD(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)

	req, err := l.RequestDeposit(ctx, "u1", "ZAR", d("250"), "sandbox", "R1")
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, req.Status)

	// Requesting again with the same reference returns the same row
	again, err := l.RequestDeposit(ctx, "u1", "ZAR", d("250"), "sandbox", "R1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)

	first, err := l.ConfirmPayment(ctx, "sandbox", "R1", models.PaymentSuccessful, "success")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, models.TxCompleted, first.Transaction.Status)

	second, err := l.ConfirmPayment(ctx, "sandbox", "R1", models.PaymentSuccessful, "success")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	late, err := l.ConfirmPayment(ctx, "sandbox", "R1", models.PaymentFailed, "reversed")
	require.NoError(t, err)
	assert.True(t, late.Duplicate)

	assertBalances(t, wallet(t, l, "u1", "ZAR"), "250", "0")

	_, err = l.ConfirmPayment(ctx, "sandbox", "UNKNOWN", models.PaymentSuccessful, "success")
	assert.ErrorIs(t, err, exception.ErrNotFound)
	// The failed attempt did not consume the webhook key
	_, err = l.RequestDeposit(ctx, "u1", "ZAR", d("1"), "sandbox", "UNKNOWN")
	require.NoError(t, err)
	res, err := l.ConfirmPayment(ctx, "sandbox", "UNKNOWN", models.PaymentSuccessful, "success")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestLedger_Withdrawal(t *testing.T) {
	tests := []struct {
		name          string
		status        models.PaymentStatus
		wantStatus    models.TransactionStatus
		wantAvailable string
	}{
		{name: "Successful", status: models.PaymentSuccessful, wantStatus: models.TxCompleted, wantAvailable: "600"},
		{name: "Failed", status: models.PaymentFailed, wantStatus: models.TxFailed, wantAvailable: "1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, _, _ := newLedger(t)
			deposit(t, l, "u1", "ZAR", "1000")

			req, err := l.RequestWithdrawal(ctx, "u1", "ZAR", d("400"), "sandbox", "W1")
			require.NoError(t, err)
			assert.Equal(t, models.TxPending, req.Status)
			assertBalances(t, wallet(t, l, "u1", "ZAR"), "600", "400")

			pending, err := l.ConfirmPayment(ctx, "sandbox", "W1", models.PaymentPending, "queued")
			require.NoError(t, err)
			assert.Equal(t, models.TxProcessing, pending.Transaction.Status)

			res, err := l.ConfirmPayment(ctx, "sandbox", "W1", tt.status, string(tt.status))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Transaction.Status)
			assertBalances(t, wallet(t, l, "u1", "ZAR"), tt.wantAvailable, "0")

			w := wallet(t, l, "u1", "ZAR")
			rec, err := l.ReconcileWallet(ctx, w.ID)
			require.NoError(t, err)
			assert.True(t, rec.Balanced)
		})
	}

	t.Run("InsufficientFunds", func(t *testing.T) {
		l, _, _ := newLedger(t)
		deposit(t, l, "u1", "ZAR", "10")
		_, err := l.RequestWithdrawal(context.Background(), "u1", "ZAR", d("11"), "sandbox", "W2")
		assert.ErrorIs(t, err, exception.ErrInsufficientFunds)
	})
}

func TestLedger_ConcurrentLocksNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	deposit(t, l, "u1", "ZAR", "100")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.LockFunds(ctx, "u1", d("3"), "ZAR", "hold"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, succeeded)
	assertBalances(t, wallet(t, l, "u1", "ZAR"), "1", "99")
}
