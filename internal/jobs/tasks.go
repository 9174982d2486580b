package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/ledger"
	"github.com/xtrntr/trendex/internal/metrics"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
)

// OrderCloser expires orders
type OrderCloser interface {
	ExpireOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

// StopTrigger activates the stops of a symbol
type StopTrigger interface {
	TriggerStops(ctx context.Context, symbol string) (int, error)
}

// WalletReconciler replays a wallet's ledger against its balances
type WalletReconciler interface {
	ReconcileWallet(ctx context.Context, walletID uuid.UUID) (*ledger.Reconciliation, error)
}

// ExpireOrders closes open orders whose time in force ran out
func ExpireOrders(st store.Store, c OrderCloser, now func() time.Time) Task {
	return func(ctx context.Context) (int, error) {
		orders, err := st.ListExpiredOrders(ctx, now())
		if err != nil {
			return 0, wrap("list expired orders", err)
		}
		n := 0
		for _, o := range orders {
			_, err := c.ExpireOrder(ctx, o.ID)
			switch {
			case err == nil:
				n++
			case errors.Is(err, exception.ErrConflict):
				// closed by a fill or cancel since the listing
			default:
				return n, wrap("expire order "+o.ID.String(), err)
			}
		}
		return n, nil
	}
}

// TriggerStops checks the stops of every symbol against its last price. Stops
// normally fire inside the pass that moved the price; this catches prices set
// from outside a pass, such as a reference price.
func TriggerStops(t StopTrigger, symbols func() []string) Task {
	return func(ctx context.Context) (int, error) {
		n := 0
		for _, s := range symbols() {
			k, err := t.TriggerStops(ctx, s)
			n += k
			if err != nil {
				return n, wrap("trigger stops of "+s, err)
			}
		}
		return n, nil
	}
}

var terminal = []models.OrderStatus{
	models.StatusFilled,
	models.StatusCancelled,
	models.StatusRejected,
	models.StatusExpired,
}

// ArchiveOrders marks terminal orders older than after as archived once their
// settlement is complete. Archived orders stay queryable.
func ArchiveOrders(st store.Store, after time.Duration, m *metrics.Metrics, now func() time.Time) Task {
	m = metrics.OrNop(m)
	return func(ctx context.Context) (int, error) {
		orders, err := st.ListOrdersByStatus(ctx, terminal, now().Add(-after))
		if err != nil {
			return 0, wrap("list terminal orders", err)
		}
		n := 0
		for _, o := range orders {
			s, err := st.GetSettlement(ctx, o.ID)
			switch {
			case err == nil && s.Status != models.SettlementCompleted:
				continue
			case err != nil && !errors.Is(err, exception.ErrNotFound):
				return n, wrap("get settlement", err)
			}

			archived := false
			err = st.WithTx(ctx, func(tx store.Tx) error {
				cur, err := tx.LockOrder(ctx, o.ID)
				if err != nil {
					return err
				}
				if cur.ArchivedAt != nil {
					return nil
				}
				at := now()
				cur.ArchivedAt = &at
				archived = true
				return tx.SaveOrder(ctx, cur)
			})
			if err != nil {
				return n, wrap("archive order "+o.ID.String(), err)
			}
			if archived {
				m.OrdersArchived.Inc()
				n++
			}
		}
		return n, nil
	}
}

// ReconcileWallets replays every wallet and returns how many drifted. Drift is
// reported by the reconciler and never corrected here.
func ReconcileWallets(st store.Store, r WalletReconciler) Task {
	return func(ctx context.Context) (int, error) {
		wallets, err := st.ListWallets(ctx)
		if err != nil {
			return 0, wrap("list wallets", err)
		}
		drifted := 0
		for _, w := range wallets {
			rec, err := r.ReconcileWallet(ctx, w.ID)
			if err != nil {
				return drifted, wrap("reconcile wallet "+w.ID.String(), err)
			}
			if !rec.Balanced {
				drifted++
			}
		}
		return drifted, nil
	}
}

// After adapts an operation that takes an age cutoff, like recovery of
// interrupted placements or polling of stale payments
func After(olderThan time.Duration, fn func(ctx context.Context, olderThan time.Duration) (int, error)) Task {
	return func(ctx context.Context) (int, error) {
		return fn(ctx, olderThan)
	}
}
