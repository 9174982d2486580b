// Package store defines the persistence boundary of the trading core.
//
// Store reads are snapshot reads without locks. Every mutation happens inside
// WithTx; the Tx row-lock methods (LockOrder, LockWallet, LockTransaction)
// hold an exclusive lock until the transaction commits or rolls back, so a
// read-compute-write unit on one wallet is serialized against every other unit
// on the same wallet.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/trendex/internal/models"
)

// Store is implemented by the PostgreSQL database and the in-memory store
type Store interface {
	// WithTx runs fn in one atomic unit; any error rolls every write back
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID string) ([]models.Order, error)
	// ListOpenOrders returns OPEN and PARTIAL_FILLED orders in time priority
	ListOpenOrders(ctx context.Context) ([]models.Order, error)
	// ListOrdersByStatus returns unarchived orders in status last updated before the cutoff
	ListOrdersByStatus(ctx context.Context, statuses []models.OrderStatus, updatedBefore time.Time) ([]models.Order, error)
	// ListExpiredOrders returns open orders whose expiry is at or before now
	ListExpiredOrders(ctx context.Context, now time.Time) ([]models.Order, error)

	ListUserTrades(ctx context.Context, userID string) ([]models.Trade, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)

	GetWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error)
	GetWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	ListUserWallets(ctx context.Context, userID string) ([]models.Wallet, error)
	ListWallets(ctx context.Context) ([]models.Wallet, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	// ListWalletTransactions returns the wallet's entries in insertion order
	ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]models.Transaction, error)
	// ListPendingPayments returns unresolved (PENDING or PROCESSING) deposits and withdrawals created before the cutoff
	ListPendingPayments(ctx context.Context, createdBefore time.Time) ([]models.Transaction, error)

	GetSettlement(ctx context.Context, orderID uuid.UUID) (*models.Settlement, error)
	// ListUnsettledOrders returns orders whose settlement is neither completed nor flagged
	ListUnsettledOrders(ctx context.Context) ([]uuid.UUID, error)
}

// Tx is one atomic unit of work
type Tx interface {
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	SaveOrder(ctx context.Context, order *models.Order) error
	InsertTrade(ctx context.Context, trade *models.Trade) error

	// LockWallet returns the wallet for key, creating it when missing, and locks it
	LockWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error)
	LockWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	SaveWallet(ctx context.Context, wallet *models.Wallet) error

	// InsertTransaction fails with exception.ErrConflict on a duplicate idempotency key
	InsertTransaction(ctx context.Context, txn *models.Transaction) error
	LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	TransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	SaveTransaction(ctx context.Context, txn *models.Transaction) error

	SaveSettlement(ctx context.Context, s *models.Settlement) error
	// ClaimEvent records an idempotency key; it returns false when the key was already claimed
	ClaimEvent(ctx context.Context, key string) (bool, error)
}
