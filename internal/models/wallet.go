package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletType separates balances a user holds in the same currency
type WalletType string

const (
	WalletSpot WalletType = "SPOT"
)

// WalletStatus controls whether a wallet accepts postings
type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletFrozen    WalletStatus = "FROZEN"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletClosed    WalletStatus = "CLOSED"
)

// WalletKey is the natural key of a wallet
type WalletKey struct {
	UserID   string
	Currency string
	Type     WalletType
}

// String renders the key for logs and lock maps
func (k WalletKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.UserID, k.Currency, k.Type)
}

// Wallet holds a user's balance in one currency
type Wallet struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"user_id"`
	Currency      string          `json:"currency"`
	Type          WalletType      `json:"wallet_type"`
	Available     decimal.Decimal `json:"available_balance"`
	Locked        decimal.Decimal `json:"locked_balance"`
	Total         decimal.Decimal `json:"total_balance"`
	DailyLimit    decimal.Decimal `json:"daily_limit"`
	DailyUsed     decimal.Decimal `json:"daily_used"`
	MonthlyLimit  decimal.Decimal `json:"monthly_limit"`
	MonthlyUsed   decimal.Decimal `json:"monthly_used"`
	LimitsResetAt time.Time       `json:"limits_reset_at"`
	Status        WalletStatus    `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewWallet creates an empty active wallet for key
func NewWallet(key WalletKey, now time.Time) *Wallet {
	return &Wallet{
		ID:            uuid.New(),
		UserID:        key.UserID,
		Currency:      key.Currency,
		Type:          key.Type,
		Status:        WalletActive,
		LimitsResetAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Key returns the natural key of the wallet
func (w *Wallet) Key() WalletKey {
	return WalletKey{UserID: w.UserID, Currency: w.Currency, Type: w.Type}
}

// Balanced reports whether total == available + locked
func (w *Wallet) Balanced() bool {
	return w.Total.Equal(w.Available.Add(w.Locked))
}

// TransactionType determines the direction of a ledger entry
type TransactionType string

const (
	TxDeposit         TransactionType = "DEPOSIT"
	TxWithdrawal      TransactionType = "WITHDRAWAL"
	TxTradeBuy        TransactionType = "TRADE_BUY"
	TxTradeSell       TransactionType = "TRADE_SELL"
	TxTradeSettlement TransactionType = "TRADE_SETTLEMENT"
	TxFee             TransactionType = "FEE"
	TxCommission      TransactionType = "COMMISSION"
	TxTransferIn      TransactionType = "TRANSFER_IN"
	TxTransferOut     TransactionType = "TRANSFER_OUT"
	TxLock            TransactionType = "LOCK"
	TxUnlock          TransactionType = "UNLOCK"
	TxReversal        TransactionType = "REVERSAL"
)

// Effect returns the signed change of available and locked balance for amount.
// REVERSAL has no fixed direction; use Transaction.Effect for it.
func (t TransactionType) Effect(amount decimal.Decimal) (available, locked decimal.Decimal) {
	switch t {
	case TxDeposit, TxTransferIn, TxTradeBuy, TxTradeSell:
		return amount, decimal.Zero
	case TxWithdrawal, TxTransferOut, TxTradeSettlement, TxFee, TxCommission:
		return amount.Neg(), decimal.Zero
	case TxLock:
		return amount.Neg(), amount
	case TxUnlock:
		return amount, amount.Neg()
	}
	return decimal.Zero, decimal.Zero
}

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxTradeBuy, TxTradeSell, TxTradeSettlement, TxFee, TxCommission,
		TxTransferIn, TxTransferOut, TxLock, TxUnlock, TxReversal:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a ledger entry
type TransactionStatus string

const (
	TxPending    TransactionStatus = "PENDING"
	TxProcessing TransactionStatus = "PROCESSING"
	TxCompleted  TransactionStatus = "COMPLETED"
	TxFailed     TransactionStatus = "FAILED"
	TxCancelled  TransactionStatus = "CANCELLED"
)

// IsFinal reports whether the status can no longer change
func (s TransactionStatus) IsFinal() bool {
	return s == TxCompleted || s == TxFailed || s == TxCancelled
}

// CanTransition reports whether from -> to is a forward transition
func (s TransactionStatus) CanTransition(to TransactionStatus) bool {
	switch s {
	case TxPending:
		return to == TxProcessing || to.IsFinal()
	case TxProcessing:
		return to.IsFinal()
	}
	return false
}

// Reference types linking a transaction to the object that caused it
const (
	RefOrder      = "ORDER"
	RefDeposit    = "DEPOSIT"
	RefWithdrawal = "WITHDRAWAL"
	RefTransfer   = "TRANSFER"
	RefReversal   = "REVERSAL"
)

// Transaction is an immutable ledger entry against one wallet
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	WalletID       uuid.UUID         `json:"wallet_id"`
	UserID         string            `json:"user_id"`
	Type           TransactionType   `json:"type"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	BalanceBefore  decimal.Decimal   `json:"balance_before"`
	BalanceAfter   decimal.Decimal   `json:"balance_after"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	ReferenceType  string            `json:"reference_type,omitempty"`
	Description    string            `json:"description,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       Metadata          `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Effect returns the signed change this transaction applies when completed
func (t *Transaction) Effect() (available, locked decimal.Decimal) {
	if t.Type != TxReversal {
		return t.Type.Effect(t.Amount)
	}
	meta, ok := t.Metadata.(ReversalMetadata)
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	a, l := meta.OriginalType.Effect(t.Amount)
	return a.Neg(), l.Neg()
}

// PaymentStatus is what a payment gateway reports for a deposit or withdrawal
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentSuccessful PaymentStatus = "successful"
	PaymentFailed     PaymentStatus = "failed"
)

// IsFinal reports whether the gateway will not change its answer
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentSuccessful || s == PaymentFailed
}
