package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/models"
)

const walletColumns = `id, user_id, currency, wallet_type,
	available::text, locked::text, total::text,
	daily_limit::text, daily_used::text, monthly_limit::text, monthly_used::text,
	limits_reset_at, status, created_at, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	var available, locked, total, dailyLimit, dailyUsed, monthlyLimit, monthlyUsed string
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Type,
		&available, &locked, &total,
		&dailyLimit, &dailyUsed, &monthlyLimit, &monthlyUsed,
		&w.LimitsResetAt, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	var d decoder
	w.Available = d.dec(available)
	w.Locked = d.dec(locked)
	w.Total = d.dec(total)
	w.DailyLimit = d.dec(dailyLimit)
	w.DailyUsed = d.dec(dailyUsed)
	w.MonthlyLimit = d.dec(monthlyLimit)
	w.MonthlyUsed = d.dec(monthlyUsed)
	if d.err != nil {
		return nil, fmt.Errorf("failed to decode wallet %s: %w", w.ID, d.err)
	}
	return &w, nil
}

func queryWallets(ctx context.Context, q querier, sql string, args ...any) ([]models.Wallet, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// GetWallet retrieves a wallet by natural key
func (db *DB) GetWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error) {
	w, err := scanWallet(db.Pool.QueryRow(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1 AND currency = $2 AND wallet_type = $3
	`, key.UserID, key.Currency, key.Type))
	if err != nil {
		return nil, notFound(err, "wallet", key)
	}
	return w, nil
}

// GetWalletByID retrieves a wallet by id
func (db *DB) GetWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	w, err := scanWallet(db.Pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "wallet", id)
	}
	return w, nil
}

// ListUserWallets retrieves all wallets of a user
func (db *DB) ListUserWallets(ctx context.Context, userID string) ([]models.Wallet, error) {
	return queryWallets(ctx, db.Pool,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
}

// ListWallets retrieves every wallet ordered by creation time
func (db *DB) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	return queryWallets(ctx, db.Pool, `SELECT `+walletColumns+` FROM wallets ORDER BY created_at ASC, id ASC`)
}

// LockWallet creates the wallet when missing, then locks its row. The insert
// races safely with other creators through the unique natural key.
func (tx *pgTx) LockWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error) {
	now := time.Now().UTC()
	_, err := tx.tx.Exec(ctx, `
		INSERT INTO wallets (id, user_id, currency, wallet_type, limits_reset_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $5, $5)
		ON CONFLICT (user_id, currency, wallet_type) DO NOTHING
	`, uuid.New(), key.UserID, key.Currency, key.Type, now, models.WalletActive)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet %s: %w", key, err)
	}

	w, err := scanWallet(tx.tx.QueryRow(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1 AND currency = $2 AND wallet_type = $3
		FOR UPDATE
	`, key.UserID, key.Currency, key.Type))
	if err != nil {
		return nil, notFound(err, "wallet", key)
	}
	return w, nil
}

func (tx *pgTx) LockWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	w, err := scanWallet(tx.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "wallet", id)
	}
	return w, nil
}

func (tx *pgTx) SaveWallet(ctx context.Context, w *models.Wallet) error {
	tag, err := tx.tx.Exec(ctx, `
		UPDATE wallets SET
			available = $2, locked = $3, total = $4,
			daily_limit = $5, daily_used = $6, monthly_limit = $7, monthly_used = $8,
			limits_reset_at = $9, status = $10, updated_at = $11
		WHERE id = $1
	`, w.ID, w.Available.String(), w.Locked.String(), w.Total.String(),
		w.DailyLimit.String(), w.DailyUsed.String(), w.MonthlyLimit.String(), w.MonthlyUsed.String(),
		w.LimitsResetAt, w.Status, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return exception.NotFound("wallet", w.ID)
	}
	return nil
}

const txnColumns = `id, wallet_id, user_id, type, amount::text, currency, status,
	balance_before::text, balance_after::text, reference_id, reference_type, description,
	COALESCE(idempotency_key, ''), metadata, created_at, completed_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var amount, before, after string
	var meta []byte
	err := row.Scan(&t.ID, &t.WalletID, &t.UserID, &t.Type, &amount, &t.Currency, &t.Status,
		&before, &after, &t.ReferenceID, &t.ReferenceType, &t.Description,
		&t.IdempotencyKey, &meta, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	var d decoder
	t.Amount = d.dec(amount)
	t.BalanceBefore = d.dec(before)
	t.BalanceAfter = d.dec(after)
	if d.err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", t.ID, d.err)
	}
	if t.Metadata, err = models.DecodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return &t, nil
}

func queryTransactions(ctx context.Context, q querier, sql string, args ...any) ([]models.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

// GetTransaction retrieves a ledger entry by id
func (db *DB) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(db.Pool.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return t, nil
}

// GetTransactionByKey retrieves a ledger entry by idempotency key
func (db *DB) GetTransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	return transactionByKey(ctx, db.Pool, key)
}

func transactionByKey(ctx context.Context, q querier, key string) (*models.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, notFound(err, "transaction", key)
	}
	return t, nil
}

// ListWalletTransactions retrieves a wallet's entries in insertion order
func (db *DB) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]models.Transaction, error) {
	return queryTransactions(ctx, db.Pool,
		`SELECT `+txnColumns+` FROM transactions WHERE wallet_id = $1 ORDER BY seq ASC`, walletID)
}

// ListPendingPayments retrieves deposits and withdrawals still waiting for the gateway
func (db *DB) ListPendingPayments(ctx context.Context, createdBefore time.Time) ([]models.Transaction, error) {
	return queryTransactions(ctx, db.Pool, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE type IN ('DEPOSIT', 'WITHDRAWAL')
		  AND status IN ('PENDING', 'PROCESSING')
		  AND created_at < $1
		ORDER BY seq ASC
	`, createdBefore)
}

func (tx *pgTx) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	meta, err := models.EncodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(ctx, `
		INSERT INTO transactions (id, wallet_id, user_id, type, amount, currency, status,
			balance_before, balance_after, reference_id, reference_type, description,
			idempotency_key, metadata, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, t.WalletID, t.UserID, t.Type, t.Amount.String(), t.Currency, t.Status,
		t.BalanceBefore.String(), t.BalanceAfter.String(), t.ReferenceID, t.ReferenceType, t.Description,
		nullString(t.IdempotencyKey), meta, t.CreatedAt, t.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return exception.Conflict("duplicate idempotency key %q", t.IdempotencyKey)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (tx *pgTx) LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(tx.tx.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return t, nil
}

func (tx *pgTx) TransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	return transactionByKey(ctx, tx.tx, key)
}

// SaveTransaction updates the mutable part of an entry: its status, balances
// and metadata
func (tx *pgTx) SaveTransaction(ctx context.Context, t *models.Transaction) error {
	meta, err := models.EncodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	tag, err := tx.tx.Exec(ctx, `
		UPDATE transactions SET
			status = $2, balance_before = $3, balance_after = $4, description = $5,
			metadata = $6, completed_at = $7
		WHERE id = $1
	`, t.ID, t.Status, t.BalanceBefore.String(), t.BalanceAfter.String(), t.Description, meta, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return exception.NotFound("transaction", t.ID)
	}
	return nil
}

// GetSettlement retrieves the settlement row of an order
func (db *DB) GetSettlement(ctx context.Context, orderID uuid.UUID) (*models.Settlement, error) {
	var s models.Settlement
	err := db.Pool.QueryRow(ctx, `
		SELECT order_id, status, flagged, attempts, last_error, updated_at
		FROM settlements WHERE order_id = $1
	`, orderID).Scan(&s.OrderID, &s.Status, &s.Flagged, &s.Attempts, &s.LastError, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "settlement", orderID)
	}
	return &s, nil
}

// ListUnsettledOrders retrieves orders with outstanding settlement work
func (db *DB) ListUnsettledOrders(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT s.order_id
		FROM settlements s
		JOIN orders o ON o.id = s.order_id
		WHERE s.status <> 'COMPLETED' AND NOT s.flagged
		ORDER BY o.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled orders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (tx *pgTx) SaveSettlement(ctx context.Context, s *models.Settlement) error {
	_, err := tx.tx.Exec(ctx, `
		INSERT INTO settlements (order_id, status, flagged, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			flagged = EXCLUDED.flagged,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, s.OrderID, s.Status, s.Flagged, s.Attempts, s.LastError, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save settlement: %w", err)
	}
	return nil
}

// ClaimEvent inserts key into processed_events; a conflicting insert blocks on
// the uncommitted claim of another transaction and then reports it as taken
func (tx *pgTx) ClaimEvent(ctx context.Context, key string) (bool, error) {
	tag, err := tx.tx.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, key)
	if err != nil {
		return false, fmt.Errorf("failed to claim event %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}
