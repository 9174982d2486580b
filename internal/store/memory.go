package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/models"
)

// Memory is an in-process Store. Row locks are per-key mutexes held for the
// life of a transaction; writes are staged and applied together on commit.
type Memory struct {
	mu sync.Mutex

	orders     map[uuid.UUID]*models.Order
	orderSeq   []uuid.UUID
	trades     []models.Trade
	wallets    map[uuid.UUID]*models.Wallet
	walletKeys map[models.WalletKey]uuid.UUID
	txns       map[uuid.UUID]*models.Transaction
	txnSeq     []uuid.UUID
	txnKeys    map[string]uuid.UUID
	settles    map[uuid.UUID]*models.Settlement
	events     map[string]struct{}

	locks     map[string]*sync.Mutex
	commitErr []error
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		orders:     make(map[uuid.UUID]*models.Order),
		wallets:    make(map[uuid.UUID]*models.Wallet),
		walletKeys: make(map[models.WalletKey]uuid.UUID),
		txns:       make(map[uuid.UUID]*models.Transaction),
		txnKeys:    make(map[string]uuid.UUID),
		settles:    make(map[uuid.UUID]*models.Settlement),
		events:     make(map[string]struct{}),
		locks:      make(map[string]*sync.Mutex),
	}
}

// FailNextCommit makes the next commit return err without applying anything
func (m *Memory) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = append(m.commitErr, err)
}

// WithTx runs fn in a staged transaction
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := newMemTx(m)
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *Memory) rowLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// GetOrder retrieves an order by id
func (m *Memory) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, exception.NotFound("order", id)
	}
	return o.Clone(), nil
}

// ListUserOrders retrieves all orders for a user
func (m *Memory) ListUserOrders(ctx context.Context, userID string) ([]models.Order, error) {
	return m.filterOrders(func(o *models.Order) bool { return o.UserID == userID }), nil
}

// ListOpenOrders retrieves resting orders in time priority
func (m *Memory) ListOpenOrders(ctx context.Context) ([]models.Order, error) {
	orders := m.filterOrders(func(o *models.Order) bool { return o.Status.IsOpen() })
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].PriorityTime().Before(orders[j].PriorityTime())
	})
	return orders, nil
}

// ListOrdersByStatus retrieves unarchived orders in one of statuses
func (m *Memory) ListOrdersByStatus(ctx context.Context, statuses []models.OrderStatus, updatedBefore time.Time) ([]models.Order, error) {
	want := make(map[models.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return m.filterOrders(func(o *models.Order) bool {
		return want[o.Status] && o.ArchivedAt == nil && o.UpdatedAt.Before(updatedBefore)
	}), nil
}

// ListExpiredOrders retrieves open orders past their expiry
func (m *Memory) ListExpiredOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	return m.filterOrders(func(o *models.Order) bool {
		return o.Status.IsOpen() && o.ExpiresAt != nil && !o.ExpiresAt.After(now)
	}), nil
}

func (m *Memory) filterOrders(keep func(o *models.Order) bool) []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, id := range m.orderSeq {
		if o := m.orders[id]; keep(o) {
			out = append(out, *o.Clone())
		}
	}
	return out
}

// ListUserTrades retrieves trades where the user was on either side
func (m *Memory) ListUserTrades(ctx context.Context, userID string) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trade
	for _, t := range m.trades {
		if t.BidUserID == userID || t.AskUserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListTrades retrieves the most recent trades of a symbol, newest first
func (m *Memory) ListTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trade
	for i := len(m.trades) - 1; i >= 0; i-- {
		if m.trades[i].Symbol != symbol {
			continue
		}
		out = append(out, m.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetWallet retrieves a wallet by natural key
func (m *Memory) GetWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.walletKeys[key]
	if !ok {
		return nil, exception.NotFound("wallet", key)
	}
	w := *m.wallets[id]
	return &w, nil
}

// GetWalletByID retrieves a wallet by id
func (m *Memory) GetWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, exception.NotFound("wallet", id)
	}
	c := *w
	return &c, nil
}

// ListUserWallets retrieves all wallets of a user
func (m *Memory) ListUserWallets(ctx context.Context, userID string) ([]models.Wallet, error) {
	all, _ := m.ListWallets(ctx)
	var out []models.Wallet
	for _, w := range all {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out, nil
}

// ListWallets retrieves every wallet ordered by creation time
func (m *Memory) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetTransaction retrieves a ledger entry by id
func (m *Memory) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, exception.NotFound("transaction", id)
	}
	c := *t
	return &c, nil
}

// GetTransactionByKey retrieves a ledger entry by idempotency key
func (m *Memory) GetTransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.txnKeys[key]
	if !ok {
		return nil, exception.NotFound("transaction", key)
	}
	c := *m.txns[id]
	return &c, nil
}

// ListWalletTransactions retrieves a wallet's entries in insertion order
func (m *Memory) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]models.Transaction, error) {
	return m.filterTxns(func(t *models.Transaction) bool { return t.WalletID == walletID }), nil
}

// ListPendingPayments retrieves deposits and withdrawals still waiting for the gateway
func (m *Memory) ListPendingPayments(ctx context.Context, createdBefore time.Time) ([]models.Transaction, error) {
	return m.filterTxns(func(t *models.Transaction) bool {
		return (t.Type == models.TxDeposit || t.Type == models.TxWithdrawal) &&
			(t.Status == models.TxPending || t.Status == models.TxProcessing) && t.CreatedAt.Before(createdBefore)
	}), nil
}

func (m *Memory) filterTxns(keep func(t *models.Transaction) bool) []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, id := range m.txnSeq {
		if t := m.txns[id]; keep(t) {
			out = append(out, *t)
		}
	}
	return out
}

// GetSettlement retrieves the settlement row of an order
func (m *Memory) GetSettlement(ctx context.Context, orderID uuid.UUID) (*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settles[orderID]
	if !ok {
		return nil, exception.NotFound("settlement", orderID)
	}
	c := *s
	return &c, nil
}

// ListUnsettledOrders retrieves orders with outstanding settlement work
func (m *Memory) ListUnsettledOrders(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, id := range m.orderSeq {
		if s, ok := m.settles[id]; ok && s.Status != models.SettlementCompleted && !s.Flagged {
			out = append(out, id)
		}
	}
	return out, nil
}

type memTx struct {
	m    *Memory
	held map[string]*sync.Mutex
	keys []string

	orders      map[uuid.UUID]*models.Order
	trades      []models.Trade
	wallets     map[uuid.UUID]*models.Wallet
	walletKeys  map[models.WalletKey]uuid.UUID
	txns        map[uuid.UUID]*models.Transaction
	txnSeq      []uuid.UUID
	txnKeys     map[string]uuid.UUID
	settlements map[uuid.UUID]*models.Settlement
	events      map[string]struct{}
}

func newMemTx(m *Memory) *memTx {
	return &memTx{
		m:           m,
		held:        make(map[string]*sync.Mutex),
		orders:      make(map[uuid.UUID]*models.Order),
		wallets:     make(map[uuid.UUID]*models.Wallet),
		walletKeys:  make(map[models.WalletKey]uuid.UUID),
		txns:        make(map[uuid.UUID]*models.Transaction),
		txnKeys:     make(map[string]uuid.UUID),
		settlements: make(map[uuid.UUID]*models.Settlement),
		events:      make(map[string]struct{}),
	}
}

func (tx *memTx) lock(key string) {
	if _, ok := tx.held[key]; ok {
		return
	}
	l := tx.m.rowLock(key)
	l.Lock()
	tx.held[key] = l
	tx.keys = append(tx.keys, key)
}

func (tx *memTx) release() {
	for i := len(tx.keys) - 1; i >= 0; i-- {
		tx.held[tx.keys[i]].Unlock()
	}
	tx.held = nil
	tx.keys = nil
}

func (tx *memTx) commit() error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.commitErr) > 0 {
		err := m.commitErr[0]
		m.commitErr = m.commitErr[1:]
		return err
	}

	for id, o := range tx.orders {
		if _, ok := m.orders[id]; !ok {
			m.orderSeq = append(m.orderSeq, id)
		}
		m.orders[id] = o
	}
	m.trades = append(m.trades, tx.trades...)
	for id, w := range tx.wallets {
		m.wallets[id] = w
	}
	for k, id := range tx.walletKeys {
		m.walletKeys[k] = id
	}
	for _, id := range tx.txnSeq {
		m.txnSeq = append(m.txnSeq, id)
	}
	for id, t := range tx.txns {
		m.txns[id] = t
	}
	for k, id := range tx.txnKeys {
		m.txnKeys[k] = id
	}
	for id, s := range tx.settlements {
		m.settles[id] = s
	}
	for k := range tx.events {
		m.events[k] = struct{}{}
	}
	return nil
}

func (tx *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	tx.lock("order:" + id.String())
	if o, ok := tx.orders[id]; ok {
		return o.Clone(), nil
	}
	return tx.m.GetOrder(ctx, id)
}

func (tx *memTx) SaveOrder(ctx context.Context, order *models.Order) error {
	tx.orders[order.ID] = order.Clone()
	return nil
}

func (tx *memTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	tx.trades = append(tx.trades, *trade)
	return nil
}

func (tx *memTx) LockWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error) {
	tx.lock("wallet:" + key.String())
	if id, ok := tx.walletKeys[key]; ok {
		w := *tx.wallets[id]
		return &w, nil
	}

	w, err := tx.m.GetWallet(ctx, key)
	if err == nil {
		if staged, ok := tx.wallets[w.ID]; ok {
			c := *staged
			return &c, nil
		}
		return w, nil
	}

	// Key lock is held, so nobody else can create this wallet concurrently
	w = models.NewWallet(key, time.Now().UTC())
	tx.wallets[w.ID] = w
	tx.walletKeys[key] = w.ID
	c := *w
	return &c, nil
}

func (tx *memTx) LockWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	if w, ok := tx.wallets[id]; ok {
		tx.lock("wallet:" + w.Key().String())
		c := *w
		return &c, nil
	}
	w, err := tx.m.GetWalletByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx.LockWallet(ctx, w.Key())
}

func (tx *memTx) SaveWallet(ctx context.Context, wallet *models.Wallet) error {
	w := *wallet
	tx.wallets[w.ID] = &w
	return nil
}

func (tx *memTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	if txn.IdempotencyKey != "" {
		tx.lock("txkey:" + txn.IdempotencyKey)
		if _, err := tx.TransactionByKey(ctx, txn.IdempotencyKey); err == nil {
			return exception.Conflict("duplicate idempotency key %q", txn.IdempotencyKey)
		}
		tx.txnKeys[txn.IdempotencyKey] = txn.ID
	}
	c := *txn
	tx.txns[c.ID] = &c
	tx.txnSeq = append(tx.txnSeq, c.ID)
	return nil
}

func (tx *memTx) LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	tx.lock("txn:" + id.String())
	if t, ok := tx.txns[id]; ok {
		c := *t
		return &c, nil
	}
	return tx.m.GetTransaction(ctx, id)
}

func (tx *memTx) TransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	if id, ok := tx.txnKeys[key]; ok {
		c := *tx.txns[id]
		return &c, nil
	}
	t, err := tx.m.GetTransactionByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if staged, ok := tx.txns[t.ID]; ok {
		c := *staged
		return &c, nil
	}
	return t, nil
}

func (tx *memTx) SaveTransaction(ctx context.Context, txn *models.Transaction) error {
	c := *txn
	if _, ok := tx.txns[c.ID]; !ok {
		if _, err := tx.m.GetTransaction(ctx, c.ID); err != nil {
			return err
		}
	}
	tx.txns[c.ID] = &c
	return nil
}

func (tx *memTx) SaveSettlement(ctx context.Context, s *models.Settlement) error {
	c := *s
	tx.settlements[c.OrderID] = &c
	return nil
}

func (tx *memTx) ClaimEvent(ctx context.Context, key string) (bool, error) {
	tx.lock("event:" + key)
	if _, ok := tx.events[key]; ok {
		return false, nil
	}
	tx.m.mu.Lock()
	_, claimed := tx.m.events[key]
	tx.m.mu.Unlock()
	if claimed {
		return false, nil
	}
	tx.events[key] = struct{}{}
	return true, nil
}
