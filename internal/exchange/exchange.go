package exchange

import (
	"sort"
	"strings"
	"sync"
)

// Exchange manages one order book per symbol and the execution lock that
// serializes placement, cancellation and matching on a symbol.
type Exchange struct {
	mu    sync.RWMutex
	cfg   Config
	books map[string]*OrderBook
	locks map[string]*sync.Mutex
}

// NewExchange creates a new exchange
func NewExchange(cfg Config) *Exchange {
	return &Exchange{
		cfg:   cfg,
		books: make(map[string]*OrderBook),
		locks: make(map[string]*sync.Mutex),
	}
}

// Config returns the fee schedule and policies the books use
func (e *Exchange) Config() Config {
	return e.cfg
}

// Book returns the book for symbol, creating an empty one on first use
func (e *Exchange) Book(symbol string) *OrderBook {
	symbol = normalize(symbol)

	e.mu.RLock()
	b, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[symbol]; ok {
		return b
	}
	b = NewOrderBook(symbol, e.cfg)
	e.books[symbol] = b
	e.locks[symbol] = &sync.Mutex{}
	return b
}

// Lookup returns the book for symbol without creating it
func (e *Exchange) Lookup(symbol string) (*OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[normalize(symbol)]
	return b, ok
}

// Lock takes the execution lock of symbol and returns its release func
func (e *Exchange) Lock(symbol string) func() {
	e.Book(symbol)
	e.mu.RLock()
	l := e.locks[normalize(symbol)]
	e.mu.RUnlock()
	l.Lock()
	return l.Unlock
}

// MatchOrders runs a matching pass on symbol's book. The caller holds the
// symbol lock and commits the pass once it has been persisted.
func (e *Exchange) MatchOrders(symbol string) *MatchPass {
	return e.Book(symbol).Match()
}

// Symbols lists every symbol with a book, sorted
func (e *Exchange) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
