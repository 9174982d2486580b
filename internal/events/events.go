package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/trendex/internal/metrics"
)

// Type names a domain event
type Type string

const (
	OrderPlaced         Type = "order.placed"
	OrderRejected       Type = "order.rejected"
	OrderMatched        Type = "order.matched"
	OrderFilled         Type = "order.filled"
	OrderCancelled      Type = "order.cancelled"
	OrderExpired        Type = "order.expired"
	OrderTriggered      Type = "order.triggered"
	WalletUpdated       Type = "wallet.updated"
	DepositCompleted    Type = "deposit.completed"
	DepositFailed       Type = "deposit.failed"
	WithdrawalCompleted Type = "withdrawal.completed"
	WithdrawalFailed    Type = "withdrawal.failed"
	SettlementFlagged   Type = "settlement.flagged"
)

// Event is one domain event. Key partitions the stream (a user id or symbol).
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      Type            `json:"type"`
	Key       string          `json:"key"`
	UserID    string          `json:"user_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event with payload encoded as JSON
func New(typ Type, userID, symbol string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	key := userID
	if key == "" {
		key = symbol
	}
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		Key:       key,
		UserID:    userID,
		Symbol:    symbol,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Publisher delivers domain events to whoever listens
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(ctx context.Context, events ...Event) error { return nil }

// Multi fans events out to several publishers and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Counted counts every event its publisher accepted, by type
type Counted struct {
	Next    Publisher
	Metrics *metrics.Metrics
}

func (c Counted) Publish(ctx context.Context, events ...Event) error {
	if err := c.Next.Publish(ctx, events...); err != nil {
		return err
	}
	m := metrics.OrNop(c.Metrics)
	for _, e := range events {
		m.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	}
	return nil
}

// Recorder keeps every published event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of what was recorded
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of typ
func (r *Recorder) OfType(typ Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
