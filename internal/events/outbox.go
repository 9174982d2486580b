package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

var (
	outboxLower = []byte("event/")
	outboxUpper = []byte("event/~")
)

// Outbox is a durable queue of events on pebble. Publish appends; a Relay
// drains it to a downstream publisher and deletes what was delivered.
type Outbox struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

// OpenOutbox opens or creates the outbox under dir. fs may be nil for the OS filesystem.
func OpenOutbox(dir string, fs vfs.FS) (*Outbox, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	o := &Outbox{db: db}
	if err := o.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) loadSeq() error {
	iter, err := o.db.NewIter(&pebble.IterOptions{LowerBound: outboxLower, UpperBound: outboxUpper})
	if err != nil {
		return fmt.Errorf("failed to scan outbox: %w", err)
	}
	defer iter.Close()
	if iter.Last() {
		o.seq = seqOf(iter.Key())
	}
	return nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Publish durably appends events in one synced batch
func (o *Outbox) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	batch := o.db.NewBatch()
	defer batch.Close()

	seq := o.seq
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", e.ID, err)
		}
		seq++
		if err := batch.Set(keyFor(seq), value, nil); err != nil {
			return fmt.Errorf("failed to stage event %s: %w", e.ID, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to append events to outbox: %w", err)
	}
	o.seq = seq
	return nil
}

type stored struct {
	seq   uint64
	event Event
}

// pending returns up to limit undelivered events in append order
func (o *Outbox) pending(limit int) ([]stored, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{LowerBound: outboxLower, UpperBound: outboxUpper})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox: %w", err)
	}
	defer iter.Close()

	var out []stored
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("corrupt outbox entry %d: %w", seqOf(iter.Key()), err)
		}
		out = append(out, stored{seq: seqOf(iter.Key()), event: e})
	}
	return out, nil
}

// Len counts undelivered events
func (o *Outbox) Len() (int, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{LowerBound: outboxLower, UpperBound: outboxUpper})
	if err != nil {
		return 0, fmt.Errorf("failed to scan outbox: %w", err)
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, nil
}

func (o *Outbox) ack(through uint64) error {
	return o.db.DeleteRange(outboxLower, keyFor(through+1), pebble.Sync)
}

func keyFor(seq uint64) []byte {
	key := make([]byte, len(outboxLower)+8)
	copy(key, outboxLower)
	binary.BigEndian.PutUint64(key[len(outboxLower):], seq)
	return key
}

func seqOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(outboxLower):])
}

// Relay moves events from the outbox to a downstream publisher
type Relay struct {
	outbox    *Outbox
	next      Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.SugaredLogger
	onPending func(n int)
}

// NewRelay creates a relay polling every interval
func NewRelay(outbox *Outbox, next Publisher, interval time.Duration, logger *zap.SugaredLogger) *Relay {
	return &Relay{
		outbox:    outbox,
		next:      next,
		interval:  interval,
		batchSize: 256,
		logger:    logger,
		onPending: func(int) {},
	}
}

// OnPending registers a callback receiving the outbox length after each round
func (r *Relay) OnPending(fn func(n int)) {
	r.onPending = fn
}

// Run relays until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				r.logger.Warnw("outbox relay failed, will retry", "error", err)
			}
		}
	}
}

// RelayOnce delivers everything currently pending and returns how many events were delivered
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	delivered := 0
	defer func() {
		if n, err := r.outbox.Len(); err == nil {
			r.onPending(n)
		}
	}()

	for {
		batch, err := r.outbox.pending(r.batchSize)
		if err != nil {
			return delivered, err
		}
		if len(batch) == 0 {
			return delivered, nil
		}

		events := make([]Event, len(batch))
		for i, s := range batch {
			events[i] = s.event
		}
		if err := r.next.Publish(ctx, events...); err != nil {
			return delivered, err
		}
		if err := r.outbox.ack(batch[len(batch)-1].seq); err != nil {
			return delivered, fmt.Errorf("failed to ack relayed events: %w", err)
		}
		delivered += len(batch)
	}
}
