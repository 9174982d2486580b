package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trendex"

// Metrics holds the collectors of the trading core
type Metrics struct {
	OrdersPlaced        *prometheus.CounterVec
	OrdersRejected      *prometheus.CounterVec
	OrdersCancelled     *prometheus.CounterVec
	OrdersExpired       prometheus.Counter
	Trades              *prometheus.CounterVec
	TradeVolume         *prometheus.CounterVec
	SelfTradesSkipped   *prometheus.CounterVec
	MatchDuration       *prometheus.HistogramVec
	StopsTriggered      *prometheus.CounterVec
	LedgerPostings      *prometheus.CounterVec
	Settlements         *prometheus.CounterVec
	SettlementRetries   prometheus.Counter
	SettlementsFlagged  prometheus.Counter
	SettlementQueue     prometheus.Gauge
	WebhookDuplicates   *prometheus.CounterVec
	PaymentsConfirmed   *prometheus.CounterVec
	ReconciliationRuns  prometheus.Counter
	ReconciliationDrift prometheus.Counter
	OrdersArchived      prometheus.Counter
	RateLimited         prometheus.Counter
	OutboxPending       prometheus.Gauge
	EventsPublished     *prometheus.CounterVec
}

// New registers every collector on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total",
			Help: "Orders accepted into the engine.",
		}, []string{"symbol", "side", "type"}),
		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_rejected_total",
			Help: "Orders rejected by validation, fund locking or FOK.",
		}, []string{"symbol", "reason"}),
		OrdersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total",
			Help: "Orders cancelled by users or time in force.",
		}, []string{"symbol"}),
		OrdersExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_expired_total",
			Help: "Orders expired by the cleanup sweep.",
		}),
		Trades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Executed trades.",
		}, []string{"symbol"}),
		TradeVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trade_volume_total",
			Help: "Executed base quantity.",
		}, []string{"symbol"}),
		SelfTradesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "self_trades_skipped_total",
			Help: "Crosses skipped because both sides belonged to one user.",
		}, []string{"symbol"}),
		MatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "match_duration_seconds",
			Help:    "Time spent executing one order under the symbol lock.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"symbol"}),
		StopsTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stops_triggered_total",
			Help: "Stop orders converted after their stop price was reached.",
		}, []string{"symbol"}),
		LedgerPostings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_postings_total",
			Help: "Completed ledger transactions.",
		}, []string{"type"}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlements_total",
			Help: "Settlement jobs by outcome.",
		}, []string{"outcome"}),
		SettlementRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_retries_total",
			Help: "Settlement attempts that failed and were retried.",
		}),
		SettlementsFlagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlements_flagged_total",
			Help: "Settlements left for manual reconciliation.",
		}),
		SettlementQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "settlement_queue_length",
			Help: "Orders waiting for a settlement worker.",
		}),
		WebhookDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_duplicates_total",
			Help: "Payment confirmations ignored because they were already processed.",
		}, []string{"gateway"}),
		PaymentsConfirmed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_confirmed_total",
			Help: "Deposits and withdrawals reaching a final status.",
		}, []string{"kind", "status"}),
		ReconciliationRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciliation_runs_total",
			Help: "Wallet reconciliations performed.",
		}),
		ReconciliationDrift: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciliation_drift_total",
			Help: "Wallets whose stored balance disagrees with the ledger.",
		}),
		OrdersArchived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_archived_total",
			Help: "Terminal orders archived.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Order attempts over the per-user rate limit.",
		}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_pending",
			Help: "Events stored in the outbox and not yet relayed.",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total",
			Help: "Domain events handed to a publisher.",
		}, []string{"type"}),
	}
}

// NewNop returns collectors registered on a private registry, for tests and tools
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// OrNop returns m, or unexported collectors when m is nil
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return NewNop()
	}
	return m
}
