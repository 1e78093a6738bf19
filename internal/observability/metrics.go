package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the lending engine.
type Metrics struct {
	// --- Engine processing ---
	EngineEventsApplied  *prometheus.CounterVec
	EngineEventsRejected *prometheus.CounterVec
	EngineEventDuration  *prometheus.HistogramVec
	EngineStateHashDur   prometheus.Histogram
	EngineSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	ApplyToPersist  prometheus.Histogram
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Lending markets ---
	MarketFloatingAssets *prometheus.GaugeVec
	MarketFloatingDebt   *prometheus.GaugeVec
	MarketFixedBorrowed  *prometheus.GaugeVec
	PoolBackstopDraws    *prometheus.CounterVec
	FixedOpsRejected     *prometheus.CounterVec
	PenaltiesCharged     *prometheus.CounterVec

	// --- Risk & liquidation ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationRepaid    *prometheus.CounterVec
	CollateralSeized     *prometheus.CounterVec
	StalePriceRejections *prometheus.CounterVec
	PriceUpdatesApplied  *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Replay & snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EngineEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_engine_events_applied_total",
			Help: "Events successfully applied by the engine",
		}, []string{"event_type"}),

		EngineEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_engine_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		EngineEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_engine_event_apply_duration_seconds",
			Help:    "Time to apply a single event in the engine",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		EngineStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_engine_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_engine_sequence",
			Help: "Current global sequence number",
		}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_apply_to_persist_seconds",
			Help:    "Engine emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Receipts dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		MarketFloatingAssets: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_market_floating_assets",
			Help: "Floating vault assets per market (underlying units)",
		}, []string{"market"}),

		MarketFloatingDebt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_market_floating_debt",
			Help: "Backstop receivables per market (underlying units)",
		}, []string{"market"}),

		MarketFixedBorrowed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_market_fixed_borrowed",
			Help: "Total fixed-rate principal borrowed per market",
		}, []string{"market"}),

		PoolBackstopDraws: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_pool_backstop_draws_total",
			Help: "Fixed borrows partially funded by the floating vault",
		}, []string{"market"}),

		FixedOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_fixed_ops_rejected_total",
			Help: "Fixed-pool operations rejected",
		}, []string{"market", "reason"}),

		PenaltiesCharged: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_penalties_charged_total",
			Help: "Overdue repayments that incurred a penalty",
		}, []string{"market"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidations_executed_total",
			Help: "Liquidation calls applied",
		}, []string{"repay_market", "seize_market"}),

		LiquidationRepaid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidation_repaid_total",
			Help: "Debt repaid through liquidations (underlying units)",
		}, []string{"repay_market"}),

		CollateralSeized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_collateral_seized_total",
			Help: "Collateral seized through liquidations (underlying units)",
		}, []string{"seize_market"}),

		StalePriceRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_stale_price_rejections_total",
			Help: "Operations halted on stale or missing quotes",
		}, []string{"market"}),

		PriceUpdatesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_price_updates_applied_total",
			Help: "Price updates applied to the feed",
		}, []string{"market"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_snapshot_taken_total",
			Help: "Replay checkpoints recorded",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_last_sequence",
			Help: "Sequence of last checkpoint",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
