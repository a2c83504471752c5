package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarginLedger.
type Metrics struct {
	// --- Core processing ---
	CoreOpsApplied    *prometheus.CounterVec
	CoreOpsRejected   *prometheus.CounterVec
	CoreOpDuration    *prometheus.HistogramVec
	CoreJournals      *prometheus.CounterVec
	CoreStateHashDur  prometheus.Histogram
	CoreSequence      prometheus.Gauge
	DispatchQueueWait prometheus.Histogram

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	NotificationDrops   prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Positions & risk ---
	PositionsOpened     *prometheus.CounterVec
	PositionsClosed     *prometheus.CounterVec
	PositionsLiquidated *prometheus.CounterVec
	MarginCallsRaised   prometheus.Counter
	MarginCallsCleared  prometheus.Counter
	TotalMarginLocked   prometheus.Gauge
	TotalOpenPositions  prometheus.Gauge
	InsuranceFund       prometheus.Gauge

	// --- Persistence ---
	PersistBatchDur        prometheus.Histogram
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    prometheus.Histogram

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests    *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	QueryCacheHits   *prometheus.CounterVec
	QueryCacheMisses *prometheus.CounterVec
}

// NewMetrics registers every metric with the default registerer. Call once
// per process.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers every metric with reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_ops_applied_total",
			Help: "Operations committed by the core",
		}, []string{"op_type"}),

		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_ops_rejected_total",
			Help: "Operations rejected (duplicate, ordering, validation)",
		}, []string{"op_type", "reason"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_core_op_apply_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"op_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_core_sequence",
			Help: "Next core sequence (ledger height)",
		}),

		DispatchQueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_dispatch_queue_wait_seconds",
			Help:    "Submission enqueue to dispatch start",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_size",
			Help: "Current channel buffer occupancy",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_utilization",
			Help: "size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Outbound NATS publishes dropped",
		}),

		NotificationDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_notification_drops_total",
			Help: "WebSocket notifications dropped for slow clients",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_idempotency_duplicates_total",
			Help: "Duplicate operations detected",
		}, []string{"op_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_op_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_op_out_of_order_total",
			Help: "Out-of-order operations detected",
		}, []string{"partition"}),

		// Positions & risk
		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_positions_opened_total",
			Help: "Positions opened",
		}, []string{"asset_pair", "side"}),

		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_positions_closed_total",
			Help: "Positions closed by their owner",
		}, []string{"asset_pair"}),

		PositionsLiquidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_positions_liquidated_total",
			Help: "Positions liquidated",
		}, []string{"asset_pair"}),

		MarginCallsRaised: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_calls_raised_total",
			Help: "Margin call records written with is_margin_call=true",
		}),

		MarginCallsCleared: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_calls_cleared_total",
			Help: "Active margin calls cleared",
		}),

		TotalMarginLocked: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_total_margin_locked",
			Help: "Sum of margin_used over open positions (quote scale)",
		}),

		TotalOpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_total_open_positions",
			Help: "Number of open positions",
		}),

		InsuranceFund: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_insurance_fund_balance",
			Help: "Insurance fund balance (quote scale)",
		}),

		// Persistence
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_duration_seconds",
			Help:    "Time to write one batch to Postgres",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		ProjectionUpdateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_projection_update_duration_seconds",
			Help:    "Time to apply one output to projections",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_replay_events_total",
			Help: "Operations replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_replay_duration_seconds",
			Help: "Duration of the last startup replay",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_requests_total",
			Help: "Query requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_query_duration_seconds",
			Help:    "Query latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_errors_total",
			Help: "Query errors",
		}, []string{"method", "code"}),

		QueryCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_cache_hits_total",
			Help: "Redis cache hits",
		}, []string{"method"}),

		QueryCacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_cache_misses_total",
			Help: "Redis cache misses",
		}, []string{"method"}),
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
