package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LevLedger.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge
	InvariantChecks    *prometheus.CounterVec

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Tokens ---
	TokenLeverageRatio *prometheus.GaugeVec
	TokenNAVPerShare   *prometheus.GaugeVec
	TokenTotalSupply   *prometheus.GaugeVec
	TokenOperations    *prometheus.CounterVec
	TokenFeeShares     *prometheus.CounterVec

	// --- Rebalancing ---
	RebalanceExecuted  *prometheus.CounterVec
	RebalanceIncentive *prometheus.CounterVec
	RebalanceDrift     *prometheus.GaugeVec
	ProbeResults       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers every metric on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers every metric on reg. Tests use a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_core_events_applied_total",
			Help: "Commands committed by core",
		}, []string{"event_type"}),
		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_core_events_rejected_total",
			Help: "Commands rejected (duplicate, sequence, stale, or an error class)",
		}, []string{"event_type", "reason"}),
		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lev_core_event_apply_duration_seconds",
			Help:    "Time to process a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),
		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_core_journals_generated_total",
			Help: "Journal entries committed",
		}, []string{"journal_type"}),
		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lev_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),
		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lev_core_sequence",
			Help: "Next global sequence number",
		}),
		InvariantChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_core_invariant_checks_total",
			Help: "Post-commit invariant checks run",
		}, []string{"check"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lev_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),
		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lev_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lev_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lev_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lev_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),
		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lev_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),
		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lev_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),
		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lev_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),
		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "lev_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lev_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),
		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "lev_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),
		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lev_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),
		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),
		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		TokenLeverageRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lev_token_leverage_ratio",
			Help: "Leverage ratio after the last committed operation",
		}, []string{"token_id"}),
		TokenNAVPerShare: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lev_token_nav_per_share",
			Help: "NAV per share in whole debt units",
		}, []string{"token_id"}),
		TokenTotalSupply: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lev_token_total_supply",
			Help: "Outstanding shares in whole units",
		}, []string{"token_id"}),
		TokenOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_token_operations_total",
			Help: "Committed token operations",
		}, []string{"token_id", "kind"}),
		TokenFeeShares: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_token_fee_shares_total",
			Help: "Fee shares paid to the fee recipient, whole units",
		}, []string{"token_id"}),

		RebalanceExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_rebalance_executed_total",
			Help: "Rebalance primitives executed",
		}, []string{"token_id", "op"}),
		RebalanceIncentive: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_rebalance_incentive_total",
			Help: "Incentive paid to rebalancers, whole units of the output asset",
		}, []string{"token_id", "asset"}),
		RebalanceDrift: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lev_rebalance_drift",
			Help: "Distance of the leverage ratio from the band",
		}, []string{"token_id"}),
		ProbeResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_probe_results_total",
			Help: "Probe calls by outcome class",
		}, []string{"token_id", "outcome"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lev_persist_events_written_total",
			Help: "Commands written to Postgres",
		}),
		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lev_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),
		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lev_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),
		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "lev_persist_retry_total",
			Help: "Persistence retries",
		}),
		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lev_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lev_snapshot_taken_total",
			Help: "Snapshots created",
		}),
		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lev_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),
		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "lev_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),
		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lev_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),
		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "lev_replay_events_total",
			Help: "Commands replayed on startup",
		}),
		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "lev_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lev_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lev_query_errors_total",
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
