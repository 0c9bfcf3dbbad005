package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CDPLedger.
// Amounts are exported in base units; ratios are not exported here.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Protocol ---
	InterestAccrued prometheus.Counter
	DebtMinted      prometheus.Counter
	DebtBurned      prometheus.Counter
	TotalDebt       prometheus.Gauge
	TotalCollateral prometheus.Gauge
	BadDebt         prometheus.Gauge
	VaultsByState   *prometheus.GaugeVec
	Liquidations    *prometheus.CounterVec

	// --- Ingestion & Oracle ---
	IngestToApply    *prometheus.HistogramVec
	IngestErrors     *prometheus.CounterVec
	OraclePrice      *prometheus.GaugeVec
	OracleStale      *prometheus.CounterVec
	OracleOutOfOrder *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    *prometheus.HistogramVec

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	QueryRequests   *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	CommandsSubmits *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
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
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_rejected_total",
			Help: "Commands rejected (duplicate, sequence, error code)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Current global sequence number",
		}),

		// Protocol
		InterestAccrued: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_interest_accrued_total",
			Help: "Interest added to vault debt (debt asset base units)",
		}),

		DebtMinted: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_debt_minted_total",
			Help: "Debt asset minted",
		}),

		DebtBurned: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_debt_burned_total",
			Help: "Debt asset burned by repayment and liquidation",
		}),

		TotalDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_total_debt",
			Help: "Outstanding debt across all vaults",
		}),

		TotalCollateral: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_total_collateral",
			Help: "Collateral locked across all vaults",
		}),

		BadDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_bad_debt",
			Help: "Debt written off after collateral was exhausted",
		}),

		VaultsByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_vaults",
			Help: "Vaults by lifecycle state",
		}, []string{"state"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Liquidations by outcome (partial/full/bad_debt)",
		}, []string{"outcome"}),

		// Ingestion & Oracle
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		IngestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_ingest_errors_total",
			Help: "Messages that could not be parsed or submitted",
		}, []string{"stage"}),

		OraclePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_oracle_price",
			Help: "Last accepted oracle price (fixed-point, 1e9)",
		}, []string{"asset"}),

		OracleStale: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_stale_total",
			Help: "Price reads refused because the cached price was too old",
		}, []string{"asset"}),

		OracleOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_out_of_order_total",
			Help: "Price updates ignored because their sequence was not newer",
		}, []string{"asset"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Snapshot & Replay
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_api_rate_limited_total",
			Help: "Requests refused by the rate limiter",
		}, []string{"transport"}),

		CommandsSubmits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_api_commands_total",
			Help: "Commands submitted through the API by result code",
		}, []string{"event_type", "code"}),
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
