package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process metric set. All series are registered on the
// default registry with promauto at construction time.
type Metrics struct {
	// Engine.
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge

	// Vault state, updated from the engine after each committed operation.
	ReserveHeld     prometheus.Gauge
	SyntheticMinted prometheus.Gauge
	AccumulatedFees prometheus.Gauge
	VaultPaused     prometheus.Gauge

	// Oracle.
	OraclePrice    prometheus.Gauge
	OracleFallback prometheus.Gauge
	BreakerTripped prometheus.Gauge
	OraclePausedG  prometheus.Gauge

	// Feed ingestion.
	FeedObservations  *prometheus.CounterVec
	FeedSequenceGaps  *prometheus.CounterVec
	FeedParseFailures *prometheus.CounterVec
	FeedLastTimestamp *prometheus.GaugeVec

	// Idempotency.
	DuplicatesDetected *prometheus.CounterVec

	// Persistence.
	EventsPersisted      prometheus.Counter
	JournalsPersisted    prometheus.Counter
	PersistBatchDuration prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetries       prometheus.Counter
	PersistLastSequence  prometheus.Gauge
	SnapshotsTaken       prometheus.Counter
	SnapshotLastSequence prometheus.Gauge

	// Channels between the engine and its consumers.
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter
	PersistBackpressed prometheus.Counter

	// HTTP API.
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qeuro_engine_ops_applied_total",
			Help: "Operations committed by the engine, by operation kind.",
		}, []string{"op"}),
		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qeuro_engine_ops_rejected_total",
			Help: "Operations rejected by the engine, by operation kind and reason.",
		}, []string{"op", "reason"}),
		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qeuro_engine_op_duration_seconds",
			Help:    "Wall time spent applying a single operation.",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		}, []string{"op"}),
		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_engine_sequence",
			Help: "Sequence number of the last committed operation.",
		}),

		ReserveHeld: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_vault_reserve_held",
			Help: "Backing reserve held by the vault, in whole reserve tokens.",
		}),
		SyntheticMinted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_vault_synthetic_minted",
			Help: "Outstanding synthetic supply issued by the vault, in whole tokens.",
		}),
		AccumulatedFees: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_vault_accumulated_fees",
			Help: "Protocol fees awaiting withdrawal, in whole reserve tokens.",
		}),
		VaultPaused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_vault_paused",
			Help: "1 when the vault is paused, 0 otherwise.",
		}),

		OraclePrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_oracle_price",
			Help: "Last EUR/USDC price served by the oracle.",
		}),
		OracleFallback: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_oracle_fallback",
			Help: "1 when the last served price came from the fallback, 0 otherwise.",
		}),
		BreakerTripped: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_oracle_circuit_breaker_tripped",
			Help: "1 when the oracle circuit breaker is tripped, 0 otherwise.",
		}),
		OraclePausedG: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_oracle_paused",
			Help: "1 when the oracle is paused, 0 otherwise.",
		}),

		FeedObservations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qeuro_feed_observations_total",
			Help: "Price observations accepted from upstream feeds.",
		}, []string{"feed"}),
		FeedSequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qeuro_feed_sequence_gaps_total",
			Help: "Sequence gaps detected in upstream feed streams.",
		}, []string{"feed"}),
		FeedParseFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qeuro_feed_parse_failures_total",
			Help: "Feed messages dropped because they failed to parse or validate.",
		}, []string{"feed"}),
		FeedLastTimestamp: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qeuro_feed_last_timestamp_seconds",
			Help: "Unix timestamp of the newest observation per feed.",
		}, []string{"feed"}),

		DuplicatesDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qeuro_idempotency_duplicates_total",
			Help: "Duplicate operations detected, by operation kind and tier (lru or db).",
		}, []string{"op", "tier"}),

		EventsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qeuro_persistence_events_written_total",
			Help: "Event envelopes written to the event log.",
		}),
		JournalsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qeuro_persistence_journals_written_total",
			Help: "Journal rows written to the journal table.",
		}),
		PersistBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "qeuro_persistence_batch_duration_seconds",
			Help:    "Duration of a persistence batch commit.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qeuro_persistence_errors_total",
			Help: "Persistence failures by error type.",
		}, []string{"error_type"}),
		PersistRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qeuro_persistence_retries_total",
			Help: "Persistence batch retry attempts.",
		}),
		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_persistence_last_sequence",
			Help: "Highest sequence durably written to the event log.",
		}),
		SnapshotsTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qeuro_snapshots_taken_total",
			Help: "State snapshots written.",
		}),
		SnapshotLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qeuro_snapshot_last_sequence",
			Help: "Sequence number covered by the newest snapshot.",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qeuro_channel_size",
			Help: "Current depth of an internal channel.",
		}, []string{"channel"}),
		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qeuro_channel_capacity",
			Help: "Capacity of an internal channel.",
		}, []string{"channel"}),
		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qeuro_projection_drops_total",
			Help: "Events dropped on the projection channel because it was full.",
		}),
		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qeuro_publish_drops_total",
			Help: "Events dropped by the outbound publisher because the stream was unavailable.",
		}),
		PersistBackpressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qeuro_persist_backpressure_total",
			Help: "Engine stalls waiting on the persistence channel.",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qeuro_api_requests_total",
			Help: "API requests by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qeuro_api_request_duration_seconds",
			Help:    "API request latency by endpoint.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics records the current depth and capacity of a named channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
