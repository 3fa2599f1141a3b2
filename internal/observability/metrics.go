package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DvpSettle.
type Metrics struct {
	// --- Engine ---
	TransitionsApplied  *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	TransitionDuration  *prometheus.HistogramVec
	TransferFailures    *prometheus.CounterVec
	EngineSequence      prometheus.Gauge
	DealsOpen           prometheus.Gauge

	// --- Channel & backpressure ---
	PublishDrops prometheus.Counter

	// --- Persistence ---
	PersistRecordsWritten prometheus.Counter
	PersistBatchDur       prometheus.Histogram
	PersistBatchSize      prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistLastSequence   prometheus.Gauge

	// --- Outbound publisher ---
	PublishErrors    prometheus.Counter
	RecordsPublished prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	httpBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		TransitionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dvp_engine_transitions_applied_total",
			Help: "Deal transitions successfully applied by the engine",
		}, []string{"operation"}),

		TransitionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dvp_engine_transitions_rejected_total",
			Help: "Deal transitions rejected by the engine",
		}, []string{"operation", "reason"}),

		TransitionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dvp_engine_transition_duration_seconds",
			Help:    "Time spent applying one transition",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		TransferFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dvp_engine_transfer_failures_total",
			Help: "Asset ledger transfers that failed and aborted a transition",
		}, []string{"asset"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dvp_engine_sequence",
			Help: "Current global record sequence",
		}),

		DealsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dvp_engine_deals_open",
			Help: "Deals currently in the initialized state",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dvp_publish_channel_drops_total",
			Help: "Records dropped on the non-blocking publish channel",
		}),

		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dvp_persist_records_written_total",
			Help: "Settlement records written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dvp_persist_batch_duration_seconds",
			Help:    "Duration of one persistence batch flush",
			Buckets: httpBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dvp_persist_batch_size",
			Help:    "Records per persistence batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dvp_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dvp_persist_last_sequence",
			Help: "Highest record sequence durably written",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dvp_publish_errors_total",
			Help: "Outbound NATS publish failures",
		}),

		RecordsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dvp_publish_records_total",
			Help: "Settlement records published to NATS",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dvp_http_requests_total",
			Help: "HTTP API requests by route and status code",
		}, []string{"route", "code"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dvp_http_request_duration_seconds",
			Help:    "HTTP API request duration by route",
			Buckets: httpBuckets,
		}, []string{"route"}),
	}
}
