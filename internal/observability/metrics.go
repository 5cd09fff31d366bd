package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// nowcasting pipeline.
type Metrics struct {
	ReadingsFit      prometheus.Counter
	ReadingsStored   prometheus.Counter
	FitErrors        prometheus.Counter
	NowcastsComputed prometheus.Counter
	NowcastErrors    prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Epidata client metrics.
	EpidataRequests    *prometheus.CounterVec   // labels: endpoint, outcome={success,error,empty}
	EpidataCache       *prometheus.CounterVec   // labels: endpoint, result={hit,miss}
	EpidataAPIDuration *prometheus.HistogramVec // labels: endpoint

	// Kafka publisher metrics.
	NowcastsPublished prometheus.Counter
	PublishErrors     prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		ReadingsFit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "readings_fit_total",
			Help:      "Total sensor readings produced by model fitting.",
		}),
		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "readings_stored_total",
			Help:      "Total sensor readings written to storage.",
		}),
		FitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "fit_errors_total",
			Help:      "Total sensor fitting failures.",
		}),
		NowcastsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "nowcasts_computed_total",
			Help:      "Total nowcast estimates produced by sensor fusion.",
		}),
		NowcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "nowcast_errors_total",
			Help:      "Total nowcast batch failures.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flu_nowcast",
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flu_nowcast",
			Name:      "batch_size",
			Help:      "Number of sensor tasks per batch.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flu_nowcast",
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete fit-and-store batch cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		EpidataRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "epidata_requests_total",
			Help:      "Epidata API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		EpidataCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "epidata_cache_total",
			Help:      "Epidata cache lookups by endpoint and result.",
		}, []string{"endpoint", "result"}),
		EpidataAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flu_nowcast",
			Name:      "epidata_api_duration_seconds",
			Help:      "Epidata API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"endpoint"}),
		NowcastsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "nowcasts_published_total",
			Help:      "Total nowcasts published to Kafka.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flu_nowcast",
			Name:      "publish_errors_total",
			Help:      "Total Kafka publish failures.",
		}),
	}

	prometheus.MustRegister(
		m.ReadingsFit,
		m.ReadingsStored,
		m.FitErrors,
		m.NowcastsComputed,
		m.NowcastErrors,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.EpidataRequests,
		m.EpidataCache,
		m.EpidataAPIDuration,
		m.NowcastsPublished,
		m.PublishErrors,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		ReadingsFit:             prometheus.NewCounter(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "readings_fit_total"}),
		ReadingsStored:          prometheus.NewCounter(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "readings_stored_total"}),
		FitErrors:               prometheus.NewCounter(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "fit_errors_total"}),
		NowcastsComputed:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "nowcasts_computed_total"}),
		NowcastErrors:           prometheus.NewCounter(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "nowcast_errors_total"}),
		PipelineRunning:         prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "flu_nowcast", Name: "pipeline_running"}),
		BatchSize:               prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "flu_nowcast", Name: "batch_size"}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "flu_nowcast", Name: "batch_processing_duration_seconds"}),
		EpidataRequests:         prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "epidata_requests_total"}, []string{"endpoint", "outcome"}),
		EpidataCache:            prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "epidata_cache_total"}, []string{"endpoint", "result"}),
		EpidataAPIDuration:      prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "flu_nowcast", Name: "epidata_api_duration_seconds"}, []string{"endpoint"}),
		NowcastsPublished:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "nowcasts_published_total"}),
		PublishErrors:           prometheus.NewCounter(prometheus.CounterOpts{Namespace: "flu_nowcast", Name: "publish_errors_total"}),
	}
}
