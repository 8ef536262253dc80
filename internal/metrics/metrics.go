// Package metrics exposes the Prometheus instrumentation for the pipeline.
// Everything registers on the default registry; the serve command mounts
// promhttp on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sunbelt-data/property-cli/internal/model"
)

var (
	ProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "property_processed_total",
			Help: "Records processed by the pipeline",
		},
		[]string{"source", "status"}, // status: valid, invalid, failed
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "property_processing_duration_seconds",
			Help:    "End-to-end per-record processing time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~102s
		},
		[]string{"source"},
	)

	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "property_llm_calls_total",
			Help: "Calls to the generative model by outcome",
		},
		[]string{"status"}, // success, failure
	)

	LLMErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "property_llm_errors_total",
			Help: "Model call failures by error class",
		},
		[]string{"class"}, // network, rate_limit, data_error, permanent, transient_server, unknown
	)

	ExtractionMethodTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "property_extraction_method_total",
			Help: "Extractions by method",
		},
		[]string{"method"}, // llm, fallback, cache
	)

	CacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "property_cache_hit_ratio",
			Help: "LLM response cache hit ratio since process start",
		},
	)

	ActiveOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "property_active_operations",
			Help: "Operations currently holding an admission slot",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "property_queue_depth",
			Help: "Items waiting for an admission slot",
		},
	)

	MemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "property_process_memory_mb",
			Help: "Resident memory of the process as sampled by the monitor",
		},
	)

	CPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "property_process_cpu_percent",
			Help: "Process CPU utilization as sampled by the monitor",
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "property_batch_size",
			Help:    "Batch sizes chosen by the adaptive sizer",
			Buckets: prometheus.LinearBuckets(1, 5, 10), // 1 to 46
		},
	)

	DLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "property_dlq_depth",
			Help: "Items in the dead letter queue",
		},
	)

	RateLimitEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "property_rate_limit_events_total",
			Help: "HTTP 429 responses observed from the model endpoint",
		},
	)

	SavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "property_saved_total",
			Help: "Documents persisted to the store",
		},
		[]string{"source"},
	)
)

// ObserveProcessing records one pipeline result.
func ObserveProcessing(source model.Source, status string, d time.Duration) {
	ProcessedTotal.WithLabelValues(string(source), status).Inc()
	ProcessingDuration.WithLabelValues(string(source)).Observe(d.Seconds())
}

// ObserveResourceSample mirrors a monitor sample onto the gauges.
func ObserveResourceSample(s model.ResourceSample) {
	ActiveOperations.Set(float64(s.ActiveOperations))
	QueueDepth.Set(float64(s.QueueDepth))
	MemoryMB.Set(s.MemoryMB)
	CPUPercent.Set(s.CPUPercent)
}
