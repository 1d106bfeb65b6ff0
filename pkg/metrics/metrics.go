package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is the process-wide metrics registry exposed at /api/metrics.
var Registry = prometheus.NewRegistry()

var (
	// Custom histogram buckets sized for operations ranging from fast cache
	// reads to multi-minute full rebuilds against the upstream API
	CustomAPIBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34, 55}

	// HTTP Metrics
	HTTPRequestDuration = newHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: CustomAPIBuckets,
		},
		[]string{"http_request_method", "http_route", "http_response_status_code"},
	)

	HTTPRequestTotal = newCounterVec(
		prometheus.CounterOpts{
			Name: "http_server_request_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"http_request_method", "http_route", "http_response_status_code"},
	)

	ActiveRequests = newGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of active HTTP requests",
		},
		[]string{"http_request_method"},
	)

	// Upstream Client Metrics (Airtable)
	UpstreamRequestDuration = newHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_client_operation_duration_seconds",
			Help:    "Upstream API operation duration in seconds",
			Buckets: CustomAPIBuckets,
		},
		[]string{"operation", "status"},
	)

	UpstreamRequestTotal = newCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_client_operation_total",
			Help: "Total number of upstream API operations",
		},
		[]string{"operation", "status"},
	)

	// Sync Engine Metrics
	RefreshCycleTotal = newCounterVec(
		prometheus.CounterOpts{
			Name: "basemirror_refresh_cycle_total",
			Help: "Total number of refresh cycles by mode and status",
		},
		[]string{"mode", "status"},
	)

	RefreshCycleDuration = newHistogramVec(
		prometheus.HistogramOpts{
			Name:    "basemirror_refresh_cycle_duration_seconds",
			Help:    "Refresh cycle duration in seconds",
			Buckets: CustomAPIBuckets,
		},
		[]string{"mode"},
	)

	SlotSwapTotal = newCounterVec(
		prometheus.CounterOpts{
			Name: "basemirror_slot_swap_total",
			Help: "Total number of active/standby slot swaps",
		},
		[]string{"to_slot"},
	)

	MirroredRecords = newGaugeVec(
		prometheus.GaugeOpts{
			Name: "basemirror_mirrored_records",
			Help: "Number of records written during the last full rebuild",
		},
		[]string{"table"},
	)

	MutationsSkipped = newCounterVec(
		prometheus.CounterOpts{
			Name: "basemirror_mutations_skipped_total",
			Help: "Incremental mutations skipped due to unknown tables",
		},
		[]string{"table"},
	)

	// Notification Pipeline Metrics
	NotificationOutcomes = newCounterVec(
		prometheus.CounterOpts{
			Name: "basemirror_notification_outcome_total",
			Help: "Inbound change notifications by pipeline outcome",
		},
		[]string{"outcome"},
	)

	// Cache Metrics
	CacheHits = newCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_name"},
	)

	CacheMisses = newCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_name"},
	)

	// Snapshot Archive Metrics
	SnapshotUploadTotal = newCounterVec(
		prometheus.CounterOpts{
			Name: "basemirror_snapshot_upload_total",
			Help: "Total number of rebuild snapshot uploads",
		},
		[]string{"status"},
	)

	// Infrastructure Metrics
	GoRoutines = newGauge(
		prometheus.GaugeOpts{
			Name: "process_runtime_go_goroutines",
			Help: "Number of goroutines",
		},
	)

	HeapAlloc = newGauge(
		prometheus.GaugeOpts{
			Name: "process_runtime_go_mem_heap_alloc_bytes",
			Help: "Heap allocated bytes",
		},
	)
)

func newCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(opts, labels)
	Registry.MustRegister(v)
	return v
}

func newGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(opts, labels)
	Registry.MustRegister(v)
	return v
}

func newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	Registry.MustRegister(g)
	return g
}

func newHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(opts, labels)
	Registry.MustRegister(v)
	return v
}

// Init registers the standard Go collectors with the service registry.
func Init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RecordInfrastructureMetrics collects infrastructure metrics periodically
func RecordInfrastructureMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		for range ticker.C {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			GoRoutines.Set(float64(runtime.NumGoroutine()))
			HeapAlloc.Set(float64(m.HeapAlloc))
		}
	}()
}

// MeasureDuration measures the duration of an operation
func MeasureDuration(start time.Time) float64 {
	return time.Since(start).Seconds()
}
