package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkara",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ytkara",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"method", "path"})

	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkara",
		Name:      "cache_lookups_total",
		Help:      "Media cache lookups by result (hit, miss, corrupt).",
	}, []string{"result"})

	FetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkara",
		Name:      "fetches_total",
		Help:      "Completed media fetch tasks by result.",
	}, []string{"result"})

	FetchFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkara",
		Name:      "fetch_failures_total",
		Help:      "Failed media fetches by error category.",
	}, []string{"category"})

	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ytkara",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of media fetches in seconds.",
		Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 180},
	})

	DownloadQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkara",
		Name:      "download_queue_depth",
		Help:      "Number of fetch tasks waiting for a worker.",
	})

	ActiveFetches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkara",
		Name:      "active_fetches",
		Help:      "Number of fetch tasks currently running.",
	})

	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkara",
		Name:      "cache_evictions_total",
		Help:      "Cache entries removed by reason (sweep, invalidate, corrupt).",
	}, []string{"reason"})

	CacheCleanupErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ytkara",
		Name:      "cache_cleanup_errors_total",
		Help:      "Total number of cache entry removal failures.",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkara",
		Name:      "cache_entries",
		Help:      "Number of valid entries in the media cache.",
	})

	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkara",
		Name:      "cache_size_bytes",
		Help:      "Current total size of the media cache in bytes.",
	})

	DiskFreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkara",
		Name:      "cache_disk_free_bytes",
		Help:      "Free bytes on the volume holding the media cache.",
	})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkara",
		Name:      "ws_clients",
		Help:      "Number of connected WebSocket clients.",
	})

	SessionSaveErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ytkara",
		Name:      "session_save_errors_total",
		Help:      "Total number of failed session state saves.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CacheLookupsTotal,
		FetchesTotal,
		FetchFailuresTotal,
		FetchDuration,
		DownloadQueueDepth,
		ActiveFetches,
		CacheEvictionsTotal,
		CacheCleanupErrors,
		CacheEntries,
		CacheSizeBytes,
		DiskFreeBytes,
		WSClients,
		SessionSaveErrors,
	)
}
