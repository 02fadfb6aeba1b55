// Package metrics provides Prometheus metrics for the gitlabfs client.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GitLab API metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitlabfs_api_requests_total",
			Help: "Total number of GitLab API requests",
		},
		[]string{"operation", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gitlabfs_api_request_duration_seconds",
			Help:    "GitLab API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gitlabfs_content_bytes_downloaded_total",
			Help: "Total file content bytes downloaded from GitLab",
		},
	)

	// Cache metrics
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitlabfs_cache_hits_total",
			Help: "Total cache hits per cache table",
		},
		[]string{"cache"},
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitlabfs_cache_misses_total",
			Help: "Total cache misses per cache table",
		},
		[]string{"cache"},
	)

	treeRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gitlabfs_tree_rebuild_duration_seconds",
			Help:    "Time to rebuild the namespace tree from the GitLab API",
			Buckets: prometheus.DefBuckets,
		},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gitlabfs_tree_size",
			Help: "Number of entries in the namespace tree",
		},
	)

	// Resolver metrics
	resolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitlabfs_resolves_total",
			Help: "Total path resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// Local debug endpoint metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitlabfs_http_requests_total",
			Help: "Total requests to the local metrics endpoint",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records a GitLab API request.
func RecordAPIRequest(operation string, duration time.Duration, success bool) {
	apiRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	apiRequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordContentDownload records downloaded file content bytes.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordCacheHit records a cache hit for the named cache table.
func RecordCacheHit(cache string) {
	cacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss for the named cache table.
func RecordCacheMiss(cache string) {
	cacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordTreeRebuild records a namespace tree rebuild.
func RecordTreeRebuild(duration time.Duration, size int) {
	treeRebuildDuration.Observe(duration.Seconds())
	treeSize.Set(float64(size))
}

// RecordResolve records a path resolution outcome ("hit", "notfound", "error").
func RecordResolve(outcome string) {
	resolvesTotal.WithLabelValues(outcome).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
