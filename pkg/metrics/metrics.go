// Package metrics exposes the importer's Prometheus metrics over HTTP.
// The metrics themselves are defined with promauto in the packages that
// update them (queue, hrclient, cache, upload) and land in the default
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all importer metrics are added to.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Queue Metrics (pkg/queue):
//   - hris_queue_length (Gauge): Work items waiting to be dispatched
//   - hris_queue_active_requests (Gauge): Operations in flight
//   - hris_queue_speed_level (Gauge): Adaptive speed, -1 fast, 0 medium, 1 slow
//   - hris_queue_dispatched_total (Counter): Dispatches including retries
//   - hris_queue_rate_window_waits_total (Counter): Waits for a full rate window
//   - hris_queue_cleared_total (Counter): Pending items failed by ClearQueue
//   - hris_retries_total{error_class} (Counter): Retry attempts by error class
//   - hris_retry_backoff_seconds{error_class} (Histogram): Backoff before each retry
//   - hris_retry_exhausted_total{error_class} (Counter): Items that used up their retries
//
// Request Metrics (pkg/hrclient):
//   - hris_requests_total{endpoint, status} (Counter): Requests by route and HTTP status
//   - hris_request_duration_seconds{endpoint} (Histogram): Request duration by route
//   - hris_errors_total{class} (Counter): Failed requests by error class
//
// Cache Metrics (pkg/cache):
//   - hris_cache_hits_total{kind} (Counter): Fresh and revalidated hits
//   - hris_cache_misses_total (Counter): Lookups without an entry
//   - hris_cache_conditional_requests_total (Counter): Revalidation requests sent
//   - hris_cache_not_modified_total (Counter): 304 answers
//   - hris_cache_errors_total{operation} (Counter): Redis or decoding failures
//
// Upload Metrics (pkg/upload):
//   - hris_upload_records_total{mode, result} (Counter): Records attempted
//   - hris_upload_batches_total{mode} (Counter): Batches processed
//   - hris_upload_halts_total (Counter): Atomic uploads stopped by a failure
//   - hris_upload_duration_seconds{mode, state} (Histogram): Run duration
//
// Example Prometheus Queries:
//
//	# Upload failure ratio
//	sum(rate(hris_upload_records_total{result="failure"}[5m])) /
//	sum(rate(hris_upload_records_total[5m]))
//
//	# Time spent slowed down
//	avg_over_time(hris_queue_speed_level[15m]) > 0
//
//	# Rate limit pressure
//	rate(hris_retries_total{error_class="rate_limited"}[5m])
//
//	# P95 request latency
//	histogram_quantile(0.95, rate(hris_request_duration_seconds_bucket[5m]))
