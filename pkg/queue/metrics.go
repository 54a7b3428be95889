package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the request queue.
var (
	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hris_queue_length",
		Help: "Number of work items waiting to be dispatched",
	})

	queueActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hris_queue_active_requests",
		Help: "Number of operations currently in flight",
	})

	queueSpeedLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hris_queue_speed_level",
		Help: "Current adaptive speed (-1=fast, 0=medium, 1=slow)",
	})

	queueDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hris_queue_dispatched_total",
		Help: "Total number of operations dispatched, including retries",
	})

	queueWindowWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hris_queue_rate_window_waits_total",
		Help: "Total number of times dispatch waited for a rate window to free up",
	})

	queueClearedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hris_queue_cleared_total",
		Help: "Total number of pending items failed by ClearQueue",
	})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hris_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hris_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hris_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)
