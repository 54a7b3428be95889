package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for bulk uploads.
var (
	uploadRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hris_upload_records_total",
			Help: "Total number of records attempted by bulk uploads",
		},
		[]string{"mode", "result"}, // result: success, failure
	)

	uploadBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hris_upload_batches_total",
			Help: "Total number of upload batches processed",
		},
		[]string{"mode"},
	)

	uploadHaltsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hris_upload_halts_total",
		Help: "Total number of atomic uploads halted by a failed record",
	})

	uploadDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hris_upload_duration_seconds",
			Help:    "Duration of bulk upload runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"mode", "state"},
	)
)
