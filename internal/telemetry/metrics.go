package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadsAccepted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_uploads_accepted_total", Help: "Uploads accepted and queued as ingestion jobs"})
	UploadsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_uploads_rejected_total", Help: "Uploads rejected before a job was created"}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	RowsProcessed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_rows_total", Help: "Rows processed by outcome"}, []string{"outcome"})
	BatchesCommitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_committed_total", Help: "Batches flushed successfully"})
	BatchesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_failed_total", Help: "Batches whose transaction failed"})
	BatchDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ingest_batch_duration_seconds", Help: "Time spent flushing one batch", Buckets: prometheus.DefBuckets})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_jobs_finished_total", Help: "Jobs reaching a terminal state"}, []string{"status"})
	ActiveJobs       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_jobs_active", Help: "Jobs currently processing"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Jobs waiting for a worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsAccepted,
			UploadsRejected,
			RateLimitRejects,
			RowsProcessed,
			BatchesCommitted,
			BatchesFailed,
			BatchDuration,
			JobsFinished,
			ActiveJobs,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
