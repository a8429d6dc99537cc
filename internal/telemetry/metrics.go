package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated          = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_jobs_created_total", Help: "Conversion jobs created"})
	JobsDeleted          = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_jobs_deleted_total", Help: "Conversion jobs deleted"})
	ConversionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_completed_total", Help: "Conversions that reached completed"})
	ConversionsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_failed_total", Help: "Conversions moved to error"})
	ConversionsAbandoned = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_abandoned_total", Help: "Conversions whose caller went away mid-run"})
	UploadsRejected      = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_uploads_rejected_total", Help: "Uploads rejected before a job was created"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conversions_inflight", Help: "Conversions currently walking checkpoints"})
	CheckpointDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "conversion_checkpoint_seconds",
		Help:    "Wall time spent reaching each checkpoint",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsDeleted,
			ConversionsCompleted,
			ConversionsFailed,
			ConversionsAbandoned,
			UploadsRejected,
			RateLimitRejects,
			InFlightGauge,
			CheckpointDuration,
		)
	})
	return promhttp.Handler()
}
