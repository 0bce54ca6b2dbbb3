package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recap_jobs_enqueued_total", Help: "Jobs pushed onto a queue"}, []string{"queue", "handler"})
	JobsClaimed  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recap_jobs_claimed_total", Help: "Jobs claimed by a worker"}, []string{"queue", "handler"})
	JobsComplete = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recap_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue", "handler"})
	JobsFailed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recap_jobs_failed_total", Help: "Job attempts that returned an error"}, []string{"queue", "handler"})
	JobsRetried  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recap_jobs_retried_total", Help: "Failed jobs rescheduled for another attempt"}, []string{"queue", "handler"})
	JobDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recap_job_duration_seconds",
		Help:    "Handler run time",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"handler"})
	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "recap_queue_ready", Help: "Jobs claimable now"}, []string{"queue"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recap_jobs_inflight", Help: "Jobs currently being processed by this worker"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "recap_rate_limit_rejects_total", Help: "Trigger requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsComplete,
			JobsFailed,
			JobsRetried,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
