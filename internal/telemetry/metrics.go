package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "compare_jobs_submitted_total", Help: "Comparison jobs accepted"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "compare_jobs_completed_total", Help: "Jobs that finished with matches"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "compare_jobs_failed_total", Help: "Jobs that ended in a failure state"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "compare_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ComparisonsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "compare_oracle_comparisons_total", Help: "Successful face comparisons"})
	ComparisonErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "compare_oracle_comparison_errors_total", Help: "Face comparisons dropped due to errors"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "compare_jobs_inflight", Help: "Jobs currently executing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsTotal,
			JobsCompleted,
			JobsFailed,
			RateLimitRejects,
			ComparisonsTotal,
			ComparisonErrors,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
