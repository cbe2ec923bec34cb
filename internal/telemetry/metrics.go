package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted into the queue"})
	JobsClaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by a worker pass"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs that reached COMPLETED"})
	JobsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Handler failures rescheduled as RETRYING"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached FAILED"})
	JobActions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_actions_total", Help: "Owner actions applied to jobs"}, []string{"action"})
	SummaryCacheHit = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_summary_cache_hits_total", Help: "Summary requests served from cache"})
	SummaryStale    = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_summary_stale_serves_total", Help: "Summary requests served stale under backoff"})
	BacklogGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_backlog", Help: "Eligible jobs observed by the last worker pass"})
)

// Handler exposes the /metrics endpoint with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobActions,
			SummaryCacheHit,
			SummaryStale,
			BacklogGauge,
		)
	})
	return promhttp.Handler()
}
