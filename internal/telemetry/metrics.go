package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_submitted_total", Help: "Total submitted jobs"})
	QuotaRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_quota_rejected_total", Help: "Submissions rejected for exhausted quota"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_jobs_failed_total", Help: "Jobs that reached failed, by kind"}, []string{"kind"})
	TranscodesActive = prometheus.NewGauge(prometheus.GaugeOpts{Name: "video_transcodes_inflight", Help: "Transcodes currently holding a slot"})
	StorageLeases    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "video_storage_leases", Help: "Outstanding storage area leases"})
	PaymentsCredited = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_payments_credited_total", Help: "Subscription credits applied"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			QuotaRejects,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			TranscodesActive,
			StorageLeases,
			PaymentsCredited,
		)
	})
	return promhttp.Handler()
}
