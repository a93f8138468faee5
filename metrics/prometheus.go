package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors mirror the atomic counters onto the default Prometheus
// registry.  Registered once at init; Stats methods feed them.
var (
	requestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_requests_total",
		Help: "Terminal fetch outcomes, success or failure.",
	})
	requestsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_requests_succeeded_total",
		Help: "Fetches that returned an acceptable origin status.",
	})
	requestsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_requests_failed_total",
		Help: "Fetches that exhausted retries or failed terminally.",
	})
	attemptErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_attempt_errors_total",
		Help: "Failed attempts by class, retries included.",
	}, []string{"class"})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_retries_total",
		Help: "Attempts beyond each request's first.",
	})
	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_rejected_total",
		Help: "Admissions rejected before reaching the origin.",
	}, []string{"reason"})
	sessionRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_session_refreshes_total",
		Help: "Completed cookie-session refreshes.",
	})
	bytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_bytes_fetched_total",
		Help: "Decompressed response bytes returned to callers.",
	})
	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_request_duration_seconds",
		Help:    "Terminal fetch duration, queue wait excluded.",
		Buckets: prometheus.DefBuckets,
	})
	queueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_queue_wait_seconds",
		Help:    "Time jobs spent queued before a worker picked them up.",
		Buckets: prometheus.DefBuckets,
	})
	personaRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_persona_requests_total",
		Help: "Terminal outcomes by browser persona.",
	}, []string{"persona"})
)

// Handler returns the scrape endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
