package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Authentication metrics
var (
	LoginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_ratelimit_rejections_total",
			Help: "Requests rejected by a named rate limiter.",
		},
		[]string{"limiter"},
	)

	RateLimitFailOpen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_ratelimit_failopen_total",
			Help: "Rate limit checks allowed because the backing store was unavailable.",
		},
		[]string{"limiter"},
	)

	SuspiciousLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_suspicious_logins_total",
			Help: "Logins flagged by the anomaly detector, by reason.",
		},
		[]string{"reason"},
	)

	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_audit_dropped_total",
		Help: "Audit events dropped because the queue was full.",
	})

	NotificationsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_notifications_total",
			Help: "Notification hand-offs by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

// Init registers every collector with the default registry.
func Init() {
	prometheus.MustRegister(
		HTTPInFlight, HTTPRequestsTotal, HTTPRequestDuration,
		LoginTotal, RateLimitRejections, RateLimitFailOpen,
		SuspiciousLogins, AuditDropped, NotificationsQueued,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
