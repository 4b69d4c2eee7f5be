package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP plus auth-core metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_outcomes_total",
			Help: "Login attempts by outcome (success, invalid_credentials, locked, rate_limited, mfa_required).",
		},
		[]string{"outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_account_lockouts_total",
		Help: "Accounts transitioned to locked state.",
	})

	tokenRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_rotations_total",
		Help: "Successful refresh token rotations.",
	})

	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_audit_forward_dropped_total",
		Help: "Audit events dropped by the external forwarder.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginOutcomes, lockoutsTotal, tokenRotationsTotal, auditDroppedTotal,
	)
}

// CountLoginOutcome increments the login outcome counter.
func CountLoginOutcome(outcome string) { loginOutcomes.WithLabelValues(outcome).Inc() }

// CountLockout increments the lockout counter.
func CountLockout() { lockoutsTotal.Inc() }

// CountTokenRotation increments the rotation counter.
func CountTokenRotation() { tokenRotationsTotal.Inc() }

// CountAuditDropped increments the dropped-forward counter.
func CountAuditDropped() { auditDroppedTotal.Inc() }

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an http.Handler with request metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// CanonicalPath collapses per-user admin paths so metric label cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	// /v1/admin/users/<id> and /v1/admin/users/<id>/unlock carry row ids.
	if len(parts) >= 5 && parts[1] == "v1" && parts[2] == "admin" && parts[3] == "users" && parts[4] != "" {
		parts[4] = ":id"
		return strings.Join(parts, "/")
	}
	return p
}
