package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service passed its last readiness probe.",
	})
)

// Auth metrics
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokenEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_events_total",
			Help: "Refresh token lifecycle events.",
		},
		[]string{"event"},
	)

	lockouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Lockouts triggered, by scope.",
		},
		[]string{"scope"},
	)

	lockoutCacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockout_cache_errors_total",
		Help: "Lockout cache calls that failed and were treated as closed.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			loginAttempts, tokenEvents, lockouts, lockoutCacheErrors,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// LoginAttempt counts a login by outcome (success, invalid_credentials, locked, ...).
func LoginAttempt(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// TokenEvent counts issued, rotated, revoked and reuse_detected events.
func TokenEvent(event string) { tokenEvents.WithLabelValues(event).Inc() }

// TokenEvents adds n events at once (bulk revocations, cleanup).
func TokenEvents(event string, n int64) {
	if n > 0 {
		tokenEvents.WithLabelValues(event).Add(float64(n))
	}
}

// Lockout counts a lockout trigger for scope "identity", "ip" or "account".
func Lockout(scope string) { lockouts.WithLabelValues(scope).Inc() }

// LockoutCacheError counts a failed lockout cache call.
func LockoutCacheError() { lockoutCacheErrors.Inc() }

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument records in-flight, count and latency per canonical path.
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

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "auth" && parts[2] == "sessions" {
		return "/v1/auth/sessions/:id"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
