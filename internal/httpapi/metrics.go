package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mlxrd/internal/telemetry"
)

// met is the metrics instance shared with the scheduler; nil disables
// HTTP instrumentation.
var met *telemetry.Metrics

// SetMetrics installs the metrics instance used by the middleware and the
// /metrics endpoint.
func SetMetrics(m *telemetry.Metrics) { met = m }

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if met == nil {
			next.ServeHTTP(w, r)
			return
		}
		path := routePatternOrPath(r)
		method := r.Method
		met.HTTPInflight.WithLabelValues(path).Inc()
		defer met.HTTPInflight.WithLabelValues(path).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		statusLabel := itoa(sr.status)
		dur := time.Since(start).Seconds()
		met.HTTPRequestsTotal.WithLabelValues(path, method, statusLabel).Inc()
		met.HTTPRequestDuration.WithLabelValues(path, method, statusLabel).Observe(dur)
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// incrementBackpressure is called when returning 429 to the client
func incrementBackpressure(reason string) {
	if met == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	met.BackpressureTotal.WithLabelValues(reason).Inc()
}

// fast integer to ascii for small set of status codes
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
