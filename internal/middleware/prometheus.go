package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics holds the Prometheus collectors instrumenting the web
// bridge's HTTP surface.
type HTTPMetrics struct {
	activeRequests prometheus.Gauge
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// NewHTTPMetrics registers HTTP instrumentation collectors on reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cantinaos_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served by the web bridge.",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cantinaos_http_requests_total",
			Help: "Total HTTP requests served by the web bridge, by method/path/status.",
		}, []string{"method", "path", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cantinaos_http_request_duration_seconds",
			Help:    "HTTP request latency observed by the web bridge.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(m.activeRequests, m.requestTotal, m.requestLatency)
	return m
}

// Wrap instruments next with request count, latency, and in-flight gauges.
func (m *HTTPMetrics) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.activeRequests.Inc()
		defer m.activeRequests.Dec()

		start := time.Now()
		wrapper := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(wrapper, r)
		duration := time.Since(start)

		m.requestTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapper.statusCode)).Inc()
		m.requestLatency.WithLabelValues(r.Method, r.URL.Path).Observe(duration.Seconds())
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
