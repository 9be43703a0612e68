// Package metrics provides Prometheus metrics for the workspace server.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcode_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudcode_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Object store metrics
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudcode_store_operation_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcode_store_operations_total",
			Help: "Total object store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Provisioning metrics
	provisionJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcode_provision_jobs_total",
			Help: "Total template copy jobs",
		},
		[]string{"status"},
	)

	provisionJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudcode_provision_job_duration_seconds",
			Help:    "Template copy job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	provisionObjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcode_provision_objects_total",
			Help: "Objects copied by template copy jobs",
		},
		[]string{"status"},
	)

	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudcode_sessions_active",
			Help: "Number of registered workspace sessions",
		},
	)

	channelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudcode_channels_active",
			Help: "Number of open session channels",
		},
	)

	channelMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcode_channel_messages_total",
			Help: "Channel messages received, by type",
		},
		[]string{"type"},
	)

	channelRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcode_channel_request_errors_total",
			Help: "Channel requests answered with an error, by code",
		},
		[]string{"code"},
	)

	// Terminal metrics
	terminalsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudcode_terminals_active",
			Help: "Number of running pseudo-terminal processes",
		},
	)

	terminalBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcode_terminal_bytes_total",
			Help: "Bytes relayed between channels and pseudo-terminals",
		},
		[]string{"direction"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric. route is the mux pattern
// that served the request, never the raw path.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordStoreOperation records an object store operation.
func RecordStoreOperation(backend, operation string, duration time.Duration, success bool) {
	storeOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storeOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

// RecordProvisionJob records a finished template copy job.
func RecordProvisionJob(duration time.Duration, success bool) {
	provisionJobDuration.Observe(duration.Seconds())
	provisionJobsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordProvisionObject records a single object copy.
func RecordProvisionObject(success bool) {
	provisionObjectsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// SetSessionsActive sets the number of registered sessions.
func SetSessionsActive(count int) {
	sessionsActive.Set(float64(count))
}

// ChannelOpened increments the open channel gauge.
func ChannelOpened() { channelsActive.Inc() }

// ChannelClosed decrements the open channel gauge.
func ChannelClosed() { channelsActive.Dec() }

// RecordChannelMessage records a received channel message.
func RecordChannelMessage(msgType string) {
	channelMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordChannelError records a request answered with an error.
func RecordChannelError(code string) {
	channelRequestErrors.WithLabelValues(code).Inc()
}

// TerminalStarted increments the running terminal gauge.
func TerminalStarted() { terminalsActive.Inc() }

// TerminalStopped decrements the running terminal gauge.
func TerminalStopped() { terminalsActive.Dec() }

// RecordTerminalBytes records relayed terminal bytes ("in" or "out").
func RecordTerminalBytes(direction string, n int) {
	terminalBytes.WithLabelValues(direction).Add(float64(n))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var recordHTTP = RecordHTTPRequest

// unmatchedRoute labels requests that no Route-wrapped handler served.
const unmatchedRoute = "unmatched"

type routeKey struct{}

// Route wraps a handler registered on a ServeMux so that its requests are
// labelled with the registered pattern. Middleware only sees the raw path;
// the pattern is known once the mux has dispatched.
func Route(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if route, ok := r.Context().Value(routeKey{}).(*string); ok && r.Pattern != "" {
			p := r.Pattern
			if i := strings.IndexByte(p, ' '); i >= 0 {
				p = p[i+1:]
			}
			*route = p
		}
		h(w, r)
	}
}

// Middleware returns HTTP middleware that records request metrics.
// Upgraded connections are long-lived and are counted by the channel gauges instead.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		route := unmatchedRoute
		r = r.WithContext(context.WithValue(r.Context(), routeKey{}, &route))
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		recordHTTP(r.Method, route, rw.statusCode, time.Since(start))
	})
}
