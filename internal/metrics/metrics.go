// Package metrics registers the Prometheus collectors shared by the API,
// the lifecycle service and the cleanup workers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oncedrop_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oncedrop_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Lifecycle metrics, updated by the service layer.
var (
	// UploadsTotal counts upload attempts by result (ok, store_error,
	// issue_error, encrypt_error, cancelled).
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oncedrop_uploads_total",
			Help: "Document uploads by result.",
		},
		[]string{"result"},
	)

	// AccessTotal counts access attempts by outcome.
	AccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oncedrop_access_total",
			Help: "Access attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// PrintsTotal counts finalize calls by result.
	PrintsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oncedrop_prints_total",
			Help: "Print finalizations by result.",
		},
		[]string{"result"},
	)

	SweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oncedrop_sweep_runs_total",
		Help: "Expiry sweep runs.",
	})

	SweptDocumentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oncedrop_swept_documents_total",
		Help: "Documents reclaimed by the expiry sweep.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oncedrop_sweep_duration_seconds",
		Help:    "Expiry sweep duration.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	// CleanupTotal counts compensating blob deletes by stage (inline,
	// queued, retried, failed, dropped).
	CleanupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oncedrop_blob_cleanup_total",
			Help: "Compensating blob deletes by stage.",
		},
		[]string{"stage"},
	)

	// AuditFailuresTotal counts audit events a sink refused.
	AuditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oncedrop_audit_failures_total",
		Help: "Audit events that could not be recorded.",
	})
)

// Middleware records request counts and latency. The route label is the chi
// pattern so access codes never become label values.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
