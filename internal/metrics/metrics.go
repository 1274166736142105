// Package metrics registers the Prometheus collectors of the file service.
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
	// UploadsTotal counts upload outcomes per target backend.
	// result: stored, deduplicated, failed.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileservice_uploads_total",
			Help: "Uploads processed, by target backend and result",
		},
		[]string{"target", "result"},
	)

	// UploadRacesTotal counts uploads that lost the fingerprint race at commit time.
	UploadRacesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileservice_upload_races_total",
			Help: "Uploads resolved to an existing record by the fingerprint unique constraint",
		},
	)

	// BackendOperationsTotal counts backend calls.
	BackendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileservice_backend_operations_total",
			Help: "Storage backend operations, by backend, operation and result",
		},
		[]string{"backend", "operation", "result"},
	)

	// DeletionsTotal counts logical deletions. outcome: complete, partial, failed.
	DeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileservice_deletions_total",
			Help: "File deletions, by outcome of the physical removal",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileservice_http_requests_total",
			Help: "HTTP requests, by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileservice_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveBackend records the result of one backend operation.
func ObserveBackend(backend, operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	BackendOperationsTotal.WithLabelValues(backend, operation, result).Inc()
}

// Middleware records request count and latency per chi route pattern, which keeps label
// cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
