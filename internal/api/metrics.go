package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"

	// streamRoute stays open for the length of a render, so it is kept out
	// of the request duration histogram.
	streamRoute = "/v1/render/{id}/stream"
)

// Submission outcomes.
const (
	submitAccepted    = "accepted"
	submitInvalid     = "invalid"
	submitRejected    = "rejected"
	submitRateLimited = "rate_limited"
	submitError       = "error"
)

// Sources of streamed events.
const (
	sourceLive   = "live"
	sourceReplay = "replay"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easel_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "easel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, excluding render streams.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easel_http_submissions_total",
			Help: "Render submissions by outcome.",
		},
		[]string{"result"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "easel_http_active_streams",
			Help: "Render streams currently open.",
		},
	)

	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easel_http_stream_events_total",
			Help: "Render messages written to streams, by message kind and whether they came from the live broker or the stored history.",
		},
		[]string{"kind", "source"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		submissionsTotal,
		activeStreams,
		streamEventsTotal,
	)
}

// metricsMiddleware counts every request by chi route pattern and records
// the duration of all but render streams.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		if path != streamRoute {
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
