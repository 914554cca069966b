package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamcal_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamcal_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamcal_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	cacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamcal_cache_ops_total",
		Help: "Cache lookups by level (aggregate, user, google) and outcome (hit, miss).",
	}, []string{"level", "outcome"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamcal_upstream_request_duration_seconds",
		Help:    "Histogram of calendar provider request latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	refreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamcal_refresh_duration_seconds",
		Help:    "Histogram of aggregate cache refresh durations.",
		Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	refreshLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamcal_refresh_lock_contention_total",
		Help: "Refresh attempts that found another refresh already in flight.",
	})
)

// Middleware records request metrics and enriches the context with labels for
// downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			statusCode := strconv.Itoa(ww.Status())
			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).
		Observe(time.Since(start).Seconds())
}

// CacheHit and CacheMiss count lookups per cache level.
func CacheHit(level string)  { cacheOpsTotal.WithLabelValues(level, "hit").Inc() }
func CacheMiss(level string) { cacheOpsTotal.WithLabelValues(level, "miss").Inc() }

// ObserveUpstream records one provider call with its classified outcome.
func ObserveUpstream(provider, outcome string, start time.Time) {
	upstreamRequestDuration.WithLabelValues(provider, outcome).
		Observe(time.Since(start).Seconds())
}

// ObserveRefresh records a completed aggregate refresh.
func ObserveRefresh(outcome string, start time.Time) {
	refreshDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// RefreshLockContention counts refresh attempts rejected by the lock.
func RefreshLockContention() { refreshLockContention.Inc() }

// RequestIDFromContext extracts the request ID stored by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
