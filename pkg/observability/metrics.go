package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Recording methods are safe on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission metrics
	PermissionCacheHitsTotal      prometheus.Counter
	PermissionCacheMissesTotal    prometheus.Counter
	PermissionCacheEvictionsTotal *prometheus.CounterVec
	PermissionResolveDuration     *prometheus.HistogramVec
	PermissionDeniedTotal         *prometheus.CounterVec

	// Invalidation metrics
	InvalidationsAppliedTotal *prometheus.CounterVec
	InvalidationsSkippedTotal *prometheus.CounterVec
	BusPublishErrorsTotal     prometheus.Counter
	BusResyncsTotal           prometheus.Counter

	// Tenant metrics
	TenantResolutionsTotal *prometheus.CounterVec

	// Token metrics
	TokensIssuedTotal         *prometheus.CounterVec
	RefreshRotationsTotal     *prometheus.CounterVec
	RefreshReuseDetectedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		PermissionCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_permission_cache_hits_total",
				Help: "Permission lookups answered from the local cache",
			},
		),
		PermissionCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_permission_cache_misses_total",
				Help: "Permission lookups that required recomputation",
			},
		),
		PermissionCacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_permission_cache_evictions_total",
				Help: "Permission cache entries removed",
			},
			[]string{"reason"},
		),
		PermissionResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_permission_resolve_duration_seconds",
				Help:    "Permission resolution latency",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"source"},
		),
		PermissionDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_permission_denied_total",
				Help: "Permission requirements that were not met",
			},
			[]string{"resource"},
		),

		InvalidationsAppliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_invalidations_applied_total",
				Help: "Invalidation messages applied to the local cache",
			},
			[]string{"type"},
		),
		InvalidationsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_invalidations_skipped_total",
				Help: "Invalidation keys ignored because a newer invalidation was already applied",
			},
			[]string{"type"},
		),
		BusPublishErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_cache_bus_publish_errors_total",
				Help: "Invalidation messages that could not be published",
			},
		),
		BusResyncsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_cache_bus_resyncs_total",
				Help: "Cache flushes after the invalidation subscription reconnected",
			},
		),

		TenantResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_tenant_resolutions_total",
				Help: "Tenant resolutions by result",
			},
			[]string{"result"},
		),

		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_tokens_issued_total",
				Help: "Tokens issued by kind",
			},
			[]string{"kind"},
		),
		RefreshRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_refresh_rotations_total",
				Help: "Refresh token rotations by result",
			},
			[]string{"result"},
		),
		RefreshReuseDetectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_refresh_reuse_detected_total",
				Help: "Replays of already rotated or revoked refresh tokens",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionCacheHitsTotal,
		m.PermissionCacheMissesTotal,
		m.PermissionCacheEvictionsTotal,
		m.PermissionResolveDuration,
		m.PermissionDeniedTotal,
		m.InvalidationsAppliedTotal,
		m.InvalidationsSkippedTotal,
		m.BusPublishErrorsTotal,
		m.BusResyncsTotal,
		m.TenantResolutionsTotal,
		m.TokensIssuedTotal,
		m.RefreshRotationsTotal,
		m.RefreshReuseDetectedTotal,
	)

	return m
}

// RecordCacheHit counts a permission cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.PermissionCacheHitsTotal.Inc()
}

// RecordCacheMiss counts a permission cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.PermissionCacheMissesTotal.Inc()
}

// RecordCacheEvictions counts removed cache entries
func (m *Metrics) RecordCacheEvictions(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PermissionCacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// ObserveResolve records how long a resolution took and where it was answered from
func (m *Metrics) ObserveResolve(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.PermissionResolveDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordPermissionDenied counts an unmet requirement
func (m *Metrics) RecordPermissionDenied(resource string) {
	if m == nil {
		return
	}
	m.PermissionDeniedTotal.WithLabelValues(resource).Inc()
}

// RecordInvalidation counts applied and skipped keys of one invalidation message
func (m *Metrics) RecordInvalidation(msgType string, applied, skipped int) {
	if m == nil {
		return
	}
	m.InvalidationsAppliedTotal.WithLabelValues(msgType).Inc()
	if skipped > 0 {
		m.InvalidationsSkippedTotal.WithLabelValues(msgType).Add(float64(skipped))
	}
}

// RecordPublishError counts a failed publish
func (m *Metrics) RecordPublishError() {
	if m == nil {
		return
	}
	m.BusPublishErrorsTotal.Inc()
}

// RecordBusResync counts a cache flush after a resubscription
func (m *Metrics) RecordBusResync() {
	if m == nil {
		return
	}
	m.BusResyncsTotal.Inc()
}

// RecordTenantResolution counts a tenant resolution outcome
func (m *Metrics) RecordTenantResolution(result string) {
	if m == nil {
		return
	}
	m.TenantResolutionsTotal.WithLabelValues(result).Inc()
}

// RecordTokenIssued counts an issued token of the given kind
func (m *Metrics) RecordTokenIssued(kind string) {
	if m == nil {
		return
	}
	m.TokensIssuedTotal.WithLabelValues(kind).Inc()
}

// RecordRotation counts a refresh rotation outcome
func (m *Metrics) RecordRotation(result string) {
	if m == nil {
		return
	}
	m.RefreshRotationsTotal.WithLabelValues(result).Inc()
}

// RecordReuseDetected counts a refresh token replay
func (m *Metrics) RecordReuseDetected() {
	if m == nil {
		return
	}
	m.RefreshReuseDetectedTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. routeName maps a request to a
// low-cardinality label (for example the mux route template).
func HTTPMetricsMiddleware(metrics *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
