// Package metrics exposes Prometheus metrics for rule evaluation and the
// HTTP API.
//
// Metrics:
//   - rulegate_evaluations_total: top-level evaluations by tenant and outcome
//   - rulegate_evaluation_duration_seconds: evaluation duration by tenant
//   - rulegate_result_cache_lookups_total: result cache lookups by tenant and hit/miss
//   - rulegate_evaluator_timeouts_total: custom evaluator timeouts by tenant
//   - rulegate_http_requests_total: API requests by route, method and status
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/rulegate/rules"
)

const namespace = "rulegate"

// Outcome labels for rulegate_evaluations_total
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

type Metrics struct {
	registry *prometheus.Registry

	evaluations  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	timeouts     *prometheus.CounterVec
	requests     *prometheus.CounterVec
}

// New registers all metrics with registry. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of top-level rule evaluations",
		}, []string{"tenant", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of top-level rule evaluations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		}, []string{"tenant"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_lookups_total",
			Help:      "Result cache lookups",
		}, []string{"tenant", "result"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluator_timeouts_total",
			Help:      "Custom evaluators that exceeded their timeout",
		}, []string{"tenant"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests",
		}, []string{"route", "method", "status"}),
	}

	registry.MustRegister(m.evaluations, m.duration, m.cacheLookups, m.timeouts, m.requests)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ForTenant returns a rules.Recorder labelled with tenantID
func (m *Metrics) ForTenant(tenantID string) rules.Recorder {
	return &tenantRecorder{m: m, tenant: tenantID}
}

type tenantRecorder struct {
	m      *Metrics
	tenant string
}

func (r *tenantRecorder) ObserveEvaluation(_ string, result *rules.RuleResult, err error) {
	outcome := Outcome(result, err)
	r.m.evaluations.WithLabelValues(r.tenant, outcome).Inc()
	if outcome == OutcomeTimeout {
		r.m.timeouts.WithLabelValues(r.tenant).Inc()
	}
	if result != nil && !result.Cached {
		r.m.duration.WithLabelValues(r.tenant).Observe(result.ExecutionTime.Seconds())
	}
}

func (r *tenantRecorder) ObserveCache(_ string, hit bool) {
	label := "miss"
	if hit {
		label = "hit"
	}
	r.m.cacheLookups.WithLabelValues(r.tenant, label).Inc()
}

// Outcome classifies an evaluation for the outcome label
func Outcome(result *rules.RuleResult, err error) string {
	switch {
	case errors.Is(err, rules.ErrTimeout):
		return OutcomeTimeout
	case err != nil, result == nil, len(result.Errors) > 0:
		return OutcomeError
	case result.Passed:
		return OutcomePassed
	default:
		return OutcomeFailed
	}
}

// Middleware counts requests by chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}
