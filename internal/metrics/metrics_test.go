package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/liamcoop/rulegate/rules"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result *rules.RuleResult
		err    error
		want   string
	}{
		{"passed", &rules.RuleResult{Passed: true}, nil, OutcomePassed},
		{"failed", &rules.RuleResult{}, nil, OutcomeFailed},
		{"node errors", &rules.RuleResult{Passed: true, Errors: []string{"x: boom"}}, nil, OutcomeError},
		{"timeout", &rules.RuleResult{}, &rules.TimeoutError{Rule: "slow", Timeout: time.Millisecond}, OutcomeTimeout},
		{"other error", nil, errors.New("boom"), OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.result, tt.err); got != tt.want {
				t.Errorf("Outcome() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTenantRecorder(t *testing.T) {
	m := New(nil)
	rec := m.ForTenant("acme")

	rec.ObserveEvaluation("r1", &rules.RuleResult{Passed: true, ExecutionTime: time.Millisecond}, nil)
	rec.ObserveEvaluation("r1", &rules.RuleResult{}, &rules.TimeoutError{Rule: "r1"})
	rec.ObserveCache("r1", true)
	rec.ObserveCache("r1", false)
	rec.ObserveCache("r1", false)

	if got := testutil.ToFloat64(m.evaluations.WithLabelValues("acme", OutcomePassed)); got != 1 {
		t.Errorf("passed evaluations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.timeouts.WithLabelValues("acme")); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("acme", "miss")); got != 2 {
		t.Errorf("cache misses = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.duration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(nil)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/tenants/{tenantId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("/api/v1/tenants/{tenantId}", http.MethodGet, "404"))
	if got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "rulegate_http_requests_total") {
		t.Errorf("metrics output missing request counter:\n%s", rr.Body.String())
	}
}
