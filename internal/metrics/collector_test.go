package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/proxy"
)

func serveOnce(t *testing.T, c *Collector, up proxy.Upstream) {
	t.Helper()
	chain := pipeline.NewChain(NewMiddleware(c))
	chain.SetObserver(c)
	svc := proxy.NewService(chain, up, proxy.ServiceOptions{})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/items", nil)
	req.RequestURI = ""
	resp, _ := svc.Serve(context.Background(), req, "192.0.2.1:4000")
	if resp != nil {
		resp.Body.Close()
	}
}

func TestCollector_RecordsSuccess(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	serveOnce(t, c, proxy.UpstreamFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		return pipeline.NewResponse(req, http.StatusOK, "ok"), nil
	}))

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("GET", "200", "success")); got != 1 {
		t.Errorf("requests_total{GET,200,success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.activeRequests); got != 0 {
		t.Errorf("active_requests = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.upstreamFailures); got != 0 {
		t.Errorf("upstream_failures_total = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(c.hookDuration); n == 0 {
		t.Error("expected hook duration series to be observed")
	}
}

func TestCollector_RecordsFailure(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	serveOnce(t, c, proxy.UpstreamFunc(func(context.Context, *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}))

	if got := testutil.ToFloat64(c.upstreamFailures); got != 1 {
		t.Errorf("upstream_failures_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("GET", "none", "failure")); got != 1 {
		t.Errorf("requests_total{GET,none,failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.activeRequests); got != 0 {
		t.Errorf("active_requests = %v, want 0", got)
	}
}

func TestCollector_Exposition(t *testing.T) {
	c := NewCollector(nil)
	c.RecordRequest("POST", 502, pipeline.OutcomeSuccess, 20*time.Millisecond)
	c.ObserveHook("cache", pipeline.PhaseBefore, 0.001)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`hookproxy_requests_total{code="502",method="POST",outcome="success"} 1`,
		`hookproxy_hook_duration_seconds_count{middleware="cache",phase="before_request"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestCollector_UnknownOutcome(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordRequest("GET", 0, "", time.Millisecond)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("GET", "none", "unknown")); got != 1 {
		t.Errorf("requests_total{GET,none,unknown} = %v, want 1", got)
	}
}
