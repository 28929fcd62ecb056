package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/proxy"
)

func serve(t *testing.T, svc *proxy.Service, url string) (*http.Response, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.RequestURI = ""
	return svc.Serve(context.Background(), req, "192.0.2.1:5000")
}

func TestMiddleware_OpensCircuitAfterFailures(t *testing.T) {
	reg := NewRegistry(2, time.Minute, 1)
	mw := NewWithRegistry(reg, false)

	var calls int
	up := proxy.UpstreamFunc(func(context.Context, *http.Request) (*http.Response, error) {
		calls++
		return nil, syscall.ECONNREFUSED
	})
	svc := proxy.NewService(pipeline.NewChain(mw), up, proxy.ServiceOptions{})

	for i := 0; i < 2; i++ {
		if _, err := serve(t, svc, "http://down.example/"); !errors.Is(err, syscall.ECONNREFUSED) {
			t.Fatalf("request %d: got %v, want the transport error", i, err)
		}
	}

	resp, err := serve(t, svc, "http://down.example/")
	if err != nil {
		t.Fatalf("open circuit should answer, got error %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After: got %q, want 60", resp.Header.Get("Retry-After"))
	}
	if calls != 2 {
		t.Errorf("upstream calls: got %d, want 2", calls)
	}

	// Other hosts are unaffected.
	if _, err := serve(t, svc, "http://other.example/"); err == nil {
		t.Error("other host should still be dispatched and fail")
	}
}

func TestMiddleware_ServerErrorsCountAsFailures(t *testing.T) {
	reg := NewRegistry(1, time.Minute, 1)
	mw := NewWithRegistry(reg, false)
	up := proxy.UpstreamFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		return pipeline.NewResponse(req, http.StatusServiceUnavailable, "busy"), nil
	})
	svc := proxy.NewService(pipeline.NewChain(mw), up, proxy.ServiceOptions{})

	resp, err := serve(t, svc, "http://busy.example/")
	if err != nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("first request: %v %v", resp, err)
	}
	if got := reg.Get("busy.example").State(); got != Open {
		t.Errorf("breaker: got %s, want open", got)
	}
}

func TestMiddleware_RecoverFailures(t *testing.T) {
	mw := New(config.ResilienceConfig{RecoverFailures: true})
	up := proxy.UpstreamFunc(func(context.Context, *http.Request) (*http.Response, error) {
		return nil, syscall.ECONNREFUSED
	})
	svc := proxy.NewService(pipeline.NewChain(mw), up, proxy.ServiceOptions{})

	resp, err := serve(t, svc, "http://down.example/")
	if err != nil {
		t.Fatalf("failure should be recovered, got %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", resp.StatusCode)
	}
	if want := "bad gateway: " + syscall.ECONNREFUSED.Error() + "\n"; string(body) != want {
		t.Errorf("body: got %q, want %q", body, want)
	}
	if mw.Breakers() != nil {
		t.Error("breakers should be nil when the circuit breaker is disabled")
	}
}

func TestMiddleware_LeavesExistingResponseAlone(t *testing.T) {
	mw := New(config.ResilienceConfig{RecoverFailures: true})
	resp := pipeline.NewResponse(nil, http.StatusOK, "fine")
	rc := pipeline.Context{RequestID: 1}

	d, err := mw.AfterRequest(context.Background(), resp, rc, pipeline.NewState())
	if err != nil || d.Action != pipeline.ActionNext {
		t.Errorf("got %v, %v; want Next", d, err)
	}
}
