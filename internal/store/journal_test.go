package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/proxy"
)

// shortCircuit answers every request before upstream is contacted.
type shortCircuit struct{ pipeline.Base }

func (shortCircuit) Name() string { return "deny" }

func (shortCircuit) BeforeRequest(_ context.Context, req *http.Request, _ pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
	return pipeline.RespondWith(pipeline.NewResponse(req, http.StatusForbidden, "denied")), nil
}

func journalRequest(t *testing.T, st *Store, up proxy.Upstream, mws ...pipeline.Middleware) *Request {
	t.Helper()
	svc := proxy.NewService(pipeline.NewChain(mws...), up, proxy.ServiceOptions{})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/items?x=1", nil)
	req.RequestURI = ""
	req.Header.Set("X-Request-Id", "corr-123")
	resp, _ := svc.Serve(context.Background(), req, "192.0.2.1:4000")
	if resp != nil {
		resp.Body.Close()
	}

	rows, err := st.ListRequests(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("journaled %d rows, want 1", len(rows))
	}
	return rows[0]
}

func TestJournal_RecordsSuccess(t *testing.T) {
	st := openCoreTestStore(t)
	up := proxy.UpstreamFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		resp := pipeline.NewResponse(req, http.StatusCreated, "ok")
		resp.Header.Set("X-Cache", "MISS")
		return resp, nil
	})

	got := journalRequest(t, st, up, NewJournal(st))

	if got.Method != http.MethodGet || got.Host != "api.example.com" || got.Path != "/v1/items" {
		t.Errorf("request line: got %s %s%s", got.Method, got.Host, got.Path)
	}
	if got.StatusCode != http.StatusCreated || got.Outcome != string(pipeline.OutcomeSuccess) {
		t.Errorf("result: got %d %q", got.StatusCode, got.Outcome)
	}
	if got.RequestID != "corr-123" || got.RemoteAddr != "192.0.2.1:4000" {
		t.Errorf("identity: got %q from %q", got.RequestID, got.RemoteAddr)
	}
	if got.CacheStatus != "MISS" {
		t.Errorf("CacheStatus: got %q", got.CacheStatus)
	}
	if time.Since(got.Timestamp) > time.Minute {
		t.Errorf("Timestamp: got %v", got.Timestamp)
	}
}

func TestJournal_RecordsTransportFailure(t *testing.T) {
	st := openCoreTestStore(t)
	up := proxy.UpstreamFunc(func(context.Context, *http.Request) (*http.Response, error) {
		return nil, syscall.ECONNREFUSED
	})

	got := journalRequest(t, st, up, NewJournal(st))

	if got.Outcome != string(pipeline.OutcomeFailure) {
		t.Errorf("Outcome: got %q", got.Outcome)
	}
	if got.StatusCode != 0 {
		t.Errorf("StatusCode: got %d, want 0", got.StatusCode)
	}
	if got.ErrorMessage != syscall.ECONNREFUSED.Error() {
		t.Errorf("ErrorMessage: got %q", got.ErrorMessage)
	}
}

func TestJournal_RecordsShortCircuitFromEarlierMiddleware(t *testing.T) {
	st := openCoreTestStore(t)
	up := proxy.UpstreamFunc(func(context.Context, *http.Request) (*http.Response, error) {
		t.Fatal("upstream must not be called")
		return nil, nil
	})

	got := journalRequest(t, st, up, shortCircuit{}, NewJournal(st))

	if got.Outcome != string(pipeline.OutcomeShortCircuit) || got.StatusCode != http.StatusForbidden {
		t.Errorf("got %q %d", got.Outcome, got.StatusCode)
	}
	if got.Path != "/v1/items" {
		t.Errorf("Path should come from the response's request, got %q", got.Path)
	}
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) InsertRequest(context.Context, *Request) error {
	f.calls++
	return context.DeadlineExceeded
}

func TestJournal_WriteErrorDoesNotAffectResponse(t *testing.T) {
	rec := &failingRecorder{}
	svc := proxy.NewService(pipeline.NewChain(NewJournal(rec)), proxy.UpstreamFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		return pipeline.NewResponse(req, http.StatusOK, "ok"), nil
	}), proxy.ServiceOptions{})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil)
	req.RequestURI = ""
	resp, err := svc.Serve(context.Background(), req, "192.0.2.1:4000")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("got %v, %v", resp, err)
	}
	if rec.calls != 1 {
		t.Errorf("InsertRequest calls: got %d, want 1", rec.calls)
	}
}
