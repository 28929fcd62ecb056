package proxy

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type hookRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *hookRecorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *hookRecorder) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

type recordingMiddleware struct {
	pipeline.Base
	name    string
	rec     *hookRecorder
	before  func(ctx context.Context, req *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error)
	success func(ctx context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error)
	failure func(ctx context.Context, err error, rc pipeline.Context, state *pipeline.State) error
	after   func(ctx context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error)
}

func (m *recordingMiddleware) Name() string { return m.name }

func (m *recordingMiddleware) record(phase string) {
	if m.rec != nil {
		m.rec.add(m.name + "." + phase)
	}
}

func (m *recordingMiddleware) BeforeRequest(ctx context.Context, req *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	m.record("before")
	if m.before != nil {
		return m.before(ctx, req, rc, state)
	}
	return pipeline.Next, nil
}

func (m *recordingMiddleware) RequestSuccess(ctx context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	m.record("success")
	if m.success != nil {
		return m.success(ctx, resp, rc, state)
	}
	return pipeline.Next, nil
}

func (m *recordingMiddleware) RequestFailure(ctx context.Context, err error, rc pipeline.Context, state *pipeline.State) error {
	m.record("failure")
	if m.failure != nil {
		return m.failure(ctx, err, rc, state)
	}
	return nil
}

func (m *recordingMiddleware) AfterRequest(ctx context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	m.record("after")
	if m.after != nil {
		return m.after(ctx, resp, rc, state)
	}
	return pipeline.Next, nil
}

// countingUpstream answers every request with 200 unless fn is set.
type countingUpstream struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req *http.Request) (*http.Response, error)
}

func (u *countingUpstream) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	u.calls.Add(1)
	if u.fn != nil {
		return u.fn(ctx, req)
	}
	return pipeline.NewResponse(req, http.StatusOK, "upstream"), nil
}

func newTestService(up Upstream, mws ...pipeline.Middleware) *Service {
	nop := zerolog.Nop()
	return NewService(pipeline.NewChain(mws...), up, ServiceOptions{Logger: &nop})
}

func outboundRequest() *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://upstream.test/items", nil)
	req.RequestURI = ""
	return req
}

// refusedAddr returns an address on which nothing listens.
func refusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestService_ShortCircuitSkipsLaterHooksAndUpstream(t *testing.T) {
	rec := &hookRecorder{}
	auth := &recordingMiddleware{name: "auth", rec: rec, before: func(_ context.Context, req *http.Request, _ pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
		if req.Header.Get("Authorization") == "" {
			return pipeline.RespondWith(pipeline.NewResponse(req, http.StatusUnauthorized, "unauthorized")), nil
		}
		return pipeline.Next, nil
	}}
	logMW := &recordingMiddleware{name: "log", rec: rec}
	up := &countingUpstream{}

	resp, err := newTestService(up, auth, logMW).Serve(context.Background(), outboundRequest(), "192.0.2.1:1234")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", resp.StatusCode)
	}
	if rec.count("log.before") != 0 {
		t.Error("log.before_request must not run after a short-circuit")
	}
	if rec.count("auth.after") != 1 || rec.count("log.after") != 1 {
		t.Errorf("after_request calls: auth=%d log=%d, want 1 each", rec.count("auth.after"), rec.count("log.after"))
	}
	if up.calls.Load() != 0 {
		t.Errorf("upstream called %d times, want 0", up.calls.Load())
	}
}

func TestService_EmptyChainIsTransparent(t *testing.T) {
	req := outboundRequest()
	upstreamResp := pipeline.NewResponse(req, http.StatusTeapot, "brewed")
	var seen *http.Request
	up := UpstreamFunc(func(_ context.Context, r *http.Request) (*http.Response, error) {
		seen = r
		return upstreamResp, nil
	})

	resp, err := newTestService(up).Serve(context.Background(), req, "192.0.2.1:1234")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if seen != req {
		t.Error("request should reach upstream unchanged")
	}
	if resp != upstreamResp {
		t.Error("response should be returned verbatim")
	}
}

func TestService_RecoversConnectionRefused(t *testing.T) {
	rec := &hookRecorder{}
	var afterSawNil bool
	var recorded string
	recoverMW := &recordingMiddleware{
		name: "recover",
		rec:  rec,
		failure: func(_ context.Context, err error, rc pipeline.Context, state *pipeline.State) error {
			state.Set("recover.error", rc.RequestID, err.Error())
			return nil
		},
		after: func(_ context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
			afterSawNil = resp == nil
			recorded, _ = state.Get("recover.error", rc.RequestID)
			if resp == nil {
				return pipeline.RespondWith(pipeline.NewResponse(nil, http.StatusBadGateway, "bad gateway")), nil
			}
			return pipeline.Next, nil
		},
	}
	client := NewUpstreamClient(UpstreamOptions{DialTimeout: 2 * time.Second})
	req := httptest.NewRequest(http.MethodGet, "http://"+refusedAddr(t)+"/", nil)
	req.RequestURI = ""

	resp, err := newTestService(client, recoverMW).Serve(context.Background(), req, "192.0.2.1:1234")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", resp.StatusCode)
	}
	if !afterSawNil {
		t.Error("after_request should see no response on the failure path")
	}
	if recorded == "" {
		t.Error("state written in request_failure should be visible in after_request")
	}
	if rec.count("recover.failure") != 1 || rec.count("recover.success") != 0 {
		t.Errorf("unexpected hook calls: %v", rec.calls)
	}
}

func TestService_StateIsClearedBetweenRequests(t *testing.T) {
	var previous uint64
	var leaked bool
	counter := &recordingMiddleware{name: "counter", before: func(_ context.Context, _ *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
		if previous != 0 {
			_, leaked = state.Get("hits", previous)
		}
		state.Set("hits", rc.RequestID, "1")
		previous = rc.RequestID
		return pipeline.Next, nil
	}}
	svc := newTestService(&countingUpstream{}, counter)

	for i := 0; i < 2; i++ {
		if _, err := svc.Serve(context.Background(), outboundRequest(), "192.0.2.1:1234"); err != nil {
			t.Fatalf("Serve: %v", err)
		}
	}
	if leaked {
		t.Error("state of the previous request survived the clear")
	}
	if svc.State().Len() == 0 {
		t.Error("state of the last request should remain until the next call")
	}
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestService_TransportErrorReturnedVerbatim(t *testing.T) {
	transportErr := errors.New("dial tcp: connection refused")
	up := &countingUpstream{fn: func(context.Context, *http.Request) (*http.Response, error) {
		return nil, transportErr
	}}
	rec := &hookRecorder{}

	resp, err := newTestService(up, &recordingMiddleware{name: "obs", rec: rec}).Serve(context.Background(), outboundRequest(), "")
	if err != transportErr {
		t.Fatalf("err: got %v, want the upstream transport error", err)
	}
	if resp != nil {
		t.Errorf("resp: got %v, want nil", resp)
	}
	if rec.count("obs.failure") != 1 || rec.count("obs.after") != 1 {
		t.Errorf("unexpected hook calls: %v", rec.calls)
	}
}

func TestService_AfterRequestRunsOncePerMiddlewareOnEveryPath(t *testing.T) {
	tests := []struct {
		name     string
		shortCut bool
		fail     bool
	}{
		{name: "success"},
		{name: "short-circuit", shortCut: true},
		{name: "failure", fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &hookRecorder{}
			first := &recordingMiddleware{name: "a", rec: rec, before: func(_ context.Context, req *http.Request, _ pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
				if tt.shortCut {
					return pipeline.RespondWith(pipeline.NewResponse(req, http.StatusNoContent, "")), nil
				}
				return pipeline.Next, nil
			}}
			up := &countingUpstream{fn: func(_ context.Context, req *http.Request) (*http.Response, error) {
				if tt.fail {
					return nil, syscall.ECONNREFUSED
				}
				return pipeline.NewResponse(req, http.StatusOK, "ok"), nil
			}}

			newTestService(up, first, &recordingMiddleware{name: "b", rec: rec}, &recordingMiddleware{name: "c", rec: rec}).
				Serve(context.Background(), outboundRequest(), "")

			for _, name := range []string{"a", "b", "c"} {
				if n := rec.count(name + ".after"); n != 1 {
					t.Errorf("%s.after_request ran %d times, want 1", name, n)
				}
			}
		})
	}
}

func TestService_StateVisibleAcrossPhases(t *testing.T) {
	var inSuccess, inAfter string
	mw := &recordingMiddleware{
		name: "carry",
		before: func(_ context.Context, _ *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
			state.Set("carry", rc.RequestID, "v")
			return pipeline.Next, nil
		},
		success: func(_ context.Context, _ *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
			inSuccess, _ = state.Get("carry", rc.RequestID)
			return pipeline.Next, nil
		},
		after: func(_ context.Context, _ *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
			inAfter, _ = state.Get("carry", rc.RequestID)
			if pipeline.OutcomeOf(state, rc) != pipeline.OutcomeSuccess {
				t.Errorf("outcome: got %q, want success", pipeline.OutcomeOf(state, rc))
			}
			return pipeline.Next, nil
		},
	}

	newTestService(&countingUpstream{}, mw).Serve(context.Background(), outboundRequest(), "")

	if inSuccess != "v" || inAfter != "v" {
		t.Errorf("state: success=%q after=%q, want v", inSuccess, inAfter)
	}
}

func TestService_ContextCarriesRequestIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	var rcSeen pipeline.Context
	mw := &recordingMiddleware{name: "logs", before: func(ctx context.Context, _ *http.Request, rc pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
		rcSeen = rc
		zerolog.Ctx(ctx).Info().Msg("inside hook")
		return pipeline.Next, nil
	}}
	svc := NewService(pipeline.NewChain(mw), &countingUpstream{}, ServiceOptions{
		Logger: &logger,
		IDs:    pipeline.NewSeededIDGenerator(1, 2),
	})

	svc.Serve(context.Background(), outboundRequest(), "198.51.100.7:5555")

	if rcSeen.RemoteAddr != "198.51.100.7:5555" {
		t.Errorf("RemoteAddr: got %q", rcSeen.RemoteAddr)
	}
	want := `"request_id":"` + rcSeen.String() + `"`
	if !bytes.Contains(buf.Bytes(), []byte(want)) || !bytes.Contains(buf.Bytes(), []byte(`"remote_addr":"198.51.100.7:5555"`)) {
		t.Errorf("hook log line missing request identity: %s", buf.String())
	}
}

func TestService_CleanupRunsAfterClientCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failureCtxErr, afterCtxErr error = errors.New("unset"), errors.New("unset")
	mw := &recordingMiddleware{
		name: "cleanup",
		failure: func(ctx context.Context, _ error, _ pipeline.Context, _ *pipeline.State) error {
			failureCtxErr = ctx.Err()
			return nil
		},
		after: func(ctx context.Context, _ *http.Response, _ pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
			afterCtxErr = ctx.Err()
			return pipeline.Next, nil
		},
	}
	up := &countingUpstream{fn: func(ctx context.Context, _ *http.Request) (*http.Response, error) {
		cancel()
		return nil, ctx.Err()
	}}

	_, err := newTestService(up, mw).Serve(ctx, outboundRequest(), "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: got %v, want context.Canceled", err)
	}
	if failureCtxErr != nil || afterCtxErr != nil {
		t.Errorf("cleanup phases ran on a cancelled context: failure=%v after=%v", failureCtxErr, afterCtxErr)
	}
}

func TestService_PanickingHookBecomes500(t *testing.T) {
	up := &countingUpstream{}
	mw := &recordingMiddleware{name: "panics", before: func(context.Context, *http.Request, pipeline.Context, *pipeline.State) (pipeline.Decision, error) {
		panic("boom")
	}}

	resp, err := newTestService(up, mw).Serve(context.Background(), outboundRequest(), "")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", resp.StatusCode)
	}
	if up.calls.Load() != 0 {
		t.Error("upstream must not be called after a failed before_request")
	}
}

func TestService_UnavailableBeforeLockRefusesRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &hookRecorder{}
	blocker := &recordingMiddleware{name: "blocker", rec: rec, before: func(_ context.Context, req *http.Request, _ pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
		if req.Header.Get("X-Hold") != "" {
			close(started)
			<-release
		}
		return pipeline.Next, nil
	}}
	chain := pipeline.NewChain(blocker)
	up := &countingUpstream{}
	nop := zerolog.Nop()

	// Two services sharing one chain, as two connections would.
	held := NewService(chain, up, ServiceOptions{Logger: &nop})
	other := NewService(chain, up, ServiceOptions{Logger: &nop})

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := outboundRequest()
		req.Header.Set("X-Hold", "1")
		held.Serve(context.Background(), req, "")
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	resp, err := other.Serve(ctx, outboundRequest(), "")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After on a refused request")
	}

	close(release)
	<-done

	if rec.count("blocker.after") != 1 {
		t.Errorf("after_request ran %d times, want 1 (only for the request that held the lock)", rec.count("blocker.after"))
	}
	if up.calls.Load() != 1 {
		t.Errorf("upstream calls: got %d, want 1 (the refused request must not be dispatched)", up.calls.Load())
	}
}

// slowAwaiter defers its after-request work past the after-phase deadline.
type slowAwaiter struct {
	pipeline.Base
	delay time.Duration
}

func (m *slowAwaiter) Name() string { return "slow" }

func (m *slowAwaiter) AfterRequestAsync(context.Context, *http.Response, pipeline.Context, *pipeline.State) (pipeline.Await, error) {
	return func(context.Context) (pipeline.Decision, error) {
		time.Sleep(m.delay)
		return pipeline.Next, nil
	}, nil
}

func TestService_AfterLockLostKeepsReplacedResponse(t *testing.T) {
	tests := []struct {
		name string
		up   *countingUpstream
	}{
		{name: "success", up: &countingUpstream{}},
		{name: "failure", up: &countingUpstream{fn: func(context.Context, *http.Request) (*http.Response, error) {
			return nil, syscall.ECONNREFUSED
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var replaced *http.Response
			replacer := &recordingMiddleware{name: "replacer", after: func(_ context.Context, resp *http.Response, _ pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
				var req *http.Request
				if resp != nil {
					req = resp.Request
				}
				replaced = pipeline.NewResponse(req, http.StatusTeapot, "replaced")
				return pipeline.RespondWith(replaced), nil
			}}
			rec := &hookRecorder{}
			tail := &recordingMiddleware{name: "tail", rec: rec}

			nop := zerolog.Nop()
			chain := pipeline.NewChain(replacer, &slowAwaiter{delay: 150 * time.Millisecond}, tail)
			svc := NewService(chain, tt.up, ServiceOptions{AfterTimeout: 50 * time.Millisecond, Logger: &nop})

			resp, err := svc.Serve(context.Background(), outboundRequest(), "")
			if err != nil {
				t.Fatalf("Serve: %v, want the replaced response", err)
			}
			if resp != replaced {
				t.Fatalf("got response %v, want the one supplied by after_request", resp)
			}
			if resp.StatusCode != http.StatusTeapot {
				t.Errorf("status: got %d, want 418", resp.StatusCode)
			}
			if rec.count("tail.after") != 0 {
				t.Error("hooks after the lost lock should be skipped")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Sharing granularity
// ---------------------------------------------------------------------------

// stateSurvival runs request A until its upstream call, runs request B to
// completion on svcB, then finishes A and reports whether A's state survived.
func stateSurvival(t *testing.T, shared bool) bool {
	t.Helper()

	inFlight := make(chan struct{})
	resume := make(chan struct{})
	var survived atomic.Bool

	mw := &recordingMiddleware{
		name: "marker",
		before: func(_ context.Context, req *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
			state.Set("marker", rc.RequestID, req.Header.Get("X-Name"))
			return pipeline.Next, nil
		},
		after: func(_ context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
			if resp.Request.Header.Get("X-Name") == "a" {
				_, ok := state.Get("marker", rc.RequestID)
				survived.Store(ok)
			}
			return pipeline.Next, nil
		},
	}
	up := &countingUpstream{fn: func(_ context.Context, req *http.Request) (*http.Response, error) {
		if req.Header.Get("X-Name") == "a" {
			close(inFlight)
			<-resume
		}
		return pipeline.NewResponse(req, http.StatusOK, "ok"), nil
	}}

	chain := pipeline.NewChain(mw)
	nop := zerolog.Nop()
	svcA := NewService(chain, up, ServiceOptions{Logger: &nop})
	svcB := svcA
	if !shared {
		svcB = NewService(chain, up, ServiceOptions{Logger: &nop})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := outboundRequest()
		req.Header.Set("X-Name", "a")
		svcA.Serve(context.Background(), req, "192.0.2.1:1")
	}()
	<-inFlight

	reqB := outboundRequest()
	reqB.Header.Set("X-Name", "b")
	if _, err := svcB.Serve(context.Background(), reqB, "192.0.2.2:2"); err != nil {
		t.Fatalf("Serve b: %v", err)
	}

	close(resume)
	<-done
	return survived.Load()
}

func TestService_SharedStateClearRace(t *testing.T) {
	// One Service for every connection: B's clear erases A's in-flight state.
	if stateSurvival(t, true) {
		t.Error("expected the shared store to lose the in-flight request's state")
	}
}

func TestService_PerConnectionStateIsIsolated(t *testing.T) {
	if !stateSurvival(t, false) {
		t.Error("state of an in-flight request was lost with per-connection services")
	}
}
