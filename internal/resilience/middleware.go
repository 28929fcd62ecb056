package resilience

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

// State keys owned by this middleware.
const (
	hostKey  = "resilience.host"
	errorKey = "resilience.error"
)

// Middleware guards upstream hosts with circuit breakers and, optionally,
// turns unrecovered transport failures into 502 responses.
type Middleware struct {
	pipeline.Base

	breakers        *Registry // nil when the circuit breaker is disabled
	recoverFailures bool
}

// New creates the resilience middleware from its config section.
func New(cfg config.ResilienceConfig) *Middleware {
	m := &Middleware{recoverFailures: cfg.RecoverFailures}
	if cfg.CBEnabled {
		m.breakers = NewRegistry(cfg.CBFailureThreshold, time.Duration(cfg.CBResetTimeoutSec)*time.Second, cfg.CBHalfOpenMax)
	}
	return m
}

// NewWithRegistry creates the middleware around an existing breaker registry.
func NewWithRegistry(breakers *Registry, recoverFailures bool) *Middleware {
	return &Middleware{breakers: breakers, recoverFailures: recoverFailures}
}

func (m *Middleware) Name() string { return "resilience" }

// Breakers returns the breaker registry, or nil when breaking is disabled.
func (m *Middleware) Breakers() *Registry { return m.breakers }

// BeforeRequest rejects the request with 503 while the circuit of its host
// is open.
func (m *Middleware) BeforeRequest(ctx context.Context, req *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	if m.breakers == nil {
		return pipeline.Next, nil
	}
	host := req.URL.Host
	ok, retryIn := m.breakers.Get(host).Allow()
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("host", host).Dur("retry_in", retryIn).Msg("circuit open, rejecting request")
		secs := int(math.Ceil(retryIn.Seconds()))
		return pipeline.Decision{}, &pipeline.Error{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "upstream " + host + " is unavailable",
			Header:     http.Header{"Retry-After": {strconv.Itoa(max(secs, 1))}},
		}
	}
	state.Set(hostKey, rc.RequestID, host)
	return pipeline.Next, nil
}

// RequestSuccess counts 5xx answers as failures of the host.
func (m *Middleware) RequestSuccess(_ context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	if b := m.breaker(rc, state); b != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}
	return pipeline.Next, nil
}

// RequestFailure records the transport error for the host and keeps its
// text for AfterRequest.
func (m *Middleware) RequestFailure(_ context.Context, err error, rc pipeline.Context, state *pipeline.State) error {
	if b := m.breaker(rc, state); b != nil {
		b.RecordFailure()
	}
	state.Set(errorKey, rc.RequestID, err.Error())
	return nil
}

// AfterRequest supplies a 502 when the request failed and no earlier
// middleware recovered it.
func (m *Middleware) AfterRequest(_ context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	if resp != nil || !m.recoverFailures {
		return pipeline.Next, nil
	}
	msg, ok := state.Get(errorKey, rc.RequestID)
	if !ok {
		msg = "upstream request failed"
	}
	return pipeline.RespondWith(pipeline.NewResponse(nil, http.StatusBadGateway, "bad gateway: "+msg+"\n")), nil
}

func (m *Middleware) breaker(rc pipeline.Context, state *pipeline.State) *Breaker {
	if m.breakers == nil {
		return nil
	}
	host, ok := state.Get(hostKey, rc.RequestID)
	if !ok {
		return nil
	}
	return m.breakers.Get(host)
}
