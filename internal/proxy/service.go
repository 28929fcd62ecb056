package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/tracing"
)

// defaultAfterTimeout bounds the failure and after phases when no timeout is
// configured.
const defaultAfterTimeout = 30 * time.Second

// ServiceOptions configures a Service. The zero value is usable.
type ServiceOptions struct {
	// State is the store shared by every call of the service. A fresh store
	// is created when nil.
	State *pipeline.State

	// IDs draws request IDs. A generator seeded from system entropy is
	// created when nil.
	IDs *pipeline.IDGenerator

	// AfterTimeout bounds the success, failure and after phases. They run
	// detached from the cancellation of the inbound request.
	AfterTimeout time.Duration

	// Logger is the parent of every per-request logger. Defaults to the
	// global logger.
	Logger *zerolog.Logger
}

// Service runs inbound requests through the middleware chain and the
// upstream client. One Service owns one State Store; every call clears it
// before running, so state is request-scoped in behavior even though it is
// physically shared by all calls of the service.
type Service struct {
	chain        *pipeline.Chain
	upstream     Upstream
	state        *pipeline.State
	ids          *pipeline.IDGenerator
	afterTimeout time.Duration
	logger       zerolog.Logger
}

// NewService creates a Service over chain and upstream.
func NewService(chain *pipeline.Chain, upstream Upstream, opts ServiceOptions) *Service {
	s := &Service{
		chain:        chain,
		upstream:     upstream,
		state:        opts.State,
		ids:          opts.IDs,
		afterTimeout: opts.AfterTimeout,
		logger:       log.Logger,
	}
	if s.state == nil {
		s.state = pipeline.NewState()
	}
	if s.ids == nil {
		s.ids = pipeline.NewIDGenerator()
	}
	if s.afterTimeout <= 0 {
		s.afterTimeout = defaultAfterTimeout
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	}
	return s
}

// State returns the State Store of the service.
func (s *Service) State() *pipeline.State {
	return s.state
}

// Serve processes one request. It returns the final response, or the
// transport error of the upstream call, unchanged, when the call failed and
// no middleware supplied a response.
//
// If the before-phase lock cannot be acquired the request is refused with
// 503 and never dispatched, since access control may live in that phase. A
// later phase whose lock is unavailable is skipped and the request proceeds.
func (s *Service) Serve(ctx context.Context, req *http.Request, remoteAddr string) (*http.Response, error) {
	s.state.Clear()

	rc := pipeline.Context{RequestID: s.ids.Next(), RemoteAddr: remoteAddr}
	logger := s.logger.With().
		Str("request_id", rc.String()).
		Str("remote_addr", remoteAddr).
		Logger()
	ctx = logger.WithContext(ctx)
	tracing.SetRequestAttributes(ctx, rc.String(), remoteAddr)

	early, err := s.chain.RunBefore(ctx, req, rc, s.state)
	if err != nil {
		return s.unavailable(ctx, req, err), nil
	}

	// Cleanup phases must run even when the client has gone away.
	afterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.afterTimeout)
	defer cancel()

	if early != nil {
		pipeline.SetOutcome(s.state, rc, pipeline.OutcomeShortCircuit)
		resp := s.after(afterCtx, early, rc)
		s.finish(ctx, pipeline.OutcomeShortCircuit, resp)
		return resp, nil
	}

	resp, upErr := s.upstream.Do(ctx, req)
	if upErr == nil {
		resp, err = s.chain.RunSuccess(afterCtx, resp, rc, s.state)
		if err == nil {
			pipeline.SetOutcome(s.state, rc, pipeline.OutcomeSuccess)
			resp = s.after(afterCtx, resp, rc)
		}
		s.finish(ctx, pipeline.OutcomeSuccess, resp)
		return resp, nil
	}

	logger.Debug().Err(upErr).Msg("upstream dispatch failed")
	if err := s.chain.RunFailure(afterCtx, upErr, rc, s.state); err == nil {
		pipeline.SetOutcome(s.state, rc, pipeline.OutcomeFailure)
		if resp = s.after(afterCtx, nil, rc); resp != nil {
			s.finish(ctx, pipeline.OutcomeRecovered, resp)
			return resp, nil
		}
	}
	s.finish(ctx, pipeline.OutcomeFailure, nil)
	return nil, upErr
}

// after runs the after-request phase. RunAfter hands back the response as
// left by the hooks that did run, also when it stops early on a lock error.
func (s *Service) after(ctx context.Context, resp *http.Response, rc pipeline.Context) *http.Response {
	final, _ := s.chain.RunAfter(ctx, resp, rc, s.state)
	return final
}

// unavailable answers a request whose before phase could not run.
func (s *Service) unavailable(ctx context.Context, req *http.Request, cause error) *http.Response {
	zerolog.Ctx(ctx).Warn().Err(cause).Msg("middleware chain unavailable, request refused")

	resp := pipeline.ErrorResponse(req, &pipeline.Error{
		StatusCode: http.StatusServiceUnavailable,
		Message:    http.StatusText(http.StatusServiceUnavailable),
		Err:        cause,
	})
	resp.Header.Set("Retry-After", "1")
	s.finish(ctx, pipeline.OutcomeShortCircuit, resp)
	return resp
}

func (s *Service) finish(ctx context.Context, outcome pipeline.Outcome, resp *http.Response) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	tracing.SetOutcomeAttributes(ctx, string(outcome), status)
}
