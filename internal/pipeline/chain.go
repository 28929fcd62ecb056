package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/allaspectsdev/hookproxy/internal/tracing"
)

// Phase identifies one pass of the chain over its middlewares.
type Phase int

const (
	PhaseBefore Phase = iota
	PhaseSuccess
	PhaseFailure
	PhaseAfter
	phaseCount
)

func (p Phase) String() string {
	switch p {
	case PhaseBefore:
		return "before_request"
	case PhaseSuccess:
		return "request_success"
	case PhaseFailure:
		return "request_failure"
	case PhaseAfter:
		return "after_request"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrPhaseUnavailable is returned when the lock of a phase could not be
// acquired. The phase is skipped for that request.
var ErrPhaseUnavailable = errors.New("pipeline: phase lock unavailable")

// recoverHook runs fn inside a deferred recover so that a panicking
// middleware does not crash the entire process. A caught panic is converted
// into an error that includes the middleware name.
func recoverHook(name string, fn func() error) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("middleware %s: panic: %v", name, r)
		}
	}()
	return fn()
}

// Chain executes an ordered sequence of Middleware. The order is fixed at
// construction and is the same for every phase.
//
// The chain is shared by all requests of a service. Each phase has its own
// lock, acquired once per phase traversal, so hooks of one phase never run
// concurrently while other phases proceed independently. An asynchronous
// after-request hook awaits its work with the lock released.
type Chain struct {
	middlewares []Middleware
	locks       [phaseCount]*semaphore.Weighted

	mu       sync.RWMutex
	timings  map[string]time.Duration // latest per-hook execution times
	observer Observer
}

// NewChain creates a new Chain from the given middlewares, in order.
func NewChain(middlewares ...Middleware) *Chain {
	c := &Chain{
		middlewares: middlewares,
		timings:     make(map[string]time.Duration),
	}
	for i := range c.locks {
		c.locks[i] = semaphore.NewWeighted(1)
	}
	return c
}

// SetObserver registers an Observer notified of every hook duration.
func (c *Chain) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// RunBefore runs BeforeRequest over the chain. A non-nil response means the
// request was short-circuited and must not be dispatched upstream.
func (c *Chain) RunBefore(ctx context.Context, req *http.Request, rc Context, state *State) (*http.Response, error) {
	ctx, span := tracing.StartPipelineSpan(ctx, PhaseBefore.String())
	defer span.End()

	if err := c.acquire(ctx, PhaseBefore); err != nil {
		return nil, err
	}
	defer c.release(PhaseBefore)

	for _, mw := range c.middlewares {
		if !mw.Enabled() {
			continue
		}

		var d Decision
		err := c.invoke(ctx, mw, PhaseBefore, func(ctx context.Context) (err error) {
			d, err = mw.BeforeRequest(ctx, req, rc, state)
			return err
		})
		if resp, stop := c.resolve(ctx, mw, PhaseBefore, req, d, err); stop {
			zerolog.Ctx(ctx).Debug().
				Str("middleware", mw.Name()).
				Int("status", resp.StatusCode).
				Msg("request short-circuited")
			return resp, nil
		}
	}
	return nil, nil
}

// RunSuccess runs RequestSuccess over the chain and returns the response as
// left by the last middleware. Replaced responses have their bodies closed.
func (c *Chain) RunSuccess(ctx context.Context, resp *http.Response, rc Context, state *State) (*http.Response, error) {
	ctx, span := tracing.StartPipelineSpan(ctx, PhaseSuccess.String())
	defer span.End()

	if err := c.acquire(ctx, PhaseSuccess); err != nil {
		return resp, err
	}
	defer c.release(PhaseSuccess)

	for _, mw := range c.middlewares {
		if !mw.Enabled() {
			continue
		}

		var d Decision
		err := c.invoke(ctx, mw, PhaseSuccess, func(ctx context.Context) (err error) {
			d, err = mw.RequestSuccess(ctx, resp, rc, state)
			return err
		})
		if next, stop := c.resolve(ctx, mw, PhaseSuccess, requestOf(resp), d, err); stop {
			replaceResponse(resp, next)
			resp = next
		}
	}
	return resp, nil
}

// RunFailure runs RequestFailure over the chain. It is observational: hook
// errors are logged and never change the outcome of the request.
func (c *Chain) RunFailure(ctx context.Context, failure error, rc Context, state *State) error {
	ctx, span := tracing.StartPipelineSpan(ctx, PhaseFailure.String())
	defer span.End()

	if err := c.acquire(ctx, PhaseFailure); err != nil {
		return err
	}
	defer c.release(PhaseFailure)

	for _, mw := range c.middlewares {
		if !mw.Enabled() {
			continue
		}

		err := c.invoke(ctx, mw, PhaseFailure, func(ctx context.Context) error {
			return mw.RequestFailure(ctx, failure, rc, state)
		})
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("middleware", mw.Name()).Msg("request_failure errored")
		}
	}
	return nil
}

// RunAfter runs AfterRequest over the whole chain and returns the final
// response, which is nil only if resp was nil and no middleware supplied one.
func (c *Chain) RunAfter(ctx context.Context, resp *http.Response, rc Context, state *State) (*http.Response, error) {
	ctx, span := tracing.StartPipelineSpan(ctx, PhaseAfter.String())
	defer span.End()

	if err := c.acquire(ctx, PhaseAfter); err != nil {
		return resp, err
	}
	held := true
	defer func() {
		if held {
			c.release(PhaseAfter)
		}
	}()

	for _, mw := range c.middlewares {
		if !mw.Enabled() {
			continue
		}
		if !held {
			if err := c.acquire(ctx, PhaseAfter); err != nil {
				return resp, err
			}
			held = true
		}

		var d Decision
		var err error
		if async, ok := mw.(AsyncAfterRequester); ok {
			var await Await
			err = c.invoke(ctx, mw, PhaseAfter, func(ctx context.Context) (err error) {
				await, err = async.AfterRequestAsync(ctx, resp, rc, state)
				return err
			})
			if err == nil && await != nil {
				c.release(PhaseAfter)
				held = false
				err = c.invoke(ctx, mw, PhaseAfter, func(ctx context.Context) (err error) {
					d, err = await(ctx)
					return err
				})
			}
		} else {
			err = c.invoke(ctx, mw, PhaseAfter, func(ctx context.Context) (err error) {
				d, err = mw.AfterRequest(ctx, resp, rc, state)
				return err
			})
		}

		if next, stop := c.resolve(ctx, mw, PhaseAfter, requestOf(resp), d, err); stop {
			replaceResponse(resp, next)
			resp = next
		}
	}
	return resp, nil
}

// Timings returns a snapshot of the latest per-hook execution times, keyed
// by "<middleware>.<phase>".
func (c *Chain) Timings() map[string]time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string]time.Duration, len(c.timings))
	for k, v := range c.timings {
		snapshot[k] = v
	}
	return snapshot
}

// Middlewares returns the ordered list of middlewares in the chain.
func (c *Chain) Middlewares() []Middleware {
	result := make([]Middleware, len(c.middlewares))
	copy(result, c.middlewares)
	return result
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

func (c *Chain) acquire(ctx context.Context, phase Phase) error {
	if err := c.locks[phase].Acquire(ctx, 1); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("phase", phase.String()).
			Msg("[FATAL] cannot lock middleware chain; skipping phase for this request")
		return fmt.Errorf("%w: %s: %v", ErrPhaseUnavailable, phase, err)
	}
	return nil
}

func (c *Chain) release(phase Phase) {
	c.locks[phase].Release(1)
}

// invoke runs a single hook with panic recovery, a tracing span and timing.
func (c *Chain) invoke(ctx context.Context, mw Middleware, phase Phase, fn func(ctx context.Context) error) error {
	name := mw.Name()
	hookCtx, span := tracing.StartMiddlewareSpan(ctx, name, phase.String())
	start := time.Now()

	err := recoverHook(name, func() error { return fn(hookCtx) })
	c.recordTiming(name, phase, time.Since(start))

	if err != nil {
		tracing.RecordError(hookCtx, err)
	}
	span.End()
	return err
}

// resolve turns a hook outcome into the response that replaces the current
// one. It reports false when the pipeline continues unchanged.
func (c *Chain) resolve(ctx context.Context, mw Middleware, phase Phase, req *http.Request, d Decision, err error) (*http.Response, bool) {
	if err == nil && d.Action == ActionRespond && d.Response == nil {
		err = errEmptyResponse
	}
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).
			Str("middleware", mw.Name()).
			Str("phase", phase.String()).
			Msg("hook error converted to response")
		return ErrorResponse(req, err), true
	}
	if d.Action != ActionRespond {
		return nil, false
	}
	return d.Response, true
}

func (c *Chain) recordTiming(name string, phase Phase, d time.Duration) {
	c.mu.Lock()
	c.timings[name+"."+phase.String()] = d
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer.ObserveHook(name, phase, d.Seconds())
	}
}

func requestOf(resp *http.Response) *http.Request {
	if resp == nil {
		return nil
	}
	return resp.Request
}

// replaceResponse releases the body of a response that is being replaced.
func replaceResponse(old, next *http.Response) {
	if old == nil || old == next || old.Body == nil {
		return
	}
	if next != nil && next.Body == old.Body {
		return
	}
	_ = old.Body.Close()
}
