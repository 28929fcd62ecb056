package pipeline

import (
	"context"
	"net/http"
)

// Middleware is the capability every pipeline stage implements. Hooks of one
// phase run in registration order. The request and response are owned by the
// orchestrator and must not be retained after a hook returns.
type Middleware interface {
	// Name returns the unique name of this middleware.
	Name() string

	// Enabled reports whether this middleware is active. Disabled middlewares
	// are skipped in every phase.
	Enabled() bool

	// BeforeRequest runs before upstream dispatch. Returning RespondWith or an
	// error stops the phase and skips the upstream call entirely.
	BeforeRequest(ctx context.Context, req *http.Request, rc Context, state *State) (Decision, error)

	// RequestSuccess runs when upstream answered. Later middlewares observe
	// the response as left by earlier ones.
	RequestSuccess(ctx context.Context, resp *http.Response, rc Context, state *State) (Decision, error)

	// RequestFailure runs when upstream could not be reached. It cannot
	// recover the request; a returned error is only logged.
	RequestFailure(ctx context.Context, err error, rc Context, state *State) error

	// AfterRequest runs exactly once per request on every path. resp is nil
	// only on the failure path while no middleware has supplied a response.
	AfterRequest(ctx context.Context, resp *http.Response, rc Context, state *State) (Decision, error)
}

// Await completes deferred after-request work. The chain calls it after
// releasing the after-phase lock, so it may block on I/O.
type Await func(ctx context.Context) (Decision, error)

// AsyncAfterRequester is implemented by middlewares whose after-request work
// blocks. When present, the chain calls AfterRequestAsync instead of
// AfterRequest; a nil Await means Next.
type AsyncAfterRequester interface {
	AfterRequestAsync(ctx context.Context, resp *http.Response, rc Context, state *State) (Await, error)
}

// Observer receives the duration of every hook invocation.
type Observer interface {
	ObserveHook(middleware string, phase Phase, seconds float64)
}

// Base implements every hook as a no-op. Embed it to implement only the
// hooks a middleware cares about.
type Base struct{}

// Enabled reports true.
func (Base) Enabled() bool { return true }

func (Base) BeforeRequest(context.Context, *http.Request, Context, *State) (Decision, error) {
	return Next, nil
}

func (Base) RequestSuccess(context.Context, *http.Response, Context, *State) (Decision, error) {
	return Next, nil
}

func (Base) RequestFailure(context.Context, error, Context, *State) error {
	return nil
}

func (Base) AfterRequest(context.Context, *http.Response, Context, *State) (Decision, error) {
	return Next, nil
}
