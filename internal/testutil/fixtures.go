package testutil

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

// Secrets resolves references from a fixed map.
type Secrets map[string]string

// ResolveKeyRef implements the secret resolver used by auth and the admin API.
func (s Secrets) ResolveKeyRef(ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", errors.New("secret not found: " + ref)
	}
	return v, nil
}

// Named is a no-op middleware with a configurable name.
type Named struct {
	pipeline.Base
	ID string
}

func (n Named) Name() string { return n.ID }

// Recorder is a middleware that records which hooks ran, in order.
type Recorder struct {
	pipeline.Base
	ID string

	mu    sync.Mutex
	calls []string
}

func (r *Recorder) Name() string { return r.ID }

func (r *Recorder) record(phase pipeline.Phase) {
	r.mu.Lock()
	r.calls = append(r.calls, phase.String())
	r.mu.Unlock()
}

// Calls returns the recorded phase names.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Recorder) BeforeRequest(context.Context, *http.Request, pipeline.Context, *pipeline.State) (pipeline.Decision, error) {
	r.record(pipeline.PhaseBefore)
	return pipeline.Next, nil
}

func (r *Recorder) RequestSuccess(context.Context, *http.Response, pipeline.Context, *pipeline.State) (pipeline.Decision, error) {
	r.record(pipeline.PhaseSuccess)
	return pipeline.Next, nil
}

func (r *Recorder) RequestFailure(context.Context, error, pipeline.Context, *pipeline.State) error {
	r.record(pipeline.PhaseFailure)
	return nil
}

func (r *Recorder) AfterRequest(context.Context, *http.Response, pipeline.Context, *pipeline.State) (pipeline.Decision, error) {
	r.record(pipeline.PhaseAfter)
	return pipeline.Next, nil
}
