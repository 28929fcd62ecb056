package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

const (
	startKey  = "metrics.start"
	methodKey = "metrics.method"
)

// Middleware feeds request metrics into a Collector.
type Middleware struct {
	pipeline.Base
	collector *Collector
	now       func() time.Time
}

// NewMiddleware creates the metrics middleware.
func NewMiddleware(c *Collector) *Middleware {
	return &Middleware{collector: c, now: time.Now}
}

func (m *Middleware) Name() string { return "metrics" }

func (m *Middleware) BeforeRequest(_ context.Context, req *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	m.collector.IncrementActive()
	state.Set(startKey, rc.RequestID, strconv.FormatInt(m.now().UnixNano(), 10))
	state.Set(methodKey, rc.RequestID, req.Method)
	return pipeline.Next, nil
}

func (m *Middleware) RequestFailure(context.Context, error, pipeline.Context, *pipeline.State) error {
	m.collector.RecordUpstreamFailure()
	return nil
}

func (m *Middleware) AfterRequest(_ context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	method, _ := state.Get(methodKey, rc.RequestID)
	var elapsed time.Duration
	if start, ok := state.Get(startKey, rc.RequestID); ok {
		m.collector.DecrementActive()
		if ns, err := strconv.ParseInt(start, 10, 64); err == nil {
			elapsed = m.now().Sub(time.Unix(0, ns))
		}
	} else if resp != nil && resp.Request != nil {
		method = resp.Request.Method
	}

	m.collector.RecordRequest(method, status, pipeline.OutcomeOf(state, rc), elapsed)
	return pipeline.Next, nil
}
