// Package accesslog correlates requests with an X-Request-Id header and
// writes one structured log line per proxied request.
package accesslog

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

// HeaderRequestID is the correlation header forwarded upstream and returned
// to the client.
const HeaderRequestID = "X-Request-Id"

const (
	idKey     = "accesslog.id"
	startKey  = "accesslog.start"
	methodKey = "accesslog.method"
	urlKey    = "accesslog.url"
)

// Middleware is the access log middleware.
type Middleware struct {
	pipeline.Base
	now func() time.Time
}

// New creates the access log middleware.
func New() *Middleware {
	return &Middleware{now: time.Now}
}

func (m *Middleware) Name() string { return "accesslog" }

// BeforeRequest assigns a correlation ID unless the client sent one.
func (m *Middleware) BeforeRequest(_ context.Context, req *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	id := req.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
		req.Header.Set(HeaderRequestID, id)
	}

	state.Set(idKey, rc.RequestID, id)
	state.Set(startKey, rc.RequestID, strconv.FormatInt(m.now().UnixNano(), 10))
	state.Set(methodKey, rc.RequestID, req.Method)
	state.Set(urlKey, rc.RequestID, req.URL.String())
	return pipeline.Next, nil
}

// AfterRequest echoes the correlation ID and logs the request.
func (m *Middleware) AfterRequest(ctx context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	id, _ := state.Get(idKey, rc.RequestID)
	method, _ := state.Get(methodKey, rc.RequestID)
	url, _ := state.Get(urlKey, rc.RequestID)
	if method == "" && resp != nil && resp.Request != nil {
		method = resp.Request.Method
		url = resp.Request.URL.String()
	}

	var latency time.Duration
	if start, ok := state.Get(startKey, rc.RequestID); ok {
		if ns, err := strconv.ParseInt(start, 10, 64); err == nil {
			latency = m.now().Sub(time.Unix(0, ns))
		}
	}

	logger := zerolog.Ctx(ctx)
	var event *zerolog.Event
	status := 0
	switch {
	case resp == nil:
		event = logger.Error()
	case resp.StatusCode >= http.StatusInternalServerError:
		event = logger.Warn()
	default:
		event = logger.Info()
	}
	if resp != nil {
		status = resp.StatusCode
		if id != "" {
			resp.Header.Set(HeaderRequestID, id)
		}
	}

	event.
		Str("correlation_id", id).
		Str("method", method).
		Str("url", url).
		Int("status", status).
		Str("outcome", string(pipeline.OutcomeOf(state, rc))).
		Dur("latency", latency).
		Msg("request")
	return pipeline.Next, nil
}
