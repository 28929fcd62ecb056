package store

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

// State keys owned by the journal middleware.
const (
	journalStartKey  = "journal.start"
	journalMethodKey = "journal.method"
	journalHostKey   = "journal.host"
	journalPathKey   = "journal.path"
	journalCorrKey   = "journal.correlation"
	journalErrorKey  = "journal.error"
)

// Recorder persists journal entries. *Store implements it.
type Recorder interface {
	InsertRequest(ctx context.Context, r *Request) error
}

// Journal is the middleware that records every request in the store. The
// database write runs in an asynchronous after-request hook, outside the
// after-phase lock.
type Journal struct {
	pipeline.Base

	rec Recorder
	now func() time.Time
}

var _ pipeline.AsyncAfterRequester = (*Journal)(nil)

// NewJournal creates the journal middleware writing to rec.
func NewJournal(rec Recorder) *Journal {
	return &Journal{rec: rec, now: time.Now}
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) BeforeRequest(_ context.Context, req *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	id := rc.RequestID
	state.Set(journalStartKey, id, strconv.FormatInt(j.now().UnixNano(), 10))
	state.Set(journalMethodKey, id, req.Method)
	state.Set(journalHostKey, id, req.URL.Host)
	state.Set(journalPathKey, id, req.URL.Path)
	if corr := req.Header.Get("X-Request-Id"); corr != "" {
		state.Set(journalCorrKey, id, corr)
	}
	return pipeline.Next, nil
}

func (j *Journal) RequestFailure(_ context.Context, err error, rc pipeline.Context, state *pipeline.State) error {
	state.Set(journalErrorKey, rc.RequestID, err.Error())
	return nil
}

// AfterRequestAsync snapshots the request from the State Store while the
// phase lock is held and returns the write as deferred work.
func (j *Journal) AfterRequestAsync(_ context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Await, error) {
	entry, ok := j.entry(resp, rc, state)
	if !ok {
		return nil, nil
	}
	return func(ctx context.Context) (pipeline.Decision, error) {
		if err := j.rec.InsertRequest(ctx, entry); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("journal write failed")
		}
		return pipeline.Next, nil
	}, nil
}

func (j *Journal) entry(resp *http.Response, rc pipeline.Context, state *pipeline.State) (*Request, bool) {
	id := rc.RequestID
	now := j.now()
	entry := &Request{
		ID:         uuid.NewString(),
		RequestID:  rc.String(),
		Timestamp:  now,
		RemoteAddr: rc.RemoteAddr,
		Outcome:    string(pipeline.OutcomeOf(state, rc)),
	}

	if start, ok := state.Get(journalStartKey, id); ok {
		if ns, err := strconv.ParseInt(start, 10, 64); err == nil {
			entry.Timestamp = time.Unix(0, ns)
			entry.LatencyMs = now.Sub(entry.Timestamp).Milliseconds()
		}
		entry.Method, _ = state.Get(journalMethodKey, id)
		entry.Host, _ = state.Get(journalHostKey, id)
		entry.Path, _ = state.Get(journalPathKey, id)
	} else if resp != nil && resp.Request != nil {
		// An earlier middleware answered before this one ran.
		entry.Method = resp.Request.Method
		entry.Host = resp.Request.URL.Host
		entry.Path = resp.Request.URL.Path
	} else {
		return nil, false
	}

	if corr, ok := state.Get(journalCorrKey, id); ok {
		entry.RequestID = corr
	}
	if msg, ok := state.Get(journalErrorKey, id); ok {
		entry.ErrorMessage = msg
	}
	if resp != nil {
		entry.StatusCode = resp.StatusCode
		entry.CacheStatus = resp.Header.Get("X-Cache")
	}
	return entry, true
}
