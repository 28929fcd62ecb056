package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

// keyState is the State Store key carrying the cache key from
// BeforeRequest to RequestSuccess.
const keyState = "cache.key"

// Entry is a cached response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the entry has passed its expiration time at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e *Entry) response(req *http.Request, now time.Time) *http.Response {
	resp := pipeline.NewResponse(req, e.StatusCode, "")
	resp.Header = e.Header.Clone()
	resp.Header.Set("X-Cache", "HIT")
	resp.Header.Set("Age", strconv.Itoa(int(now.Sub(e.CreatedAt).Seconds())))
	resp.Body = io.NopCloser(bytes.NewReader(e.Body))
	resp.ContentLength = int64(len(e.Body))
	return resp
}

// Middleware caches successful GET and HEAD responses in memory. A hit
// short-circuits the request in BeforeRequest; a miss is stored in
// RequestSuccess.
type Middleware struct {
	pipeline.Base

	memory       *lru.Cache[string, *Entry]
	ttl          time.Duration
	maxEntrySize int64
	now          func() time.Time
}

var _ pipeline.Middleware = (*Middleware)(nil)

// New creates the cache middleware from its config section.
func New(cfg config.CacheConfig) (*Middleware, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = config.DefaultCacheMaxEntries
	}
	memCache, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: creating LRU: %w", err)
	}

	return &Middleware{
		memory:       memCache,
		ttl:          time.Duration(cfg.TTLSeconds) * time.Second,
		maxEntrySize: cfg.MaxEntrySize,
		now:          time.Now,
	}, nil
}

func (c *Middleware) Name() string { return "cache" }

// Len returns the number of cached entries.
func (c *Middleware) Len() int { return c.memory.Len() }

// Purge drops every cached entry.
func (c *Middleware) Purge() { c.memory.Purge() }

// BeforeRequest answers from the cache when a fresh entry exists.
func (c *Middleware) BeforeRequest(ctx context.Context, req *http.Request, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	if !IsCacheableRequest(req) {
		return pipeline.Next, nil
	}

	key := Key(req)
	now := c.now()
	if entry, ok := c.memory.Get(key); ok {
		if !entry.Expired(now) {
			zerolog.Ctx(ctx).Debug().Str("url", req.URL.String()).Msg("cache hit")
			return pipeline.RespondWith(entry.response(req, now)), nil
		}
		c.memory.Remove(key)
	}

	state.Set(keyState, rc.RequestID, key)
	return pipeline.Next, nil
}

// RequestSuccess stores a cacheable upstream response and marks it as a miss.
func (c *Middleware) RequestSuccess(ctx context.Context, resp *http.Response, rc pipeline.Context, state *pipeline.State) (pipeline.Decision, error) {
	key, ok := state.Get(keyState, rc.RequestID)
	if !ok {
		return pipeline.Next, nil
	}
	resp.Header.Set("X-Cache", "MISS")

	ttl, cacheable := c.freshness(resp)
	if !cacheable {
		return pipeline.Next, nil
	}

	body, complete, err := c.buffer(resp)
	if err != nil {
		return pipeline.Decision{}, fmt.Errorf("cache: reading upstream body: %w", err)
	}
	if !complete {
		zerolog.Ctx(ctx).Debug().Int64("limit", c.maxEntrySize).Msg("response too large to cache")
		return pipeline.Next, nil
	}

	now := c.now()
	header := resp.Header.Clone()
	header.Del("X-Cache")
	c.memory.Add(key, &Entry{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	})
	return pipeline.Next, nil
}

// freshness returns how long resp may be cached, honouring the response's
// Cache-Control directives. A response that varies on a header the key does
// not cover is never stored.
func (c *Middleware) freshness(resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Set-Cookie") != "" {
		return 0, false
	}
	if !keyCoversVary(resp.Header) {
		return 0, false
	}
	cc := parseCacheControl(resp.Header)
	for _, d := range []string{"no-store", "no-cache", "private"} {
		if _, ok := cc[d]; ok {
			return 0, false
		}
	}

	ttl := c.ttl
	for _, d := range []string{"s-maxage", "max-age"} {
		if v, ok := cc[d]; ok {
			if secs, err := strconv.Atoi(v); err == nil {
				if age := time.Duration(secs) * time.Second; age < ttl {
					ttl = age
				}
			}
			break
		}
	}
	return ttl, ttl > 0
}

// buffer reads up to maxEntrySize bytes of the body. The response body is
// replaced so that the client still receives every byte; complete is false
// when the body exceeded the limit.
func (c *Middleware) buffer(resp *http.Response) (body []byte, complete bool, err error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, true, nil
	}
	if resp.ContentLength > c.maxEntrySize {
		return nil, false, nil
	}

	orig := resp.Body
	body, err = io.ReadAll(io.LimitReader(orig, c.maxEntrySize+1))
	if err != nil {
		orig.Close()
		resp.Body = http.NoBody
		return nil, false, err
	}
	if int64(len(body)) > c.maxEntrySize {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), orig), orig}
		return nil, false, nil
	}

	orig.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return body, true, nil
}
