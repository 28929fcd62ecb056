package security

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

// RateLimit is the middleware that enforces a token-bucket limit per client
// address. Limiters of the least recently seen clients are evicted once
// maxClients is reached.
type RateLimit struct {
	pipeline.Base

	limit   rate.Limit
	burst   int
	clients *lru.Cache[string, *rate.Limiter]
}

var _ pipeline.Middleware = (*RateLimit)(nil)

// NewRateLimit creates the rate limit middleware from its config section.
func NewRateLimit(cfg config.RateLimitConfig) (*RateLimit, error) {
	clients, err := lru.New[string, *rate.Limiter](cfg.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: creating LRU: %w", err)
	}
	return &RateLimit{
		limit:   rate.Limit(cfg.Rate),
		burst:   cfg.Burst,
		clients: clients,
	}, nil
}

func (rl *RateLimit) Name() string { return "ratelimit" }

// BeforeRequest consumes one token from the client's bucket, or rejects the
// request with 429 and the time until a token is available.
func (rl *RateLimit) BeforeRequest(ctx context.Context, _ *http.Request, rc pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
	client := clientKey(rc.RemoteAddr)
	r := rl.limiter(client).Reserve()
	if !r.OK() {
		return pipeline.Decision{}, rl.tooMany(client, 1)
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return pipeline.Decision{}, rl.tooMany(client, int(math.Ceil(delay.Seconds())))
	}
	zerolog.Ctx(ctx).Trace().Str("client", client).Msg("rate limit token consumed")
	return pipeline.Next, nil
}

// Clients returns the number of tracked clients.
func (rl *RateLimit) Clients() int { return rl.clients.Len() }

func (rl *RateLimit) limiter(client string) *rate.Limiter {
	if lim, ok := rl.clients.Get(client); ok {
		return lim
	}
	lim := rate.NewLimiter(rl.limit, rl.burst)
	if prev, found, _ := rl.clients.PeekOrAdd(client, lim); found {
		return prev
	}
	return lim
}

func (rl *RateLimit) tooMany(client string, retryAfter int) error {
	return &pipeline.Error{
		StatusCode: http.StatusTooManyRequests,
		Message:    fmt.Sprintf("rate limit of %g requests per second exceeded for %s", float64(rl.limit), client),
		Header:     http.Header{"Retry-After": {strconv.Itoa(max(retryAfter, 1))}},
	}
}

// clientKey reduces a remote address to its host so that all connections
// of one client share a bucket.
func clientKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
