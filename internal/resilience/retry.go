package resilience

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Upstream is the client a Retrier wraps. It has the method set of
// proxy.Upstream.
type Upstream interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RetryConfig holds retry parameters for upstream requests.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retrier retries idempotent requests that carry no body when upstream fails
// to answer or answers with a transient status. The last attempt's result is
// returned unchanged, so an exhausted retry still reports the underlying
// transport error.
type Retrier struct {
	next Upstream
	cfg  RetryConfig
}

// NewRetrier wraps next. With MaxAttempts of 1 or less it calls next once.
func NewRetrier(next Upstream, cfg RetryConfig) *Retrier {
	return &Retrier{next: next, cfg: cfg}
}

// Do implements Upstream.
func (r *Retrier) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if r.cfg.MaxAttempts <= 1 || !isReplayable(req) {
		return r.next.Do(ctx, req)
	}

	for attempt := 0; ; attempt++ {
		resp, err := r.next.Do(ctx, req)
		if attempt+1 >= r.cfg.MaxAttempts || ctx.Err() != nil {
			return resp, err
		}
		if err == nil && !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		delay := backoffDelay(attempt, r.cfg.BaseDelay, r.cfg.MaxDelay)
		event := zerolog.Ctx(ctx).Debug().Int("attempt", attempt+1).Str("host", req.URL.Host)
		if err != nil {
			event = event.Err(err)
		} else {
			if ra := retryAfterDuration(resp); ra > delay {
				delay = min(ra, r.cfg.MaxDelay)
			}
			event = event.Int("status", resp.StatusCode)
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
		}
		event.Dur("delay", delay).Msg("retrying upstream request")

		if serr := sleepWithContext(ctx, delay); serr != nil {
			if err != nil {
				return nil, err
			}
			return nil, serr
		}
	}
}

func isReplayable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}

// isRetryableStatus returns true if the HTTP status code indicates a
// transient error that may succeed on retry.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// backoffDelay calculates the delay for the given attempt using exponential
// backoff with full jitter. The result is clamped to [0, maxDelay].
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay)))
	}
	return delay
}

// sleepWithContext sleeps for d, returning ctx.Err() if ctx ends first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryAfterDuration parses the Retry-After header, in seconds or as an
// HTTP-date. It returns 0 if the header is absent or unparsable.
func retryAfterDuration(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
