package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/tracing"
)

// Upstream sends a request to the upstream service. Implementations must be
// safe for concurrent use. A returned error is a transport error: no
// response was received.
type Upstream interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// UpstreamFunc adapts a function to the Upstream interface.
type UpstreamFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Do calls f(ctx, req).
func (f UpstreamFunc) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// UpstreamOptions tunes the connection pool of an UpstreamClient.
type UpstreamOptions struct {
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	InsecureSkipVerify    bool
}

// UpstreamOptionsFromConfig converts the upstream config section.
func UpstreamOptionsFromConfig(cfg config.UpstreamConfig) UpstreamOptions {
	return UpstreamOptions{
		ResponseHeaderTimeout: cfg.TimeoutDuration(),
		DialTimeout:           time.Duration(cfg.DialTimeout) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.TLSHandshakeTimeout) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.IdleConnTimeout) * time.Second,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		InsecureSkipVerify:    cfg.InsecureSkipVerify,
	}
}

// UpstreamClient forwards requests with a shared, pooled http.Client.
// Redirects are returned to the caller rather than followed, and no overall
// timeout is set so that long response bodies can stream.
type UpstreamClient struct {
	client *http.Client
}

// NewUpstreamClient creates an UpstreamClient.
func NewUpstreamClient(opts UpstreamOptions) *UpstreamClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test upstreams
	}

	return &UpstreamClient{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do sends req. The proxy authentication headers are addressed to a single
// hop and are dropped in both directions. Errors are returned exactly as the
// transport reported them.
func (u *UpstreamClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := tracing.StartUpstreamSpan(ctx, req.Method, req.URL.String())
	defer span.End()

	out := req.WithContext(ctx)
	out.Header.Del("Proxy-Authorization")
	tracing.InjectHeaders(ctx, out)

	resp, err := u.client.Do(out)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	resp.Header.Del("Proxy-Authenticate")
	tracing.SetOutcomeAttributes(ctx, "response", resp.StatusCode)
	return resp, nil
}

// CloseIdleConnections closes pooled connections that are not in use.
func (u *UpstreamClient) CloseIdleConnections() {
	u.client.CloseIdleConnections()
}
