package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpguts"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/version"
)

// hopHeaders are removed from requests and responses passing through the
// proxy. The proxy authentication headers are handled by UpstreamClient so
// that middlewares can read and answer them.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var errNotProxyRequest = errors.New("request target must be an absolute http or https URI")

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Target selects reverse mode: every request is sent to this base URL.
	// When nil the handler is a forward proxy and requests must carry an
	// absolute URI.
	Target *url.URL

	// PreserveHost keeps the inbound Host header in reverse mode.
	PreserveHost bool

	// StateScope is config.StateScopeConnection (one Service per client
	// connection) or config.StateScopeService (one Service for all).
	StateScope string

	// OnTransportError is config.OnTransportErrorAbort or
	// config.OnTransportErrorBadGateway.
	OnTransportError string

	MaxBodySize  int64
	AfterTimeout time.Duration
	Logger       *zerolog.Logger
}

// HandlerOptionsFromConfig builds HandlerOptions from the loaded config.
func HandlerOptionsFromConfig(cfg *config.Config) (HandlerOptions, error) {
	opts := HandlerOptions{
		PreserveHost:     cfg.Upstream.PreserveHost,
		StateScope:       strings.ToLower(cfg.Pipeline.StateScope),
		OnTransportError: strings.ToLower(cfg.Pipeline.OnTransportError),
		MaxBodySize:      cfg.Server.MaxBodySize,
		AfterTimeout:     cfg.Pipeline.AfterTimeoutDuration(),
	}
	if cfg.Upstream.Target != "" {
		target, err := url.Parse(cfg.Upstream.Target)
		if err != nil {
			return opts, fmt.Errorf("parsing upstream.target: %w", err)
		}
		opts.Target = target
	}
	return opts, nil
}

type connServiceKey struct{}

// Handler adapts inbound HTTP requests to Service calls and writes the
// result back to the client.
type Handler struct {
	chain    *pipeline.Chain
	upstream Upstream
	opts     HandlerOptions
	logger   zerolog.Logger
	shared   *Service // non-nil in service scope
}

// NewHandler creates a Handler. In connection scope it must be installed with
// ConnContext on the http.Server to share a Service across the requests of an
// HTTP/1 connection; without it every request gets a Service of its own.
func NewHandler(chain *pipeline.Chain, upstream Upstream, opts HandlerOptions) *Handler {
	h := &Handler{
		chain:    chain,
		upstream: upstream,
		opts:     opts,
		logger:   log.Logger,
	}
	if opts.Logger != nil {
		h.logger = *opts.Logger
	}
	if opts.StateScope == config.StateScopeService {
		h.shared = h.newService()
	}
	return h
}

func (h *Handler) newService() *Service {
	return NewService(h.chain, h.upstream, ServiceOptions{
		AfterTimeout: h.opts.AfterTimeout,
		Logger:       &h.logger,
	})
}

// ConnContext attaches a per-connection Service to the connection context.
// It has the signature of http.Server.ConnContext.
func (h *Handler) ConnContext(ctx context.Context, _ net.Conn) context.Context {
	if h.shared != nil {
		return ctx
	}
	return context.WithValue(ctx, connServiceKey{}, h.newService())
}

// service picks the Service for r. HTTP/2 streams of one connection run
// concurrently, so in connection scope each stream gets its own Service;
// sharing one would let a stream's Clear wipe its siblings' state.
func (h *Handler) service(r *http.Request) *Service {
	if h.shared != nil {
		return h.shared
	}
	if r.ProtoMajor >= 2 {
		return h.newService()
	}
	if svc, ok := r.Context().Value(connServiceKey{}).(*Service); ok {
		return svc
	}
	return h.newService()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		w.Header().Set("Allow", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
		http.Error(w, "CONNECT tunneling is not supported", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.MaxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
	}

	out, err := h.outbound(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.service(r).Serve(r.Context(), out, r.RemoteAddr)
	if err != nil {
		h.transportError(w, r, err)
		return
	}
	h.writeResponse(w, resp)
}

func (h *Handler) transportError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	h.logger.Warn().Err(err).
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("remote_addr", r.RemoteAddr).
		Msg("upstream request failed")

	if h.opts.OnTransportError == config.OnTransportErrorBadGateway {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	// Close the client connection without a response.
	panic(http.ErrAbortHandler)
}

// outbound builds the request sent upstream from the inbound request.
func (h *Handler) outbound(r *http.Request) (*http.Request, error) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Close = false

	if target := h.opts.Target; target != nil {
		out.URL.Scheme = target.Scheme
		out.URL.Host = target.Host
		out.URL.Path, out.URL.RawPath = joinURLPath(target, r.URL)
		switch {
		case target.RawQuery == "":
		case out.URL.RawQuery == "":
			out.URL.RawQuery = target.RawQuery
		default:
			out.URL.RawQuery = target.RawQuery + "&" + out.URL.RawQuery
		}
		if !h.opts.PreserveHost {
			out.Host = ""
		}
	} else if !r.URL.IsAbs() || (r.URL.Scheme != "http" && r.URL.Scheme != "https") || r.URL.Host == "" {
		return nil, errNotProxyRequest
	}

	if r.ContentLength == 0 {
		out.Body = nil
	}

	keepTrailers := httpguts.HeaderValuesContainsToken(r.Header["Te"], "trailers")
	removeHopHeaders(out.Header)
	if keepTrailers {
		out.Header.Set("Te", "trailers")
	}

	out.Header.Add("Via", fmt.Sprintf("%d.%d %s", r.ProtoMajor, r.ProtoMinor, version.Pseudonym))

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior, ok := out.Header["X-Forwarded-For"]
		omit := ok && prior == nil
		if len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		if !omit {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	return out, nil
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *http.Response) {
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	removeHopHeaders(resp.Header)
	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	if len(resp.Trailer) > 0 {
		names := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			names = append(names, k)
		}
		header.Set("Trailer", strings.Join(names, ", "))
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body == nil {
		return
	}

	if err := copyBody(w, resp.Body, resp.ContentLength < 0); err != nil {
		h.logger.Debug().Err(err).Msg("copying response body")
		panic(http.ErrAbortHandler)
	}

	for k, vv := range resp.Trailer {
		for _, v := range vv {
			header.Add(http.TrailerPrefix+k, v)
		}
	}
}

// copyBody streams src to w. Bodies of unknown length are flushed after
// every read so that event streams reach the client promptly.
func copyBody(w http.ResponseWriter, src io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(w, src)
		return err
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// removeHopHeaders deletes hop-by-hop headers, including those named by the
// Connection header.
func removeHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" && httpguts.ValidHeaderFieldName(sf) {
				h.Del(sf)
			}
		}
	}
	for _, hh := range hopHeaders {
		h.Del(hh)
	}
}

func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()

	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")

	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}
	return a.Path + b.Path, apath + bpath
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
