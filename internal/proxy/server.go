package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/hookproxy/internal/tracing"
)

// ServerOptions configures the proxy listener.
type ServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TrustForwardedFor takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a trusted load balancer.
	TrustForwardedFor bool

	// Tracing adds the OpenTelemetry server middleware.
	Tracing bool
}

// Server is the HTTP server of the proxy. It binds the chi router to the
// configured address and provides graceful shutdown support.
type Server struct {
	router  chi.Router
	handler *Handler
	httpSrv *http.Server
}

// NewServer creates a Server that routes every request to handler.
// Zero-value timeouts leave the corresponding http.Server field unset.
func NewServer(handler *Handler, opts ServerOptions) *Server {
	r := chi.NewRouter()

	if opts.TrustForwardedFor {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if opts.Tracing {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Handle("/", handler)
	r.Handle("/*", handler)

	return &Server{
		router:  r,
		handler: handler,
		httpSrv: &http.Server{
			Addr:         opts.Addr,
			Handler:      r,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
			ConnContext:  handler.ConnContext,
		},
	}
}

// Router returns the underlying chi.Router.
func (s *Server) Router() chi.Router {
	return s.router
}

// HTTPServer returns the underlying http.Server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpSrv
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// StartTLS is like Start but terminates TLS with the given certificate.
func (s *Server) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy server (TLS): %w", err)
	}
	return nil
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
