package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/resilience"
	"github.com/allaspectsdev/hookproxy/internal/store"
)

// Journal is the read side of the request journal.
type Journal interface {
	ListRequests(ctx context.Context, limit, offset int) ([]*store.Request, error)
	GetRequest(ctx context.Context, id string) (*store.Request, error)
	GetRequestStats(ctx context.Context, since time.Time) (*store.RequestStats, error)
	CountRequests(ctx context.Context) (int64, error)
}

// ServerOptions wires the optional sources of the admin API. Nil fields
// disable the routes that depend on them.
type ServerOptions struct {
	Addr        string
	MetricsPath string
	AdminToken  string

	Chain    *pipeline.Chain
	Breakers *resilience.Registry
	Journal  Journal
	Config   func() *config.Config
}

// Server exposes the Prometheus endpoint, a health check and a small JSON
// admin API over the running pipeline.
type Server struct {
	router    chi.Router
	collector *Collector
	opts      ServerOptions
	server    *http.Server
}

// NewServer creates a Server serving the collector's registry.
func NewServer(collector *Collector, opts ServerOptions) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{collector: collector, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, opts.MetricsPath, collector.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.AdminToken != "" {
			r.Use(BearerAuth(opts.AdminToken))
		}
		r.Get("/pipeline", s.handlePipeline)
		r.Get("/circuits", s.handleCircuits)
		r.Get("/requests", s.handleListRequests)
		r.Get("/requests/{id}", s.handleGetRequest)
		r.Get("/stats", s.handleStats)
		r.Get("/config", s.handleGetConfig)
	})

	s.router = r
	s.server = &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the HTTP handler of the server.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("metrics server: listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil at once if
// Shutdown already ran.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Str("path", s.opts.MetricsPath).Msg("metrics server starting")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth reports ok, or 503 when the journal database is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if p, ok := s.opts.Journal.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["journal"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["journal"] = "ok"
	}
	writeJSON(w, http.StatusOK, body)
}

type middlewareInfo struct {
	Name    string             `json:"name"`
	Enabled bool               `json:"enabled"`
	Timings map[string]float64 `json:"timings_ms,omitempty"`
}

// handlePipeline lists the middlewares in chain order with the latest
// duration of each of their hooks.
func (s *Server) handlePipeline(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Chain == nil {
		writeJSON(w, http.StatusOK, []middlewareInfo{})
		return
	}

	timings := s.opts.Chain.Timings()
	mws := s.opts.Chain.Middlewares()
	out := make([]middlewareInfo, 0, len(mws))
	for _, mw := range mws {
		info := middlewareInfo{Name: mw.Name(), Enabled: mw.Enabled()}
		prefix := mw.Name() + "."
		for k, d := range timings {
			if phase, ok := strings.CutPrefix(k, prefix); ok {
				if info.Timings == nil {
					info.Timings = make(map[string]float64)
				}
				info.Timings[phase] = float64(d.Microseconds()) / 1000
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	circuits := make(map[string]string)
	if s.opts.Breakers != nil {
		for host, st := range s.opts.Breakers.States() {
			circuits[host] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, circuits)
}

// handleListRequests returns a page of the journal, newest first.
// Accepts ?page=1&limit=50.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request journal disabled"})
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	reqs, err := s.opts.Journal.ListRequests(r.Context(), limit, (page-1)*limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list requests")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list requests"})
		return
	}
	total, err := s.opts.Journal.CountRequests(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to count requests")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to count requests"})
		return
	}
	if reqs == nil {
		reqs = []*store.Request{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"page":     page,
		"limit":    limit,
		"total":    total,
		"requests": reqs,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request journal disabled"})
		return
	}

	req, err := s.opts.Journal.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to get request")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get request"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleStats aggregates the journal over a window. Accepts ?range=1d, 7d,
// 24h (default 7d).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request journal disabled"})
		return
	}

	rangeParam := r.URL.Query().Get("range")
	if rangeParam == "" {
		rangeParam = "7d"
	}
	window, err := parseDurationParam(rangeParam)
	if err != nil || window <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid range: " + rangeParam})
		return
	}

	stats, err := s.opts.Journal.GetRequestStats(r.Context(), time.Now().Add(-window))
	if err != nil {
		log.Error().Err(err).Msg("failed to compute request stats")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute stats"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range": rangeParam,
		"stats": stats,
	})
}

// handleGetConfig returns the running configuration with credentials masked.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Config == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "configuration unavailable"})
		return
	}

	raw, err := json.Marshal(s.opts.Config())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode config"})
		return
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode config"})
		return
	}
	redactKeys(m)
	writeJSON(w, http.StatusOK, m)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// queryInt reads an integer query parameter with a default fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return defaultVal
	}
	return n
}

// parseDurationParam accepts Go durations plus a day suffix, as in "7d".
func parseDurationParam(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// redactKeys masks string values whose key names a credential.
func redactKeys(m map[string]any) {
	for k, v := range m {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "secret") || strings.Contains(lower, "token") || strings.Contains(lower, "password") {
			if str, ok := v.(string); ok && str != "" {
				m[k] = "****"
				continue
			}
		}
		switch child := v.(type) {
		case map[string]any:
			redactKeys(child)
		case []any:
			for _, item := range child {
				if sub, ok := item.(map[string]any); ok {
					redactKeys(sub)
				}
			}
		}
	}
}
