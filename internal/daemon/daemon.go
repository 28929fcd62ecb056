// Package daemon wires the configured subsystems into a running proxy and
// manages its process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/metrics"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/plugin"
	"github.com/allaspectsdev/hookproxy/internal/proxy"
	"github.com/allaspectsdev/hookproxy/internal/resilience"
	"github.com/allaspectsdev/hookproxy/internal/security"
	"github.com/allaspectsdev/hookproxy/internal/store"
	"github.com/allaspectsdev/hookproxy/internal/tracing"
	"github.com/allaspectsdev/hookproxy/internal/vault"
	"github.com/allaspectsdev/hookproxy/internal/version"
)

const (
	logFilename     = "hookproxy.log"
	dbFilename      = "hookproxy.db"
	shutdownTimeout = 30 * time.Second
)

// App holds the wired subsystems of one proxy instance.
type App struct {
	cfg       *config.Config
	store     *store.Store // nil when the journal is disabled
	pruner    *store.Pruner
	collector *metrics.Collector
	breakers  *resilience.Registry
	chain     *pipeline.Chain
	upstream  *proxy.UpstreamClient
	proxy     *proxy.Server
	metrics   *metrics.Server // nil when metrics are disabled
}

// NewApp builds every subsystem described by cfg without opening listeners.
// secrets resolves the auth and admin token references.
func NewApp(cfg *config.Config, secrets security.SecretResolver) (*App, error) {
	a := &App{cfg: cfg}

	deps := plugin.Deps{Config: cfg, Secrets: secrets}

	if cfg.Journal.Enabled {
		dataDir := expandHome(cfg.Server.DataDir)
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
		}
		dbPath := filepath.Join(dataDir, dbFilename)
		st, err := store.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		log.Info().Str("db_path", dbPath).Msg("store opened")
		a.store = st
		a.pruner = store.NewPruner(st, cfg.Journal.RetentionDays, cfg.Journal.PruneSchedule)
		deps.Journal = st
	}

	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(nil)
		deps.Collector = a.collector
	}

	a.breakers = plugin.NewBreakers(cfg.Resilience)
	deps.Breakers = a.breakers

	chain, err := plugin.NewBuiltinRegistry().BuildChain(deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building middleware chain: %w", err)
	}
	a.chain = chain

	a.upstream = proxy.NewUpstreamClient(proxy.UpstreamOptionsFromConfig(cfg.Upstream))
	var upstream proxy.Upstream = a.upstream
	if cfg.Resilience.RetryMaxAttempts > 1 {
		upstream = resilience.NewRetrier(a.upstream, resilience.RetryConfig{
			MaxAttempts: cfg.Resilience.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.Resilience.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Resilience.RetryMaxDelayMs) * time.Millisecond,
		})
	}

	hopts, err := proxy.HandlerOptionsFromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	handler := proxy.NewHandler(chain, upstream, hopts)
	a.proxy = proxy.NewServer(handler, proxy.ServerOptions{
		Addr:              cfg.Server.ListenAddr(),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
		Tracing:           cfg.Tracing.Enabled,
	})

	if a.collector != nil {
		mopts := metrics.ServerOptions{
			Addr:        fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Metrics.Port),
			MetricsPath: cfg.Metrics.Path,
			Chain:       chain,
			Breakers:    a.breakers,
			Config:      config.Get,
		}
		if a.store != nil {
			mopts.Journal = a.store
		}
		if ref := cfg.Metrics.AdminTokenRef; ref != "" {
			if secrets == nil {
				a.Close()
				return nil, errors.New("metrics.admin_token_ref set without a secret resolver")
			}
			token, err := secrets.ResolveKeyRef(ref)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("resolving admin token: %w", err)
			}
			mopts.AdminToken = token
		}
		a.metrics = metrics.NewServer(a.collector, mopts)
	}

	log.Info().Int("middlewares", chain.Len()).Msg("pipeline built")
	return a, nil
}

// Chain returns the middleware chain of the app.
func (a *App) Chain() *pipeline.Chain { return a.chain }

// Serve runs the proxy on proxyLn and, when enabled, the metrics server on
// metricsLn until ctx is cancelled or a server fails. metricsLn may be nil
// when metrics are disabled.
func (a *App) Serve(ctx context.Context, proxyLn, metricsLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.pruner != nil {
		if err := a.pruner.Start(gctx); err != nil {
			return fmt.Errorf("starting pruner: %w", err)
		}
		defer a.pruner.Stop()
	}

	g.Go(func() error {
		log.Info().Str("addr", proxyLn.Addr().String()).Bool("tls", a.cfg.Server.TLSEnabled).Msg("proxy server starting")
		if a.cfg.Server.TLSEnabled {
			if err := a.proxy.HTTPServer().ServeTLS(proxyLn, a.cfg.Server.CertFile, a.cfg.Server.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("proxy server (TLS): %w", err)
			}
			return nil
		}
		return a.proxy.Serve(proxyLn)
	})
	if a.metrics != nil && metricsLn != nil {
		g.Go(func() error { return a.metrics.Serve(metricsLn) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		log.Info().Msg("shutting down servers...")
		var errs []error
		if a.metrics != nil {
			errs = append(errs, a.metrics.Shutdown(shutdownCtx))
		}
		errs = append(errs, a.proxy.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	return g.Wait()
}

// Close releases the resources held by the app.
func (a *App) Close() error {
	if a.upstream != nil {
		a.upstream.CloseIdleConnections()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// Run is the main daemon entry point. It sets up logging, writes the PID
// file, starts every subsystem and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	closeLog, err := setupLogger(dataDir, cfg.Server.LogLevel, foreground)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("hookproxy starting")

	if err := AcquirePID(dataDir); err != nil {
		return err
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(ctx, tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version.Version,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				log.Warn().Err(err).Msg("tracing shutdown error")
			}
		}()
	}

	if w := startWatcher(dataDir); w != nil {
		defer w.Close()
	}

	app, err := NewApp(cfg, vault.New())
	if err != nil {
		return err
	}
	defer app.Close()

	proxyLn, err := net.Listen("tcp", cfg.Server.ListenAddr())
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", cfg.Server.ListenAddr(), err)
	}
	var metricsLn net.Listener
	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Metrics.Port)
		if metricsLn, err = net.Listen("tcp", addr); err != nil {
			proxyLn.Close()
			return fmt.Errorf("metrics listen %s: %w", addr, err)
		}
	}

	log.Info().
		Int("proxy_port", cfg.Server.ProxyPort).
		Bool("metrics", cfg.Metrics.Enabled).
		Str("mode", proxyMode(cfg)).
		Msg("hookproxy is ready")
	if foreground {
		fmt.Printf("\n  hookproxy is running (%s mode)\n", proxyMode(cfg))
		fmt.Printf("  Proxy:   %s\n", proxyLn.Addr())
		if metricsLn != nil {
			fmt.Printf("  Metrics: http://%s%s\n", metricsLn.Addr(), cfg.Metrics.Path)
		}
		fmt.Println()
	}

	if err := app.Serve(ctx, proxyLn, metricsLn); err != nil {
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	log.Info().Msg("hookproxy stopped")
	return nil
}

// startWatcher enables hot reload of the log level. Other settings take
// effect on restart.
func startWatcher(dataDir string) *config.Watcher {
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}
	if _, err := os.Stat(configFile); err != nil {
		return nil
	}

	w, err := config.Watch(configFile)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start config watcher; continuing without hot-reload")
		return nil
	}
	w.OnChange(func(old, newCfg *config.Config) {
		log.Info().Msg("configuration reloaded")
		zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
		if !slices.Equal(old.Pipeline.Middlewares, newCfg.Pipeline.Middlewares) {
			log.Warn().Msg("pipeline.middlewares changed; restart to apply")
		}
	})
	log.Info().Str("file", configFile).Msg("config watcher started")
	return w
}

// setupLogger routes the global logger to the data directory log file and,
// in the foreground, to the console.
func setupLogger(dataDir, level string, foreground bool) (func(), error) {
	zerolog.SetGlobalLevel(parseLogLevel(level))

	logPath := filepath.Join(dataDir, logFilename)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	writers := []io.Writer{logFile}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Str("service", "hookproxy").Logger()

	return func() { logFile.Close() }, nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("hookproxy does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("hookproxy is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to hookproxy (PID %d)\n", pid)

	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return fmt.Errorf("hookproxy (PID %d) did not exit within %s", pid, shutdownTimeout)
}

// Status reports whether the daemon is running and checks its health
// endpoint.
func Status(w io.Writer) error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Fprintln(w, "hookproxy is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Fprintf(w, "hookproxy is running (PID %d)\n", pid)
	fmt.Fprintf(w, "  Proxy:   %s (%s mode)\n", cfg.Server.ListenAddr(), proxyMode(cfg))

	if !cfg.Metrics.Enabled {
		return nil
	}
	host := cfg.Server.BindAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := "http://" + net.JoinHostPort(host, fmt.Sprint(cfg.Metrics.Port))

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(base + "/health")
	if err != nil {
		fmt.Fprintln(w, "  Health:  unreachable")
		return nil
	}
	resp.Body.Close()
	fmt.Fprintf(w, "  Health:  %s\n", resp.Status)
	fmt.Fprintf(w, "  Metrics: %s%s\n", base, cfg.Metrics.Path)
	return nil
}

func proxyMode(cfg *config.Config) string {
	if cfg.Upstream.Target != "" {
		return "reverse"
	}
	return "forward"
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
