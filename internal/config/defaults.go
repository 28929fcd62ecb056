package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultProxyPort is the default port for the proxy listener.
const DefaultProxyPort = 8080

// DefaultMetricsPort is the default port for the metrics listener.
const DefaultMetricsPort = 9464

// DefaultMetricsPath is the default path of the Prometheus endpoint.
const DefaultMetricsPath = "/metrics"

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.hookproxy"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "hookproxy.toml"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 30

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
const DefaultWriteTimeout = 120

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

// DefaultUpstreamTimeout is the default time to wait for upstream response headers, in seconds.
const DefaultUpstreamTimeout = 60

// DefaultDialTimeout is the default upstream dial timeout in seconds.
const DefaultDialTimeout = 10

// DefaultTLSHandshakeTimeout is the default upstream TLS handshake timeout in seconds.
const DefaultTLSHandshakeTimeout = 10

// DefaultMaxIdleConns is the default size of the upstream connection pool.
const DefaultMaxIdleConns = 100

// DefaultMaxIdleConnsPerHost is the default number of idle connections kept per upstream host.
const DefaultMaxIdleConnsPerHost = 10

// DefaultIdleConnTimeout is the default lifetime of an idle upstream connection in seconds.
const DefaultIdleConnTimeout = 90

// DefaultAfterTimeout bounds the failure and after phases of a request, in seconds.
const DefaultAfterTimeout = 30

// State scopes.
const (
	StateScopeConnection = "connection"
	StateScopeService    = "service"
)

// Transport error policies.
const (
	OnTransportErrorAbort      = "abort"
	OnTransportErrorBadGateway = "bad_gateway"
)

// DefaultMiddlewares is the default chain order. Disabled entries are skipped.
var DefaultMiddlewares = []string{"accesslog", "metrics", "auth", "ratelimit", "cache", "resilience", "journal"}

// DefaultCBFailureThreshold is the default number of consecutive failures before opening the circuit.
const DefaultCBFailureThreshold = 5

// DefaultCBResetTimeout is the default circuit breaker reset timeout in seconds.
const DefaultCBResetTimeout = 60

// DefaultCBHalfOpenMax is the default number of successful calls in half-open state to close the circuit.
const DefaultCBHalfOpenMax = 1

// Retry defaults. One attempt means upstream calls are not retried.
const (
	DefaultRetryMaxAttempts = 1
	DefaultRetryBaseDelayMs = 100
	DefaultRetryMaxDelayMs  = 2000
)

// DefaultCacheMaxEntries is the default number of cached responses.
const DefaultCacheMaxEntries = 1000

// DefaultCacheTTL is the default response cache TTL in seconds.
const DefaultCacheTTL = 60

// DefaultCacheMaxEntrySize is the largest response body cached, in bytes (1 MB).
const DefaultCacheMaxEntrySize int64 = 1 << 20

// DefaultRetentionDays is the default journal retention in days.
const DefaultRetentionDays = 30

// DefaultPruneSchedule is the default cron schedule of journal pruning.
const DefaultPruneSchedule = "@daily"

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "hookproxy"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidMiddlewares lists the middleware names the chain builder knows.
var ValidMiddlewares = []string{"accesslog", "metrics", "auth", "ratelimit", "cache", "resilience", "journal"}

// ValidAuthSchemes lists the allowed auth.scheme values.
var ValidAuthSchemes = []string{"basic", "bearer"}

// ValidAuthHeaders lists the allowed auth.header values.
var ValidAuthHeaders = []string{"authorization", "proxy-authorization"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			ProxyPort:    DefaultProxyPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
		},
		Upstream: UpstreamConfig{
			Timeout:             DefaultUpstreamTimeout,
			DialTimeout:         DefaultDialTimeout,
			TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
			MaxIdleConns:        DefaultMaxIdleConns,
			MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
		Pipeline: PipelineConfig{
			Middlewares:      append([]string(nil), DefaultMiddlewares...),
			StateScope:       StateScopeConnection,
			OnTransportError: OnTransportErrorAbort,
			AfterTimeout:     DefaultAfterTimeout,
		},
		Auth: AuthConfig{
			Enabled:   false,
			Scheme:    "bearer",
			Header:    "proxy-authorization",
			SecretRef: "keyring://hookproxy/client",
			Realm:     "hookproxy",
		},
		RateLimit: RateLimitConfig{
			Enabled:    false,
			Rate:       10.0,
			Burst:      20,
			MaxClients: 10000,
		},
		Cache: CacheConfig{
			Enabled:      false,
			MaxEntries:   DefaultCacheMaxEntries,
			TTLSeconds:   DefaultCacheTTL,
			MaxEntrySize: DefaultCacheMaxEntrySize,
		},
		Resilience: ResilienceConfig{
			CBEnabled:          true,
			CBFailureThreshold: DefaultCBFailureThreshold,
			CBResetTimeoutSec:  DefaultCBResetTimeout,
			CBHalfOpenMax:      DefaultCBHalfOpenMax,
			RecoverFailures:    false,
			RetryMaxAttempts:   DefaultRetryMaxAttempts,
			RetryBaseDelayMs:   DefaultRetryBaseDelayMs,
			RetryMaxDelayMs:    DefaultRetryMaxDelayMs,
		},
		Journal: JournalConfig{
			Enabled:       true,
			RetentionDays: DefaultRetentionDays,
			PruneSchedule: DefaultPruneSchedule,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    DefaultMetricsPort,
			Path:    DefaultMetricsPath,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
	}
}
