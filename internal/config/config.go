package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for hookproxy.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     toml:"server"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"   toml:"upstream"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"   toml:"pipeline"`
	Auth       AuthConfig       `mapstructure:"auth"       toml:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" toml:"rate_limit"`
	Cache      CacheConfig      `mapstructure:"cache"      toml:"cache"`
	Resilience ResilienceConfig `mapstructure:"resilience" toml:"resilience"`
	Journal    JournalConfig    `mapstructure:"journal"    toml:"journal"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    toml:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"    toml:"tracing"`
}

// ServerConfig holds the inbound listener settings.
type ServerConfig struct {
	BindAddress       string `mapstructure:"bind_address"        toml:"bind_address"`
	ProxyPort         int    `mapstructure:"proxy_port"          toml:"proxy_port"`
	LogLevel          string `mapstructure:"log_level"           toml:"log_level"`
	DataDir           string `mapstructure:"data_dir"            toml:"data_dir"`
	TLSEnabled        bool   `mapstructure:"tls_enabled"         toml:"tls_enabled"`
	CertFile          string `mapstructure:"cert_file"           toml:"cert_file"`
	KeyFile           string `mapstructure:"key_file"            toml:"key_file"`
	ReadTimeout       int    `mapstructure:"read_timeout"        toml:"read_timeout"`
	WriteTimeout      int    `mapstructure:"write_timeout"       toml:"write_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"        toml:"idle_timeout"`
	MaxBodySize       int64  `mapstructure:"max_body_size"       toml:"max_body_size"`
	TrustForwardedFor bool   `mapstructure:"trust_forwarded_for" toml:"trust_forwarded_for"`
}

// ListenAddr returns host:port of the proxy listener.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.ProxyPort)
}

// UpstreamConfig controls how requests leave the proxy. An empty Target
// selects forward-proxy mode, where the destination comes from the request.
type UpstreamConfig struct {
	Target              string `mapstructure:"target"                toml:"target"`
	PreserveHost        bool   `mapstructure:"preserve_host"         toml:"preserve_host"`
	Timeout             int    `mapstructure:"timeout"               toml:"timeout"` // seconds to first response byte
	DialTimeout         int    `mapstructure:"dial_timeout"          toml:"dial_timeout"`
	TLSHandshakeTimeout int    `mapstructure:"tls_handshake_timeout" toml:"tls_handshake_timeout"`
	MaxIdleConns        int    `mapstructure:"max_idle_conns"        toml:"max_idle_conns"`
	MaxIdleConnsPerHost int    `mapstructure:"max_idle_conns_per_host" toml:"max_idle_conns_per_host"`
	IdleConnTimeout     int    `mapstructure:"idle_conn_timeout"     toml:"idle_conn_timeout"`
	InsecureSkipVerify  bool   `mapstructure:"insecure_skip_verify"  toml:"insecure_skip_verify"`
}

// TimeoutDuration returns the response header timeout as a time.Duration.
func (u UpstreamConfig) TimeoutDuration() time.Duration {
	if u.Timeout <= 0 {
		return time.Duration(DefaultUpstreamTimeout) * time.Second
	}
	return time.Duration(u.Timeout) * time.Second
}

// PipelineConfig controls the middleware chain and how it is shared.
type PipelineConfig struct {
	Middlewares      []string `mapstructure:"middlewares"        toml:"middlewares"`
	StateScope       string   `mapstructure:"state_scope"        toml:"state_scope"`        // "connection" or "service"
	OnTransportError string   `mapstructure:"on_transport_error" toml:"on_transport_error"` // "abort" or "bad_gateway"
	AfterTimeout     int      `mapstructure:"after_timeout"      toml:"after_timeout"`      // seconds
}

// AfterTimeoutDuration bounds the failure and after phases of one request.
func (p PipelineConfig) AfterTimeoutDuration() time.Duration {
	if p.AfterTimeout <= 0 {
		return time.Duration(DefaultAfterTimeout) * time.Second
	}
	return time.Duration(p.AfterTimeout) * time.Second
}

// AuthConfig controls client authentication.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"    toml:"enabled"`
	Scheme    string `mapstructure:"scheme"     toml:"scheme"` // "basic" or "bearer"
	Header    string `mapstructure:"header"     toml:"header"` // "authorization" or "proxy-authorization"
	Username  string `mapstructure:"username"   toml:"username"`
	SecretRef string `mapstructure:"secret_ref" toml:"secret_ref"`
	Realm     string `mapstructure:"realm"      toml:"realm"`
}

// RateLimitConfig controls per-client rate limiting.
type RateLimitConfig struct {
	Enabled    bool    `mapstructure:"enabled"     toml:"enabled"`
	Rate       float64 `mapstructure:"rate"        toml:"rate"` // requests per second
	Burst      int     `mapstructure:"burst"       toml:"burst"`
	MaxClients int     `mapstructure:"max_clients" toml:"max_clients"`
}

// CacheConfig controls the in-memory response cache.
type CacheConfig struct {
	Enabled      bool  `mapstructure:"enabled"        toml:"enabled"`
	MaxEntries   int   `mapstructure:"max_entries"    toml:"max_entries"`
	TTLSeconds   int   `mapstructure:"ttl_seconds"    toml:"ttl_seconds"`
	MaxEntrySize int64 `mapstructure:"max_entry_size" toml:"max_entry_size"`
}

// ResilienceConfig controls the circuit breaker and failure recovery.
type ResilienceConfig struct {
	CBEnabled          bool `mapstructure:"circuit_breaker_enabled"  toml:"circuit_breaker_enabled"`
	CBFailureThreshold int  `mapstructure:"cb_failure_threshold"     toml:"cb_failure_threshold"`
	CBResetTimeoutSec  int  `mapstructure:"cb_reset_timeout_seconds" toml:"cb_reset_timeout_seconds"`
	CBHalfOpenMax      int  `mapstructure:"cb_half_open_max_calls"   toml:"cb_half_open_max_calls"`
	RecoverFailures    bool `mapstructure:"recover_failures"         toml:"recover_failures"`

	// Retries apply to idempotent requests without a body.
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"  toml:"retry_max_attempts"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" toml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms"  toml:"retry_max_delay_ms"`
}

// JournalConfig controls the SQLite request journal.
type JournalConfig struct {
	Enabled       bool   `mapstructure:"enabled"        toml:"enabled"`
	RetentionDays int    `mapstructure:"retention_days" toml:"retention_days"`
	PruneSchedule string `mapstructure:"prune_schedule" toml:"prune_schedule"` // cron spec
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Port    int    `mapstructure:"port"    toml:"port"`
	Path    string `mapstructure:"path"    toml:"path"`

	// AdminTokenRef is a vault reference to the bearer token guarding the
	// /api endpoints. Empty leaves them open.
	AdminTokenRef string `mapstructure:"admin_token_ref" toml:"admin_token_ref"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "hookproxy"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (HOOKPROXY_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.hookproxy/hookproxy.toml
//  4. ./hookproxy.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	// HOOKPROXY_SERVER_PROXY_PORT etc.
	v.SetEnvPrefix("HOOKPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".hookproxy"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("hookproxy")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.hookproxy/hookproxy.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".hookproxy")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	data, err := toml.Marshal(Get())
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file, validates it and makes it current.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	if dest := ConfigFilePath(); dest != "" && dest != path {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every key of the default config with viper so
// that HOOKPROXY_* variables bind even when no config file is present. Keys
// are taken from the mapstructure tags.
func setViperDefaults(v *viper.Viper) {
	registerDefaults(v, "", reflect.ValueOf(DefaultConfig()).Elem())
}

func registerDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := range rt.NumField() {
		key, _, _ := strings.Cut(rt.Field(i).Tag.Get("mapstructure"), ",")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field := rv.Field(i); field.Kind() == reflect.Struct {
			registerDefaults(v, key, field)
		} else {
			v.SetDefault(key, field.Interface())
		}
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
