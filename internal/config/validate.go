package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

// problems accumulates validation failures so that every bad key is
// reported at once.
type problems []string

func (p *problems) add(msg string) { *p = append(*p, msg) }

func (p *problems) addf(format string, args ...any) { p.add(fmt.Sprintf(format, args...)) }

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(p, "\n  - "))
}

// validate rejects out-of-range or inconsistent values.
func validate(cfg *Config) error {
	var p problems

	if cfg.Server.ProxyPort < 1 || cfg.Server.ProxyPort > 65535 {
		p.addf("server.proxy_port must be between 1 and 65535, got %d", cfg.Server.ProxyPort)
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		p.addf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel)
	}
	if cfg.Server.DataDir == "" {
		p.add("server.data_dir must not be empty")
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			p.add("server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			p.add("server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		p.addf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout < 0 {
		p.addf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout)
	}
	if cfg.Server.IdleTimeout < 0 {
		p.addf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout)
	}
	if cfg.Server.MaxBodySize < 0 {
		p.addf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize)
	}

	if cfg.Upstream.Target != "" {
		u, err := url.Parse(cfg.Upstream.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			p.addf("upstream.target must be an absolute http(s) URL, got %q", cfg.Upstream.Target)
		}
	}
	if cfg.Upstream.Timeout < 0 {
		p.addf("upstream.timeout must be non-negative, got %d", cfg.Upstream.Timeout)
	}
	if cfg.Upstream.DialTimeout < 0 {
		p.addf("upstream.dial_timeout must be non-negative, got %d", cfg.Upstream.DialTimeout)
	}
	if cfg.Upstream.MaxIdleConns < 0 || cfg.Upstream.MaxIdleConnsPerHost < 0 {
		p.add("upstream.max_idle_conns and max_idle_conns_per_host must be non-negative")
	}

	seen := make(map[string]bool, len(cfg.Pipeline.Middlewares))
	for _, name := range cfg.Pipeline.Middlewares {
		if !isValidEnum(name, ValidMiddlewares) {
			p.addf("pipeline.middlewares: unknown middleware %q (known: %v)", name, ValidMiddlewares)
		}
		key := strings.ToLower(name)
		if seen[key] {
			p.addf("pipeline.middlewares: %q listed more than once", name)
		}
		seen[key] = true
	}
	scopes := []string{StateScopeConnection, StateScopeService}
	if !isValidEnum(cfg.Pipeline.StateScope, scopes) {
		p.addf("pipeline.state_scope must be one of %v, got %q", scopes, cfg.Pipeline.StateScope)
	}
	policies := []string{OnTransportErrorAbort, OnTransportErrorBadGateway}
	if !isValidEnum(cfg.Pipeline.OnTransportError, policies) {
		p.addf("pipeline.on_transport_error must be one of %v, got %q", policies, cfg.Pipeline.OnTransportError)
	}
	if cfg.Pipeline.AfterTimeout < 0 {
		p.addf("pipeline.after_timeout must be non-negative, got %d", cfg.Pipeline.AfterTimeout)
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.SecretRef == "" {
			p.add("auth.secret_ref must be set when auth.enabled is true")
		}
		if !isValidEnum(cfg.Auth.Scheme, ValidAuthSchemes) {
			p.addf("auth.scheme must be one of %v, got %q", ValidAuthSchemes, cfg.Auth.Scheme)
		}
		if strings.EqualFold(cfg.Auth.Scheme, "basic") && cfg.Auth.Username == "" {
			p.add("auth.username must be set when auth.scheme is basic")
		}
	}
	if !isValidEnum(cfg.Auth.Header, ValidAuthHeaders) {
		p.addf("auth.header must be one of %v, got %q", ValidAuthHeaders, cfg.Auth.Header)
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Rate <= 0 {
			p.addf("rate_limit.rate must be positive, got %g", cfg.RateLimit.Rate)
		}
		if cfg.RateLimit.Burst < 1 {
			p.addf("rate_limit.burst must be at least 1, got %d", cfg.RateLimit.Burst)
		}
		if cfg.RateLimit.MaxClients < 1 {
			p.addf("rate_limit.max_clients must be at least 1, got %d", cfg.RateLimit.MaxClients)
		}
	}

	if cfg.Cache.Enabled && cfg.Cache.MaxEntries < 1 {
		p.addf("cache.max_entries must be at least 1, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.TTLSeconds < 0 {
		p.addf("cache.ttl_seconds must be non-negative, got %d", cfg.Cache.TTLSeconds)
	}
	if cfg.Cache.MaxEntrySize < 0 {
		p.addf("cache.max_entry_size must be non-negative, got %d", cfg.Cache.MaxEntrySize)
	}

	if cfg.Resilience.CBFailureThreshold < 1 {
		p.addf("resilience.cb_failure_threshold must be at least 1, got %d", cfg.Resilience.CBFailureThreshold)
	}
	if cfg.Resilience.CBResetTimeoutSec <= 0 {
		p.addf("resilience.cb_reset_timeout_seconds must be positive, got %d", cfg.Resilience.CBResetTimeoutSec)
	}
	if cfg.Resilience.CBHalfOpenMax < 1 {
		p.addf("resilience.cb_half_open_max_calls must be at least 1, got %d", cfg.Resilience.CBHalfOpenMax)
	}
	if cfg.Resilience.RetryMaxAttempts < 1 || cfg.Resilience.RetryMaxAttempts > 10 {
		p.addf("resilience.retry_max_attempts must be between 1 and 10, got %d", cfg.Resilience.RetryMaxAttempts)
	}
	if cfg.Resilience.RetryBaseDelayMs < 0 || cfg.Resilience.RetryMaxDelayMs < cfg.Resilience.RetryBaseDelayMs {
		p.addf("resilience.retry_base_delay_ms (%d) must be non-negative and not exceed retry_max_delay_ms (%d)",
			cfg.Resilience.RetryBaseDelayMs, cfg.Resilience.RetryMaxDelayMs)
	}

	if cfg.Journal.RetentionDays < 1 {
		p.addf("journal.retention_days must be at least 1, got %d", cfg.Journal.RetentionDays)
	}
	if _, err := cron.ParseStandard(cfg.Journal.PruneSchedule); err != nil {
		p.addf("journal.prune_schedule %q is not a valid cron spec: %v", cfg.Journal.PruneSchedule, err)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			p.addf("metrics.port must be between 1 and 65535, got %d", cfg.Metrics.Port)
		}
		if cfg.Metrics.Port == cfg.Server.ProxyPort {
			p.addf("server.proxy_port and metrics.port must differ, both are %d", cfg.Metrics.Port)
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			p.addf("metrics.path must start with /, got %q", cfg.Metrics.Path)
		}
	}

	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			p.addf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter)
		}
		if cfg.Tracing.ServiceName == "" {
			p.add("tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		p.addf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate)
	}

	return p.err()
}

// isValidEnum matches val against allowed, ignoring case.
func isValidEnum(val string, allowed []string) bool {
	return slices.ContainsFunc(allowed, func(a string) bool { return strings.EqualFold(a, val) })
}
