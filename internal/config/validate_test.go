package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/tmp/test"
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad proxy port", func(c *Config) { c.Server.ProxyPort = 70000 }, "proxy_port"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"empty data dir", func(c *Config) { c.Server.DataDir = "" }, "data_dir"},
		{"tls missing cert", func(c *Config) { c.Server.TLSEnabled = true; c.Server.KeyFile = "k" }, "cert_file"},
		{"tls missing key", func(c *Config) { c.Server.TLSEnabled = true; c.Server.CertFile = "c" }, "key_file"},
		{"negative read timeout", func(c *Config) { c.Server.ReadTimeout = -1 }, "read_timeout"},
		{"negative body size", func(c *Config) { c.Server.MaxBodySize = -1 }, "max_body_size"},
		{"target without scheme", func(c *Config) { c.Upstream.Target = "example.com" }, "upstream.target"},
		{"target ftp", func(c *Config) { c.Upstream.Target = "ftp://example.com" }, "upstream.target"},
		{"negative upstream timeout", func(c *Config) { c.Upstream.Timeout = -1 }, "upstream.timeout"},
		{"unknown middleware", func(c *Config) { c.Pipeline.Middlewares = []string{"gzip"} }, "unknown middleware"},
		{"duplicate middleware", func(c *Config) { c.Pipeline.Middlewares = []string{"auth", "AUTH"} }, "more than once"},
		{"bad state scope", func(c *Config) { c.Pipeline.StateScope = "global" }, "state_scope"},
		{"bad transport policy", func(c *Config) { c.Pipeline.OnTransportError = "retry" }, "on_transport_error"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.SecretRef = "" }, "secret_ref"},
		{"auth bad scheme", func(c *Config) { c.Auth.Enabled = true; c.Auth.Scheme = "digest" }, "auth.scheme"},
		{"basic without username", func(c *Config) { c.Auth.Enabled = true; c.Auth.Scheme = "basic" }, "auth.username"},
		{"auth bad header", func(c *Config) { c.Auth.Header = "cookie" }, "auth.header"},
		{"rate limit zero rate", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.Rate = 0 }, "rate_limit.rate"},
		{"rate limit zero burst", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.Burst = 0 }, "rate_limit.burst"},
		{"cache zero entries", func(c *Config) { c.Cache.Enabled = true; c.Cache.MaxEntries = 0 }, "cache.max_entries"},
		{"cache negative ttl", func(c *Config) { c.Cache.TTLSeconds = -1 }, "cache.ttl_seconds"},
		{"zero failure threshold", func(c *Config) { c.Resilience.CBFailureThreshold = 0 }, "cb_failure_threshold"},
		{"zero reset timeout", func(c *Config) { c.Resilience.CBResetTimeoutSec = 0 }, "cb_reset_timeout_seconds"},
		{"zero half open", func(c *Config) { c.Resilience.CBHalfOpenMax = 0 }, "cb_half_open_max_calls"},
		{"too many retries", func(c *Config) { c.Resilience.RetryMaxAttempts = 11 }, "retry_max_attempts"},
		{"retry delays inverted", func(c *Config) { c.Resilience.RetryBaseDelayMs = 5000 }, "retry_base_delay_ms"},
		{"zero retention", func(c *Config) { c.Journal.RetentionDays = 0 }, "retention_days"},
		{"bad prune schedule", func(c *Config) { c.Journal.PruneSchedule = "every day" }, "prune_schedule"},
		{"metrics same port", func(c *Config) { c.Metrics.Port = c.Server.ProxyPort }, "must differ"},
		{"metrics relative path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_DisabledSectionsAreLenient(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Enabled = false
	cfg.Auth.SecretRef = ""
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.Rate = 0
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0

	if err := validate(cfg); err != nil {
		t.Fatalf("disabled sections should not be validated: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ProxyPort = 0
	cfg.Server.LogLevel = "bad"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "proxy_port") || !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention multiple fields: %v", err)
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("INFO should be valid (case-insensitive)")
	}
	if isValidEnum("verbose", ValidLogLevels) {
		t.Error("verbose should not be valid")
	}
}
