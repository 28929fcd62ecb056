// Package plugin builds the middleware chain from configuration. Each known
// middleware name maps to a Factory; the configured order is the chain order.
package plugin

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/hookproxy/internal/accesslog"
	"github.com/allaspectsdev/hookproxy/internal/cache"
	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/metrics"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/resilience"
	"github.com/allaspectsdev/hookproxy/internal/security"
	"github.com/allaspectsdev/hookproxy/internal/store"
)

// ErrSkip is returned by a Factory whose middleware is disabled by config
// or lacks a dependency. The middleware is left out of the chain.
var ErrSkip = errors.New("plugin: middleware skipped")

// Deps carries what factories need beyond the configuration. Nil fields make
// the middlewares depending on them skip.
type Deps struct {
	Config    *config.Config
	Secrets   security.SecretResolver
	Journal   store.Recorder
	Collector *metrics.Collector
	Breakers  *resilience.Registry
}

// Factory builds one middleware.
type Factory func(d Deps) (pipeline.Middleware, error)

// Registry maps middleware names to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewBuiltinRegistry returns a registry holding every built-in middleware.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for name, f := range builtins {
		_ = r.Register(name, f)
	}
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("middleware %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Unregister removes the factory registered under name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; !exists {
		return fmt.Errorf("middleware %q not found", name)
	}
	delete(r.factories, name)
	return nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build instantiates the named middlewares in order. Skipped middlewares are
// logged and omitted; any other factory error aborts the build.
func (r *Registry) Build(names []string, d Deps) ([]pipeline.Middleware, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mws := make([]pipeline.Middleware, 0, len(names))
	for _, name := range names {
		f, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown middleware %q", name)
		}
		mw, err := f(d)
		if errors.Is(err, ErrSkip) {
			log.Debug().Str("middleware", name).Msg("middleware disabled, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("building middleware %q: %w", name, err)
		}
		mws = append(mws, mw)
		log.Info().Str("middleware", name).Int("position", len(mws)).Msg("middleware registered")
	}
	return mws, nil
}

// BuildChain builds the chain configured in d.Config and attaches the
// collector, if any, as hook observer.
func (r *Registry) BuildChain(d Deps) (*pipeline.Chain, error) {
	if d.Config == nil {
		return nil, errors.New("plugin: no configuration")
	}
	mws, err := r.Build(d.Config.Pipeline.Middlewares, d)
	if err != nil {
		return nil, err
	}
	chain := pipeline.NewChain(mws...)
	if d.Collector != nil {
		chain.SetObserver(d.Collector)
	}
	return chain, nil
}

var builtins = map[string]Factory{
	"accesslog": func(Deps) (pipeline.Middleware, error) {
		return accesslog.New(), nil
	},
	"metrics": func(d Deps) (pipeline.Middleware, error) {
		if d.Collector == nil {
			return nil, ErrSkip
		}
		return metrics.NewMiddleware(d.Collector), nil
	},
	"auth": func(d Deps) (pipeline.Middleware, error) {
		if !d.Config.Auth.Enabled {
			return nil, ErrSkip
		}
		if d.Secrets == nil {
			return nil, errors.New("auth enabled without a secret resolver")
		}
		return security.NewAuth(d.Config.Auth, d.Secrets)
	},
	"ratelimit": func(d Deps) (pipeline.Middleware, error) {
		if !d.Config.RateLimit.Enabled {
			return nil, ErrSkip
		}
		return security.NewRateLimit(d.Config.RateLimit)
	},
	"cache": func(d Deps) (pipeline.Middleware, error) {
		if !d.Config.Cache.Enabled {
			return nil, ErrSkip
		}
		return cache.New(d.Config.Cache)
	},
	"resilience": func(d Deps) (pipeline.Middleware, error) {
		cfg := d.Config.Resilience
		if !cfg.CBEnabled && !cfg.RecoverFailures {
			return nil, ErrSkip
		}
		if cfg.CBEnabled && d.Breakers != nil {
			return resilience.NewWithRegistry(d.Breakers, cfg.RecoverFailures), nil
		}
		return resilience.New(cfg), nil
	},
	"journal": func(d Deps) (pipeline.Middleware, error) {
		if !d.Config.Journal.Enabled || d.Journal == nil {
			return nil, ErrSkip
		}
		return store.NewJournal(d.Journal), nil
	},
}

// NewBreakers creates the breaker registry described by cfg, or nil when the
// circuit breaker is disabled.
func NewBreakers(cfg config.ResilienceConfig) *resilience.Registry {
	if !cfg.CBEnabled {
		return nil
	}
	return resilience.NewRegistry(cfg.CBFailureThreshold, time.Duration(cfg.CBResetTimeoutSec)*time.Second, cfg.CBHalfOpenMax)
}
