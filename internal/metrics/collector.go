package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

const namespace = "hookproxy"

// Collector owns the Prometheus metrics of the proxy. It also implements
// pipeline.Observer so that the chain reports per-hook latency.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeRequests   prometheus.Gauge
	upstreamFailures prometheus.Counter
	hookDuration     *prometheus.HistogramVec
}

var _ pipeline.Observer = (*Collector)(nil)

// NewCollector creates and registers the proxy metrics. If registry is nil a
// private registry with the Go runtime and process collectors is created.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied requests by method, status code and outcome.",
			},
			[]string{"method", "code", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end duration of proxied requests.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of requests currently in the pipeline.",
		}),
		upstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Upstream calls that ended without a response.",
		}),
		hookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_duration_seconds",
				Help:      "Duration of middleware hook invocations.",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
			},
			[]string{"middleware", "phase"},
		),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.activeRequests,
		c.upstreamFailures,
		c.hookDuration,
	)
	return c
}

// Registry returns the registry the metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus exposition handler for the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// IncrementActive marks a request as entering the pipeline.
func (c *Collector) IncrementActive() { c.activeRequests.Inc() }

// DecrementActive marks a request as leaving the pipeline.
func (c *Collector) DecrementActive() { c.activeRequests.Dec() }

// RecordUpstreamFailure counts an upstream call that produced no response.
func (c *Collector) RecordUpstreamFailure() { c.upstreamFailures.Inc() }

// RecordRequest records a finished request. status is 0 when no response
// was produced.
func (c *Collector) RecordRequest(method string, status int, outcome pipeline.Outcome, d time.Duration) {
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	if outcome == "" {
		outcome = "unknown"
	}
	c.requestsTotal.WithLabelValues(method, code, string(outcome)).Inc()
	c.requestDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

// ObserveHook implements pipeline.Observer.
func (c *Collector) ObserveHook(middleware string, phase pipeline.Phase, seconds float64) {
	c.hookDuration.WithLabelValues(middleware, phase.String()).Observe(seconds)
}
