package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qwenbridge"

// Collector owns the proxy's metrics registry. All recording methods are safe
// on a nil *Collector, which is how metrics are disabled.
//
// Metrics:
//   - qwenbridge_requests_total: completions by model, mode (stream|json) and outcome
//   - qwenbridge_request_duration_seconds: completion duration by mode
//   - qwenbridge_tokens_total: reported usage by type (prompt|completion)
//   - qwenbridge_sessions_opened_total / qwenbridge_sessions_closed_total
//   - qwenbridge_sessions_active: upstream chats currently open
//   - qwenbridge_uploads_total: attachment uploads by result
//   - qwenbridge_catalog_models: models in the catalog after the last refresh
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	sessionsOpened  prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	uploadsTotal    *prometheus.CounterVec
	catalogModels   prometheus.Gauge
}

// NewCollector registers the proxy metrics on a fresh registry together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Chat completion requests by model, mode and outcome",
			},
			[]string{"model", "mode", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of chat completion requests in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens reported by the vendor",
			},
			[]string{"type"},
		),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Upstream chats created",
		}),
		sessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Upstream chats torn down, by delete result",
			},
			[]string{"result"},
		),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Upstream chats currently open",
		}),
		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Attachment uploads by result",
			},
			[]string{"result"},
		),
		catalogModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_models",
			Help:      "Models known to the catalog",
		}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.tokensTotal,
		c.sessionsOpened,
		c.sessionsClosed,
		c.sessionsActive,
		c.uploadsTotal,
		c.catalogModels,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// RecordRequest records one finished chat completion.
func (c *Collector) RecordRequest(model, mode, outcome string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(model, mode, outcome).Inc()
	c.requestDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.tokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.tokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// RecordUpload counts an attachment upload attempt.
func (c *Collector) RecordUpload(err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.uploadsTotal.WithLabelValues(result).Inc()
}

// SetCatalogSize records the number of models after a refresh.
func (c *Collector) SetCatalogSize(n int) {
	if c == nil {
		return
	}
	c.catalogModels.Set(float64(n))
}

// SessionOpened implements session.Recorder.
func (c *Collector) SessionOpened(string, string, time.Time) {
	if c == nil {
		return
	}
	c.sessionsOpened.Inc()
	c.sessionsActive.Inc()
}

// SessionClosed implements session.Recorder.
func (c *Collector) SessionClosed(_ string, _ time.Time, deleteErr error) {
	if c == nil {
		return
	}
	result := "deleted"
	if deleteErr != nil {
		result = "delete_failed"
	}
	c.sessionsClosed.WithLabelValues(result).Inc()
	c.sessionsActive.Dec()
}
