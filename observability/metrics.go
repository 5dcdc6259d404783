// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the engine, following the ambient stack a running agent
// process carries regardless of what the agent itself is doing.
//
// Grounded on pkg/observability/metrics.go's per-subsystem CounterVec/
// HistogramVec/GaugeVec layout, generalized from the teacher's
// agent/llm/tool/memory/session/http/rag subsystems down to this engine's
// own: dispatcher, context feeds, iterations, and sessions.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults fills in the namespace the metrics are registered under.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "cortex"
	}
}

// Metrics holds every Prometheus collector the engine exposes.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	// Dispatcher metrics (C4, spec §4.4).
	dispatchQueueDepth   *prometheus.GaugeVec
	actionCalls          *prometheus.CounterVec
	actionDuration       *prometheus.HistogramVec
	actionRetries        *prometheus.CounterVec
	actionErrors         *prometheus.CounterVec
	detachedActionsAlive prometheus.Gauge

	// Context-feed metrics (C6, spec §4.6).
	feedFetches     *prometheus.CounterVec
	feedCacheHits   *prometheus.CounterVec
	feedCacheMisses *prometheus.CounterVec
	feedTruncations *prometheus.CounterVec

	// Iteration/session metrics (C8, spec §3, §4.8).
	iterationsTotal     *prometheus.CounterVec
	iterationDuration   *prometheus.HistogramVec
	iterationCapHits    prometheus.Counter
	sessionsActive      prometheus.Gauge
	sessionsTotal       *prometheus.CounterVec
	softErrorsTotal     *prometheus.CounterVec
	metadataTriggerFire *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance from configuration, or returns nil
// if metrics are disabled -- every call site below must tolerate a nil
// *Metrics by checking before use, the same null-object contract the
// teacher's own Metrics/Tracer pair uses.
func NewMetrics(cfg *MetricsConfig) *Metrics {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	m.initDispatchMetrics()
	m.initFeedMetrics()
	m.initIterationMetrics()
	return m
}

func (m *Metrics) initDispatchMetrics() {
	m.dispatchQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Number of actions pending dispatch (ready but not yet running).",
	}, []string{"session_id"})

	m.actionCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "action_calls_total",
		Help:      "Total number of action invocations by kind and mode.",
	}, []string{"kind", "mode"})

	m.actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "action_duration_seconds",
		Help:      "Action invocation duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"kind", "status"})

	m.actionRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "action_retries_total",
		Help:      "Total number of action retry attempts.",
	}, []string{"kind"})

	m.actionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "action_errors_total",
		Help:      "Total number of terminal action errors by status.",
	}, []string{"kind", "status"})

	m.detachedActionsAlive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "detached_actions_alive",
		Help:      "Number of fire-and-forget actions currently running.",
	})

	m.registry.MustRegister(
		m.dispatchQueueDepth, m.actionCalls, m.actionDuration,
		m.actionRetries, m.actionErrors, m.detachedActionsAlive,
	)
}

func (m *Metrics) initFeedMetrics() {
	m.feedFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "contextfeed",
		Name:      "fetches_total",
		Help:      "Total number of context feed refresh attempts.",
	}, []string{"feed_id", "mode", "status"})

	m.feedCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "contextfeed",
		Name:      "cache_hits_total",
		Help:      "Total number of context feed reads served from the TTL cache.",
	}, []string{"feed_id"})

	m.feedCacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "contextfeed",
		Name:      "cache_misses_total",
		Help:      "Total number of context feed reads that triggered a refresh.",
	}, []string{"feed_id"})

	m.feedTruncations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "contextfeed",
		Name:      "truncations_total",
		Help:      "Total number of context feed values truncated by a size/token cap.",
	}, []string{"feed_id"})

	m.registry.MustRegister(m.feedFetches, m.feedCacheHits, m.feedCacheMisses, m.feedTruncations)
}

func (m *Metrics) initIterationMetrics() {
	m.iterationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "iteration",
		Name:      "total",
		Help:      "Total number of iterations run, by outcome.",
	}, []string{"outcome"})

	m.iterationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace,
		Subsystem: "iteration",
		Name:      "duration_seconds",
		Help:      "Iteration duration in seconds, from prompt assembly to non-detached drain.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"outcome"})

	m.iterationCapHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "iteration",
		Name:      "cap_exceeded_total",
		Help:      "Total number of sessions that hit their iteration cap without a final response.",
	})

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.config.Namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of sessions currently running.",
	})

	m.sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "session",
		Name:      "total",
		Help:      "Total number of sessions ended, by end reason.",
	}, []string{"reason"})

	m.softErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "session",
		Name:      "soft_errors_total",
		Help:      "Total number of soft errors emitted, by code.",
	}, []string{"code"})

	m.metadataTriggerFire = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "metadata",
		Name:      "trigger_fires_total",
		Help:      "Total number of workflow triggers fired, by trigger name.",
	}, []string{"trigger"})

	m.registry.MustRegister(
		m.iterationsTotal, m.iterationDuration, m.iterationCapHits,
		m.sessionsActive, m.sessionsTotal, m.softErrorsTotal, m.metadataTriggerFire,
	)
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format, or nil if metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAction(kind, mode, status string, seconds float64) {
	if m == nil {
		return
	}
	m.actionCalls.WithLabelValues(kind, mode).Inc()
	m.actionDuration.WithLabelValues(kind, status).Observe(seconds)
	if status != "ok" {
		m.actionErrors.WithLabelValues(kind, status).Inc()
	}
}

func (m *Metrics) ObserveRetry(kind string) {
	if m == nil {
		return
	}
	m.actionRetries.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetQueueDepth(sessionID string, depth int) {
	if m == nil {
		return
	}
	m.dispatchQueueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

func (m *Metrics) SetDetachedAlive(n int) {
	if m == nil {
		return
	}
	m.detachedActionsAlive.Set(float64(n))
}

func (m *Metrics) ObserveFeedFetch(feedID, mode, status string) {
	if m == nil {
		return
	}
	m.feedFetches.WithLabelValues(feedID, mode, status).Inc()
}

func (m *Metrics) ObserveFeedCache(feedID string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.feedCacheHits.WithLabelValues(feedID).Inc()
		return
	}
	m.feedCacheMisses.WithLabelValues(feedID).Inc()
}

func (m *Metrics) ObserveFeedTruncation(feedID string) {
	if m == nil {
		return
	}
	m.feedTruncations.WithLabelValues(feedID).Inc()
}

func (m *Metrics) ObserveIteration(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.iterationsTotal.WithLabelValues(outcome).Inc()
	m.iterationDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) ObserveIterationCapHit() {
	if m == nil {
		return
	}
	m.iterationCapHits.Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveSoftError(code string) {
	if m == nil {
		return
	}
	m.softErrorsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveTriggerFire(trigger string) {
	if m == nil {
		return
	}
	m.metadataTriggerFire.WithLabelValues(trigger).Inc()
}
