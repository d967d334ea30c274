// Package metrics provides the engine's Prometheus collector.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector holds the engine metric families. Register it once per
// process with a private registry in tests.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	nodesTotal        *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	agentLatency      *prometheus.HistogramVec
	dispatchInflight  prometheus.Gauge
	breakerState      *prometheus.GaugeVec
	storeDuration     *prometheus.HistogramVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter

	logger *zap.Logger
}

// NewCollector builds and registers the engine metric families.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Executions finished, by terminal status",
	}, []string{"status"})
	factory(c.executionsTotal)

	c.executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "End-to-end execution duration",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"flow_id"})
	factory(c.executionDuration)

	c.nodesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nodes_total",
		Help:      "Node completions, by terminal status",
	}, []string{"status"})
	factory(c.nodesTotal)

	c.nodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "node_duration_seconds",
		Help:      "Node dispatch duration",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"agent_id"})
	factory(c.nodeDuration)

	c.agentLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_latency_seconds",
		Help:      "Outbound agent call latency",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"agent_id", "outcome"})
	factory(c.agentLatency)

	c.dispatchInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_inflight",
		Help:      "Agent dispatches currently in flight",
	})
	factory(c.dispatchInflight)

	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_open",
		Help:      "1 when the agent's circuit breaker is open",
	}, []string{"agent_id"})
	factory(c.breakerState)

	c.storeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_query_duration_seconds",
		Help:      "Execution store query duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	factory(c.storeDuration)

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Execution status cache hits",
	})
	factory(c.cacheHits)

	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Execution status cache misses",
	})
	factory(c.cacheMisses)

	return c
}

// RecordExecution counts one finished execution.
func (c *Collector) RecordExecution(flowID, status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(flowID).Observe(duration.Seconds())
}

// RecordNode counts one node completion.
func (c *Collector) RecordNode(agentID, status string, duration time.Duration) {
	c.nodesTotal.WithLabelValues(status).Inc()
	if agentID != "" {
		c.nodeDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	}
}

// RecordAgentLatency observes one outbound call sample; used as the
// proxy's latency observer.
func (c *Collector) RecordAgentLatency(agentID string, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.agentLatency.WithLabelValues(agentID, outcome).Observe(latency.Seconds())
}

// DispatchStarted and DispatchFinished track the in-flight gauge.
func (c *Collector) DispatchStarted()  { c.dispatchInflight.Inc() }
func (c *Collector) DispatchFinished() { c.dispatchInflight.Dec() }

// SetBreakerOpen reflects breaker transitions.
func (c *Collector) SetBreakerOpen(agentID string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	c.breakerState.WithLabelValues(agentID).Set(v)
}

// ObserveStore times one store operation.
func (c *Collector) ObserveStore(op string, duration time.Duration) {
	c.storeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// CacheHit and CacheMiss count execution status cache lookups.
func (c *Collector) CacheHit()  { c.cacheHits.Inc() }
func (c *Collector) CacheMiss() { c.cacheMisses.Inc() }
