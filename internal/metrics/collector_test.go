package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("flowmesh_test", reg, nil)

	c.RecordExecution("credit-check", "succeeded", 120*time.Millisecond)
	c.RecordExecution("credit-check", "failed", 80*time.Millisecond)
	c.RecordNode("scorer", "succeeded", 30*time.Millisecond)
	c.RecordAgentLatency("scorer", 25*time.Millisecond, nil)
	c.RecordAgentLatency("scorer", 25*time.Millisecond, errors.New("boom"))
	c.CacheHit()
	c.CacheHit()
	c.CacheMiss()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses))
}

func TestDispatchGaugeAndBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("flowmesh_test2", reg, nil)

	c.DispatchStarted()
	c.DispatchStarted()
	c.DispatchFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchInflight))

	c.SetBreakerOpen("scorer", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState.WithLabelValues("scorer")))
	c.SetBreakerOpen("scorer", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("scorer")))
}
