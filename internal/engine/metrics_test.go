package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"github.com/xela07ax/skillgate/internal/domain"
)

func TestObserveAgentTracksActiveGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveAgent("", domain.AgentSpawned)
	m.ObserveAgent("", domain.AgentSpawned)
	m.ObserveAgent(domain.AgentSpawned, domain.AgentRunning)
	m.ObserveAgent(domain.AgentFailed, domain.AgentDestroyed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveAgents))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AgentTransitions.WithLabelValues(string(domain.AgentSpawned))))
}

func TestObserveBreaker(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveBreaker("source", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("source")))

	m.ObserveBreaker("source", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 0.5, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("source")))

	m.ObserveBreaker("source", gobreaker.StateHalfOpen, gobreaker.StateClosed)
	assert.Zero(t, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("source")))
}

func TestWatchAuditBuffer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	n := 7
	m.WatchAuditBuffer(func() int { return n })

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "skillgate_audit_buffer_utilization"))
	n = 3
	v, err := reg.Gather()
	assert.NoError(t, err)
	for _, mf := range v {
		if mf.GetName() == "skillgate_audit_buffer_utilization" {
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

type lossCounts struct{ direct, dropped uint64 }

func (l *lossCounts) Direct() uint64  { return l.direct }
func (l *lossCounts) Dropped() uint64 { return l.dropped }

func TestWatchAuditLoss(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	loss := &lossCounts{direct: 2}
	m.WatchAuditLoss(loss)
	loss.dropped = 1

	v, err := reg.Gather()
	assert.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range v {
		if len(mf.GetMetric()) > 0 && mf.GetMetric()[0].GetCounter() != nil {
			got[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, got["skillgate_audit_direct_writes_total"])
	assert.Equal(t, 1.0, got["skillgate_audit_events_dropped_total"])
}
