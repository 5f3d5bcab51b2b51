package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/skillgate/internal/domain"
)

type Metrics struct {
	// Latency: полный путь запуска, включая ожидание подтверждения
	RunDuration *prometheus.HistogramVec

	// Traffic: запуски по исходу
	RunsTotal *prometheus.CounterVec

	// Policy: решения движка правил по эффекту
	PolicyDecisions *prometheus.CounterVec

	// Safety: вердикты по исходу и стадии
	Verdicts *prometheus.CounterVec

	// Approvals: конечные состояния запросов подтверждения
	Approvals *prometheus.CounterVec

	// Agents: переходы жизненного цикла и число живых агентов
	AgentTransitions *prometheus.CounterVec
	ActiveAgents     prometheus.Gauge

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило, 0.5 - полуоткрыт)
	CircuitBreakerState *prometheus.GaugeVec

	reg prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillgate_run_duration_seconds",
			Help:    "Histogram of run latencies.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"skill_id", "outcome"}),

		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_runs_total",
			Help: "Total number of run requests by outcome.",
		}, []string{"outcome"}),

		PolicyDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_policy_decisions_total",
			Help: "Policy evaluations by effect.",
		}, []string{"effect"}), // allow, block, warn, require_approval

		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_safety_verdicts_total",
			Help: "Safety gate verdicts.",
		}, []string{"outcome", "stage"}),

		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_approvals_total",
			Help: "Approval requests by terminal state.",
		}, []string{"state"}),

		AgentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_agent_transitions_total",
			Help: "Agent lifecycle transitions by target state.",
		}, []string{"to"}),

		ActiveAgents: f.NewGauge(prometheus.GaugeOpts{
			Name: "skillgate_active_agents",
			Help: "Agents spawned and not yet destroyed.",
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skillgate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 0.5=half-open).",
		}, []string{"breaker"}),

		reg: reg,
	}
}

// ObserveVerdict подключается к safety.WithObserver.
func (m *Metrics) ObserveVerdict(v domain.Verdict) {
	m.Verdicts.WithLabelValues(string(v.Outcome), string(v.Stage)).Inc()
}

// ObserveAgent подключается к lifecycle.WithObserver.
func (m *Metrics) ObserveAgent(from, to domain.AgentState) {
	m.AgentTransitions.WithLabelValues(string(to)).Inc()
	switch {
	case from == "":
		m.ActiveAgents.Inc()
	case to == domain.AgentDestroyed:
		m.ActiveAgents.Dec()
	}
}

// ObserveBreaker подключается к OnStateChange предохранителей источника и исполнителя.
func (m *Metrics) ObserveBreaker(name string, _, to gobreaker.State) {
	v := 0.0
	switch to {
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 0.5
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// WatchAuditBuffer: заполненность буфера аудита (backpressure), читается при сборе метрик.
func (m *Metrics) WatchAuditBuffer(length func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "skillgate_audit_buffer_utilization",
		Help: "Current number of events in audit buffer.",
	}, func() float64 { return float64(length()) })
}

// AuditLoss: счетчики журнала аудита при переполнении буфера (audit.Writer).
type AuditLoss interface {
	Direct() uint64
	Dropped() uint64
}

// WatchAuditLoss: события, записанные в обход буфера, и потерянные совсем.
func (m *Metrics) WatchAuditLoss(w AuditLoss) {
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Name: "skillgate_audit_direct_writes_total",
		Help: "Audit events written synchronously because the buffer was full.",
	}, func() float64 { return float64(w.Direct()) })
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Name: "skillgate_audit_events_dropped_total",
		Help: "Audit events that never reached storage.",
	}, func() float64 { return float64(w.Dropped()) })
}

func (m *Metrics) observeDecision(d domain.Decision) {
	switch {
	case !d.CanExecute:
		m.PolicyDecisions.WithLabelValues("block").Inc()
	case d.RequiresApproval:
		m.PolicyDecisions.WithLabelValues("require_approval").Inc()
	case len(d.Warnings) > 0:
		m.PolicyDecisions.WithLabelValues("warn").Inc()
	default:
		m.PolicyDecisions.WithLabelValues("allow").Inc()
	}
}
