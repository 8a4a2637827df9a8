package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects coordinator metrics: model exchange latency, tool
// execution patterns, run outcomes, and task states.
type Metrics struct {
	// ModelCallDuration measures model exchange latency in seconds.
	// Labels: provider, model
	ModelCallDuration *prometheus.HistogramVec

	// ModelCallCounter counts model exchanges.
	// Labels: provider, model, status (success|error)
	ModelCallCounter *prometheus.CounterVec

	// ToolCallCounter counts tool invocations.
	// Labels: tool, status (success|error|not_found|timeout)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// RunCounter counts execution loop runs.
	// Labels: status (success|failure|cancelled|noop)
	RunCounter *prometheus.CounterVec

	// RunRetries counts run retry attempts beyond the first.
	RunRetries prometheus.Counter

	// ActiveAgents tracks agents with a running execution loop.
	ActiveAgents prometheus.Gauge

	// TaskCounter counts task state transitions.
	// Labels: status
	TaskCounter *prometheus.CounterVec
}

// NewMetrics creates and registers metrics on the given registerer. A nil
// registerer uses the default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		ModelCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_model_call_duration_seconds",
			Help:    "Model exchange latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		ModelCallCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_model_calls_total",
			Help: "Model exchanges by provider, model, and status.",
		}, []string{"provider", "model", "status"}),
		ToolCallCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tool_calls_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_tool_call_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		RunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Execution loop runs by outcome.",
		}, []string{"status"}),
		RunRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_run_retries_total",
			Help: "Run retry attempts beyond the first.",
		}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_active_agents",
			Help: "Agents with a running execution loop.",
		}),
		TaskCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tasks_total",
			Help: "Task state transitions by status.",
		}, []string{"status"}),
	}

	factory(m.ModelCallDuration)
	factory(m.ModelCallCounter)
	factory(m.ToolCallCounter)
	factory(m.ToolCallDuration)
	factory(m.RunCounter)
	factory(m.RunRetries)
	factory(m.ActiveAgents)
	factory(m.TaskCounter)
	return m
}

// ObserveModelCall records one model exchange.
func (m *Metrics) ObserveModelCall(provider, model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelCallDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	m.ModelCallCounter.WithLabelValues(provider, model, status).Inc()
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RunCompleted records a finished run.
func (m *Metrics) RunCompleted(status string) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(status).Inc()
}

// RunRetried records one retry attempt.
func (m *Metrics) RunRetried() {
	if m == nil {
		return
	}
	m.RunRetries.Inc()
}

// AgentStarted and AgentFinished track active execution loops.
func (m *Metrics) AgentStarted() {
	if m == nil {
		return
	}
	m.ActiveAgents.Inc()
}

func (m *Metrics) AgentFinished() {
	if m == nil {
		return
	}
	m.ActiveAgents.Dec()
}

// TaskTransition records a task entering a status.
func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.TaskCounter.WithLabelValues(status).Inc()
}
