// Package metrics exposes Prometheus collectors for the agent runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. All observe helpers are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	BackendCalls    *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec

	ToolCalls     *prometheus.CounterVec
	ToolDuration  *prometheus.HistogramVec
	ToolRetries   *prometheus.CounterVec
	ToolsInFlight prometheus.Gauge

	RunIterations *prometheus.HistogramVec
	BudgetDenied  *prometheus.CounterVec

	SubTasks        *prometheus.CounterVec
	SubTaskDuration *prometheus.HistogramVec

	Turns        *prometheus.CounterVec
	TurnDuration prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BackendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Completion backend calls by persona and outcome",
			},
			[]string{"persona", "outcome"},
		),
		BackendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Completion backend call latency",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
			},
			[]string{"persona"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool execution latency including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"tool"},
		),
		ToolRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_retries_total",
				Help:      "Tool attempts beyond the first",
			},
			[]string{"tool"},
		),
		ToolsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tools_in_flight",
				Help:      "Tool attempts currently holding a concurrency slot",
			},
		),
		RunIterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_iterations",
				Help:      "Reasoning iterations per agent run",
				Buckets:   []float64{1, 2, 3, 5, 8, 10, 15},
			},
			[]string{"persona"},
		),
		BudgetDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_budget_denied_total",
				Help:      "Tool calls answered with a budget marker instead of running",
			},
			[]string{"persona"},
		),
		SubTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subtasks_total",
				Help:      "Delegated sub-tasks by agent type and outcome",
			},
			[]string{"agent_type", "outcome"},
		),
		SubTaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "subtask_duration_seconds",
				Help:      "Delegated sub-task latency",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 120},
			},
			[]string{"agent_type"},
		),
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end conversation turn latency",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveBackendCall records one completion call.
func (m *Metrics) ObserveBackendCall(persona string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(persona, outcome(ok)).Inc()
	m.BackendDuration.WithLabelValues(persona).Observe(d.Seconds())
}

// ObserveToolCall records one settled tool call.
func (m *Metrics) ObserveToolCall(tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome(ok)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ToolRetry counts a retried attempt.
func (m *Metrics) ToolRetry(tool string) {
	if m == nil {
		return
	}
	m.ToolRetries.WithLabelValues(tool).Inc()
}

// ToolStarted increments the in-flight gauge.
func (m *Metrics) ToolStarted() {
	if m == nil {
		return
	}
	m.ToolsInFlight.Inc()
}

// ToolFinished decrements the in-flight gauge.
func (m *Metrics) ToolFinished() {
	if m == nil {
		return
	}
	m.ToolsInFlight.Dec()
}

// ObserveRun records the iteration count of a finished run.
func (m *Metrics) ObserveRun(persona string, iterations int) {
	if m == nil {
		return
	}
	m.RunIterations.WithLabelValues(persona).Observe(float64(iterations))
}

// BudgetDeniedCalls counts calls denied by the tool budget.
func (m *Metrics) BudgetDeniedCalls(persona string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BudgetDenied.WithLabelValues(persona).Add(float64(n))
}

// ObserveSubTask records one delegated task.
func (m *Metrics) ObserveSubTask(agentType string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.SubTasks.WithLabelValues(agentType, outcome(ok)).Inc()
	m.SubTaskDuration.WithLabelValues(agentType).Observe(d.Seconds())
}

// ObserveTurn records one conversation turn; result is completed, failed or timeout.
func (m *Metrics) ObserveTurn(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(result).Inc()
	m.TurnDuration.Observe(d.Seconds())
}
