// Package orchestrator builds persona agents and the coordinating agent
// that delegates sub-tasks to them.
package orchestrator

import (
	"fmt"
	"sort"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/internal/logging"
	"github.com/nachoal/stock-agent-go/internal/metrics"
	"github.com/nachoal/stock-agent-go/llm"
	"github.com/nachoal/stock-agent-go/taskrunner"
	"github.com/nachoal/stock-agent-go/tools/limiter"
	"github.com/nachoal/stock-agent-go/tools/registry"
)

// PersonaOrchestrator is the persona of the coordinating agent.
const PersonaOrchestrator = "orchestrator"

// Factory creates fresh agents for personas. All agents share the
// backend, the tool catalog and the tool concurrency limiter.
type Factory struct {
	client   llm.Client
	personas *agent.PersonaSet
	catalog  *registry.Registry
	limiter  limiter.Limiter
	retry    registry.RetryPolicy
	base     agent.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLimiter sets the shared tool limiter.
func WithLimiter(l limiter.Limiter) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.limiter = l
		}
	}
}

// WithRetryPolicy sets tool retries for every persona agent.
func WithRetryPolicy(p registry.RetryPolicy) FactoryOption {
	return func(f *Factory) { f.retry = p }
}

// WithBaseConfig sets defaults that personas override.
func WithBaseConfig(cfg agent.Config) FactoryOption {
	return func(f *Factory) { f.base = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) FactoryOption {
	return func(f *Factory) { f.metrics = m }
}

// NewFactory creates a factory over the given personas and tool catalog.
func NewFactory(client llm.Client, personas *agent.PersonaSet, catalog *registry.Registry, opts ...FactoryOption) *Factory {
	f := &Factory{
		client:   client,
		personas: personas,
		catalog:  catalog,
		limiter:  limiter.New(limiter.DefaultSize),
		retry:    registry.DefaultRetryPolicy(),
		base:     agent.DefaultConfig(),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Agent builds a fresh agent for persona. extra options apply last.
func (f *Factory) Agent(persona string, extra ...agent.Option) (*agent.Agent, error) {
	p, ok := f.personas.Get(persona)
	if !ok {
		return nil, fmt.Errorf("unknown persona %q", persona)
	}
	tools, err := f.catalog.Subset(p.Tools...)
	if err != nil {
		return nil, fmt.Errorf("persona %s: %w", persona, err)
	}

	opts := []agent.Option{
		agent.WithConfig(f.base),
		agent.WithPersona(p),
		agent.WithRegistry(tools),
		agent.WithLimiter(f.limiter),
		agent.WithRetryPolicy(f.retry),
		agent.WithLogger(f.logger),
		agent.WithMetrics(f.metrics),
	}
	return agent.New(f.client, append(opts, extra...)...), nil
}

// Worker adapts Agent to the task runner. The orchestrator persona cannot
// be delegated to.
func (f *Factory) Worker(agentType string) (taskrunner.Worker, error) {
	if !f.IsWorkerType(agentType) {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
	return f.Agent(agentType)
}

// IsWorkerType reports whether tasks may be delegated to agentType.
func (f *Factory) IsWorkerType(agentType string) bool {
	if agentType == PersonaOrchestrator {
		return false
	}
	_, ok := f.personas.Get(agentType)
	return ok
}

// WorkerTypes lists delegable persona names, sorted.
func (f *Factory) WorkerTypes() []string {
	var out []string
	for _, name := range f.personas.Names() {
		if f.IsWorkerType(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Catalog returns the shared tool catalog.
func (f *Factory) Catalog() *registry.Registry { return f.catalog }

// Personas returns the persona set.
func (f *Factory) Personas() *agent.PersonaSet { return f.personas }

// Limiter returns the shared tool limiter.
func (f *Factory) Limiter() limiter.Limiter { return f.limiter }

// Executor returns an executor over the full catalog sharing the limiter.
func (f *Factory) Executor() *registry.Executor {
	return registry.NewExecutor(f.catalog,
		registry.WithLimiter(f.limiter),
		registry.WithRetryPolicy(f.retry),
		registry.WithExecutorLogger(f.logger),
		registry.WithExecutorMetrics(f.metrics),
	)
}

// Client returns the completion backend.
func (f *Factory) Client() llm.Client { return f.client }
