package orchestrator

import (
	"context"
	"fmt"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/taskrunner"
	"github.com/nachoal/stock-agent-go/tools/limiter"
	"github.com/nachoal/stock-agent-go/tools/registry"
)

// DefaultMaxSubTasks caps the tasks of one spawn_parallel_tasks call.
const DefaultMaxSubTasks = 5

// Orchestrator is an agent whose only tools delegate work to persona
// agents through a task runner.
type Orchestrator struct {
	agent       *agent.Agent
	runner      *taskrunner.TaskRunner
	factory     *Factory
	maxSubTasks int
}

type options struct {
	maxSubTasks int
	taskConfig  taskrunner.Config
	agentOpts   []agent.Option
}

// Option configures an Orchestrator.
type Option func(*options)

// WithMaxSubTasks sets the per-call task limit.
func WithMaxSubTasks(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSubTasks = n
		}
	}
}

// WithTaskConfig sets sub-task timeouts and chunking.
func WithTaskConfig(cfg taskrunner.Config) Option {
	return func(o *options) { o.taskConfig = cfg }
}

// WithAgentOptions applies extra options to the coordinating agent.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(o *options) { o.agentOpts = append(o.agentOpts, opts...) }
}

// New builds an orchestrator. Meta-tools run without the shared limiter and
// with a single attempt: a meta-tool holding a slot while its sub-agents
// wait for slots could deadlock the gate.
func New(f *Factory, opts ...Option) (*Orchestrator, error) {
	cfg := options{maxSubTasks: DefaultMaxSubTasks, taskConfig: taskrunner.DefaultConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}

	o := &Orchestrator{factory: f, maxSubTasks: cfg.maxSubTasks}
	o.runner = taskrunner.New(f.Worker,
		taskrunner.WithConfig(cfg.taskConfig),
		taskrunner.WithLogger(f.logger.Named("tasks")),
		taskrunner.WithMetrics(f.metrics),
	)

	types := f.WorkerTypes()
	meta := registry.New()
	if err := meta.Add(newSpawnTaskTool(o, types), newSpawnParallelTool(o, types)); err != nil {
		return nil, fmt.Errorf("register meta-tools: %w", err)
	}

	persona, ok := f.personas.Get(PersonaOrchestrator)
	if !ok {
		persona = agent.Persona{Name: PersonaOrchestrator}
	}
	agentOpts := []agent.Option{
		agent.WithConfig(f.base),
		agent.WithPersona(persona),
		agent.WithRegistry(meta),
		agent.WithLimiter(limiter.Unlimited()),
		agent.WithRetryPolicy(registry.NoRetry()),
		agent.WithLogger(f.logger),
		agent.WithMetrics(f.metrics),
	}
	o.agent = agent.New(f.client, append(agentOpts, cfg.agentOpts...)...)
	return o, nil
}

// Run answers userText, delegating as the model decides.
func (o *Orchestrator) Run(ctx context.Context, userText string) (*agent.Response, error) {
	return o.agent.Run(ctx, userText)
}

// Stream is Run with events, including task_start and task_complete.
func (o *Orchestrator) Stream(ctx context.Context, userText string) (<-chan agent.StreamEvent, error) {
	return o.agent.Stream(ctx, userText)
}

// Name returns the persona name.
func (o *Orchestrator) Name() string { return o.agent.Name() }

// Tasks returns the task runner holding results of delegated tasks.
func (o *Orchestrator) Tasks() *taskrunner.TaskRunner { return o.runner }
