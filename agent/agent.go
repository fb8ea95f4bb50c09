package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nachoal/stock-agent-go/internal/logging"
	"github.com/nachoal/stock-agent-go/internal/metrics"
	"github.com/nachoal/stock-agent-go/llm"
	"github.com/nachoal/stock-agent-go/tools/limiter"
	"github.com/nachoal/stock-agent-go/tools/registry"
)

// Agent runs the reason/act loop against one completion backend. Runs are
// independent: an Agent holds no per-run state and may serve concurrent runs.
type Agent struct {
	client   llm.Client
	config   Config
	registry *registry.Registry
	executor *registry.Executor
	limiter  limiter.Limiter
	retry    registry.RetryPolicy
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// Option configures an Agent.
type Option func(*Agent)

// New creates a new agent
func New(client llm.Client, opts ...Option) *Agent {
	a := &Agent{
		client:   client,
		config:   DefaultConfig(),
		registry: registry.New(),
		limiter:  limiter.Unlimited(),
		retry:    registry.DefaultRetryPolicy(),
		logger:   logging.Nop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.logger = a.logger.Named("agent." + a.config.Name)
	a.executor = registry.NewExecutor(a.registry,
		registry.WithLimiter(a.limiter),
		registry.WithRetryPolicy(a.retry),
		registry.WithParallel(a.config.ParallelTools),
		registry.WithExecutorLogger(a.logger),
		registry.WithExecutorMetrics(a.metrics),
	)
	return a
}

// Name returns the persona name.
func (a *Agent) Name() string { return a.config.Name }

// Config returns a copy of the configuration.
func (a *Agent) Config() Config { return a.config }

// Tools lists the tools the agent may call.
func (a *Agent) Tools() []string { return a.registry.List() }

// Run answers userText and blocks until the run ends.
func (a *Agent) Run(ctx context.Context, userText string) (*Response, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyInput
	}
	return a.loop(ctx, userText, func(StreamEvent) {})
}

// Stream answers userText, publishing progress on the returned channel.
// The channel is closed after the done event, or early when ctx ends.
func (a *Agent) Stream(ctx context.Context, userText string) (<-chan StreamEvent, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyInput
	}

	events := make(chan StreamEvent, 64)
	emit := func(ev StreamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)
		resp, err := a.loop(ctx, userText, emit)
		if err != nil && ctx.Err() != nil {
			return
		}
		emit(StreamEvent{Type: EventDone, Stats: resp.Stats(), Result: resp})
	}()

	return events, nil
}

func (a *Agent) loop(ctx context.Context, userText string, emit Emitter) (*Response, error) {
	state := &runState{
		toolResults: make(map[string]string),
		complexity:  a.config.Complexity,
		startedAt:   time.Now(),
	}
	if state.complexity == "" {
		state.complexity = ClassifyComplexity(userText)
	}
	if a.config.SystemPrompt != "" {
		state.messages = append(state.messages, llm.NewMessage(llm.RoleSystem, a.config.SystemPrompt))
	}
	state.messages = append(state.messages, llm.NewMessage(llm.RoleUser, userText))

	budget := a.config.Budget.For(state.complexity)
	a.logger.Debug("run started", "complexity", state.complexity, "budget", budget, "tools", a.registry.Len())

	var lastErr error
	for i := 0; i < a.config.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return a.finish(state, ""), err
		}
		state.iteration = i + 1
		emit(StreamEvent{Type: EventThinking, Content: fmt.Sprintf("Step %d/%d: reasoning", state.iteration, a.config.MaxIterations)})

		message, err := a.callBackend(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return a.finish(state, ""), ctx.Err()
			}
			lastErr = err
			a.logger.Warn("backend call failed", "iteration", state.iteration, "error", err)
			continue
		}
		lastErr = nil

		if len(message.ToolCalls) == 0 {
			state.messages = append(state.messages, message)
			state.completed = true
			content := message.Text()
			emit(StreamEvent{Type: EventContent, Content: content})
			return a.finish(state, content), nil
		}

		normalizeToolCalls(&message)
		state.messages = append(state.messages, message)
		if text := strings.TrimSpace(message.Text()); text != "" {
			emit(StreamEvent{Type: EventThinking, Content: text})
		}

		a.runTools(WithEmitter(ctx, emit), state, message.ToolCalls, budget, emit)
	}

	if lastErr != nil {
		state.err = lastErr
		content := fmt.Sprintf("Sorry, the analysis could not be completed because the model service failed: %v", lastErr)
		emit(StreamEvent{Type: EventError, Error: lastErr.Error()})
		emit(StreamEvent{Type: EventContent, Content: content})
		return a.finish(state, content), fmt.Errorf("%w: %v", ErrBackendUnavailable, lastErr)
	}

	content := fmt.Sprintf("I could not finish this analysis within %d reasoning steps. Please simplify the question or split it into smaller parts.", a.config.MaxIterations)
	emit(StreamEvent{Type: EventContent, Content: content})
	resp := a.finish(state, content)
	resp.IterationCapReached = true
	return resp, nil
}

func (a *Agent) callBackend(ctx context.Context, state *runState) (llm.Message, error) {
	request := &llm.ChatRequest{
		Model:       a.config.Model,
		Messages:    append([]llm.Message(nil), state.messages...),
		Temperature: a.config.Temperature,
		MaxTokens:   a.config.MaxTokens,
	}
	if a.registry.Len() > 0 {
		request.Tools = a.registry.Schemas()
		request.ToolChoice = "auto"
	}

	start := time.Now()
	response, err := a.client.Chat(ctx, request)
	if err == nil {
		switch {
		case response == nil || len(response.Choices) == 0:
			err = errors.New("no response from LLM")
		case response.Error != nil:
			err = fmt.Errorf("LLM error: %s", response.Error.Message)
		}
	}
	a.metrics.ObserveBackendCall(a.config.Name, err == nil, time.Since(start))
	if err != nil {
		return llm.Message{}, err
	}

	state.usage.Add(response.Usage)
	message := response.Choices[0].Message
	message.Role = llm.RoleAssistant
	return message, nil
}

// normalizeToolCalls gives every call an id and canonical JSON arguments so
// each one can be answered by a matching tool message.
func normalizeToolCalls(message *llm.Message) {
	message.ToolCalls = append([]llm.ToolCall(nil), message.ToolCalls...)
	for i := range message.ToolCalls {
		tc := &message.ToolCalls[i]
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		if tc.Type == "" {
			tc.Type = "function"
		}
		_, tc.Function.Arguments = llm.NormalizeToolArguments(tc.Function.Arguments)
	}
}

func (a *Agent) finish(state *runState, content string) *Response {
	a.metrics.ObserveRun(a.config.Name, state.iteration)
	resp := &Response{
		Content:       content,
		Messages:      state.messages,
		ToolResults:   state.results,
		Usage:         state.usage,
		Iterations:    state.iteration,
		ToolsUsed:     state.toolsUsed,
		Complexity:    state.complexity,
		BudgetLimited: state.budgetLimited,
		Duration:      time.Since(state.startedAt),
	}
	a.logger.Debug("run finished",
		"iterations", resp.Iterations, "tools_used", resp.ToolsUsed, "completed", state.completed, "duration", resp.Duration)
	return resp
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(a *Agent) { a.config = cfg }
}

// WithPersona applies a persona's prompt and limits.
func WithPersona(p Persona) Option {
	return func(a *Agent) { p.Apply(&a.config) }
}

// WithSystemPrompt sets the system prompt
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.config.SystemPrompt = prompt }
}

// WithMaxIterations sets the maximum iterations
func WithMaxIterations(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.config.MaxIterations = max
		}
	}
}

// WithTemperature sets the temperature
func WithTemperature(temp float32) Option {
	return func(a *Agent) { a.config.Temperature = temp }
}

// WithMaxTokens sets the maximum tokens
func WithMaxTokens(tokens int) Option {
	return func(a *Agent) { a.config.MaxTokens = tokens }
}

// WithModel overrides the backend's default model.
func WithModel(model string) Option {
	return func(a *Agent) { a.config.Model = model }
}

// WithToolBudget sets the per-run tool budget.
func WithToolBudget(b ToolBudget) Option {
	return func(a *Agent) { a.config.Budget = b }
}

// WithComplexity fixes the budget class instead of classifying the input.
// Callers that wrap the question in extra context classify the bare
// question themselves.
func WithComplexity(c Complexity) Option {
	return func(a *Agent) { a.config.Complexity = c }
}

// WithParallelTools toggles concurrent execution of a tool batch.
func WithParallelTools(parallel bool) Option {
	return func(a *Agent) { a.config.ParallelTools = parallel }
}

// WithRegistry sets the tools the agent may call.
func WithRegistry(r *registry.Registry) Option {
	return func(a *Agent) {
		if r != nil {
			a.registry = r
		}
	}
}

// WithLimiter sets the shared tool concurrency gate.
func WithLimiter(l limiter.Limiter) Option {
	return func(a *Agent) {
		if l != nil {
			a.limiter = l
		}
	}
}

// WithRetryPolicy sets per-call tool retries.
func WithRetryPolicy(p registry.RetryPolicy) Option {
	return func(a *Agent) { a.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}
