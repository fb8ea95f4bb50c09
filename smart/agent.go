// Package smart drives one user turn end to end: session, playbook, agent
// or orchestrator run, progress tracking and the timeout fallback.
package smart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/internal/logging"
	"github.com/nachoal/stock-agent-go/internal/metrics"
	"github.com/nachoal/stock-agent-go/orchestrator"
	"github.com/nachoal/stock-agent-go/skills"
)

// SmartAgent is the entry point for user turns.
type SmartAgent struct {
	factory  *orchestrator.Factory
	store    *history.Store
	skills   *skills.Catalog
	cfg      Config
	orchOpts []orchestrator.Option
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// Option configures a SmartAgent.
type Option func(*SmartAgent)

// WithConfig sets turn limits. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(a *SmartAgent) {
		if cfg.TurnTimeout > 0 {
			a.cfg.TurnTimeout = cfg.TurnTimeout
		}
		if cfg.FallbackTools != nil {
			a.cfg.FallbackTools = cfg.FallbackTools
		}
		if cfg.FallbackTimeout > 0 {
			a.cfg.FallbackTimeout = cfg.FallbackTimeout
		}
		if cfg.MemoryMessages > 0 {
			a.cfg.MemoryMessages = cfg.MemoryMessages
		}
		if cfg.DefaultPersona != "" {
			a.cfg.DefaultPersona = cfg.DefaultPersona
		}
	}
}

// WithSkills sets the playbook catalog.
func WithSkills(c *skills.Catalog) Option {
	return func(a *SmartAgent) { a.skills = c }
}

// WithOrchestratorOptions configures orchestrated turns.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(a *SmartAgent) { a.orchOpts = append(a.orchOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *SmartAgent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *SmartAgent) { a.metrics = m }
}

// New creates a SmartAgent.
func New(factory *orchestrator.Factory, store *history.Store, opts ...Option) *SmartAgent {
	a := &SmartAgent{
		factory: factory,
		store:   store,
		skills:  skills.NewCatalog(),
		cfg:     DefaultConfig(),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("smart")
	return a
}

// Config returns the effective configuration.
func (a *SmartAgent) Config() Config { return a.cfg }

// Store returns the session store.
func (a *SmartAgent) Store() *history.Store { return a.store }

type turn struct {
	req       Request
	sessionID string
	stockCode string
	prompt    string
	run       *history.TodoRun
	skill     string
	runner    agent.Runner
	agentName string
	unlock    func()
	log       *logging.Logger
	started   time.Time
}

// Stream starts a turn and returns its events and session id. The channel
// ends with a done event emitted after the turn is persisted.
func (a *SmartAgent) Stream(ctx context.Context, req Request) (<-chan agent.StreamEvent, string, error) {
	t, err := a.prepare(ctx, req)
	if err != nil {
		return nil, "", err
	}

	events := make(chan agent.StreamEvent, 64)
	emit := func(ev agent.StreamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(events)
		a.execute(ctx, t, emit)
	}()
	return events, t.sessionID, nil
}

// Chat runs a turn to completion.
func (a *SmartAgent) Chat(ctx context.Context, req Request) (*Reply, error) {
	t, err := a.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return a.execute(ctx, t, func(agent.StreamEvent) {}), nil
}

// prepare locks the session and records the start of the turn. On success
// the returned turn owns the session lock.
func (a *SmartAgent) prepare(ctx context.Context, req Request) (*turn, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, agent.ErrEmptyInput
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if !history.ValidSessionID(id) {
		return nil, fmt.Errorf("%w: %q", history.ErrInvalidSessionID, id)
	}

	unlock, err := a.store.LockSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("wait for session %s: %w", id, err)
	}
	t, err := a.begin(ctx, id, req)
	if err != nil {
		unlock()
		return nil, err
	}
	t.unlock = unlock
	return t, nil
}

func (a *SmartAgent) begin(ctx context.Context, id string, req Request) (*turn, error) {
	sess, err := a.store.GetOrCreateSession(ctx, id, history.SessionContext{
		StockCode:  req.StockCode,
		DetailMode: req.DetailMode,
	})
	if err != nil {
		return nil, err
	}

	t := &turn{
		req:       req,
		sessionID: id,
		stockCode: sess.Metadata.StockCode,
		log:       a.logger.WithSession(id),
		started:   time.Now(),
	}

	var skill *skills.Skill
	if s, ok := a.skills.Match(req.Message); ok {
		skill = &s
		t.skill = s.Name
	}

	// the prompt carries memory and playbook text, so only the question
	// itself decides the budget class
	complexity := agent.ClassifyComplexity(req.Message)
	if req.ThinkHard || complexity == agent.ComplexityComplex {
		opts := append(append([]orchestrator.Option(nil), a.orchOpts...),
			orchestrator.WithAgentOptions(agent.WithComplexity(complexity)))
		o, err := orchestrator.New(a.factory, opts...)
		if err != nil {
			return nil, err
		}
		t.runner, t.agentName = o, o.Name()
	} else {
		ag, err := a.factory.Agent(a.cfg.DefaultPersona, agent.WithComplexity(complexity))
		if err != nil {
			return nil, err
		}
		t.runner, t.agentName = ag, ag.Name()
	}

	t.prompt = buildPrompt(sess, t.stockCode, skill, req.Message, a.cfg.MemoryMessages)

	t.run, err = a.store.StartTodoRun(ctx, id, history.RunSpec{
		UserMessage: req.Message,
		StockCode:   t.stockCode,
		ThinkHard:   req.ThinkHard,
		Skill:       t.skill,
		Planned:     plannedTodos(skill),
	})
	if err != nil {
		return nil, err
	}
	t.log = t.log.WithRun(t.run.ID)

	if err := a.store.AddMessage(ctx, id, history.Message{Role: history.RoleUser, Content: req.Message}); err != nil {
		if ferr := a.store.FinishTodoRun(context.WithoutCancel(ctx), id, t.run.ID, history.RunFailed); ferr != nil {
			t.log.Warn("failed to close todo run", "error", ferr)
		}
		return nil, err
	}

	t.log.Info("turn started", "agent", t.agentName, "skill", t.skill, "think_hard", req.ThinkHard)
	return t, nil
}

// execute runs the turn and persists its outcome. It releases the session
// lock before returning.
func (a *SmartAgent) execute(ctx context.Context, t *turn, emit agent.Emitter) *Reply {
	defer t.unlock()
	persistCtx := context.WithoutCancel(ctx)

	reply := &Reply{SessionID: t.sessionID, TodoRunID: t.run.ID, Agent: t.agentName, Skill: t.skill}
	m := newMirror(a.store, t)

	turnCtx, cancel := context.WithTimeout(ctx, a.cfg.TurnTimeout)
	defer cancel()

	var (
		resp     *agent.Response
		failed   bool
		errorMsg string
	)
	events, err := t.runner.Stream(turnCtx, t.prompt)
	if err != nil {
		failed, errorMsg = true, err.Error()
	} else {
	observe:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break observe
				}
				m.observe(persistCtx, ev)
				switch ev.Type {
				case agent.EventDone:
					resp = ev.Result
					continue
				case agent.EventError:
					failed, errorMsg = true, ev.Error
				}
				emit(ev)
			case <-turnCtx.Done():
				// calls that ignore ctx keep running unobserved
				go discard(events)
				break observe
			}
		}
	}

	result := "ok"
	switch {
	case resp != nil:
		reply.Content = resp.Content
		reply.ToolsUsed = resp.ToolsUsed
		reply.Iterations = resp.Iterations
		reply.Usage = resp.Usage
		if failed {
			result = "failed"
		}
	case ctx.Err() != nil:
		failed, result = true, "cancelled"
		reply.Content = "The request was cancelled before the analysis finished."
	case errors.Is(turnCtx.Err(), context.DeadlineExceeded):
		failed, result = true, "timeout"
		reply.TimedOut = true
		t.log.Warn("turn timed out, using fallback", "timeout", a.cfg.TurnTimeout)
		reply.Content = a.fallback(ctx, t, m, emit)
		reply.ToolsUsed = m.toolsUsed()
		emit(agent.StreamEvent{Type: agent.EventContent, Content: reply.Content})
	default:
		failed, result = true, "failed"
		reply.Content = fmt.Sprintf("Sorry, the analysis could not be completed: %s", errorMsg)
		emit(agent.StreamEvent{Type: agent.EventContent, Content: reply.Content})
	}
	reply.Success = !failed

	a.persist(persistCtx, t, reply, m)

	duration := time.Since(t.started)
	reply.DurationMs = duration.Milliseconds()
	a.metrics.ObserveTurn(result, duration)
	t.log.WithDuration(duration).Info("turn finished", "result", result, "tools_used", reply.ToolsUsed)

	stats := &agent.RunStats{DurationMs: reply.DurationMs, ToolsUsed: reply.ToolsUsed, Iterations: reply.Iterations, Usage: reply.Usage}
	if resp != nil {
		stats = resp.Stats()
	}
	emit(agent.StreamEvent{Type: agent.EventDone, Stats: stats, Result: resp})
	return reply
}

func discard(events <-chan agent.StreamEvent) {
	for range events {
	}
}

func (a *SmartAgent) persist(ctx context.Context, t *turn, reply *Reply, m *mirror) {
	store := a.store
	if reply.Content != "" {
		if err := store.AddMessage(ctx, t.sessionID, history.Message{Role: history.RoleAssistant, Content: reply.Content}); err != nil {
			t.log.Warn("failed to store answer", "error", err)
		}
	}
	rec := history.TaskRecord{
		TodoRunID:  t.run.ID,
		Query:      t.req.Message,
		StockCode:  t.stockCode,
		Agent:      t.agentName,
		ToolsUsed:  reply.ToolsUsed,
		Iterations: reply.Iterations,
		DurationMs: time.Since(t.started).Milliseconds(),
		Success:    reply.Success,
		TimedOut:   reply.TimedOut,
	}
	if o, ok := t.runner.(*orchestrator.Orchestrator); ok {
		if sum := o.Tasks().Summary(); sum.Total > 0 {
			rec.SubTasks, rec.SubTasksFailed = sum.Total, sum.Failed
			t.log.Info("delegated tasks", "summary", sum.String())
		}
	}
	if err := store.RecordTask(ctx, t.sessionID, rec); err != nil {
		t.log.Warn("failed to record task", "error", err)
	}
	if reply.Usage.TotalTokens > 0 {
		if err := store.AddTokenUsage(ctx, t.sessionID, history.FromUsage(reply.Usage)); err != nil {
			t.log.Warn("failed to record token usage", "error", err)
		}
	}

	status := history.RunFailed
	if reply.Success {
		status = history.RunCompleted
		m.completeWriteUp(ctx)
	}
	if err := store.FinishTodoRun(ctx, t.sessionID, t.run.ID, status); err != nil {
		t.log.Warn("failed to finish todo run", "error", err)
	}
}
