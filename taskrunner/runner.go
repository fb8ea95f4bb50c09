// Package taskrunner executes delegated sub-tasks on fresh persona agents,
// one at a time, in bounded parallel chunks, or in dependency order.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/internal/logging"
	"github.com/nachoal/stock-agent-go/internal/metrics"
)

var (
	ErrDependencyCycle   = errors.New("dependency cycle or unsatisfiable dependencies")
	ErrMissingDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("duplicate task id")
)

// Worker answers one task prompt.
type Worker interface {
	Run(ctx context.Context, prompt string) (*agent.Response, error)
}

// Factory builds a fresh worker for an agent type.
type Factory func(agentType string) (Worker, error)

// Definition describes one sub-task.
type Definition struct {
	ID           string        `json:"id,omitempty"`
	Description  string        `json:"description"`
	Prompt       string        `json:"prompt"`
	AgentType    string        `json:"type"`
	Context      string        `json:"context,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Timeout      time.Duration `json:"-"`
}

// Result is the immutable outcome of one task.
type Result struct {
	ID          string        `json:"id"`
	AgentType   string        `json:"agent_type"`
	Description string        `json:"description,omitempty"`
	Success     bool          `json:"success"`
	Output      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	ToolsUsed   int           `json:"tools_used"`
	Iterations  int           `json:"iterations"`
}

// Config bounds task execution.
type Config struct {
	DefaultTimeout time.Duration
	ChunkSize      int
}

// DefaultConfig is a 60s per-task timeout and chunks of 3.
func DefaultConfig() Config {
	return Config{DefaultTimeout: 60 * time.Second, ChunkSize: 3}
}

// TaskRunner runs definitions and retains their results by id.
type TaskRunner struct {
	factory Factory
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	results map[string]Result
	order   []string
}

// Option configures a TaskRunner.
type Option func(*TaskRunner)

// WithConfig sets timeouts and chunking.
func WithConfig(cfg Config) Option {
	return func(r *TaskRunner) {
		if cfg.DefaultTimeout > 0 {
			r.cfg.DefaultTimeout = cfg.DefaultTimeout
		}
		if cfg.ChunkSize > 0 {
			r.cfg.ChunkSize = cfg.ChunkSize
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *TaskRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *TaskRunner) { r.metrics = m }
}

// New creates a runner drawing workers from factory.
func New(factory Factory, opts ...Option) *TaskRunner {
	r := &TaskRunner{
		factory: factory,
		cfg:     DefaultConfig(),
		logger:  logging.Nop(),
		results: make(map[string]Result),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type outcome struct {
	resp *agent.Response
	err  error
}

// RunTask runs def on a fresh worker, bounded by its timeout. It never
// returns an error: timeouts, worker errors and panics yield a failed Result.
func (r *TaskRunner) RunTask(ctx context.Context, def Definition) Result {
	if def.ID == "" {
		def.ID = "task_" + uuid.NewString()[:8]
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	hooks := hooksFromContext(ctx)
	hooks.start(def)

	log := r.logger.WithTask(def.ID)
	log.Info("task started", "agent_type", def.AgentType, "description", def.Description)

	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("task panicked", "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("task panicked: %v", p)}
			}
		}()
		worker, err := r.factory(def.AgentType)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		resp, err := worker.Run(taskCtx, buildPrompt(def))
		done <- outcome{resp: resp, err: err}
	}()

	result := Result{ID: def.ID, AgentType: def.AgentType, Description: def.Description}
	select {
	case o := <-done:
		if o.resp != nil {
			result.Output = o.resp.Content
			result.ToolsUsed = o.resp.ToolsUsed
			result.Iterations = o.resp.Iterations
		}
		if o.err != nil {
			result.Error = o.err.Error()
		} else {
			result.Success = true
		}
	case <-taskCtx.Done():
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.Error = fmt.Sprintf("task timed out after %s", timeout)
		} else {
			result.Error = fmt.Sprintf("task cancelled: %v", taskCtx.Err())
		}
	}
	result.Duration = time.Since(start)

	r.record(result)
	r.metrics.ObserveSubTask(def.AgentType, result.Success, result.Duration)
	if result.Success {
		log.WithDuration(result.Duration).Info("task completed", "tools_used", result.ToolsUsed)
	} else {
		log.WithDuration(result.Duration).Warn("task failed", "error", result.Error)
	}
	hooks.finish(def, result)
	return result
}

// RunParallel runs defs in chunks of ChunkSize. Every task of a chunk
// settles before the next chunk starts. Results keep the order of defs.
func (r *TaskRunner) RunParallel(ctx context.Context, defs []Definition) []Result {
	results := make([]Result, len(defs))
	for start := 0; start < len(defs); start += r.cfg.ChunkSize {
		end := start + r.cfg.ChunkSize
		if end > len(defs) {
			end = len(defs)
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			idx := i
			g.Go(func() error {
				results[idx] = r.RunTask(ctx, defs[idx])
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// RunWithDependencies runs defs so that a task starts only after all of its
// dependencies have finished (successfully or not). Outputs of dependencies
// are appended to the dependent task's context.
func (r *TaskRunner) RunWithDependencies(ctx context.Context, defs []Definition) ([]Result, error) {
	defs = append([]Definition(nil), defs...)
	index := make(map[string]int, len(defs))
	for i := range defs {
		if defs[i].ID == "" {
			defs[i].ID = fmt.Sprintf("task_%d", i+1)
		}
		if _, dup := index[defs[i].ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, defs[i].ID)
		}
		index[defs[i].ID] = i
	}
	for _, d := range defs {
		for _, dep := range d.Dependencies {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrMissingDependency, d.ID, dep)
			}
		}
	}

	finished := make(map[string]Result, len(defs))
	pending := append([]Definition(nil), defs...)

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return collect(defs, finished), err
		}

		var ready, waiting []Definition
		for _, d := range pending {
			if dependenciesMet(d, finished) {
				ready = append(ready, withDependencyContext(d, finished))
			} else {
				waiting = append(waiting, d)
			}
		}
		if len(ready) == 0 {
			ids := make([]string, len(waiting))
			for i, d := range waiting {
				ids[i] = d.ID
			}
			return collect(defs, finished), fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(ids, ", "))
		}

		for _, res := range r.RunParallel(ctx, ready) {
			finished[res.ID] = res
		}
		pending = waiting
	}

	return collect(defs, finished), nil
}

func dependenciesMet(d Definition, finished map[string]Result) bool {
	for _, dep := range d.Dependencies {
		if _, ok := finished[dep]; !ok {
			return false
		}
	}
	return true
}

func withDependencyContext(d Definition, finished map[string]Result) Definition {
	if len(d.Dependencies) == 0 {
		return d
	}
	var b strings.Builder
	if d.Context != "" {
		b.WriteString(d.Context)
		b.WriteString("\n\n")
	}
	b.WriteString("Results of prerequisite tasks:\n")
	for _, dep := range d.Dependencies {
		res := finished[dep]
		if res.Success {
			fmt.Fprintf(&b, "- [%s] %s\n", dep, res.Output)
		} else {
			fmt.Fprintf(&b, "- [%s] failed: %s\n", dep, res.Error)
		}
	}
	d.Context = strings.TrimRight(b.String(), "\n")
	return d
}

func collect(defs []Definition, finished map[string]Result) []Result {
	out := make([]Result, 0, len(finished))
	for _, d := range defs {
		if res, ok := finished[d.ID]; ok {
			out = append(out, res)
		}
	}
	return out
}

func buildPrompt(def Definition) string {
	if def.Context == "" {
		return def.Prompt
	}
	return def.Prompt + "\n\nContext:\n" + def.Context
}

func (r *TaskRunner) record(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.results[res.ID]; !exists {
		r.order = append(r.order, res.ID)
	}
	r.results[res.ID] = res
}

// Result returns the recorded result for id.
func (r *TaskRunner) Result(id string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

// Results returns every recorded result in completion order.
func (r *TaskRunner) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.results[id])
	}
	return out
}

// Reset forgets all recorded results.
func (r *TaskRunner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = make(map[string]Result)
	r.order = nil
}

// Summary aggregates recorded results.
type Summary struct {
	Total           int            `json:"total"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	TotalDuration   time.Duration  `json:"total_duration"`
	AverageDuration time.Duration  `json:"average_duration"`
	ToolsByTask     map[string]int `json:"tools_by_task"`
}

// Summary returns aggregate statistics over recorded results.
func (r *TaskRunner) Summary() Summary {
	results := r.Results()
	s := Summary{Total: len(results), ToolsByTask: make(map[string]int, len(results))}
	for _, res := range results {
		if res.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		s.TotalDuration += res.Duration
		s.ToolsByTask[res.ID] = res.ToolsUsed
	}
	if s.Total > 0 {
		s.AverageDuration = s.TotalDuration / time.Duration(s.Total)
	}
	return s
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks: %d succeeded, %d failed; total %s, average %s",
		s.Total, s.Succeeded, s.Failed,
		s.TotalDuration.Round(time.Millisecond), s.AverageDuration.Round(time.Millisecond))

	ids := make([]string, 0, len(s.ToolsByTask))
	for id := range s.ToolsByTask {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "\n- %s: %d tool calls", id, s.ToolsByTask[id])
	}
	return b.String()
}
