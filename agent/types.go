package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nachoal/stock-agent-go/llm"
	"github.com/nachoal/stock-agent-go/tools"
)

var (
	// ErrBackendUnavailable wraps the last backend error once every
	// iteration failed to get a reply.
	ErrBackendUnavailable = errors.New("completion backend unavailable")
	// ErrEmptyInput is returned for blank user text.
	ErrEmptyInput = errors.New("empty input")
)

// Runner is anything that answers a prompt, blocking or streamed.
// Both Agent and the orchestrator implement it.
type Runner interface {
	Run(ctx context.Context, userText string) (*Response, error)
	Stream(ctx context.Context, userText string) (<-chan StreamEvent, error)
}

// Complexity selects which tool budget applies to a run.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// ToolBudget caps cumulative tool executions per run. Zero means unlimited.
type ToolBudget struct {
	Simple  int `yaml:"simple" mapstructure:"simple" json:"simple"`
	Complex int `yaml:"complex" mapstructure:"complex" json:"complex"`
}

// DefaultToolBudget returns the stock budget.
func DefaultToolBudget() ToolBudget {
	return ToolBudget{Simple: 4, Complex: 10}
}

// For returns the budget for c.
func (b ToolBudget) For(c Complexity) int {
	if c == ComplexityComplex {
		return b.Complex
	}
	return b.Simple
}

// Config represents agent configuration
type Config struct {
	Name          string
	SystemPrompt  string
	Model         string
	MaxIterations int
	Temperature   float32
	MaxTokens     int
	Budget        ToolBudget
	ParallelTools bool
	// Complexity fixes the class of every run. Empty classifies the run's
	// input text.
	Complexity Complexity
}

// DefaultConfig returns default agent configuration
func DefaultConfig() Config {
	return Config{
		Name:          "general",
		MaxIterations: 10,
		Temperature:   0.7,
		MaxTokens:     2048,
		Budget:        DefaultToolBudget(),
		ParallelTools: true,
	}
}

// Response represents the outcome of one run
type Response struct {
	Content             string             `json:"content"`
	Messages            []llm.Message      `json:"-"`
	ToolResults         []tools.ToolResult `json:"-"`
	Usage               llm.Usage          `json:"usage"`
	Iterations          int                `json:"iterations"`
	ToolsUsed           int                `json:"tools_used"`
	Complexity          Complexity         `json:"complexity"`
	BudgetLimited       bool               `json:"budget_limited,omitempty"`
	IterationCapReached bool               `json:"iteration_cap_reached,omitempty"`
	Duration            time.Duration      `json:"duration"`
}

// Stats summarizes the response for the done event.
func (r *Response) Stats() *RunStats {
	return &RunStats{
		Iterations:          r.Iterations,
		ToolsUsed:           r.ToolsUsed,
		Complexity:          r.Complexity,
		DurationMs:          r.Duration.Milliseconds(),
		BudgetLimited:       r.BudgetLimited,
		IterationCapReached: r.IterationCapReached,
		Usage:               r.Usage,
	}
}

// EventType represents the type of stream event
type EventType string

const (
	EventThinking     EventType = "thinking"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventContent      EventType = "content"
	EventTaskStart    EventType = "task_start"
	EventTaskComplete EventType = "task_complete"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// ToolEvent describes a tool call or its result.
type ToolEvent struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   string          `json:"result,omitempty"`
	Success  bool            `json:"success"`
	Skipped  bool            `json:"skipped,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

// TaskEvent describes a delegated sub-task.
type TaskEvent struct {
	ID          string `json:"id"`
	AgentType   string `json:"agent_type"`
	Description string `json:"description,omitempty"`
	Success     bool   `json:"success"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// RunStats is the payload of the done event.
type RunStats struct {
	Iterations          int        `json:"iterations"`
	ToolsUsed           int        `json:"tools_used"`
	Complexity          Complexity `json:"complexity"`
	DurationMs          int64      `json:"duration_ms"`
	BudgetLimited       bool       `json:"budget_limited,omitempty"`
	IterationCapReached bool       `json:"iteration_cap_reached,omitempty"`
	Usage               llm.Usage  `json:"usage"`
}

// StreamEvent represents an event in a streaming response
type StreamEvent struct {
	Type    EventType  `json:"type"`
	Content string     `json:"content,omitempty"`
	Tool    *ToolEvent `json:"tool,omitempty"`
	Task    *TaskEvent `json:"task,omitempty"`
	Stats   *RunStats  `json:"stats,omitempty"`
	Error   string     `json:"error,omitempty"`
	// Result is set on the done event only.
	Result *Response `json:"-"`
}

// Data returns the payload for {type, data} transports.
func (e StreamEvent) Data() interface{} {
	switch {
	case e.Tool != nil:
		return e.Tool
	case e.Task != nil:
		return e.Task
	case e.Stats != nil:
		return e.Stats
	case e.Error != "":
		return map[string]string{"error": e.Error}
	default:
		return map[string]string{"content": e.Content}
	}
}

// runState is the mutable state of one run. It is owned by the run's
// goroutine; tool goroutines never touch it.
type runState struct {
	messages      []llm.Message
	iteration     int
	completed     bool
	toolResults   map[string]string
	results       []tools.ToolResult
	complexity    Complexity
	toolsUsed     int
	budgetLimited bool
	usage         llm.Usage
	err           error
	startedAt     time.Time
}

// toolResultKey identifies a call by name and normalized arguments.
func toolResultKey(name string, args json.RawMessage) string {
	return name + ":" + string(args)
}
