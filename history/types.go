package history

import (
	"encoding/json"
	"fmt"
	"time"
)

// Session is one conversation thread and its progress records.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
	Metadata  Metadata  `json:"metadata"`
}

// Metadata contains session metadata
type Metadata struct {
	Title           string       `json:"title"`
	StockCode       string       `json:"stock_code,omitempty"`
	DetailMode      bool         `json:"detail_mode"`
	TaskHistory     []TaskRecord `json:"task_history,omitempty"`
	TokenUsage      TokenUsage   `json:"token_usage"`
	TodoRuns        []TodoRun    `json:"todo_runs,omitempty"`
	ActiveTodoRunID string       `json:"active_todo_run_id,omitempty"`
	Compactions     int          `json:"compactions,omitempty"`
}

// SessionContext seeds a new session and refreshes an existing one.
// Empty fields leave the session unchanged.
type SessionContext struct {
	StockCode  string
	DetailMode *bool
}

// Message represents a conversation message
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ToolCall represents a tool invocation
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall contains function call details
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// RunStatus is the state of a TodoRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// TodoStatus is the state of one TodoItem.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoFailed     TodoStatus = "failed"
	TodoSkipped    TodoStatus = "skipped"
)

// Terminal reports whether no further progress is expected.
func (s TodoStatus) Terminal() bool {
	switch s {
	case TodoCompleted, TodoFailed, TodoSkipped:
		return true
	}
	return false
}

// TodoRun is the checklist of one user turn.
type TodoRun struct {
	ID          string     `json:"id"`
	UserMessage string     `json:"user_message"`
	StockCode   string     `json:"stock_code,omitempty"`
	ThinkHard   bool       `json:"think_hard"`
	Skill       string     `json:"skill,omitempty"`
	Status      RunStatus  `json:"status"`
	Todos       []TodoItem `json:"todos"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Progress counts terminal items and all items.
func (r *TodoRun) Progress() (done, total int) {
	for _, t := range r.Todos {
		if t.Status.Terminal() {
			done++
		}
	}
	return done, len(r.Todos)
}

// TodoItem is one planned or executed step.
type TodoItem struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Status        TodoStatus      `json:"status"`
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolArgs      json.RawMessage `json:"tool_args,omitempty"`
	ResultPreview string          `json:"result_preview,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PlannedTodo seeds a TodoRun before any tool call exists. A planned item
// naming a tool is bound to the first call of that tool.
type PlannedTodo struct {
	Title    string
	ToolName string
}

// RunSpec describes a TodoRun to start.
type RunSpec struct {
	UserMessage string
	StockCode   string
	ThinkHard   bool
	Skill       string
	Planned     []PlannedTodo
}

// TodoUpdate reports progress of one tool call.
type TodoUpdate struct {
	ToolCallID    string
	ToolName      string
	ToolArgs      json.RawMessage
	Title         string
	Status        TodoStatus
	ResultPreview string
	Error         string
}

// TaskRecord summarizes one completed turn.
type TaskRecord struct {
	TodoRunID  string    `json:"todo_run_id,omitempty"`
	Query      string    `json:"query"`
	StockCode  string    `json:"stock_code,omitempty"`
	Agent      string    `json:"agent"`
	ToolsUsed  int       `json:"tools_used"`
	Iterations int       `json:"iterations"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	At         time.Time `json:"at"`

	// Delegated tasks of orchestrated turns.
	SubTasks       int `json:"sub_tasks,omitempty"`
	SubTasksFailed int `json:"sub_tasks_failed,omitempty"`
}

// TokenUsage accumulates backend token counts.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SessionInfo provides summary information for session listing
type SessionInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	StockCode string    `json:"stock_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  int       `json:"messages"`
	TodoRuns  int       `json:"todo_runs"`
	Active    bool      `json:"active"`
}

// Info summarizes the session.
func (s *Session) Info() SessionInfo {
	title := s.Metadata.Title
	if title == "" {
		title = fmt.Sprintf("Session %s", s.CreatedAt.Format("Jan 02 15:04"))
	}
	return SessionInfo{
		ID:        s.ID,
		Title:     title,
		StockCode: s.Metadata.StockCode,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Messages:  len(s.Messages),
		TodoRuns:  len(s.Metadata.TodoRuns),
		Active:    s.Metadata.ActiveTodoRunID != "",
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.clone()
	}
	out.Metadata.TaskHistory = append([]TaskRecord(nil), s.Metadata.TaskHistory...)
	if s.Metadata.TodoRuns != nil {
		out.Metadata.TodoRuns = make([]TodoRun, len(s.Metadata.TodoRuns))
		for i := range s.Metadata.TodoRuns {
			out.Metadata.TodoRuns[i] = *s.Metadata.TodoRuns[i].Clone()
		}
	}
	return &out
}

func (m Message) clone() Message {
	m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	return m
}

// Clone returns a deep copy.
func (r *TodoRun) Clone() *TodoRun {
	if r == nil {
		return nil
	}
	out := *r
	out.Todos = make([]TodoItem, len(r.Todos))
	for i, t := range r.Todos {
		t.ToolArgs = append(json.RawMessage(nil), t.ToolArgs...)
		out.Todos[i] = t
	}
	if r.FinishedAt != nil {
		at := *r.FinishedAt
		out.FinishedAt = &at
	}
	return &out
}
