package smart

import (
	"context"
	"fmt"
	"sync"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/history"
)

// mirror copies tool and task progress of a running turn into its todo run
// so other readers can follow along.
type mirror struct {
	store *history.Store
	t     *turn

	mu        sync.Mutex
	succeeded int
}

func newMirror(store *history.Store, t *turn) *mirror {
	return &mirror{store: store, t: t}
}

func (m *mirror) observe(ctx context.Context, ev agent.StreamEvent) {
	switch ev.Type {
	case agent.EventToolCall:
		if ev.Tool == nil {
			return
		}
		m.upsert(ctx, history.TodoUpdate{
			ToolCallID: ev.Tool.ID,
			ToolName:   ev.Tool.Name,
			ToolArgs:   ev.Tool.Args,
			Status:     history.TodoInProgress,
		})
	case agent.EventToolResult:
		if ev.Tool == nil {
			return
		}
		m.toolResult(ctx, ev.Tool)
	case agent.EventTaskStart:
		if ev.Task == nil {
			return
		}
		m.upsert(ctx, history.TodoUpdate{
			ToolCallID: taskCallID(ev.Task.ID),
			Title:      fmt.Sprintf("Delegate to %s: %s", ev.Task.AgentType, ev.Task.Description),
			Status:     history.TodoInProgress,
		})
	case agent.EventTaskComplete:
		if ev.Task == nil {
			return
		}
		u := history.TodoUpdate{ToolCallID: taskCallID(ev.Task.ID), Status: history.TodoCompleted, ResultPreview: ev.Task.Result}
		if !ev.Task.Success {
			u.Status, u.Error = history.TodoFailed, ev.Task.Error
		}
		m.upsert(ctx, u)
	}
}

func (m *mirror) toolResult(ctx context.Context, te *agent.ToolEvent) {
	u := history.TodoUpdate{
		ToolCallID:    te.ID,
		ToolName:      te.Name,
		ToolArgs:      te.Args,
		ResultPreview: te.Result,
	}
	switch {
	case te.Skipped:
		u.Status = history.TodoSkipped
	case te.Success:
		u.Status = history.TodoCompleted
		m.mu.Lock()
		m.succeeded++
		m.mu.Unlock()
	default:
		u.Status, u.Error = history.TodoFailed, te.Error
	}
	m.upsert(ctx, u)
}

func (m *mirror) upsert(ctx context.Context, u history.TodoUpdate) {
	if _, err := m.store.UpsertTodoForToolCall(ctx, m.t.sessionID, m.t.run.ID, u); err != nil {
		m.t.log.Warn("failed to update todo", "tool_call_id", u.ToolCallID, "error", err)
	}
}

func (m *mirror) toolsUsed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.succeeded
}

// completeWriteUp marks planned steps that need no tool, such as the final
// write-up, as done.
func (m *mirror) completeWriteUp(ctx context.Context) {
	for _, item := range m.t.run.Todos {
		if item.ToolName != "" {
			continue
		}
		if err := m.store.UpdateTodoStatus(ctx, m.t.sessionID, m.t.run.ID, item.ID, history.TodoCompleted, ""); err != nil {
			m.t.log.Warn("failed to complete todo", "todo_id", item.ID, "error", err)
		}
	}
}

func taskCallID(id string) string { return "task:" + id }
