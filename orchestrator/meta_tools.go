package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/taskrunner"
	"github.com/nachoal/stock-agent-go/tools"
	"github.com/nachoal/stock-agent-go/tools/base"
)

// Meta-tool names.
const (
	ToolSpawnTask          = "spawn_task"
	ToolSpawnParallelTasks = "spawn_parallel_tasks"
)

// SpawnTaskParams delegates one task to a specialist.
type SpawnTaskParams struct {
	Type        string `json:"type" schema:"required" description:"Specialist agent type, e.g. research, analysis or backtest"`
	Description string `json:"description" schema:"required" description:"Short label shown to the user"`
	Prompt      string `json:"prompt" schema:"required" description:"Full instructions for the specialist"`
	Context     string `json:"context,omitempty" description:"Background the specialist needs"`
}

// TaskSpec is one entry of spawn_parallel_tasks.
type TaskSpec struct {
	ID           string   `json:"id,omitempty" description:"Task id, needed when other tasks depend on it"`
	Type         string   `json:"type" schema:"required" description:"Specialist agent type"`
	Description  string   `json:"description" schema:"required" description:"Short label shown to the user"`
	Prompt       string   `json:"prompt" schema:"required" description:"Full instructions for the specialist"`
	Context      string   `json:"context,omitempty" description:"Background the specialist needs"`
	Dependencies []string `json:"dependencies,omitempty" description:"Ids of tasks whose results this task needs"`
}

// SpawnParallelParams delegates several tasks at once.
type SpawnParallelParams struct {
	Tasks []TaskSpec `json:"tasks" schema:"required,min:1" description:"Tasks to run"`
}

type spawnTaskTool struct {
	base.BaseTool
	o *Orchestrator
}

func newSpawnTaskTool(o *Orchestrator, types []string) *spawnTaskTool {
	return &spawnTaskTool{
		BaseTool: base.BaseTool{
			ToolName:     ToolSpawnTask,
			ToolDesc:     "Delegate one focused sub-task to a specialist agent (" + strings.Join(types, ", ") + ") and wait for its report.",
			ToolCategory: base.CategoryMeta,
		},
		o: o,
	}
}

func (t *spawnTaskTool) Parameters() interface{} { return &SpawnTaskParams{} }

func (t *spawnTaskTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var p SpawnTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", tools.NewToolError(tools.CodeInvalidParams, "Failed to parse parameters").
			WithDetail("error", err.Error())
	}
	if msg := t.o.checkType(p.Type); msg != "" {
		return msg, nil
	}

	res := t.o.runner.RunTask(t.o.withTaskEvents(ctx), taskrunner.Definition{
		AgentType:   p.Type,
		Description: p.Description,
		Prompt:      p.Prompt,
		Context:     p.Context,
	})
	return formatResult(res), nil
}

type spawnParallelTool struct {
	base.BaseTool
	o *Orchestrator
}

func newSpawnParallelTool(o *Orchestrator, types []string) *spawnParallelTool {
	return &spawnParallelTool{
		BaseTool: base.BaseTool{
			ToolName: ToolSpawnParallelTasks,
			ToolDesc: fmt.Sprintf("Delegate up to %d sub-tasks to specialist agents (%s). Independent tasks run in parallel; "+
				"give tasks ids and list dependencies to run them in order with earlier results as context.",
				o.maxSubTasks, strings.Join(types, ", ")),
			ToolCategory: base.CategoryMeta,
		},
		o: o,
	}
}

func (t *spawnParallelTool) Parameters() interface{} { return &SpawnParallelParams{} }

func (t *spawnParallelTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var p SpawnParallelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", tools.NewToolError(tools.CodeInvalidParams, "Failed to parse parameters").
			WithDetail("error", err.Error())
	}
	if len(p.Tasks) > t.o.maxSubTasks {
		return fmt.Sprintf("Error: %d tasks exceeds the limit of %d sub-tasks per call. Nothing was run; merge related tasks and call again.",
			len(p.Tasks), t.o.maxSubTasks), nil
	}

	defs := make([]taskrunner.Definition, 0, len(p.Tasks))
	ordered := false
	for _, spec := range p.Tasks {
		if msg := t.o.checkType(spec.Type); msg != "" {
			return msg, nil
		}
		if len(spec.Dependencies) > 0 {
			ordered = true
		}
		defs = append(defs, taskrunner.Definition{
			ID:           spec.ID,
			AgentType:    spec.Type,
			Description:  spec.Description,
			Prompt:       spec.Prompt,
			Context:      spec.Context,
			Dependencies: spec.Dependencies,
		})
	}

	ctx = t.o.withTaskEvents(ctx)
	var results []taskrunner.Result
	if ordered {
		var err error
		results, err = t.o.runner.RunWithDependencies(ctx, defs)
		if err != nil {
			return fmt.Sprintf("Error: %v. Nothing was run; fix the task dependencies and call again.", err), nil
		}
	} else {
		results = t.o.runner.RunParallel(ctx, defs)
	}

	var b strings.Builder
	succeeded := 0
	for i, res := range results {
		if res.Success {
			succeeded++
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(formatResult(res))
	}
	return fmt.Sprintf("%d of %d tasks succeeded.\n\n%s\n\nDelegated so far in this request: %s",
		succeeded, len(results), b.String(), t.o.runner.Summary()), nil
}

func formatResult(res taskrunner.Result) string {
	label := res.ID
	if res.Description != "" {
		label += " (" + res.AgentType + ": " + res.Description + ")"
	} else {
		label += " (" + res.AgentType + ")"
	}
	if !res.Success {
		return fmt.Sprintf("Task %s failed: %s", label, res.Error)
	}
	return fmt.Sprintf("Task %s completed in %s using %d tool calls:\n%s",
		label, res.Duration.Round(time.Millisecond), res.ToolsUsed, res.Output)
}

// withTaskEvents forwards task lifecycle to the run's event stream.
func (o *Orchestrator) withTaskEvents(ctx context.Context) context.Context {
	return taskrunner.WithHooks(ctx, taskrunner.Hooks{
		OnStart: func(d taskrunner.Definition) {
			agent.EmitFromContext(ctx, agent.StreamEvent{
				Type: agent.EventTaskStart,
				Task: &agent.TaskEvent{ID: d.ID, AgentType: d.AgentType, Description: d.Description},
			})
		},
		OnFinish: func(d taskrunner.Definition, r taskrunner.Result) {
			agent.EmitFromContext(ctx, agent.StreamEvent{
				Type: agent.EventTaskComplete,
				Task: &agent.TaskEvent{
					ID:          r.ID,
					AgentType:   r.AgentType,
					Description: r.Description,
					Success:     r.Success,
					Result:      r.Output,
					Error:       r.Error,
					DurationMs:  r.Duration.Milliseconds(),
				},
			})
		},
	})
}

func (o *Orchestrator) checkType(agentType string) string {
	if o.factory.IsWorkerType(agentType) {
		return ""
	}
	return fmt.Sprintf("Error: unknown agent type %q. Available types: %s.",
		agentType, strings.Join(o.factory.WorkerTypes(), ", "))
}
