package agent

import (
	"context"
	"fmt"

	"github.com/nachoal/stock-agent-go/llm"
	"github.com/nachoal/stock-agent-go/tools"
)

// runTools executes one batch of calls under the run's tool budget and
// appends exactly one tool message per call, in call order.
func (a *Agent) runTools(ctx context.Context, state *runState, calls []llm.ToolCall, budget int, emit Emitter) {
	allowed := calls
	var denied []llm.ToolCall
	var deniedText string

	if budget > 0 {
		remaining := budget - state.toolsUsed
		switch {
		case remaining <= 0:
			allowed, denied = nil, calls
			deniedText = fmt.Sprintf("Tool budget exceeded: %d of %d tool calls already used for this %s request. Answer with the data gathered so far.",
				state.toolsUsed, budget, state.complexity)
		case len(calls) > remaining:
			allowed, denied = calls[:remaining], calls[remaining:]
			deniedText = fmt.Sprintf("Tool budget limited: only %d more tool call(s) were allowed for this %s request, this call was skipped.",
				remaining, state.complexity)
		}
	}

	for _, tc := range calls {
		emit(StreamEvent{Type: EventToolCall, Tool: &ToolEvent{ID: tc.ID, Name: tc.Function.Name, Args: tc.Function.Arguments}})
	}

	batch := make([]tools.ToolCall, len(allowed))
	for i, tc := range allowed {
		batch[i] = tools.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	}
	results := a.executor.ExecuteToolCalls(ctx, batch)

	for i, res := range results {
		state.toolsUsed++
		state.toolResults[toolResultKey(res.Name, batch[i].Arguments)] = res.Result
		state.results = append(state.results, res)
		state.messages = append(state.messages, llm.NewToolMessage(res.ID, res.Name, res.Result))

		ev := &ToolEvent{ID: res.ID, Name: res.Name, Result: res.Result, Success: res.Success(), Attempts: res.Attempts}
		if res.Error != nil {
			ev.Error = res.Error.Error()
		}
		emit(StreamEvent{Type: EventToolResult, Tool: ev})
	}

	if len(denied) > 0 {
		state.budgetLimited = true
		a.metrics.BudgetDeniedCalls(a.config.Name, len(denied))
		a.logger.Info("tool calls denied by budget", "denied", len(denied), "budget", budget, "used", state.toolsUsed)
	}
	for _, tc := range denied {
		state.messages = append(state.messages, llm.NewToolMessage(tc.ID, tc.Function.Name, deniedText))
		emit(StreamEvent{Type: EventToolResult, Tool: &ToolEvent{
			ID: tc.ID, Name: tc.Function.Name, Result: deniedText, Skipped: true, Error: "tool budget",
		}})
	}
}
