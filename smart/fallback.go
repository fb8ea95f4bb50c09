package smart

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/tools"
)

// fallback runs the fixed snapshot tools after a turn timed out and
// returns the answer built from their output.
func (a *SmartAgent) fallback(ctx context.Context, t *turn, m *mirror, emit agent.Emitter) string {
	timeout := a.cfg.TurnTimeout.String()
	if t.stockCode == "" || len(a.cfg.FallbackTools) == 0 {
		return fmt.Sprintf("The analysis did not finish within %s. Please narrow the question or name a stock code and try again.", timeout)
	}

	args, _ := json.Marshal(map[string]string{"code": t.stockCode})
	executor := a.factory.Executor()
	var calls []tools.ToolCall
	for _, name := range a.cfg.FallbackTools {
		if !executor.Registry().Has(name) {
			continue
		}
		calls = append(calls, tools.ToolCall{ID: "fallback_" + name, Name: name, Arguments: args})
	}

	fctx, cancel := context.WithTimeout(ctx, a.cfg.FallbackTimeout)
	defer cancel()

	persistCtx := context.WithoutCancel(ctx)
	for _, c := range calls {
		ev := agent.StreamEvent{Type: agent.EventToolCall, Tool: &agent.ToolEvent{ID: c.ID, Name: c.Name, Args: c.Arguments}}
		m.observe(persistCtx, ev)
		emit(ev)
	}
	results := executor.ExecuteToolCalls(fctx, calls)

	var b strings.Builder
	fmt.Fprintf(&b, "The full analysis did not finish within %s. Here is a quick snapshot of %s instead.\n", timeout, t.stockCode)
	ok := 0
	for _, res := range results {
		te := &agent.ToolEvent{ID: res.ID, Name: res.Name, Args: args, Result: res.Result, Success: res.Success(), Attempts: res.Attempts}
		if res.Error != nil {
			te.Error = res.Error.Error()
		}
		ev := agent.StreamEvent{Type: agent.EventToolResult, Tool: te}
		m.observe(persistCtx, ev)
		emit(ev)

		if !res.Success() {
			t.log.Warn("fallback tool failed", "tool", res.Name, "error", res.Error)
			continue
		}
		ok++
		fmt.Fprintf(&b, "\n## %s\n%s\n", res.Name, res.Result)
	}
	if ok == 0 {
		return fmt.Sprintf("The analysis did not finish within %s and the quick snapshot of %s is unavailable right now. Please try again later.", timeout, t.stockCode)
	}
	return strings.TrimRight(b.String(), "\n")
}
