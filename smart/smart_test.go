package smart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/llm"
	"github.com/nachoal/stock-agent-go/llm/llmtest"
	"github.com/nachoal/stock-agent-go/orchestrator"
	"github.com/nachoal/stock-agent-go/skills"
	"github.com/nachoal/stock-agent-go/tools"
	"github.com/nachoal/stock-agent-go/tools/registry"
)

const testPersonas = `
personas:
  - name: general
    system_prompt: ROLE general
    tools: [get_stock_quote, get_technical_indicators]
  - name: research
    system_prompt: ROLE research
    tools: [get_stock_quote]
  - name: orchestrator
    system_prompt: ROLE orchestrator
    tools: []
`

const momentumSkill = `---
name: momentum
description: Momentum check.
keywords: [momentum]
steps:
  - title: Fetch the quote
    tool: get_stock_quote
  - title: Write the summary
---
Compare today's move with the five day average.
`

type harness struct {
	agent *SmartAgent
	store *history.Store
}

func newHarness(t *testing.T, client llm.Client, opts ...Option) *harness {
	t.Helper()
	personas, err := agent.ParsePersonas([]byte(testPersonas))
	require.NoError(t, err)

	catalog := registry.New()
	for _, name := range []string{"get_stock_quote", "get_technical_indicators"} {
		n := name
		require.NoError(t, catalog.Add(tools.NewFunc(n, "test tool", nil, func(ctx context.Context, args map[string]interface{}) (string, error) {
			return n + " ok for " + args["code"].(string), nil
		})))
	}

	store := history.NewStore(history.NewMemoryBackend())
	factory := orchestrator.NewFactory(client, personas, catalog)
	opts = append([]Option{WithSkills(skills.NewCatalog())}, opts...)
	return &harness{agent: New(factory, store, opts...), store: store}
}

// roleRouter answers by the persona named in the system prompt.
type roleRouter struct {
	handlers map[string]func(req *llm.ChatRequest) *llm.ChatResponse
}

func (r roleRouter) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	role := strings.TrimPrefix(strings.TrimSpace(req.Messages[0].Text()), "ROLE ")
	h, ok := r.handlers[role]
	if !ok {
		return nil, errors.New("no handler for " + role)
	}
	return h(req), nil
}

func (r roleRouter) Close() error { return nil }

// callThenAnswer requests call on the first turn and answers with text after.
func callThenAnswer(call llm.ToolCall, text string) func(req *llm.ChatRequest) *llm.ChatResponse {
	return func(req *llm.ChatRequest) *llm.ChatResponse {
		if req.Messages[len(req.Messages)-1].Role == llm.RoleUser {
			return llmtest.ToolCalls(call).Response
		}
		return llmtest.Text(text).Response
	}
}

func drain(t *testing.T, events <-chan agent.StreamEvent) []agent.StreamEvent {
	t.Helper()
	var out []agent.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestChat_SimpleQuestion(t *testing.T) {
	client := roleRouter{handlers: map[string]func(*llm.ChatRequest) *llm.ChatResponse{
		"general": callThenAnswer(llmtest.Call("c1", "get_stock_quote", map[string]string{"code": "600519"}), "Moutai trades at 1700."),
	}}
	h := newHarness(t, client)
	ctx := context.Background()

	reply, err := h.agent.Chat(ctx, Request{SessionID: "s1", Message: "What is the price of 600519?", StockCode: "600519"})
	require.NoError(t, err)

	assert.True(t, reply.Success)
	assert.False(t, reply.TimedOut)
	assert.Equal(t, "Moutai trades at 1700.", reply.Content)
	assert.Equal(t, "general", reply.Agent)
	assert.Equal(t, 1, reply.ToolsUsed)
	assert.Equal(t, 30, reply.Usage.TotalTokens)

	run, err := h.store.GetLatestTodoRun(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, reply.TodoRunID, run.ID)
	assert.Equal(t, history.RunCompleted, run.Status)
	require.Len(t, run.Todos, 1)
	assert.Equal(t, "get_stock_quote", run.Todos[0].ToolName)
	assert.Equal(t, history.TodoCompleted, run.Todos[0].Status)
	assert.Contains(t, run.Todos[0].ResultPreview, "get_stock_quote ok for 600519")

	_, err = h.store.GetActiveTodoRun(ctx, "s1")
	assert.ErrorIs(t, err, history.ErrTodoRunNotFound)

	sess, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, history.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "Moutai trades at 1700.", sess.Messages[1].Content)
	require.Len(t, sess.Metadata.TaskHistory, 1)
	assert.True(t, sess.Metadata.TaskHistory[0].Success)
	assert.Equal(t, 30, sess.Metadata.TokenUsage.TotalTokens)
	assert.Equal(t, "600519", sess.Metadata.StockCode)
}

func TestChat_TimeoutFallsBackToSnapshot(t *testing.T) {
	blocking := llm.ClientFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, blocking, WithConfig(Config{TurnTimeout: 50 * time.Millisecond, FallbackTimeout: time.Second}))
	ctx := context.Background()

	reply, err := h.agent.Chat(ctx, Request{SessionID: "slow", Message: "How is 600519 doing?", StockCode: "600519"})
	require.NoError(t, err)

	assert.True(t, reply.TimedOut)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Content, "did not finish within 50ms")
	assert.Contains(t, reply.Content, "get_stock_quote ok for 600519")
	assert.Contains(t, reply.Content, "get_technical_indicators ok for 600519")
	assert.Equal(t, 2, reply.ToolsUsed)

	run, err := h.store.GetLatestTodoRun(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, history.RunFailed, run.Status)
	require.Len(t, run.Todos, 2)
	assert.Equal(t, "fallback_get_stock_quote", run.Todos[0].ToolCallID)
	assert.Equal(t, history.TodoCompleted, run.Todos[0].Status)
	assert.Equal(t, history.TodoCompleted, run.Todos[1].Status)

	sess, err := h.store.GetSession(ctx, "slow")
	require.NoError(t, err)
	require.Len(t, sess.Metadata.TaskHistory, 1)
	assert.True(t, sess.Metadata.TaskHistory[0].TimedOut)
	assert.Equal(t, reply.Content, sess.Messages[len(sess.Messages)-1].Content)
}

func TestChat_TimeoutDoesNotWaitForStuckBackend(t *testing.T) {
	stuck := llm.ClientFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		time.Sleep(2 * time.Second)
		return llmtest.Text("too late").Response, nil
	})
	h := newHarness(t, stuck, WithConfig(Config{TurnTimeout: 100 * time.Millisecond, FallbackTimeout: time.Second}))

	start := time.Now()
	reply, err := h.agent.Chat(context.Background(), Request{SessionID: "stuck", Message: "How is 600519 doing?", StockCode: "600519"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, time.Second)
	assert.True(t, reply.TimedOut)
	assert.Contains(t, reply.Content, "did not finish within 100ms")
	assert.Contains(t, reply.Content, "get_stock_quote ok for 600519")

	run, err := h.store.GetLatestTodoRun(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, history.RunFailed, run.Status)
}

func TestChat_TimeoutWithoutStockCode(t *testing.T) {
	blocking := llm.ClientFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, blocking, WithConfig(Config{TurnTimeout: 20 * time.Millisecond}))

	reply, err := h.agent.Chat(context.Background(), Request{Message: "What moves the market today?"})
	require.NoError(t, err)
	assert.True(t, reply.TimedOut)
	assert.Contains(t, reply.Content, "name a stock code")
	assert.Zero(t, reply.ToolsUsed)
}

func TestChat_BackendFailureIsText(t *testing.T) {
	client := llmtest.New(llmtest.Fail(errors.New("502 bad gateway")))
	client.Repeat = true
	h := newHarness(t, client)
	ctx := context.Background()

	reply, err := h.agent.Chat(ctx, Request{SessionID: "down", Message: "Quote 600519"})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Content, "Sorry")
	assert.Contains(t, reply.Content, "502 bad gateway")

	run, err := h.store.GetLatestTodoRun(ctx, "down")
	require.NoError(t, err)
	assert.Equal(t, history.RunFailed, run.Status)
}

func TestStream_ThinkHardUsesOrchestrator(t *testing.T) {
	client := roleRouter{handlers: map[string]func(*llm.ChatRequest) *llm.ChatResponse{
		"orchestrator": callThenAnswer(llmtest.Call("o1", orchestrator.ToolSpawnTask, map[string]string{
			"type":        "research",
			"description": "latest quote",
			"prompt":      "Get the quote of 600519",
		}), "Research says it is up."),
		"research": callThenAnswer(llmtest.Call("r1", "get_stock_quote", map[string]string{"code": "600519"}), "up 2%"),
	}}
	h := newHarness(t, client)
	ctx := context.Background()

	events, sessionID, err := h.agent.Stream(ctx, Request{Message: "Quote 600519", ThinkHard: true})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	evs := drain(t, events)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, agent.EventDone, last.Type)
	require.NotNil(t, last.Stats)

	var types []agent.EventType
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, agent.EventTaskStart)
	assert.Contains(t, types, agent.EventTaskComplete)
	assert.Equal(t, 1, countType(evs, agent.EventDone))

	run, err := h.store.GetLatestTodoRun(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, history.RunCompleted, run.Status)

	var delegated *history.TodoItem
	for i := range run.Todos {
		if strings.HasPrefix(run.Todos[i].ToolCallID, "task:") {
			delegated = &run.Todos[i]
		}
	}
	require.NotNil(t, delegated)
	assert.Equal(t, "Delegate to research: latest quote", delegated.Title)
	assert.Equal(t, history.TodoCompleted, delegated.Status)

	sess, err := h.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.PersonaOrchestrator, sess.Metadata.TaskHistory[0].Agent)
	assert.Equal(t, 1, sess.Metadata.TaskHistory[0].SubTasks)
	assert.Zero(t, sess.Metadata.TaskHistory[0].SubTasksFailed)
}

func TestChat_SecondTurnCarriesMemoryAndPlaybook(t *testing.T) {
	skill, err := skills.Parse([]byte(momentumSkill), "momentum")
	require.NoError(t, err)

	client := llmtest.New(llmtest.Text("First answer."), llmtest.Text("Second answer."))
	h := newHarness(t, client, WithSkills(skills.NewCatalog(skill)))
	ctx := context.Background()

	_, err = h.agent.Chat(ctx, Request{SessionID: "mem", Message: "Tell me about 600519", StockCode: "600519"})
	require.NoError(t, err)
	reply, err := h.agent.Chat(ctx, Request{SessionID: "mem", Message: "And its momentum?"})
	require.NoError(t, err)
	assert.Equal(t, "momentum", reply.Skill)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	prompt := reqs[1].Messages[len(reqs[1].Messages)-1].Text()
	assert.Contains(t, prompt, "Stock in focus: 600519")
	assert.Contains(t, prompt, "- user: Tell me about 600519")
	assert.Contains(t, prompt, "- assistant: First answer.")
	assert.Contains(t, prompt, "[Playbook: momentum]")
	assert.Contains(t, prompt, "five day average")
	assert.True(t, strings.HasSuffix(prompt, "[Question]\nAnd its momentum?"))

	run, err := h.store.GetLatestTodoRun(ctx, "mem")
	require.NoError(t, err)
	assert.Equal(t, "momentum", run.Skill)
	require.Len(t, run.Todos, 2)
	assert.Equal(t, history.TodoSkipped, run.Todos[0].Status)
	assert.Equal(t, history.TodoCompleted, run.Todos[1].Status)
}

func TestChat_BudgetFollowsQuestionNotMemory(t *testing.T) {
	var calls []llm.ToolCall
	for i := 0; i < 6; i++ {
		calls = append(calls, llmtest.Call(fmt.Sprintf("q%d", i), "get_stock_quote", map[string]string{"code": "600519"}))
	}
	client := llmtest.New(
		llmtest.Text("Earlier we discussed your portfolio strategy."),
		llmtest.ToolCalls(calls...),
		llmtest.Text("Moutai trades at 1700."),
	)
	h := newHarness(t, client)
	ctx := context.Background()

	_, err := h.agent.Chat(ctx, Request{SessionID: "budget", Message: "Hello", StockCode: "600519"})
	require.NoError(t, err)
	reply, err := h.agent.Chat(ctx, Request{SessionID: "budget", Message: "What is the price of 600519?"})
	require.NoError(t, err)

	prompt := client.Requests()[1].Messages[1].Text()
	require.Contains(t, prompt, "portfolio strategy")
	assert.Equal(t, "general", reply.Agent)
	assert.Equal(t, agent.DefaultToolBudget().Simple, reply.ToolsUsed)
	assert.Equal(t, "Moutai trades at 1700.", reply.Content)
}

func TestChat_RejectsBadInput(t *testing.T) {
	h := newHarness(t, llmtest.New())

	_, err := h.agent.Chat(context.Background(), Request{Message: "   "})
	assert.ErrorIs(t, err, agent.ErrEmptyInput)

	_, err = h.agent.Chat(context.Background(), Request{SessionID: "../etc", Message: "hi"})
	assert.ErrorIs(t, err, history.ErrInvalidSessionID)
}

func TestChat_SerializesTurnsPerSession(t *testing.T) {
	var (
		mu     sync.Mutex
		active int
		peak   int
	)
	client := llm.ClientFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return llmtest.Text("ok").Response, nil
	})
	h := newHarness(t, client)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.agent.Chat(context.Background(), Request{SessionID: "shared", Message: "Quote 600519"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	sess, err := h.store.GetSession(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 6)
}

func countType(evs []agent.StreamEvent, typ agent.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
