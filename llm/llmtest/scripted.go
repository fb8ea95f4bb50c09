// Package llmtest provides scripted completion clients for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nachoal/stock-agent-go/llm"
)

// ErrScriptExhausted is returned once every scripted step was consumed.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Step is one scripted backend reply.
type Step struct {
	Response *llm.ChatResponse
	Err      error
}

// Client replays steps in order and records every request.
type Client struct {
	mu       sync.Mutex
	steps    []Step
	requests []*llm.ChatRequest
	// Repeat replays the final step forever once the script is consumed.
	Repeat bool
}

// New returns a client replaying steps.
func New(steps ...Step) *Client {
	return &Client{steps: steps}
}

// Chat returns the next scripted step.
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := *req
	snapshot.Messages = append([]llm.Message(nil), req.Messages...)
	c.requests = append(c.requests, &snapshot)

	idx := len(c.requests) - 1
	if idx >= len(c.steps) {
		if !c.Repeat || len(c.steps) == 0 {
			return nil, ErrScriptExhausted
		}
		idx = len(c.steps) - 1
	}
	step := c.steps[idx]
	return step.Response, step.Err
}

// Close is a no-op.
func (c *Client) Close() error { return nil }

// Calls returns how many requests were received.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns the recorded requests.
func (c *Client) Requests() []*llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.ChatRequest(nil), c.requests...)
}

// Text scripts a content-only reply.
func Text(content string) Step {
	return Step{Response: &llm.ChatResponse{
		Choices: []llm.Choice{{
			Message:      llm.NewMessage(llm.RoleAssistant, content),
			FinishReason: "stop",
		}},
		Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

// ToolCalls scripts a reply requesting the given calls.
func ToolCalls(calls ...llm.ToolCall) Step {
	return Step{Response: &llm.ChatResponse{
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
			FinishReason: "tool_calls",
		}},
		Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

// Fail scripts a backend error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Call builds a tool call; args is marshaled to JSON.
func Call(id, name string, args interface{}) llm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("llmtest: marshal args: %v", err))
	}
	return llm.ToolCall{
		ID:       id,
		Type:     "function",
		Function: llm.FunctionCall{Name: name, Arguments: raw},
	}
}
