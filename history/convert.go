package history

import (
	"encoding/json"
	"time"

	"github.com/nachoal/stock-agent-go/llm"
)

// FromLLMMessages converts LLM messages to history messages stamped with at.
func FromLLMMessages(msgs []llm.Message, at time.Time) []Message {
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		out[i] = FromLLMMessage(msg, at)
	}
	return out
}

// FromLLMMessage converts one LLM message.
func FromLLMMessage(msg llm.Message, at time.Time) Message {
	m := Message{
		Role:       string(msg.Role),
		Content:    msg.Text(),
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
		Timestamp:  at,
	}
	if len(msg.ToolCalls) > 0 {
		m.ToolCalls = make([]ToolCall, len(msg.ToolCalls))
		for j, tc := range msg.ToolCalls {
			m.ToolCalls[j] = ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(tc.Function.Arguments),
				},
			}
		}
	}
	return m
}

// ToLLMMessages converts history messages back to LLM messages.
func ToLLMMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, msg := range msgs {
		m := llm.Message{
			Role:       llm.Role(msg.Role),
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		// Assistant turns that only carry tool calls have no content.
		if msg.Content != "" || len(msg.ToolCalls) == 0 {
			m.Content = llm.StringPtr(msg.Content)
		}
		if len(msg.ToolCalls) > 0 {
			m.ToolCalls = make([]llm.ToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				m.ToolCalls[j] = llm.ToolCall{
					ID:   tc.ID,
					Type: tc.Type,
					Function: llm.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: json.RawMessage(tc.Function.Arguments),
					},
				}
			}
		}
		out[i] = m
	}
	return out
}

// FromUsage converts backend usage.
func FromUsage(u llm.Usage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
