package llm

import (
	"context"
)

// Client is a chat-completion backend.
type Client interface {
	// Chat sends the full conversation and returns the next assistant turn.
	Chat(ctx context.Context, request *ChatRequest) (*ChatResponse, error)

	// Close cleans up any resources
	Close() error
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, request *ChatRequest) (*ChatResponse, error)

// Chat calls f.
func (f ClientFunc) Chat(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	return f(ctx, request)
}

// Close is a no-op.
func (f ClientFunc) Close() error { return nil }
