package smart

import (
	"time"

	"github.com/nachoal/stock-agent-go/llm"
)

// Request is one user turn.
type Request struct {
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message"`
	StockCode  string `json:"stock_code,omitempty"`
	ThinkHard  bool   `json:"think_hard,omitempty"`
	DetailMode *bool  `json:"detail_mode,omitempty"`
}

// Reply is the outcome of a turn. Failures are reported in Content, never
// as errors.
type Reply struct {
	SessionID  string    `json:"session_id"`
	TodoRunID  string    `json:"todo_run_id"`
	Content    string    `json:"content"`
	Agent      string    `json:"agent"`
	Skill      string    `json:"skill,omitempty"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	ToolsUsed  int       `json:"tools_used"`
	Iterations int       `json:"iterations"`
	Usage      llm.Usage `json:"usage"`
	DurationMs int64     `json:"duration_ms"`
}

// Config tunes turns.
type Config struct {
	// TurnTimeout bounds the agent run of one turn.
	TurnTimeout time.Duration `mapstructure:"turn_timeout" yaml:"turn_timeout"`
	// FallbackTools run in order, with the stock code, after a timeout.
	FallbackTools []string `mapstructure:"fallback_tools" yaml:"fallback_tools"`
	// FallbackTimeout bounds the fallback tool sequence.
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout" yaml:"fallback_timeout"`
	// MemoryMessages is how many earlier messages are quoted in the prompt.
	MemoryMessages int `mapstructure:"memory_messages" yaml:"memory_messages"`
	// DefaultPersona answers turns that need no orchestration.
	DefaultPersona string `mapstructure:"default_persona" yaml:"default_persona"`
}

// DefaultConfig returns a 120s turn timeout with a quote and indicator
// fallback.
func DefaultConfig() Config {
	return Config{
		TurnTimeout:     120 * time.Second,
		FallbackTools:   []string{"get_stock_quote", "get_technical_indicators"},
		FallbackTimeout: 20 * time.Second,
		MemoryMessages:  6,
		DefaultPersona:  "general",
	}
}
