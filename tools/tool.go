package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Tool defines the interface that all tools must implement
type Tool interface {
	// Name returns the unique name of the tool
	Name() string

	// Description returns a brief description of what the tool does
	Description() string

	// Execute runs the tool with the given parameters
	Execute(ctx context.Context, params json.RawMessage) (string, error)

	// Parameters returns either a pointer to a parameter struct, used for
	// schema generation and validation, or a ready JSON schema as
	// map[string]interface{}.
	Parameters() interface{}
}

// Error codes shared by tools and the registry.
const (
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeUnknownTool      = "UNKNOWN_TOOL"
	CodeHTTPError        = "HTTP_ERROR"
	CodeHTTPStatus       = "HTTP_STATUS"
	CodeDecodeError      = "DECODE_ERROR"
)

// ToolError represents a structured error from a tool
type ToolError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NewToolError creates a new tool error
func NewToolError(code, message string) *ToolError {
	return &ToolError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a detail to the error
func (e *ToolError) WithDetail(key string, value interface{}) *ToolError {
	e.Details[key] = value
	return e
}

// IsRetryable reports whether another attempt could succeed. Malformed
// arguments and unknown tools fail the same way every time.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *ToolError
	if errors.As(err, &te) {
		switch te.Code {
		case CodeInvalidParams, CodeValidationFailed, CodeUnknownTool:
			return false
		}
	}
	return true
}

// ToolCall represents a request to execute a tool
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the result of a tool execution. Result always holds
// the text handed back to the model, including failure descriptions.
type ToolResult struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Result   string        `json:"result"`
	Error    error         `json:"-"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the call produced a result without error.
func (r ToolResult) Success() bool {
	return r.Error == nil
}

// ExecFunc is the body of a FuncTool. Args are the normalized JSON object.
type ExecFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// FuncTool adapts a plain function to Tool.
type FuncTool struct {
	name        string
	description string
	schema      map[string]interface{}
	fn          ExecFunc
}

// NewFunc builds a Tool from a function and a JSON schema for its arguments.
// A nil schema means an object without declared properties.
func NewFunc(name, description string, schema map[string]interface{}, fn ExecFunc) *FuncTool {
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return &FuncTool{name: name, description: description, schema: schema, fn: fn}
}

func (t *FuncTool) Name() string            { return t.name }
func (t *FuncTool) Description() string     { return t.description }
func (t *FuncTool) Parameters() interface{} { return t.schema }

// Execute decodes params into a map and calls the wrapped function.
func (t *FuncTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	args := map[string]interface{}{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return "", NewToolError(CodeInvalidParams, "Failed to parse parameters").
				WithDetail("error", err.Error())
		}
	}
	return t.fn(ctx, args)
}
