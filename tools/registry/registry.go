package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nachoal/stock-agent-go/internal/schema"
	"github.com/nachoal/stock-agent-go/tools"
)

// ErrToolNotFound is returned for names that were never registered.
var ErrToolNotFound = errors.New("tool not found")

// ToolFactory is a function that creates a new tool instance
type ToolFactory func() tools.Tool

// Registry maps tool names to executors. Each agent owns one; personas get
// a Subset of the shared catalog.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]ToolFactory
	order     []string
	generator *schema.Generator
}

// New creates a new tool registry
func New() *Registry {
	return &Registry{
		tools:     make(map[string]ToolFactory),
		generator: schema.NewGenerator(),
	}
}

// Register registers a tool factory with the given name
func (r *Registry) Register(name string, factory ToolFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool '%s' is already registered", name)
	}

	r.tools[name] = factory
	r.order = append(r.order, name)
	return nil
}

// Add registers ready tool instances under their own names.
func (r *Registry) Add(ts ...tools.Tool) error {
	for _, t := range ts {
		tool := t
		if err := r.Register(tool.Name(), func() tools.Tool { return tool }); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (tools.Tool, error) {
	r.mu.RLock()
	factory, exists := r.tools[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return factory(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns registered names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Subset returns a new registry holding only the named tools. An empty
// list yields an empty registry.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := New()
	for _, name := range names {
		factory, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		if _, dup := sub.tools[name]; dup {
			continue
		}
		sub.tools[name] = factory
		sub.order = append(sub.order, name)
	}
	return sub, nil
}

// Schema returns the function schema for a tool
func (r *Registry) Schema(name string) (map[string]interface{}, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return r.generator.FunctionSchema(tool.Name(), tool.Description(), tool.Parameters())
}

// Schemas returns schemas for all registered tools in registration order.
// Tools whose schema cannot be generated are skipped.
func (r *Registry) Schemas() []map[string]interface{} {
	names := r.List()
	schemas := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		if s, err := r.Schema(name); err == nil {
			schemas = append(schemas, s)
		}
	}
	return schemas
}

// Execute parses and validates params, then runs the tool.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (string, error) {
	tool, err := r.Get(name)
	if err != nil {
		return "", err
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	// Tools declaring a raw schema validate their own arguments.
	paramStruct := tool.Parameters()
	if _, raw := paramStruct.(map[string]interface{}); !raw && paramStruct != nil {
		if err := json.Unmarshal(params, paramStruct); err != nil {
			return "", tools.NewToolError(tools.CodeInvalidParams, "Failed to parse parameters").
				WithDetail("error", err.Error())
		}
		if err := schema.Validate(paramStruct); err != nil {
			return "", tools.NewToolError(tools.CodeValidationFailed, "Parameter validation failed").
				WithDetail("error", err.Error())
		}
	}

	return tool.Execute(ctx, params)
}
