// Package tools holds the tools the orchestrator invokes: the source tools
// that produce untrusted content and the downstream tools that references are
// routed to. Every tool speaks JSON in and JSON out.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned when invoking a name nothing is registered under.
var ErrToolNotFound = errors.New("tool not found")

// Tool is the interface all MCP-compatible tools must implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ArgumentValidator is an optional interface that tools can implement to
// validate arguments before execution. Invoke calls ValidateArguments first
// when a tool implements it.
type ArgumentValidator interface {
	ValidateArguments(params json.RawMessage) error
}

// ToolRegistry manages registered tools.
// Thread-safe for concurrent access.
type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{
		tools: make(map[string]Tool),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Invoke runs the named tool with params encoded as a JSON object. It
// satisfies the orchestrator's invoker boundary.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", name, err)
	}
	return r.Call(ctx, name, raw)
}

// Call runs the named tool with raw JSON arguments.
func (r *ToolRegistry) Call(ctx context.Context, name string, raw json.RawMessage) (json.RawMessage, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if v, ok := tool.(ArgumentValidator); ok {
		if err := v.ValidateArguments(raw); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}
	return tool.Execute(ctx, raw)
}
