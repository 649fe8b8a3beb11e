// Package tools defines the tool abstraction exposed to the LLM, the
// registry the scheduler executes through, and the builtin tools every
// deployment carries: messaging (send_message) and org management.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// Tool is one callable function exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Executor runs a named tool with already-parsed arguments and returns a
// JSON-serializable value. The scheduler drives tool work through this
// port; the turn engine never sees tool semantics.
type Executor interface {
	ExecuteToolCall(ctx context.Context, toolName string, args map[string]interface{}) (interface{}, error)
}

// Registry holds the registered tools. Safe for concurrent use; MCP
// servers register and unregister tools at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition builds the wire definition for a registered tool. It
// satisfies the tool-group registry's DefinitionSource.
func (r *Registry) Definition(name string) (llm.ToolDefinition, bool) {
	t, ok := r.Get(name)
	if !ok {
		return llm.ToolDefinition{}, false
	}
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}, true
}

// ExecuteToolCall implements Executor.
func (r *Registry) ExecuteToolCall(ctx context.Context, toolName string, args map[string]interface{}) (interface{}, error) {
	t, ok := r.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", toolName)
	}
	res := t.Execute(ctx, args)
	if res == nil {
		return map[string]interface{}{"status": "ok"}, nil
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.IsError {
		return nil, fmt.Errorf("tool %s failed", toolName)
	}
	return res.Value, nil
}
