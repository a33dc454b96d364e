// Package tools defines the tool surface exposed to LLM-driven task
// execution and a registry that resolves per-task tool sets from
// allow/deny constraints.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Tool is a single capability an agent can invoke during a task. Name
// and InputSchema are advertised to the LLM; Execute runs the call.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON Schema for the tool's arguments.
	InputSchema() map[string]any
	// Execute runs the tool. Errors are surfaced to the model as
	// error-flagged tool results, not propagated to the task.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the tools available on this pod. Task constraints
// narrow it to a per-task set via Resolve.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewBuiltinRegistry returns a registry preloaded with the builtin
// tools. workspaceRoot bounds filesystem tools; when empty those tools
// are not registered.
func NewBuiltinRegistry(workspaceRoot string) *Registry {
	r := NewRegistry()
	_ = r.Register(EchoTool{})
	if workspaceRoot != "" {
		_ = r.Register(NewReadFileTool(workspaceRoot))
	}
	return r
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tools: tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get looks up a tool by name.
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

// Resolve returns the tool set a task may use: the allowed names minus
// the denied ones, restricted to registered tools, sorted by name. An
// empty allowed list resolves to no tools at all.
func (r *Registry) Resolve(allowed, denied []string) []Tool {
	if len(allowed) == 0 {
		return nil
	}
	deniedSet := make(map[string]bool, len(denied))
	for _, name := range denied {
		deniedSet[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	resolved := make([]Tool, 0, len(allowed))
	seen := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if deniedSet[name] || seen[name] {
			continue
		}
		if t, ok := r.tools[name]; ok {
			resolved = append(resolved, t)
			seen[name] = true
		}
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Name() < resolved[j].Name() })
	return resolved
}
