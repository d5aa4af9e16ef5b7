// Package tools provides the sandboxed tool substrate: a thread-safe
// name-to-tool registry and the built-in tools (file read, command runner,
// web search, text-to-speech). Tools are stateless singletons; expected
// failures are reported in-band through ExecutionResult, never as Go errors.
package tools

import (
	"context"
	"sync"
)

// ExecutionInput is the prompt or argument passed to a tool or sub-agent.
type ExecutionInput struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecutionResult is the immutable outcome of a tool or sub-agent run.
// Success=false carries the failure message in Output.
type ExecutionResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Failure builds a failed result with the given message.
func Failure(message string) ExecutionResult {
	return ExecutionResult{Success: false, Output: message}
}

// Tool is a stateless, thread-safe capability exposed to sub-agents. The
// description is free text consumed by LLM prompts for tool selection.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, input ExecutionInput) ExecutionResult
}

// Registry maps tool names to tools. Registration overwrites by name;
// lookups are lock-free.
type Registry struct {
	tools sync.Map // string -> Tool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register inserts the tool under its own name, replacing any prior tool
// registered under that name.
func (r *Registry) Register(tool Tool) {
	r.tools.Store(tool.Name(), tool)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	v, ok := r.tools.Load(name)
	if !ok {
		return nil, false
	}
	return v.(Tool), true
}

// Names returns the registered tool names in unspecified order.
func (r *Registry) Names() []string {
	var names []string
	r.tools.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

// All returns every registered tool in unspecified order.
func (r *Registry) All() []Tool {
	var all []Tool
	r.tools.Range(func(_, v any) bool {
		all = append(all, v.(Tool))
		return true
	})
	return all
}
