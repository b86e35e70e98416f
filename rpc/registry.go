package rpc

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler executes one tool call. Arguments arrive as the raw JSON object
// from the tools/call params.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolInfo is the client-visible description of a tool.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Tool couples a tool's description with its handler.
type Tool struct {
	ToolInfo
	Handler Handler
}

// Registry holds the callable tools. Mutations trigger the onChange hook so
// the hub can push tools/listChanged.
type Registry struct {
	mu       sync.Mutex
	tools    map[string]Tool
	order    []string
	onChange func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetOnChange installs the registry-mutation hook. It is called outside the
// registry lock.
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	if _, exists := r.tools[name]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// List returns tool descriptions in registration order.
func (r *Registry) List() []ToolInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].ToolInfo)
	}
	return out
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}
