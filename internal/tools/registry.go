package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Input size limits guard against resource exhaustion.
const (
	MaxToolNameLength = 256
	MaxInputSize      = 10 << 20
)

// Registry manages available tools with thread-safe registration and lookup.
// Inputs are validated against each tool's schema before execution.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema for input validation. A tool
// with the same name is replaced. Registration fails on an invalid schema.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	r.compiled[name] = compiled
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
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

// List returns the registered tools in name order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]Tool, 0, len(names))
	for _, name := range names {
		list = append(list, r.tools[name])
	}
	return list
}

// ValidateInput checks an input map against the tool's compiled schema.
func (r *Registry) ValidateInput(name string, input map[string]any) error {
	r.mu.RLock()
	compiled, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolError{Type: ErrorNotFound, ToolName: name, Cause: ErrToolNotFound}
	}

	var payload any = map[string]any{}
	if input != nil {
		payload = input
	}
	if err := compiled.Validate(payload); err != nil {
		return &ToolError{Type: ErrorInvalidInput, ToolName: name, Message: err.Error(), Cause: err}
	}
	return nil
}

// Execute validates the input and runs the named tool. Panics are recovered
// and surfaced as ToolErrors so one tool cannot take the loop down.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (result any, err error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, &ToolError{Type: ErrorNotFound, ToolName: name, Cause: ErrToolNotFound}
	}
	if err := r.ValidateInput(name, input); err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &ToolError{
				Type:     ErrorPanic,
				ToolName: name,
				Message:  fmt.Sprintf("panic: %v", rec),
				Cause:    ErrToolPanic,
			}
		}
	}()

	result, execErr := tool.Execute(ctx, input)
	if execErr != nil {
		if toolErr, ok := AsToolError(execErr); ok {
			if toolErr.ToolName == "" {
				toolErr.ToolName = name
			}
			return nil, toolErr
		}
		return nil, NewToolError(name, execErr)
	}
	return result, nil
}

// SupportsStream reports whether the named tool emits incremental output.
func (r *Registry) SupportsStream(name string) bool {
	tool, ok := r.Get(name)
	if !ok {
		return false
	}
	_, ok = tool.(Streamer)
	return ok
}

// ExecuteStream validates the input and runs the named tool incrementally.
// A tool without streaming support runs through Execute and yields its whole
// result as a single chunk.
func (r *Registry) ExecuteStream(ctx context.Context, name string, input map[string]any) (<-chan StreamChunk, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, &ToolError{Type: ErrorNotFound, ToolName: name, Cause: ErrToolNotFound}
	}
	if err := r.ValidateInput(name, input); err != nil {
		return nil, err
	}

	streamer, ok := tool.(Streamer)
	if !ok {
		out := make(chan StreamChunk, 1)
		go func() {
			defer close(out)
			result, err := r.Execute(ctx, name, input)
			if err != nil {
				out <- StreamChunk{Err: err}
				return
			}
			out <- StreamChunk{Text: fmt.Sprint(result)}
		}()
		return out, nil
	}

	chunks, err := streamer.ExecuteStream(ctx, input)
	if err != nil {
		if toolErr, ok := AsToolError(err); ok {
			if toolErr.ToolName == "" {
				toolErr.ToolName = name
			}
			return nil, toolErr
		}
		return nil, NewToolError(name, err)
	}
	return chunks, nil
}
