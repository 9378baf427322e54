// Package tools defines the tool contract, a validating registry, and the
// built-in file and shell tools.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is the contract each executable tool implements.
type Tool interface {
	// Name returns the tool name used in LLM function calling.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. The result may be a string, a JSON-serializable
	// value, or []models.ContentBlock for multimodal output.
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// FileMutator is implemented by tools that modify files. The state manager
// captures the affected paths before execution so they can be rolled back.
type FileMutator interface {
	MutatedPaths(input map[string]any) []string
}

// DestructiveChecker is implemented by tools whose destructiveness depends on
// the input, such as a shell tool inspecting its command.
type DestructiveChecker interface {
	Destructive(input map[string]any) bool
}

// Alternatives is implemented by tools that can name capability-equivalent
// replacements, consulted when a tool keeps failing.
type Alternatives interface {
	Alternatives() []string
}

// StreamChunk is one fragment of a streaming tool's output. A chunk with a
// non-nil Err is terminal; the channel closes after it.
type StreamChunk struct {
	Text string
	Err  error
}

// Streamer is implemented by tools that emit output incrementally, such as a
// long-running shell command. Callers that do not check SupportsStream fall
// back to Execute.
type Streamer interface {
	ExecuteStream(ctx context.Context, input map[string]any) (<-chan StreamChunk, error)
}
