// Package llm defines the streaming LLM service contract consumed by the
// executor, plus Anthropic and OpenAI adapters implementing it.
package llm

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/arc/pkg/models"
)

// StopReason is the provider-agnostic end state of one LLM response.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	// StopStreamError is synthesized when the stream drops mid-response.
	StopStreamError StopReason = "stream_error"
)

// ChunkKind identifies one streaming chunk.
type ChunkKind string

const (
	ChunkMessageStart  ChunkKind = "message_start"
	ChunkBlockStart    ChunkKind = "block_start"
	ChunkTextDelta     ChunkKind = "text_delta"
	ChunkThinkingDelta ChunkKind = "thinking_delta"
	ChunkInputDelta    ChunkKind = "input_delta"
	ChunkBlockStop     ChunkKind = "block_stop"
	ChunkMessageStop   ChunkKind = "message_stop"
	ChunkError         ChunkKind = "error"
)

// Chunk is one unit of a streaming response. Index identifies the content
// block the chunk belongs to; providers may interleave blocks.
type Chunk struct {
	Kind  ChunkKind
	Index int

	// Block start fields.
	BlockType models.BlockType
	ToolID    string
	ToolName  string

	// Delta payload: text, thinking text, or a partial-JSON input fragment.
	Text string

	// Signature closes a thinking block on providers that sign reasoning.
	Signature string

	// Terminal fields, set on message_stop.
	StopReason StopReason
	Usage      *models.Usage

	// Err is set on error chunks; the stream ends after one.
	Err error
}

// Response is a fully-assembled LLM reply.
type Response struct {
	Content    []models.ContentBlock
	ToolCalls  []models.ToolCall
	StopReason StopReason
	Usage      models.Usage
	Model      string
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == models.BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolDefinition describes one tool exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request carries one LLM call.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolDefinition
	MaxTokens int
	Thinking  bool
}

// Service is the streaming LLM contract. Implementations must be safe for
// concurrent use across sessions; executors never mutate a shared service.
type Service interface {
	// CreateMessageStream issues a streaming request. The returned channel
	// closes after a message_stop or error chunk.
	CreateMessageStream(ctx context.Context, req *Request) (<-chan Chunk, error)

	// CreateMessage is the non-streaming fallback.
	CreateMessage(ctx context.Context, req *Request) (*Response, error)

	// CountTokens deterministically estimates tokens for a text, O(n).
	CountTokens(text string) int

	// Name returns the provider identifier ("anthropic", "openai").
	Name() string
}
