// Package models provides domain types for the arc agent execution core.
package models

import (
	"encoding/json"
	"fmt"
)

// BlockType identifies the kind of content block in a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is a typed unit of assistant or tool output. Exactly the
// fields for the active Type are populated; all others are zero.
//
// Invariant: every tool_use block at index i of an assistant message has a
// matching tool_result with the same ToolUseID in the following user message,
// in the same order. The executor and compactor preserve this pairing.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text is the body for text and thinking blocks.
	Text string `json:"text,omitempty"`

	// Signature is an optional provider signature on thinking blocks.
	Signature string `json:"signature,omitempty"`

	// ID and Name identify a tool_use request; Input is its parsed input.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// ToolUseID links a tool_result back to its tool_use.
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   *ResultContent `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	// Source carries inline image data for image blocks (base64 payload).
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource holds inline image data for multimodal tool results.
type ImageSource struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// ResultContent is the content of a tool_result block: either a plain string
// or a list of content blocks for multimodal results (text + image).
type ResultContent struct {
	Text   string
	Blocks []ContentBlock
}

// MarshalJSON emits a bare string when the content is textual, otherwise the
// block list. This matches the provider wire format.
func (c ResultContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either form.
func (c *ResultContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("tool_result content is neither string nor block list: %w", err)
	}
	c.Blocks = blocks
	c.Text = ""
	return nil
}

// String flattens the content to text. Block lists concatenate their text
// blocks; images contribute a fixed placeholder.
func (c *ResultContent) String() string {
	if c == nil {
		return ""
	}
	if c.Blocks == nil {
		return c.Text
	}
	out := ""
	for _, b := range c.Blocks {
		switch b.Type {
		case BlockText:
			out += b.Text
		case BlockImage:
			out += "[image]"
		}
	}
	return out
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(text, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text, Signature: signature}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a textual tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   &ResultContent{Text: content},
		IsError:   isError,
	}
}

// MultimodalResultBlock builds a tool_result whose content is a block list.
func MultimodalResultBlock(toolUseID string, blocks []ContentBlock, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   &ResultContent{Blocks: blocks},
		IsError:   isError,
	}
}
