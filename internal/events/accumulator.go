// Package events turns the executor's fine-grained block events into an
// ordered, replayable per-session event log and accumulates streamed blocks
// into persisted assistant messages.
package events

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/haasonsaas/arc/pkg/models"
)

// MalformedToolInputError reports a tool_use block whose streamed input
// never parsed as JSON. The offending block is dropped so it can never reach
// the persisted message.
type MalformedToolInputError struct {
	ToolID   string
	ToolName string
	Err      error
}

func (e *MalformedToolInputError) Error() string {
	return fmt.Sprintf("malformed tool input for %s (%s): %v", e.ToolName, e.ToolID, e.Err)
}

func (e *MalformedToolInputError) Unwrap() error { return e.Err }

// blockBuffer is the in-flight state of one content block.
type blockBuffer struct {
	index     int
	blockType models.BlockType
	open      bool

	text      string
	signature string

	toolID   string
	toolName string
	fragment string
	input    map[string]any
	parsed   bool
}

// ContentAccumulator folds streaming deltas into an ordered list of typed
// content blocks. Blocks are keyed by index so providers may interleave
// deltas of concurrently streamed blocks. Single-writer per session.
type ContentAccumulator struct {
	blocks map[int]*blockBuffer
	order  []int
}

// NewContentAccumulator creates an empty accumulator.
func NewContentAccumulator() *ContentAccumulator {
	return &ContentAccumulator{blocks: map[int]*blockBuffer{}}
}

// Reset drops all state for a new message.
func (a *ContentAccumulator) Reset() {
	a.blocks = map[int]*blockBuffer{}
	a.order = nil
}

// Open starts a block at index. Opening an already-open index is an error.
func (a *ContentAccumulator) Open(index int, blockType models.BlockType, toolID, toolName string) error {
	if _, exists := a.blocks[index]; exists {
		return fmt.Errorf("block %d already open", index)
	}
	a.blocks[index] = &blockBuffer{
		index:     index,
		blockType: blockType,
		open:      true,
		toolID:    toolID,
		toolName:  toolName,
	}
	a.order = append(a.order, index)
	return nil
}

// AppendText adds a text or thinking fragment to an open block.
func (a *ContentAccumulator) AppendText(index int, fragment string) error {
	block, err := a.openBlock(index)
	if err != nil {
		return err
	}
	block.text += fragment
	return nil
}

// AppendInput adds a streamed JSON fragment to an open tool_use block. Each
// append attempts an incremental parse; once the buffer parses, the parsed
// object replaces it.
func (a *ContentAccumulator) AppendInput(index int, fragment string) error {
	block, err := a.openBlock(index)
	if err != nil {
		return err
	}
	if block.blockType != models.BlockToolUse {
		return fmt.Errorf("block %d is %s, not tool_use", index, block.blockType)
	}
	block.fragment += fragment

	var input map[string]any
	if err := json.Unmarshal([]byte(block.fragment), &input); err == nil {
		block.input = input
		block.parsed = true
	}
	return nil
}

// Close finalizes a block. For tool_use blocks with an unparsed fragment
// buffer, one final parse is attempted; failure drops the block and is
// surfaced as a MalformedToolInputError so the executor can synthesize a
// failed tool result instead of persisting the broken block.
func (a *ContentAccumulator) Close(index int, signature string) error {
	block, err := a.openBlock(index)
	if err != nil {
		return err
	}
	block.signature = signature
	block.open = false

	if block.blockType == models.BlockToolUse && !block.parsed {
		if block.fragment == "" {
			block.input = map[string]any{}
			block.parsed = true
			return nil
		}
		var input map[string]any
		if err := json.Unmarshal([]byte(block.fragment), &input); err != nil {
			a.drop(index)
			return &MalformedToolInputError{ToolID: block.toolID, ToolName: block.toolName, Err: err}
		}
		block.input = input
		block.parsed = true
	}
	return nil
}

func (a *ContentAccumulator) drop(index int) {
	delete(a.blocks, index)
	for i, idx := range a.order {
		if idx == index {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

// DiscardOpen removes blocks still open, used when the stream errors
// mid-block so partial content never reaches the persisted message.
func (a *ContentAccumulator) DiscardOpen() int {
	discarded := 0
	var kept []int
	for _, index := range a.order {
		if a.blocks[index].open {
			delete(a.blocks, index)
			discarded++
			continue
		}
		kept = append(kept, index)
	}
	a.order = kept
	return discarded
}

// HasOpen reports whether any block is still streaming.
func (a *ContentAccumulator) HasOpen() bool {
	for _, block := range a.blocks {
		if block.open {
			return true
		}
	}
	return false
}

// Blocks returns the closed blocks in index order.
func (a *ContentAccumulator) Blocks() []models.ContentBlock {
	indices := append([]int(nil), a.order...)
	sort.Ints(indices)

	var out []models.ContentBlock
	for _, index := range indices {
		block := a.blocks[index]
		if block.open {
			continue
		}
		switch block.blockType {
		case models.BlockText:
			out = append(out, models.TextBlock(block.text))
		case models.BlockThinking:
			out = append(out, models.ThinkingBlock(block.text, block.signature))
		case models.BlockToolUse:
			out = append(out, models.ToolUseBlock(block.toolID, block.toolName, block.input))
		case models.BlockToolResult:
			// tool_result blocks arrive whole via EmitBlock, stored as text.
			out = append(out, models.ToolResultBlock(block.toolID, block.text, false))
		}
	}
	return out
}

// ToolCalls extracts the tool calls from closed tool_use blocks, in order.
func (a *ContentAccumulator) ToolCalls() []models.ToolCall {
	var calls []models.ToolCall
	for _, block := range a.Blocks() {
		if block.Type == models.BlockToolUse {
			calls = append(calls, models.ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	return calls
}

// Text concatenates closed text blocks.
func (a *ContentAccumulator) Text() string {
	var out string
	for _, block := range a.Blocks() {
		if block.Type == models.BlockText {
			out += block.Text
		}
	}
	return out
}

func (a *ContentAccumulator) openBlock(index int) (*blockBuffer, error) {
	block, ok := a.blocks[index]
	if !ok {
		return nil, fmt.Errorf("no block at index %d", index)
	}
	if !block.open {
		return nil, fmt.Errorf("block %d already closed", index)
	}
	return block, nil
}
