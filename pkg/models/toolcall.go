package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolExecutionResult is the outcome of executing one tool call. Result may
// be a string (pre-serialized), a structured value, or a []ContentBlock for
// multimodal results.
type ToolExecutionResult struct {
	ToolID    string         `json:"tool_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Result    any            `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	ErrorMsg  string         `json:"error_msg,omitempty"`

	// Err carries the original execution error for classification. Not
	// serialized; ErrorMsg is the wire form.
	Err error `json:"-"`
}

// ResultBlock converts the execution result into a tool_result content block.
// A []ContentBlock result passes through as multimodal content; anything else
// is flattened to a string.
func (r *ToolExecutionResult) ResultBlock() ContentBlock {
	if blocks, ok := r.Result.([]ContentBlock); ok {
		return MultimodalResultBlock(r.ToolID, blocks, r.IsError)
	}
	return ToolResultBlock(r.ToolID, r.ResultString(), r.IsError)
}

// ResultString flattens the result value to text.
func (r *ToolExecutionResult) ResultString() string {
	switch v := r.Result.(type) {
	case nil:
		return r.ErrorMsg
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return r.ErrorMsg
		}
		return string(data)
	}
}

// InputJSON renders the call input as JSON. Returns "{}" when marshalling
// fails or the input is nil.
func (c ToolCall) InputJSON() string {
	if c.Input == nil {
		return "{}"
	}
	data, err := json.Marshal(c.Input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Signature returns a stable hash of (name, canonical input), used by the
// trajectory ring buffer to detect repeated identical calls.
func (c ToolCall) Signature() string {
	h := sha256.New()
	h.Write([]byte(c.Name))
	h.Write([]byte{0})
	h.Write([]byte(canonicalJSON(c.Input)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// canonicalJSON renders a map deterministically (sorted keys, recursively).
func canonicalJSON(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(val[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(item))
		}
		b.WriteByte(']')
		return b.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "null"
		}
		return string(data)
	}
}
