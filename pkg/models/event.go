package models

import (
	"time"
)

// EventType identifies the kind of streaming event flowing between the
// executor and the broadcaster, and from there to transports.
type EventType string

const (
	// Message lifecycle
	EventMessageStart EventType = "message_start"
	EventMessageDelta EventType = "message_delta"
	EventMessageStop  EventType = "message_stop"

	// Content block streaming
	EventContentStart EventType = "content_start"
	EventContentDelta EventType = "content_delta"
	EventContentStop  EventType = "content_stop"

	// Semantic duplicates of content_delta convenient for transports
	EventThinkingDelta EventType = "thinking_delta"
	EventToolUseStart  EventType = "tool_use_start"
	EventInputDelta    EventType = "input_delta"

	// Tool dispatch
	EventToolResult EventType = "tool_result"

	// User confirmation prompts
	EventHITLConfirm               EventType = "hitl_confirm"
	EventLongRunningConfirm        EventType = "long_running_confirm"
	EventBacktrackExhaustedConfirm EventType = "backtrack_exhausted_confirm"
	EventIntentClarifyRequest      EventType = "intent_clarify_request"
	EventCostLimitConfirm          EventType = "cost_limit_confirm"
	EventCostUrgentConfirm         EventType = "cost_urgent_confirm"
	EventCostWarn                  EventType = "cost_warn"

	// Rollback
	EventRollbackOptions   EventType = "rollback_options"
	EventRollbackCompleted EventType = "rollback_completed"

	// Backtracking
	EventBacktrack          EventType = "backtrack"
	EventBacktrackExhausted EventType = "backtrack_exhausted"

	// Diagnostics
	EventWarning EventType = "warning"
	EventError   EventType = "error"
)

// Event is one entry of the session event stream. Every event carries a
// session-local Seq, strictly monotonic and gap-free, stamped by the
// broadcaster. Data is a JSON-serializable payload keyed by event type.
type Event struct {
	Type           EventType      `json:"type"`
	Data           map[string]any `json:"data,omitempty"`
	Seq            uint64         `json:"seq"`
	MessageID      string         `json:"message_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Time           time.Time      `json:"time"`
}

// Usage aggregates token accounting for a message or session.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates counts from another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
