package models

import (
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks the persistence lifecycle of an assistant message.
type MessageStatus string

const (
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// Message is one conversation entry. Content is always a block list; plain
// text messages hold a single text block. The first message of a conversation
// is a user message, and an assistant message containing tool_use blocks is
// followed by a user message whose content is only tool_result blocks.
type Message struct {
	ID             string         `json:"id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Role           Role           `json:"role"`
	Content        []ContentBlock `json:"content"`
	Status         MessageStatus  `json:"status,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage builds an assistant message from content blocks.
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: blocks}
}

// ToolResultMessage builds the user message carrying tool results for the
// preceding assistant turn.
func ToolResultMessage(results ...ContentBlock) Message {
	return Message{Role: RoleUser, Content: results}
}

// Text concatenates the text blocks of the message.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the message in order.
func (m *Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks of the message in order.
func (m *Message) ToolResults() []ContentBlock {
	var results []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			results = append(results, b)
		}
	}
	return results
}

// HasToolUse reports whether the message contains any tool_use block.
func (m *Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// ValidatePairing checks the tool_use / tool_result invariant over a message
// sequence: every tool_use in an assistant message must be answered, in
// order, by a tool_result in the next message. Returns the first violation.
func ValidatePairing(messages []Message) error {
	for i := range messages {
		uses := messages[i].ToolUses()
		if len(uses) == 0 {
			continue
		}
		if i+1 >= len(messages) {
			return &PairingError{Index: i, ToolUseID: uses[0].ID, Reason: "no following message"}
		}
		next := messages[i+1]
		if next.Role != RoleUser {
			return &PairingError{Index: i, ToolUseID: uses[0].ID, Reason: "next message is not a user message"}
		}
		results := next.ToolResults()
		if len(results) != len(uses) {
			return &PairingError{Index: i, ToolUseID: uses[0].ID, Reason: "tool_result count mismatch"}
		}
		for j, u := range uses {
			if results[j].ToolUseID != u.ID {
				return &PairingError{Index: i, ToolUseID: u.ID, Reason: "tool_result out of order"}
			}
		}
	}
	return nil
}

// PairingError reports a tool_use / tool_result pairing violation.
type PairingError struct {
	Index     int
	ToolUseID string
	Reason    string
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("tool pairing violated at message %d (tool_use %s): %s", e.Index, e.ToolUseID, e.Reason)
}
