package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive is a session with a running or runnable executor.
	SessionActive SessionStatus = "active"

	// SessionHITLPending is suspended waiting for a human decision.
	SessionHITLPending SessionStatus = "hitl_pending"

	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session groups the conversations of one agent run.
type Session struct {
	ID        string            `json:"id"`
	Status    SessionStatus     `json:"status"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	LastSeq   uint64            `json:"last_seq"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
