package models

import "time"

// toolCallRingSize bounds the trajectory signature history.
const toolCallRingSize = 50

// duplicateThreshold is how many consecutive identical signatures count as
// the model repeating itself.
const duplicateThreshold = 4

// BacktrackEscalation marks why backtracking gave up.
type BacktrackEscalation string

const (
	EscalationNone          BacktrackEscalation = ""
	EscalationIntentClarify BacktrackEscalation = "intent_clarify"
	EscalationEscalate      BacktrackEscalation = "escalate"
)

// RuntimeContext is the per-session mutable state shared across the executor,
// terminator, and backtrack engine. Single writer: the session's executor
// goroutine. Never share one across sessions.
type RuntimeContext struct {
	SessionID      string
	ConversationID string
	UserID         string

	CurrentTurn  int
	StartTime    time.Time
	LastActivity time.Time

	// ConsecutiveFailures counts tool errors since the last tool success.
	ConsecutiveFailures int

	TotalBacktracks     int
	BacktracksExhausted bool
	BacktrackEscalation BacktrackEscalation

	Completed    bool
	StopReason   string
	FinishReason FinishReason
	FinalResult  string

	ring                  []string
	lastSignature         string
	ConsecutiveDuplicates int
}

// NewRuntimeContext starts the per-session clock.
func NewRuntimeContext(sessionID, conversationID, userID string) *RuntimeContext {
	now := time.Now()
	return &RuntimeContext{
		SessionID:      sessionID,
		ConversationID: conversationID,
		UserID:         userID,
		StartTime:      now,
		LastActivity:   now,
	}
}

// Touch records activity, resetting the idle clock.
func (rc *RuntimeContext) Touch() {
	rc.LastActivity = time.Now()
}

// Duration is the wall time since the session started.
func (rc *RuntimeContext) Duration() time.Duration {
	return time.Since(rc.StartTime)
}

// Idle is the wall time since the last recorded activity.
func (rc *RuntimeContext) Idle() time.Duration {
	return time.Since(rc.LastActivity)
}

// RecordToolCall pushes a call signature into the trajectory ring and
// reports whether the model is repeating itself: the same signature seen at
// least four times in a row.
func (rc *RuntimeContext) RecordToolCall(signature string) bool {
	if signature == rc.lastSignature {
		rc.ConsecutiveDuplicates++
	} else {
		rc.ConsecutiveDuplicates = 1
		rc.lastSignature = signature
	}

	rc.ring = append(rc.ring, signature)
	if len(rc.ring) > toolCallRingSize {
		rc.ring = rc.ring[len(rc.ring)-toolCallRingSize:]
	}

	return rc.ConsecutiveDuplicates >= duplicateThreshold
}

// RecordToolSuccess resets the consecutive-failure counter.
func (rc *RuntimeContext) RecordToolSuccess() {
	rc.ConsecutiveFailures = 0
}

// RecordToolFailure bumps the consecutive-failure counter.
func (rc *RuntimeContext) RecordToolFailure() {
	rc.ConsecutiveFailures++
}

// Complete marks the session finished with a final result.
func (rc *RuntimeContext) Complete(finish FinishReason, result string) {
	rc.Completed = true
	rc.FinishReason = finish
	rc.FinalResult = result
}
