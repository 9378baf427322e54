package models

// FinishReason is the enumerated cause of session termination.
type FinishReason string

const (
	FinishCompleted           FinishReason = "completed"
	FinishAgentDecision       FinishReason = "agent_decision"
	FinishUserStop            FinishReason = "user_stop"
	FinishUserAbort           FinishReason = "user_abort"
	FinishMaxTurns            FinishReason = "max_turns"
	FinishMaxDuration         FinishReason = "max_duration"
	FinishIdleTimeout         FinishReason = "idle_timeout"
	FinishCostLimit           FinishReason = "cost_limit"
	FinishConsecutiveFailures FinishReason = "consecutive_failures"
	FinishBacktrackExhausted  FinishReason = "backtrack_exhausted"
	FinishHITLConfirm         FinishReason = "hitl_confirm"
	FinishLongRunningConfirm  FinishReason = "long_running_confirm"
	FinishIntentClarify       FinishReason = "intent_clarify"
)

// TerminationAction tells the executor what to do with a stop decision.
type TerminationAction string

const (
	ActionStop            TerminationAction = "stop"
	ActionAskUser         TerminationAction = "ask_user"
	ActionRollbackOptions TerminationAction = "rollback_options"
)

// TerminationDecision is the terminator's verdict for one turn boundary.
type TerminationDecision struct {
	ShouldStop   bool              `json:"should_stop"`
	Reason       string            `json:"reason,omitempty"`
	FinishReason FinishReason      `json:"finish_reason,omitempty"`
	Action       TerminationAction `json:"action,omitempty"`
}

// Continue is the decision to keep looping.
func Continue() TerminationDecision {
	return TerminationDecision{}
}

// Stop builds a plain stop decision.
func Stop(reason string, finish FinishReason) TerminationDecision {
	return TerminationDecision{ShouldStop: true, Reason: reason, FinishReason: finish, Action: ActionStop}
}

// AskUser builds a suspend-and-prompt decision.
func AskUser(reason string, finish FinishReason) TerminationDecision {
	return TerminationDecision{ShouldStop: true, Reason: reason, FinishReason: finish, Action: ActionAskUser}
}

// RollbackOptions builds a decision that surfaces rollback choices.
func RollbackOptions(reason string, finish FinishReason) TerminationDecision {
	return TerminationDecision{ShouldStop: true, Reason: reason, FinishReason: finish, Action: ActionRollbackOptions}
}
