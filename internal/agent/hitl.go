package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/arc/internal/events"
	"github.com/haasonsaas/arc/internal/tools"
	"github.com/haasonsaas/arc/pkg/models"
)

// PendingUserInputMarker flags a tool result that must suspend the loop
// instead of feeding the model another turn.
const PendingUserInputMarker = "pending_user_input"

// ConfirmDecision is the user's answer to a confirmation prompt.
type ConfirmDecision string

const (
	DecisionApprove ConfirmDecision = "approve"
	DecisionReject  ConfirmDecision = "reject"
)

// hitlInput is the ask_user tool's parsed input.
type hitlInput struct {
	Question string   `json:"question" jsonschema:"description=The question to put to the user"`
	Options  []string `json:"options,omitempty" jsonschema:"description=Optional fixed choices"`
}

// HITLTool lets the model request human input mid-task. Dispatch goes
// through HITLHandler.
type HITLTool struct{}

func (HITLTool) Name() string { return "ask_user" }

func (HITLTool) Description() string {
	return "Ask the user a question and wait for their answer. Use for decisions you cannot make alone."
}

func (HITLTool) Schema() json.RawMessage { return tools.MustSchema[hitlInput]() }

func (HITLTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	return nil, fmt.Errorf("ask_user requires a session handler")
}

// HITLResponse is what the transport feeds back when the user answers.
type HITLResponse struct {
	Decision ConfirmDecision
	Text     string
}

// HITLHandler suspends tool dispatch until the session's confirm channel
// delivers the user's response.
type HITLHandler struct {
	broadcaster *events.Broadcaster
	responses   <-chan HITLResponse
}

// NewHITLHandler wires the handler to the session's response channel.
func NewHITLHandler(broadcaster *events.Broadcaster, responses <-chan HITLResponse) *HITLHandler {
	return &HITLHandler{broadcaster: broadcaster, responses: responses}
}

// Handle emits the form event and blocks for the user. A rejection or a
// cancelled context produces an error result carrying the pending marker, so
// the executor suspends rather than looping.
func (h *HITLHandler) Handle(ctx context.Context, fc *FlowContext, call models.ToolCall) models.ToolExecutionResult {
	if h.broadcaster != nil {
		h.broadcaster.Emit(ctx, fc.SessionID, models.EventHITLConfirm, map[string]any{
			"tool_id":  call.ID,
			"question": call.Input["question"],
			"options":  call.Input["options"],
		})
	}

	select {
	case resp, ok := <-h.responses:
		if !ok || resp.Decision == DecisionReject {
			return suspendedResult(call, "user declined")
		}
		answer := resp.Text
		if answer == "" {
			answer = "approved"
		}
		return models.ToolExecutionResult{
			ToolID:    call.ID,
			ToolName:  call.Name,
			ToolInput: call.Input,
			Result:    map[string]any{"answer": answer},
		}
	case <-ctx.Done():
		return suspendedResult(call, "cancelled while waiting for the user")
	}
}

func suspendedResult(call models.ToolCall, reason string) models.ToolExecutionResult {
	return models.ToolExecutionResult{
		ToolID:    call.ID,
		ToolName:  call.Name,
		ToolInput: call.Input,
		Result:    map[string]any{"status": PendingUserInputMarker, "reason": reason},
		IsError:   true,
		ErrorMsg:  reason,
	}
}
