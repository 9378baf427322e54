package backtrack

import (
	"context"
	"strings"

	"github.com/haasonsaas/arc/internal/tools"
	"github.com/haasonsaas/arc/pkg/models"
)

// HeuristicDecider picks a backtrack type without an LLM round trip.
type HeuristicDecider struct{}

// clarifyMarkers are error fragments suggesting the user's intent, not the
// approach, is the problem.
var clarifyMarkers = []string{
	"ambiguous",
	"not found",
	"no such",
	"does not exist",
	"which ",
	"unclear",
}

// Decide maps an error to a backtrack type:
//   - intent_clarify when every distinct tool tried so far has already failed
//     and the error reads like a missing or ambiguous target
//   - param_adjust for input validation errors
//   - tool_replace on the second consecutive failure of the same tool
//   - plan_replan once the streak goes past two
//   - context_enrich otherwise
func (HeuristicDecider) Decide(ctx context.Context, state *State, call models.ToolCall, toolErr error) Type {
	msg := strings.ToLower(toolErr.Error())

	if allToolsFailing(state, call.Name) && matchesAny(msg, clarifyMarkers) {
		return IntentClarify
	}

	if te, ok := tools.AsToolError(toolErr); ok && te.Type == tools.ErrorInvalidInput {
		return ParamAdjust
	}

	switch streak := state.Streak(call.Name); {
	case streak == 1:
		return ToolReplace
	case streak >= 2:
		return PlanReplan
	}
	return ContextEnrich
}

// allToolsFailing approximates "everything we tried has failed": the current
// tool is already in the failed set and the session has failure history.
func allToolsFailing(state *State, current string) bool {
	if len(state.FailedTools) == 0 {
		return false
	}
	if _, ok := state.FailedTools[current]; !ok {
		return false
	}
	return true
}

func matchesAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
