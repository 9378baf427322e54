// Package backtrack decides how the agent recovers from failed tool calls:
// retry with a different tool, reshape the conversation so the model stops
// repeating a dead approach, or escalate to the user. Infrastructure faults
// (timeouts, rate limits) are not backtracks; they belong to the retry layer.
package backtrack

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/internal/observability"
	"github.com/haasonsaas/arc/internal/tools"
	"github.com/haasonsaas/arc/pkg/models"
)

// Type classifies a backtrack decision.
type Type string

const (
	NoBacktrack   Type = "no_backtrack"
	ToolReplace   Type = "tool_replace"
	PlanReplan    Type = "plan_replan"
	ParamAdjust   Type = "param_adjust"
	ContextEnrich Type = "context_enrich"
	IntentClarify Type = "intent_clarify"
)

// Outcome is what the executor does with a tool error.
type Outcome string

const (
	OutcomeContinue       Outcome = "continue"
	OutcomeBacktrack      Outcome = "backtrack"
	OutcomeFailGracefully Outcome = "fail_gracefully"
)

// Decision is the engine's verdict for one tool error.
type Decision struct {
	Outcome Outcome
	Type    Type

	// Action is set on OutcomeContinue: "delegate_to_resilience".
	Action string

	// Alternative is the replacement tool name on ToolReplace, when one
	// exists outside the failed set.
	Alternative string

	// Hint is appended to the error result returned to the model.
	Hint string
}

// FailedApproach records one tried-and-failed tool invocation.
type FailedApproach struct {
	Tool     string `json:"tool"`
	Approach string `json:"approach"`
	Reason   string `json:"reason"`
}

const maxFailedApproaches = 10

// State is the per-session backtrack bookkeeping (RVR-B state).
type State struct {
	BacktrackCount    int
	MaxBacktracks     int
	FailedTools       map[string]struct{}
	FailedApproaches  []FailedApproach
	ToolFailureStreak map[string]int
	PrunedTools       map[string]struct{}
}

// NewState builds an empty state with the given backtrack budget.
func NewState(maxBacktracks int) *State {
	if maxBacktracks <= 0 {
		maxBacktracks = 3
	}
	return &State{
		MaxBacktracks:     maxBacktracks,
		FailedTools:       make(map[string]struct{}),
		ToolFailureStreak: make(map[string]int),
		PrunedTools:       make(map[string]struct{}),
	}
}

// RecordFailure updates the failure bookkeeping for one tool error.
func (s *State) RecordFailure(call models.ToolCall, reason string) {
	s.FailedTools[call.Name] = struct{}{}
	s.ToolFailureStreak[call.Name]++
	s.FailedApproaches = append(s.FailedApproaches, FailedApproach{
		Tool:     call.Name,
		Approach: brief(call.InputJSON(), 100),
		Reason:   brief(reason, 100),
	})
	if len(s.FailedApproaches) > maxFailedApproaches {
		s.FailedApproaches = s.FailedApproaches[len(s.FailedApproaches)-maxFailedApproaches:]
	}
}

// RecordSuccess resets the streak for a tool that finally worked.
func (s *State) RecordSuccess(toolName string) {
	delete(s.ToolFailureStreak, toolName)
}

// Streak returns the current consecutive failure count for a tool.
func (s *State) Streak(toolName string) int {
	return s.ToolFailureStreak[toolName]
}

// Exhausted reports whether the backtrack budget is spent.
func (s *State) Exhausted() bool {
	return s.BacktrackCount >= s.MaxBacktracks
}

// Decider chooses a backtrack type once the engine has ruled out the
// infrastructure and exhaustion paths. Implementations may call an LLM; the
// shipped one is heuristic.
type Decider interface {
	Decide(ctx context.Context, state *State, call models.ToolCall, toolErr error) Type
}

// Engine routes tool errors to retry, backtrack, or graceful failure.
type Engine struct {
	cfg      config.BacktrackConfig
	decider  Decider
	registry *tools.Registry
	logger   *observability.Logger
}

// NewEngine creates an engine. A nil decider gets the heuristic default.
func NewEngine(cfg config.BacktrackConfig, decider Decider, registry *tools.Registry, logger *observability.Logger) *Engine {
	if decider == nil {
		decider = HeuristicDecider{}
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Engine{cfg: cfg, decider: decider, registry: registry, logger: logger}
}

// NewState builds a fresh per-session state from the engine's config.
func (e *Engine) NewState() *State {
	return NewState(e.cfg.MaxAttempts)
}

// OnToolError is the decision procedure the executor calls when a tool call
// fails with a business-logic error (or any error; infrastructure errors are
// detected here and delegated).
func (e *Engine) OnToolError(ctx context.Context, state *State, call models.ToolCall, toolErr error) Decision {
	if tools.IsInfrastructureError(toolErr) {
		return Decision{Outcome: OutcomeContinue, Type: NoBacktrack, Action: "delegate_to_resilience"}
	}

	if state.Exhausted() {
		e.logger.Warn(ctx, "backtrack budget exhausted",
			"tool", call.Name, "count", state.BacktrackCount)
		return Decision{Outcome: OutcomeFailGracefully}
	}

	typ := e.decider.Decide(ctx, state, call, toolErr)
	state.BacktrackCount++
	state.RecordFailure(call, toolErr.Error())

	dec := Decision{Outcome: OutcomeBacktrack, Type: typ}
	if typ == ToolReplace {
		if alt, ok := e.findAlternative(state, call.Name); ok {
			dec.Alternative = alt
		} else {
			dec.Hint = "No alternative tool is available. Analyze the error and try a different approach."
		}
	}

	e.logger.Info(ctx, "backtrack decision",
		"tool", call.Name, "type", string(typ), "count", state.BacktrackCount)
	return dec
}

// findAlternative asks the registry for a capability-compatible replacement
// that has not already failed or been pruned.
func (e *Engine) findAlternative(state *State, toolName string) (string, bool) {
	if e.registry == nil {
		return "", false
	}
	tool, ok := e.registry.Get(toolName)
	if !ok {
		return "", false
	}
	alt, ok := tool.(tools.Alternatives)
	if !ok {
		return "", false
	}
	for _, name := range alt.Alternatives() {
		if _, failed := state.FailedTools[name]; failed {
			continue
		}
		if _, pruned := state.PrunedTools[name]; pruned {
			continue
		}
		if _, registered := e.registry.Get(name); registered {
			return name, true
		}
	}
	return "", false
}

// HintForStreak returns the escalation message for a tool whose failure
// streak reached the given level, and whether a message should be appended.
// At streak three and above the tool is pruned from the next request's
// definitions instead of hinted about.
func (e *Engine) HintForStreak(state *State, toolName string) (models.Message, bool) {
	streak := state.Streak(toolName)
	switch {
	case streak <= 0:
		return models.Message{}, false
	case streak == 1:
		text := fmt.Sprintf(
			"[system] The tool %q failed. Analyze the cause of the failure, then either try a different tool or retry with different parameters.",
			toolName)
		return models.UserMessage(text), true
	case streak == 2:
		var b strings.Builder
		fmt.Fprintf(&b, "[system] The tool %q has failed twice. Recent failed approaches:\n", toolName)
		for _, fa := range lastApproaches(state.FailedApproaches, toolName, 3) {
			fmt.Fprintf(&b, "- %s with %s: %s\n", fa.Tool, fa.Approach, fa.Reason)
		}
		b.WriteString("Do not repeat any of these with identical parameters.")
		return models.UserMessage(b.String()), true
	default:
		state.PrunedTools[toolName] = struct{}{}
		return models.Message{}, false
	}
}

// CleanPollution collapses the error payloads of failed tool_result blocks
// in the most recent user message into one synthetic reflection block, so
// stale error text stops steering the model. Non-failed results are kept
// untouched.
func CleanPollution(messages []models.Message, state *State) []models.Message {
	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return messages
	}

	hasFailed := false
	for _, b := range messages[idx].Content {
		if b.Type == models.BlockToolResult && b.IsError {
			hasFailed = true
			break
		}
	}
	if !hasFailed {
		return messages
	}

	// Failed results keep their blocks so every tool_use stays paired; only
	// the error payloads collapse into the shared reflection.
	out := append([]models.Message(nil), messages...)
	msg := out[idx]
	blocks := make([]models.ContentBlock, 0, len(msg.Content)+1)
	for _, b := range msg.Content {
		if b.Type == models.BlockToolResult && b.IsError {
			b = models.ToolResultBlock(b.ToolUseID, "failed; see reflection below", true)
		}
		blocks = append(blocks, b)
	}
	blocks = append(blocks, models.TextBlock(reflection(state)))
	msg.Content = blocks
	out[idx] = msg
	return out
}

// reflection summarizes what failed so far: tool names, the first error
// briefs, and the tried approaches.
func reflection(state *State) string {
	var b strings.Builder
	b.WriteString("[reflection] Previous tool calls failed.\n")

	if len(state.FailedTools) > 0 {
		names := make([]string, 0, len(state.FailedTools))
		for name := range state.FailedTools {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "Failed tools: %s\n", strings.Join(names, ", "))
	}

	count := len(state.FailedApproaches)
	if count > 3 {
		count = 3
	}
	if count > 0 {
		b.WriteString("Errors:\n")
		for _, fa := range state.FailedApproaches[:count] {
			fmt.Fprintf(&b, "- %s: %s\n", fa.Tool, brief(fa.Reason, 100))
		}
	}

	if len(state.FailedApproaches) > 0 {
		b.WriteString("Approaches already tried (do not repeat):\n")
		for _, fa := range state.FailedApproaches {
			fmt.Fprintf(&b, "- %s %s\n", fa.Tool, fa.Approach)
		}
	}
	return b.String()
}

func lastApproaches(all []FailedApproach, toolName string, n int) []FailedApproach {
	var matched []FailedApproach
	for _, fa := range all {
		if fa.Tool == toolName {
			matched = append(matched, fa)
		}
	}
	if len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	return matched
}

func brief(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
