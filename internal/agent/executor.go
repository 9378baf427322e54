package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/arc/internal/backtrack"
	"github.com/haasonsaas/arc/internal/compaction"
	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/internal/events"
	"github.com/haasonsaas/arc/internal/llm"
	"github.com/haasonsaas/arc/internal/observability"
	"github.com/haasonsaas/arc/internal/sessions"
	"github.com/haasonsaas/arc/internal/state"
	"github.com/haasonsaas/arc/internal/termination"
	"github.com/haasonsaas/arc/pkg/models"
)

// BacktrackChoice is the user's answer after recovery gives up.
type BacktrackChoice string

const (
	ChoiceRetry    BacktrackChoice = "retry"
	ChoiceRollback BacktrackChoice = "rollback"
	ChoiceStop     BacktrackChoice = "stop"
)

// fallbackFinalMessage is the last resort when even the summary call fails.
const fallbackFinalMessage = "Task concluded; please ask again if needed."

// streamErrorMessage replaces the response lost to a provider disconnect.
const streamErrorMessage = "The connection to the model was interrupted. Please retry."

// ExecutionContext aggregates everything one session's run needs. The
// confirmation channels are fed by the transport layer; a nil channel means
// the corresponding prompt resolves as "stop".
type ExecutionContext struct {
	SessionID      string
	ConversationID string
	UserID         string
	TaskID         string

	SystemPrompt string
	Tools        []llm.ToolDefinition

	Runtime   *models.RuntimeContext
	Backtrack *backtrack.State
	PlanCache *PlanCache

	Flow        *Flow
	PlanHandler *PlanHandler

	// Stop is the session's cancel signal, polled before LLM and tool calls.
	Stop <-chan struct{}

	HITL             chan HITLResponse
	BacktrackChoices <-chan BacktrackChoice
	Clarifications   <-chan string
	CostChoices      <-chan ConfirmDecision
	LongRunAcks      <-chan ConfirmDecision
}

// Result is the outcome of one Execute run.
type Result struct {
	Messages     []models.Message
	FinishReason models.FinishReason
	FinalText    string

	// Suspended is set when the loop stopped awaiting user input
	// (hitl_pending); the session resumes with the next user message.
	Suspended bool
}

// Executor drives the react-validate-reflect loop with backtracking for one
// session at a time. The executor itself is stateless across sessions; all
// per-session state lives in the ExecutionContext.
type Executor struct {
	cfg         *config.Config
	svc         llm.Service
	broadcaster *events.Broadcaster
	compactor   *compaction.Compactor
	backtracker *backtrack.Engine
	stateMgr    *state.Manager
	store       sessions.Store
	costs       *llm.CostTracker
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
}

// SetTracer enables span emission for LLM turns. A nil tracer is a no-op.
func (e *Executor) SetTracer(t *observability.Tracer) { e.tracer = t }

// NewExecutor wires the executor's shared collaborators. stateMgr, store,
// and metrics may be nil. A nil backtracker turns off recovery routing and
// the loop runs plain react-validate-reflect.
func NewExecutor(cfg *config.Config, svc llm.Service, broadcaster *events.Broadcaster, compactor *compaction.Compactor, backtracker *backtrack.Engine, stateMgr *state.Manager, store sessions.Store, costs *llm.CostTracker, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Executor{
		cfg:         cfg,
		svc:         svc,
		broadcaster: broadcaster,
		compactor:   compactor,
		backtracker: backtracker,
		stateMgr:    stateMgr,
		store:       store,
		costs:       costs,
		logger:      logger,
		metrics:     metrics,
	}
}

// Execute runs the loop until a termination decision, a suspension, or an
// unrecoverable transport failure. The returned messages are the full
// updated history.
func (e *Executor) Execute(ctx context.Context, ec *ExecutionContext, messages []models.Message) (*Result, error) {
	rc := ec.Runtime
	if ec.Backtrack == nil {
		ec.Backtrack = backtrack.NewState(0)
	}
	term := termination.New(e.cfg.Termination, e.cfg.Executor, e.cfg.HITL, e.logger)

	var lastStop llm.StopReason
	var lastAssistantText string

loop:
	for {
		if stopRequested(ec.Stop) {
			dec := term.Check(ctx, termination.Input{
				Runtime: rc, StopRequested: true, CostUSD: e.cost(),
			})
			rc.Complete(dec.FinishReason, lastAssistantText)
			break
		}

		// Plan injection goes after compaction-safe copy: the prefix of the
		// conversation never changes, only the final user message grows.
		turnMessages := injectPlan(messages, ec.PlanCache)
		turnMessages = e.compactor.Compact(ctx, turnMessages, ec.SystemPrompt, toolDefTexts(ec.Tools))

		defs := pruneTools(ec.Tools, ec.Backtrack.PrunedTools)

		rc.CurrentTurn++
		rc.Touch()
		if e.metrics != nil {
			e.metrics.TurnCounter.WithLabelValues("rvr-b").Inc()
		}

		assistant, stopReason, parseFailures, err := e.streamTurn(ctx, ec, turnMessages, defs)
		if err != nil {
			stopReason = llm.StopStreamError
		}
		lastStop = stopReason

		switch stopReason {
		case llm.StopEndTurn, llm.StopMaxTokens:
			messages = append(messages, assistant)
			lastAssistantText = assistant.Text()

		case llm.StopStreamError:
			e.broadcaster.Emit(ctx, ec.SessionID, models.EventError, map[string]any{
				"error_type":   "stream_error",
				"user_message": streamErrorMessage,
				"recoverable":  true,
			})
			rc.Complete(models.FinishCompleted, streamErrorMessage)
			e.setStatus(ctx, ec.SessionID, models.SessionFailed)
			return &Result{
				Messages:     messages,
				FinishReason: models.FinishCompleted,
				FinalText:    streamErrorMessage,
			}, nil

		case llm.StopToolUse:
			calls := toolCallsOf(assistant)

			// Pre-dispatch confirmation for dangerous tools.
			dec := term.Check(ctx, termination.Input{
				Runtime:          rc,
				LastStopReason:   llm.StopToolUse,
				PendingToolNames: toolNames(calls),
				CostUSD:          e.cost(),
			})
			if dec.ShouldStop && dec.FinishReason == models.FinishHITLConfirm {
				approved := e.confirmDangerous(ctx, ec, calls, dec.Reason)
				if !approved {
					e.handleRejection(ctx, ec)
					rc.Complete(models.FinishHITLConfirm, lastAssistantText)
					break loop
				}
			}

			// Dropped malformed tool_use blocks can leave the assistant
			// message empty; an empty message never enters history.
			if len(assistant.Content) > 0 {
				messages = append(messages, assistant)
			}
			if text := assistant.Text(); text != "" {
				lastAssistantText = text
			}

			resultsMsg, suspended := e.runTools(ctx, ec, calls, messages)
			for i := range parseFailures {
				fail := &parseFailures[i]
				rc.RecordToolFailure()
				if err := e.broadcaster.EmitBlock(ctx, ec.SessionID, fail.ResultBlock()); err != nil {
					e.logger.Warn(ctx, "parse failure emission failed", "tool", fail.ToolName, "error", err)
				}
				resultsMsg.Content = append(resultsMsg.Content, models.TextBlock(
					fmt.Sprintf("[tool_error] %s: %s", fail.ToolName, fail.ErrorMsg)))
			}
			if len(resultsMsg.Content) > 0 {
				e.persistUserMessage(ctx, ec, &resultsMsg)
				messages = append(messages, resultsMsg)
			}
			if suspended {
				rc.StopReason = "hitl_pending"
				e.setStatus(ctx, ec.SessionID, models.SessionHITLPending)
				return &Result{Messages: messages, Suspended: true}, nil
			}
		}

		// End-of-turn termination check.
		dec := term.Check(ctx, termination.Input{
			Runtime:        rc,
			LastStopReason: lastStop,
			StopRequested:  stopRequested(ec.Stop),
			CostUSD:        e.cost(),
		})
		if warning, ok := term.PendingWarning(); ok {
			e.broadcaster.Emit(ctx, ec.SessionID, models.EventCostWarn, map[string]any{"message": warning})
		}
		if !dec.ShouldStop {
			continue
		}

		switch dec.Action {
		case models.ActionStop:
			rc.Complete(dec.FinishReason, lastAssistantText)
			break loop

		case models.ActionRollbackOptions:
			e.emitRollbackOptions(ctx, ec, dec.Reason)
			rc.Complete(dec.FinishReason, lastAssistantText)
			break loop

		case models.ActionAskUser:
			cont, appended := e.askUser(ctx, ec, term, dec)
			if appended != nil {
				e.persistUserMessage(ctx, ec, appended)
				messages = append(messages, *appended)
			}
			if !cont {
				rc.Complete(dec.FinishReason, lastAssistantText)
				break loop
			}
		}
	}

	text := e.ensureFinalText(ctx, ec, messages, lastAssistantText)
	rc.FinalResult = text
	if e.metrics != nil {
		e.metrics.SessionFinishCounter.WithLabelValues(string(rc.FinishReason)).Inc()
	}
	e.setStatus(ctx, ec.SessionID, models.SessionCompleted)

	return &Result{
		Messages:     messages,
		FinishReason: rc.FinishReason,
		FinalText:    text,
	}, nil
}

// streamTurn issues one LLM request and folds the chunk stream into the
// broadcaster. Returns the persisted assistant message, the stop reason, and
// any tool_use blocks the accumulator dropped because their input never
// parsed, already shaped as failed execution results.
func (e *Executor) streamTurn(ctx context.Context, ec *ExecutionContext, messages []models.Message, defs []llm.ToolDefinition) (msg models.Message, stopReason llm.StopReason, parseFailures []models.ToolExecutionResult, err error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartLLMSpan(ctx, e.svc.Name(), e.cfg.LLM.Model, ec.Runtime.CurrentTurn)
		defer func() { observability.EndSpan(span, err) }()
	}

	req := &llm.Request{
		Model:     e.cfg.LLM.Model,
		System:    ec.SystemPrompt,
		Messages:  messages,
		Tools:     defs,
		MaxTokens: e.cfg.LLM.MaxTokens,
	}

	chunks, streamErr := e.svc.CreateMessageStream(ctx, req)
	if streamErr != nil {
		err = streamErr
		e.logger.Error(ctx, "stream request failed", "error", err)
		return models.Message{}, llm.StopStreamError, nil, err
	}

	e.broadcaster.StartMessage(ctx, ec.SessionID, ec.ConversationID, uuid.NewString())

	// Provider block index -> broadcaster index and type.
	type openBlock struct {
		index     int
		blockType models.BlockType
	}
	open := make(map[int]openBlock)
	stopReason = llm.StopEndTurn

	for chunk := range chunks {
		ec.Runtime.Touch()

		switch chunk.Kind {
		case llm.ChunkBlockStart:
			idx, err := e.broadcaster.StartBlock(ctx, ec.SessionID, chunk.BlockType, events.BlockInit{
				ToolID:   chunk.ToolID,
				ToolName: chunk.ToolName,
			})
			if err != nil {
				e.logger.Warn(ctx, "block start rejected", "error", err)
				continue
			}
			open[chunk.Index] = openBlock{index: idx, blockType: chunk.BlockType}

		case llm.ChunkTextDelta, llm.ChunkThinkingDelta, llm.ChunkInputDelta:
			ob, ok := open[chunk.Index]
			if !ok {
				continue
			}
			if err := e.broadcaster.Delta(ctx, ec.SessionID, ob.index, ob.blockType, chunk.Text); err != nil {
				e.logger.Warn(ctx, "delta rejected", "index", ob.index, "error", err)
			}

		case llm.ChunkBlockStop:
			if ob, ok := open[chunk.Index]; ok {
				if stopErr := e.broadcaster.StopBlock(ctx, ec.SessionID, ob.index, chunk.Signature); stopErr != nil {
					var malformed *events.MalformedToolInputError
					if errors.As(stopErr, &malformed) {
						parseFailures = append(parseFailures, models.ToolExecutionResult{
							ToolID:   malformed.ToolID,
							ToolName: malformed.ToolName,
							IsError:  true,
							ErrorMsg: "tool input parse failed: " + malformed.Err.Error(),
						})
					} else {
						e.logger.Warn(ctx, "block stop rejected", "index", ob.index, "error", stopErr)
					}
				}
				delete(open, chunk.Index)
			}

		case llm.ChunkMessageStop:
			stopReason = chunk.StopReason
			if chunk.Usage != nil {
				e.broadcaster.AccumulateUsage(ctx, ec.SessionID, *chunk.Usage)
				if e.costs != nil {
					e.costs.Record(e.svc.Name()+"/"+e.cfg.LLM.Model, *chunk.Usage)
				}
			}

		case llm.ChunkError:
			e.logger.Error(ctx, "stream error", "error", chunk.Err)
			stopReason = llm.StopStreamError
		}
	}

	msg, err = e.broadcaster.EmitMessageStop(ctx, ec.SessionID, string(stopReason))
	return msg, stopReason, parseFailures, err
}

// runTools executes a turn's tool calls with backtracking and returns the
// tool_results user message plus whether the loop must suspend. Reflection
// hints ride as trailing text blocks on the results message so the
// tool_use/tool_result pairing stays adjacent.
func (e *Executor) runTools(ctx context.Context, ec *ExecutionContext, calls []models.ToolCall, messages []models.Message) (models.Message, bool) {
	rc := ec.Runtime
	fc := &FlowContext{SessionID: ec.SessionID, TaskID: ec.TaskID, Runtime: rc}

	// Trajectory dedup before dispatch.
	repeating := false
	planOnly := true
	for _, call := range calls {
		if rc.RecordToolCall(call.Signature()) {
			repeating = true
		}
		if call.Name != "plan" {
			planOnly = false
		}
	}
	if !planOnly && ec.PlanHandler != nil {
		ec.PlanHandler.NoteOtherTool()
	}

	results := ec.Flow.ExecuteStream(ctx, fc, calls)

	backtracked := false
	var hints []string
	suspended := false

	for i, res := range results {
		if !res.IsError {
			rc.RecordToolSuccess()
			ec.Backtrack.RecordSuccess(res.ToolName)
			continue
		}

		if strings.Contains(res.ResultString(), PendingUserInputMarker) {
			suspended = true
			continue
		}
		rc.RecordToolFailure()

		// A nil engine degrades to the plain loop: errors go back to the
		// model as data with no recovery routing.
		if e.backtracker == nil {
			continue
		}
		dec := e.backtracker.OnToolError(ctx, ec.Backtrack, calls[i], resultError(res))
		switch dec.Outcome {
		case backtrack.OutcomeContinue:
			// Already retried in place by the flow's resilience layer.

		case backtrack.OutcomeBacktrack:
			backtracked = true
			rc.TotalBacktracks = ec.Backtrack.BacktrackCount
			e.broadcaster.Emit(ctx, ec.SessionID, models.EventBacktrack, map[string]any{
				"tool": res.ToolName, "type": string(dec.Type), "count": ec.Backtrack.BacktrackCount,
			})
			if e.metrics != nil {
				e.metrics.BacktrackCounter.WithLabelValues(string(dec.Type)).Inc()
			}

			if dec.Type == backtrack.IntentClarify {
				rc.BacktracksExhausted = true
				rc.BacktrackEscalation = models.EscalationIntentClarify
				continue
			}

			if dec.Alternative != "" {
				alt := models.ToolCall{ID: calls[i].ID, Name: dec.Alternative, Input: calls[i].Input}
				if replaced := ec.Flow.ExecuteSingle(ctx, fc, alt); !replaced.IsError {
					replaced.ToolID = res.ToolID
					results[i] = replaced
					// The failed result already went out; a superseding
					// tool_result event carries the replacement's success.
					if err := e.broadcaster.EmitBlock(ctx, ec.SessionID, replaced.ResultBlock()); err != nil {
						e.logger.Warn(ctx, "replacement result emission failed",
							"tool", replaced.ToolName, "error", err)
					}
					rc.RecordToolSuccess()
					continue
				}
			}

			if hint, ok := e.backtracker.HintForStreak(ec.Backtrack, res.ToolName); ok {
				hints = append(hints, hint.Text())
			}

		case backtrack.OutcomeFailGracefully:
			rc.BacktracksExhausted = true
			e.broadcaster.Emit(ctx, ec.SessionID, models.EventBacktrackExhausted, map[string]any{
				"tool": res.ToolName, "count": ec.Backtrack.BacktrackCount,
			})
		}
	}

	blocks := make([]models.ContentBlock, len(results))
	for i := range results {
		blocks[i] = results[i].ResultBlock()
	}
	resultsMsg := models.ToolResultMessage(blocks...)

	if backtracked {
		cleaned := backtrack.CleanPollution(append(append([]models.Message(nil), messages...), resultsMsg), ec.Backtrack)
		resultsMsg = cleaned[len(cleaned)-1]
	}

	if repeating {
		hints = append(hints, "[reflection] You are repeating the same tool call with identical input. Change your approach.")
	}
	hints = append(hints, hintTexts(results)...)
	for _, h := range hints {
		resultsMsg.Content = append(resultsMsg.Content, models.TextBlock(h))
	}

	return resultsMsg, suspended
}

// askUser routes one ASK_USER decision to its channel and prompt. Returns
// whether the loop continues and, optionally, a message to append.
func (e *Executor) askUser(ctx context.Context, ec *ExecutionContext, term *termination.Terminator, dec models.TerminationDecision) (bool, *models.Message) {
	switch dec.FinishReason {
	case models.FinishBacktrackExhausted:
		e.broadcaster.Emit(ctx, ec.SessionID, models.EventBacktrackExhaustedConfirm, map[string]any{
			"reason":  dec.Reason,
			"options": []string{string(ChoiceRetry), string(ChoiceRollback), string(ChoiceStop)},
		})
		switch waitChoice(ctx, ec.Stop, ec.BacktrackChoices) {
		case ChoiceRetry:
			resetBacktracking(ec)
			return true, nil
		case ChoiceRollback:
			e.emitRollbackOptions(ctx, ec, dec.Reason)
			return false, nil
		default:
			ec.Runtime.StopReason = "user_stop_after_backtrack"
			return false, nil
		}

	case models.FinishIntentClarify:
		e.broadcaster.Emit(ctx, ec.SessionID, models.EventIntentClarifyRequest, map[string]any{"reason": dec.Reason})
		text, ok := waitText(ctx, ec.Stop, ec.Clarifications)
		if !ok {
			return false, nil
		}
		resetBacktracking(ec)
		msg := models.UserMessage(text)
		return true, &msg

	case models.FinishCostLimit:
		level := termination.CostConfirm
		event := models.EventCostLimitConfirm
		if e.cfg.Termination.CostUrgentUSD > 0 && e.cost() >= e.cfg.Termination.CostUrgentUSD {
			level = termination.CostUrgent
			event = models.EventCostUrgentConfirm
		}
		e.broadcaster.Emit(ctx, ec.SessionID, event, map[string]any{
			"reason": dec.Reason, "cost_usd": e.cost(),
		})
		if waitDecision(ctx, ec.Stop, ec.CostChoices) == DecisionApprove {
			term.ConfirmCost(level)
			return true, nil
		}
		return false, nil

	case models.FinishLongRunningConfirm:
		e.broadcaster.Emit(ctx, ec.SessionID, models.EventLongRunningConfirm, map[string]any{"reason": dec.Reason})
		if waitDecision(ctx, ec.Stop, ec.LongRunAcks) == DecisionApprove {
			term.ConfirmLongRunning()
			return true, nil
		}
		return false, nil
	}

	return false, nil
}

// confirmDangerous surfaces the approve/reject prompt for tools that match
// the HITL danger list.
func (e *Executor) confirmDangerous(ctx context.Context, ec *ExecutionContext, calls []models.ToolCall, reason string) bool {
	e.broadcaster.Emit(ctx, ec.SessionID, models.EventHITLConfirm, map[string]any{
		"reason": reason,
		"tools":  toolNames(calls),
	})
	select {
	case resp, ok := <-ec.HITL:
		return ok && resp.Decision == DecisionApprove
	case <-ec.Stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// handleRejection applies the configured on_rejection policy after the user
// declines a dangerous tool.
func (e *Executor) handleRejection(ctx context.Context, ec *ExecutionContext) {
	switch e.cfg.HITL.OnRejection {
	case "rollback":
		ec.Runtime.StopReason = "hitl_rejected_rollback"
		if e.stateMgr != nil {
			if snapID, ok := e.stateMgr.SnapshotID(ec.TaskID); ok {
				statuses := e.stateMgr.Rollback(ctx, snapID)
				e.broadcaster.Emit(ctx, ec.SessionID, models.EventRollbackCompleted, map[string]any{
					"snapshot_id": snapID, "statuses": statusStrings(statuses),
				})
			}
		}
	case "ask_rollback":
		e.emitRollbackOptions(ctx, ec, "user rejected a dangerous tool call")
	default:
		ec.Runtime.StopReason = "hitl_rejected_stop"
	}
}

// ensureFinalText guarantees the session ends with assistant prose. When the
// loop produced none, one tool-free summary call runs; when that fails too,
// a fixed fallback applies.
func (e *Executor) ensureFinalText(ctx context.Context, ec *ExecutionContext, messages []models.Message, lastText string) string {
	if strings.TrimSpace(lastText) != "" {
		return lastText
	}
	if !e.cfg.Executor.FallbackSummary {
		return fallbackFinalMessage
	}

	summaryMessages := append(append([]models.Message(nil), messages...),
		models.UserMessage("[system] Summarize what you did and why the task stopped, in a short paragraph."))
	resp, err := e.svc.CreateMessage(ctx, &llm.Request{
		Model:     e.cfg.LLM.Model,
		System:    ec.SystemPrompt,
		Messages:  summaryMessages,
		MaxTokens: e.cfg.LLM.MaxTokens,
	})
	if err != nil || strings.TrimSpace(resp.Text()) == "" {
		e.logger.Warn(ctx, "fallback summary failed", "error", err)
		return fallbackFinalMessage
	}

	e.broadcaster.StartMessage(ctx, ec.SessionID, ec.ConversationID, uuid.NewString())
	e.broadcaster.EmitBlock(ctx, ec.SessionID, models.TextBlock(resp.Text()))
	e.broadcaster.EmitMessageStop(ctx, ec.SessionID, string(llm.StopEndTurn))
	return resp.Text()
}

func (e *Executor) emitRollbackOptions(ctx context.Context, ec *ExecutionContext, reason string) {
	data := map[string]any{"reason": reason}
	if e.stateMgr != nil {
		if snapID, ok := e.stateMgr.SnapshotID(ec.TaskID); ok {
			data["snapshot_id"] = snapID
		}
	}
	e.broadcaster.Emit(ctx, ec.SessionID, models.EventRollbackOptions, data)
}

func (e *Executor) cost() float64 {
	if e.costs == nil {
		return -1
	}
	return e.costs.Cost()
}

// persistUserMessage writes a user-side message (tool results, clarification
// replies) to the session store so a resumed history keeps the first-message-
// is-user shape and every tool_use keeps its paired tool_result.
func (e *Executor) persistUserMessage(ctx context.Context, ec *ExecutionContext, msg *models.Message) {
	if e.store == nil || len(msg.Content) == 0 {
		return
	}
	msg.SessionID = ec.SessionID
	msg.ConversationID = ec.ConversationID
	msg.Status = models.StatusCompleted
	if err := e.store.AppendMessage(ctx, ec.SessionID, msg); err != nil {
		e.logger.Warn(ctx, "persist user message failed",
			"session_id", ec.SessionID, "error", err)
	}
}

func (e *Executor) setStatus(ctx context.Context, sessionID string, status models.SessionStatus) {
	if e.store == nil {
		return
	}
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	sess.Status = status
	if err := e.store.Update(ctx, sess); err != nil {
		e.logger.Warn(ctx, "session status update failed", "session_id", sessionID, "error", err)
	}
}

// injectPlan appends the rendered plan to the final user message without
// touching the conversation prefix (preserves provider KV cache).
func injectPlan(messages []models.Message, cache *PlanCache) []models.Message {
	if cache == nil {
		return messages
	}
	plan, ok := cache.Get()
	if !ok || len(messages) == 0 {
		return messages
	}
	last := len(messages) - 1
	if messages[last].Role != models.RoleUser {
		return messages
	}

	out := append([]models.Message(nil), messages...)
	msg := out[last]
	msg.Content = append(append([]models.ContentBlock(nil), msg.Content...),
		models.TextBlock("\n"+plan.Render()))
	out[last] = msg
	return out
}

// pruneTools filters banned tools from the definitions. An empty survivor
// list keeps the originals; the model is never left without tools.
func pruneTools(defs []llm.ToolDefinition, pruned map[string]struct{}) []llm.ToolDefinition {
	if len(pruned) == 0 {
		return defs
	}
	var out []llm.ToolDefinition
	for _, d := range defs {
		if _, banned := pruned[d.Name]; !banned {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return defs
	}
	return out
}

// hintTexts lifts _hint-style fields buried in result payloads into
// standalone text the model cannot miss.
func hintTexts(results []models.ToolExecutionResult) []string {
	var texts []string
	for _, res := range results {
		payload, ok := res.Result.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"_hint", "force_execute_hint"} {
			if hint, ok := payload[key].(string); ok && hint != "" {
				texts = append(texts, "[system] "+hint)
			}
		}
	}
	return texts
}

func resetBacktracking(ec *ExecutionContext) {
	ec.Backtrack.BacktrackCount = 0
	ec.Backtrack.PrunedTools = make(map[string]struct{})
	ec.Runtime.BacktracksExhausted = false
	ec.Runtime.BacktrackEscalation = models.EscalationNone
}

func toolCallsOf(msg models.Message) []models.ToolCall {
	var calls []models.ToolCall
	for _, b := range msg.ToolUses() {
		calls = append(calls, models.ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
	}
	return calls
}

func toolNames(calls []models.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func toolDefTexts(defs []llm.ToolDefinition) []string {
	texts := make([]string, len(defs))
	for i, d := range defs {
		texts[i] = d.Name + " " + d.Description + " " + string(d.InputSchema)
	}
	return texts
}

func resultError(res models.ToolExecutionResult) error {
	if res.Err != nil {
		return res.Err
	}
	return &toolResultError{msg: res.ErrorMsg}
}

type toolResultError struct{ msg string }

func (e *toolResultError) Error() string { return e.msg }

func statusStrings(statuses []state.RollbackStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func stopRequested(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func waitChoice(ctx context.Context, stop <-chan struct{}, ch <-chan BacktrackChoice) BacktrackChoice {
	if ch == nil {
		return ChoiceStop
	}
	select {
	case c, ok := <-ch:
		if !ok {
			return ChoiceStop
		}
		return c
	case <-stop:
		return ChoiceStop
	case <-ctx.Done():
		return ChoiceStop
	}
}

func waitText(ctx context.Context, stop <-chan struct{}, ch <-chan string) (string, bool) {
	if ch == nil {
		return "", false
	}
	select {
	case s, ok := <-ch:
		return s, ok && s != ""
	case <-stop:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func waitDecision(ctx context.Context, stop <-chan struct{}, ch <-chan ConfirmDecision) ConfirmDecision {
	if ch == nil {
		return DecisionReject
	}
	select {
	case d, ok := <-ch:
		if !ok {
			return DecisionReject
		}
		return d
	case <-stop:
		return DecisionReject
	case <-ctx.Done():
		return DecisionReject
	}
}
