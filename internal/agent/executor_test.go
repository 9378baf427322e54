package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/arc/internal/backtrack"
	"github.com/haasonsaas/arc/internal/compaction"
	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/internal/events"
	"github.com/haasonsaas/arc/internal/llm"
	"github.com/haasonsaas/arc/internal/sessions"
	"github.com/haasonsaas/arc/internal/tools"
	"github.com/haasonsaas/arc/pkg/models"
)

// scriptedService replays pre-built chunk streams, one per turn.
type scriptedService struct {
	streams [][]llm.Chunk
	summary string
	call    int
	reqs    []*llm.Request
}

func (s *scriptedService) CreateMessageStream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	s.reqs = append(s.reqs, req)
	if s.call >= len(s.streams) {
		return nil, errors.New("script exhausted")
	}
	script := s.streams[s.call]
	s.call++
	ch := make(chan llm.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *scriptedService) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if s.summary == "" {
		return nil, errors.New("no summary scripted")
	}
	return &llm.Response{
		Content:    []models.ContentBlock{models.TextBlock(s.summary)},
		StopReason: llm.StopEndTurn,
	}, nil
}

func (s *scriptedService) CountTokens(text string) int { return len(text) / 4 }
func (s *scriptedService) Name() string                { return "scripted" }

func textStream(text string, stop llm.StopReason) []llm.Chunk {
	return []llm.Chunk{
		{Kind: llm.ChunkBlockStart, Index: 0, BlockType: models.BlockText},
		{Kind: llm.ChunkTextDelta, Index: 0, Text: text},
		{Kind: llm.ChunkBlockStop, Index: 0},
		{Kind: llm.ChunkMessageStop, StopReason: stop, Usage: &models.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func toolStream(toolID, toolName, inputJSON string) []llm.Chunk {
	return []llm.Chunk{
		{Kind: llm.ChunkBlockStart, Index: 0, BlockType: models.BlockToolUse, ToolID: toolID, ToolName: toolName},
		{Kind: llm.ChunkInputDelta, Index: 0, Text: inputJSON},
		{Kind: llm.ChunkBlockStop, Index: 0},
		{Kind: llm.ChunkMessageStop, StopReason: llm.StopToolUse, Usage: &models.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func errorStream() []llm.Chunk {
	return []llm.Chunk{
		{Kind: llm.ChunkBlockStart, Index: 0, BlockType: models.BlockText},
		{Kind: llm.ChunkTextDelta, Index: 0, Text: "partial"},
		{Kind: llm.ChunkError, Err: errors.New("connection reset")},
	}
}

type estCharCount struct{}

func (estCharCount) Count(text string) int { return len(text) / 4 }
func (estCharCount) CountMessage(msg models.Message) int {
	n := 0
	for _, b := range msg.Content {
		n += len(b.Text) / 4
	}
	return n + 4
}

type execFixture struct {
	cfg         *config.Config
	exec        *Executor
	ec          *ExecutionContext
	svc         *scriptedService
	broadcaster *events.Broadcaster
}

func newExecFixture(t *testing.T, svc *scriptedService, stubs ...*stubTool) *execFixture {
	t.Helper()

	cfg := config.Default()
	cfg.LLM.Model = "test-model"
	cfg.Executor.FallbackSummary = false
	cfg.HITL.Enabled = false

	reg := tools.NewRegistry()
	for _, s := range stubs {
		if err := reg.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.name, err)
		}
	}

	broadcaster := events.NewBroadcaster(nil, nil, 256)
	compactor := compaction.New(cfg.Context, estCharCount{}, nil)
	engine := backtrack.NewEngine(cfg.Backtrack, nil, reg, nil)

	cache := &PlanCache{}
	ph := NewPlanHandler(cache)
	flow := NewFlow(cfg.Tools, reg, nil, broadcaster, nil)
	flow.RegisterHandler("plan", ph)

	defs := make([]llm.ToolDefinition, 0, len(stubs))
	for _, s := range stubs {
		defs = append(defs, llm.ToolDefinition{Name: s.name, Description: "stub", InputSchema: s.Schema()})
	}

	exec := NewExecutor(cfg, svc, broadcaster, compactor, engine, nil, nil, nil, nil, nil)
	ec := &ExecutionContext{
		SessionID:      "s1",
		ConversationID: "c1",
		SystemPrompt:   "You are a test agent.",
		Tools:          defs,
		Runtime:        models.NewRuntimeContext("s1", "c1", "u1"),
		Backtrack:      engine.NewState(),
		PlanCache:      cache,
		Flow:           flow,
		PlanHandler:    ph,
	}
	return &execFixture{cfg: cfg, exec: exec, ec: ec, svc: svc, broadcaster: broadcaster}
}

func TestExecuteSimpleCompletion(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		textStream("All done.", llm.StopEndTurn),
	}}
	fx := newExecFixture(t, svc)

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("hello"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishCompleted {
		t.Fatalf("finish = %s, want completed", res.FinishReason)
	}
	if res.FinalText != "All done." {
		t.Fatalf("final text = %q", res.FinalText)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("history has %d messages, want 2", len(res.Messages))
	}
	if res.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("last message role = %s", res.Messages[1].Role)
	}
}

func TestExecuteToolLoop(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "echo", `{"text":"ping"}`),
		textStream("The tool said ping.", llm.StopEndTurn),
	}}
	fx := newExecFixture(t, svc, &stubTool{
		name: "echo",
		fn: func(_ context.Context, input map[string]any) (any, error) {
			return input["text"], nil
		},
	})

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("call echo"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalText != "The tool said ping." {
		t.Fatalf("final text = %q", res.FinalText)
	}
	// user, assistant tool_use, user tool_result, assistant text
	if len(res.Messages) != 4 {
		t.Fatalf("history has %d messages, want 4", len(res.Messages))
	}
	if !res.Messages[1].HasToolUse() {
		t.Fatal("assistant tool_use message missing")
	}
	resultBlocks := res.Messages[2].ToolResults()
	if len(resultBlocks) != 1 || resultBlocks[0].ToolUseID != "t1" {
		t.Fatalf("tool result message malformed: %+v", res.Messages[2])
	}
	if err := models.ValidatePairing(res.Messages); err != nil {
		t.Fatalf("history pairing broken: %v", err)
	}
	if fx.ec.Runtime.CurrentTurn != 2 {
		t.Fatalf("turns = %d, want 2", fx.ec.Runtime.CurrentTurn)
	}
}

func TestExecuteSuspendsOnPendingUserInput(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "ask_user", `{"question":"which env?"}`),
	}}
	fx := newExecFixture(t, svc)

	responses := make(chan HITLResponse, 1)
	responses <- HITLResponse{Decision: DecisionReject}
	fx.ec.Flow.RegisterHandler("ask_user", NewHITLHandler(nil, responses))

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("deploy it"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Suspended {
		t.Fatal("expected suspension")
	}
	if fx.ec.Runtime.StopReason != "hitl_pending" {
		t.Fatalf("stop reason = %q", fx.ec.Runtime.StopReason)
	}
	last := res.Messages[len(res.Messages)-1]
	if !strings.Contains(last.Text()+blocksText(last), PendingUserInputMarker) {
		t.Fatal("suspension marker missing from history")
	}
}

func TestExecuteStopRequested(t *testing.T) {
	svc := &scriptedService{}
	fx := newExecFixture(t, svc)

	stop := make(chan struct{})
	close(stop)
	fx.ec.Stop = stop

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("do something big"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishUserStop {
		t.Fatalf("finish = %s, want user_stop", res.FinishReason)
	}
	if len(svc.reqs) != 0 {
		t.Fatal("stopped session still called the model")
	}
	if res.FinalText != fallbackFinalMessage {
		t.Fatalf("final text = %q", res.FinalText)
	}
}

func TestExecuteBacktrackReplacesFailingTool(t *testing.T) {
	// First failure enriches context with a hint; the second consecutive
	// failure of the same tool swaps in the registered alternative.
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "fuzzy_search", `{"query":"users"}`),
		toolStream("t2", "fuzzy_search", `{"query":"users again"}`),
		textStream("Found it via the index.", llm.StopEndTurn),
	}}
	fx := newExecFixture(t, svc,
		&stubTool{
			name: "fuzzy_search",
			alts: []string{"index_search"},
			fn: func(context.Context, map[string]any) (any, error) {
				return nil, errors.New("search backend rejected the query")
			},
		},
		&stubTool{
			name: "index_search",
			fn: func(context.Context, map[string]any) (any, error) {
				return "3 rows", nil
			},
		},
	)

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("find users"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if fx.ec.Backtrack.BacktrackCount != 2 {
		t.Fatalf("backtracks = %d, want 2", fx.ec.Backtrack.BacktrackCount)
	}

	// user, assistant, results, assistant, results, assistant
	if len(res.Messages) != 6 {
		t.Fatalf("history has %d messages, want 6", len(res.Messages))
	}
	resultBlocks := res.Messages[4].ToolResults()
	if len(resultBlocks) != 1 {
		t.Fatalf("tool results = %d, want 1", len(resultBlocks))
	}
	if resultBlocks[0].IsError {
		t.Fatal("replacement result still marked as error")
	}
	if resultBlocks[0].ToolUseID != "t2" {
		t.Fatalf("replacement lost the original tool id: %s", resultBlocks[0].ToolUseID)
	}
	if !strings.Contains(blocksText(res.Messages[2]), "failed") {
		t.Fatal("first failure did not surface a hint")
	}
	if res.FinalText != "Found it via the index." {
		t.Fatalf("final text = %q", res.FinalText)
	}
}

func TestExecuteStreamErrorEndsSession(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{errorStream()}}
	fx := newExecFixture(t, svc)

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("hello"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalText != streamErrorMessage {
		t.Fatalf("final text = %q", res.FinalText)
	}
}

func TestExecuteMaxTurns(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "echo", `{"text":"a"}`),
		toolStream("t2", "echo", `{"text":"b"}`),
	}}
	fx := newExecFixture(t, svc, &stubTool{
		name: "echo",
		fn: func(_ context.Context, input map[string]any) (any, error) {
			return input["text"], nil
		},
	})
	fx.cfg.Executor.MaxTurns = 2

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("loop forever"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishMaxTurns {
		t.Fatalf("finish = %s, want max_turns", res.FinishReason)
	}
	if len(svc.reqs) != 2 {
		t.Fatalf("model called %d times, want 2", len(svc.reqs))
	}
}

func TestExecuteDangerousToolRejected(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "deploy_prod", `{}`),
	}}
	fx := newExecFixture(t, svc, &stubTool{
		name: "deploy_prod",
		fn: func(context.Context, map[string]any) (any, error) {
			t.Error("rejected tool must not execute")
			return nil, nil
		},
	})
	fx.cfg.HITL.Enabled = true
	fx.cfg.HITL.RequireConfirmation = []string{"deploy"}
	fx.cfg.HITL.OnRejection = "stop"

	hitl := make(chan HITLResponse, 1)
	hitl <- HITLResponse{Decision: DecisionReject}
	fx.ec.HITL = hitl

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("ship it"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishHITLConfirm {
		t.Fatalf("finish = %s, want hitl_confirm", res.FinishReason)
	}
}

func TestExecuteRepeatedCallGetsReflection(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "echo", `{"text":"same"}`),
		toolStream("t2", "echo", `{"text":"same"}`),
		toolStream("t3", "echo", `{"text":"same"}`),
		toolStream("t4", "echo", `{"text":"same"}`),
		textStream("ok, moving on", llm.StopEndTurn),
	}}
	fx := newExecFixture(t, svc, &stubTool{
		name: "echo",
		fn: func(_ context.Context, input map[string]any) (any, error) {
			return input["text"], nil
		},
	})

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("keep echoing"),
	})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, msg := range res.Messages {
		if strings.Contains(blocksText(msg), "repeating the same tool call") {
			found = true
		}
	}
	if !found {
		t.Fatal("duplicate trajectory never surfaced a reflection")
	}
}

func TestExecuteFallbackSummary(t *testing.T) {
	svc := &scriptedService{
		streams: [][]llm.Chunk{
			toolStream("t1", "echo", `{"text":"x"}`),
		},
		summary: "I echoed once and hit the turn limit.",
	}
	fx := newExecFixture(t, svc, &stubTool{
		name: "echo",
		fn: func(_ context.Context, input map[string]any) (any, error) {
			return input["text"], nil
		},
	})
	fx.cfg.Executor.MaxTurns = 1
	fx.cfg.Executor.FallbackSummary = true

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("go"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalText != svc.summary {
		t.Fatalf("final text = %q, want the summary", res.FinalText)
	}
}

func TestInjectPlanAppendsToFinalUserMessage(t *testing.T) {
	cache := &PlanCache{}
	cache.Set(&Plan{Name: "fix bug", Todos: []Todo{
		{Title: "reproduce", Status: TodoInProgress},
	}})

	messages := []models.Message{
		models.UserMessage("first"),
		models.UserMessage("second"),
	}
	out := injectPlan(messages, cache)

	if len(out) != 2 {
		t.Fatalf("message count changed: %d", len(out))
	}
	if !strings.Contains(blocksText(out[1]), "Current plan") {
		t.Fatal("plan not injected into the final message")
	}
	if strings.Contains(blocksText(out[0]), "Current plan") {
		t.Fatal("plan leaked into the prefix")
	}
	if len(messages[1].Content) != 1 {
		t.Fatal("input slice mutated")
	}
}

func TestPruneToolsNeverEmptiesTheList(t *testing.T) {
	defs := []llm.ToolDefinition{{Name: "a"}, {Name: "b"}}

	out := pruneTools(defs, map[string]struct{}{"a": {}})
	if len(out) != 1 || out[0].Name != "b" {
		t.Fatalf("pruned list = %v", out)
	}

	out = pruneTools(defs, map[string]struct{}{"a": {}, "b": {}})
	if len(out) != 2 {
		t.Fatal("fully pruned list must fall back to the originals")
	}
}

func blocksText(msg models.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		b.WriteString(block.Text)
		if block.Content != nil {
			b.WriteString(block.Content.String())
		}
	}
	return b.String()
}

func TestExecuteWithoutBacktrackEngine(t *testing.T) {
	// With no recovery engine the loop is plain react-validate-reflect:
	// the error goes back to the model as data and the model adjusts.
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "fuzzy_search", `{"query":"users"}`),
		textStream("That query is not supported.", llm.StopEndTurn),
	}}
	fx := newExecFixture(t, svc, &stubTool{
		name: "fuzzy_search",
		alts: []string{"index_search"},
		fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("search backend rejected the query")
		},
	})
	fx.exec = NewExecutor(fx.cfg, svc, events.NewBroadcaster(nil, nil, 256),
		compaction.New(fx.cfg.Context, estCharCount{}, nil), nil, nil, nil, nil, nil, nil)
	fx.ec.Backtrack = nil

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("find users"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishCompleted {
		t.Fatalf("finish = %s, want completed", res.FinishReason)
	}
	if fx.ec.Backtrack == nil || fx.ec.Backtrack.BacktrackCount != 0 {
		t.Fatalf("backtrack state = %+v, want fresh zero state", fx.ec.Backtrack)
	}
	results := res.Messages[2].ToolResults()
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("results = %+v, want the original error result", results)
	}
}

func drainEvents(ch <-chan models.Event) []models.Event {
	var out []models.Event
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestExecuteMalformedToolInputNotStored(t *testing.T) {
	// The model streams a tool_use whose input JSON never completes. The
	// block must be dropped, the failure must reach the model as a failed
	// result, and every content_start must still get a content_stop.
	svc := &scriptedService{streams: [][]llm.Chunk{
		{
			{Kind: llm.ChunkBlockStart, Index: 0, BlockType: models.BlockToolUse, ToolID: "t1", ToolName: "echo"},
			{Kind: llm.ChunkInputDelta, Index: 0, Text: `{"text": "pin`},
			{Kind: llm.ChunkBlockStop, Index: 0},
			{Kind: llm.ChunkMessageStop, StopReason: llm.StopToolUse, Usage: &models.Usage{InputTokens: 10, OutputTokens: 5}},
		},
		textStream("Let me try that again.", llm.StopEndTurn),
	}}
	fx := newExecFixture(t, svc)
	ch, cancel := fx.broadcaster.Subscribe("s1", 0)
	defer cancel()

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("send it"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishCompleted {
		t.Fatalf("finish = %s, want completed", res.FinishReason)
	}
	for _, msg := range res.Messages {
		if msg.HasToolUse() {
			t.Fatalf("malformed tool_use stored: %+v", msg)
		}
	}
	if feedback := res.Messages[1]; feedback.Role != models.RoleUser ||
		!strings.Contains(feedback.Text(), "tool input parse failed") {
		t.Fatalf("parse failure not surfaced to the model: %+v", feedback)
	}
	if err := models.ValidatePairing(res.Messages); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}

	starts, stops := 0, 0
	sawFailedResult := false
	for _, event := range drainEvents(ch) {
		switch event.Type {
		case models.EventContentStart:
			starts++
		case models.EventContentStop:
			stops++
		case models.EventToolResult:
			if isErr, _ := event.Data["is_error"].(bool); isErr {
				sawFailedResult = true
			}
		}
	}
	if starts != stops {
		t.Errorf("content_start = %d, content_stop = %d", starts, stops)
	}
	if !sawFailedResult {
		t.Error("no failed tool_result event for the malformed input")
	}
}

func TestExecutePersistsToolResultMessages(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "echo", `{"text":"ping"}`),
		textStream("The tool said ping.", llm.StopEndTurn),
	}}
	fx := newExecFixture(t, svc, &stubTool{
		name: "echo",
		fn: func(_ context.Context, input map[string]any) (any, error) {
			return input["text"], nil
		},
	})

	ctx := context.Background()
	store := sessions.NewMemoryStore()
	if err := store.Create(ctx, &models.Session{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	broadcaster := events.NewBroadcaster(store, nil, 256)
	fx.exec = NewExecutor(fx.cfg, svc, broadcaster,
		compaction.New(fx.cfg.Context, estCharCount{}, nil), nil, nil, store, nil, nil, nil)

	if _, err := fx.exec.Execute(ctx, fx.ec, []models.Message{models.UserMessage("call echo")}); err != nil {
		t.Fatal(err)
	}

	history, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	// assistant tool_use, user tool_result, assistant text
	if len(history) != 3 {
		t.Fatalf("stored history has %d messages, want 3", len(history))
	}
	if !history[0].HasToolUse() {
		t.Fatalf("first stored message is not the tool_use turn: %+v", history[0])
	}
	if history[1].Role != models.RoleUser {
		t.Fatalf("tool_result message role = %s", history[1].Role)
	}
	results := history[1].ToolResults()
	if len(results) != 1 || results[0].ToolUseID != "t1" {
		t.Fatalf("stored tool_result does not pair with t1: %+v", history[1])
	}
}

func TestReplacementSupersedesFailedResultEvent(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "fuzzy_search", `{"query":"users"}`),
		toolStream("t2", "fuzzy_search", `{"query":"users again"}`),
		textStream("Found it via the index.", llm.StopEndTurn),
	}}
	fx := newExecFixture(t, svc,
		&stubTool{
			name: "fuzzy_search",
			alts: []string{"index_search"},
			fn: func(context.Context, map[string]any) (any, error) {
				return nil, errors.New("search backend rejected the query")
			},
		},
		&stubTool{
			name: "index_search",
			fn: func(context.Context, map[string]any) (any, error) {
				return "3 rows", nil
			},
		},
	)
	ch, cancel := fx.broadcaster.Subscribe("s1", 0)
	defer cancel()

	if _, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("find users"),
	}); err != nil {
		t.Fatal(err)
	}

	var t2Results []models.Event
	for _, event := range drainEvents(ch) {
		if event.Type != models.EventToolResult {
			continue
		}
		if id, _ := event.Data["tool_use_id"].(string); id == "t2" {
			t2Results = append(t2Results, event)
		}
	}
	if len(t2Results) < 2 {
		t.Fatalf("tool_result events for t2 = %d, want the failure plus its replacement", len(t2Results))
	}
	final := t2Results[len(t2Results)-1]
	if isErr, _ := final.Data["is_error"].(bool); isErr {
		t.Fatalf("final tool_result for t2 still marked failed: %+v", final.Data)
	}
	if content, _ := final.Data["content"].(string); content != "3 rows" {
		t.Fatalf("final tool_result content = %q, want the replacement's output", content)
	}
}

func TestBacktrackExhaustedStopChoice(t *testing.T) {
	svc := &scriptedService{streams: [][]llm.Chunk{
		toolStream("t1", "broken", `{"n":1}`),
		toolStream("t2", "broken", `{"n":2}`),
	}}
	fx := newExecFixture(t, svc, &stubTool{
		name: "broken",
		fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend exploded")
		},
	})
	fx.ec.Backtrack = backtrack.NewState(1)

	choices := make(chan BacktrackChoice, 1)
	choices <- ChoiceStop
	fx.ec.BacktrackChoices = choices

	res, err := fx.exec.Execute(context.Background(), fx.ec, []models.Message{
		models.UserMessage("do the thing"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishBacktrackExhausted {
		t.Fatalf("finish = %s, want backtrack_exhausted", res.FinishReason)
	}
	if fx.ec.Runtime.StopReason != "user_stop_after_backtrack" {
		t.Fatalf("stop reason = %q, want user_stop_after_backtrack", fx.ec.Runtime.StopReason)
	}
}
