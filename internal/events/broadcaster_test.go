package events

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/arc/internal/sessions"
	"github.com/haasonsaas/arc/pkg/models"
)

func drain(ch <-chan models.Event) []models.Event {
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

func TestBroadcasterSeqMonotonicGapFree(t *testing.T) {
	b := NewBroadcaster(nil, nil, 64)
	ctx := context.Background()

	ch, cancel := b.Subscribe("s1", 0)
	defer cancel()

	b.StartMessage(ctx, "s1", "c1", "m1")
	index, err := b.StartBlock(ctx, "s1", models.BlockText, BlockInit{})
	if err != nil {
		t.Fatal(err)
	}
	b.Delta(ctx, "s1", index, models.BlockText, "hello")
	b.StopBlock(ctx, "s1", index, "")
	if _, err := b.EmitMessageStop(ctx, "s1", "end_turn"); err != nil {
		t.Fatal(err)
	}

	received := drain(ch)
	if len(received) == 0 {
		t.Fatal("no events received")
	}
	for i, event := range received {
		if event.Seq != uint64(i+1) {
			t.Fatalf("seq gap at %d: got %d", i, event.Seq)
		}
		if event.SessionID != "s1" {
			t.Errorf("session id = %q", event.SessionID)
		}
	}
	last := received[len(received)-1]
	if last.Type != models.EventMessageStop {
		t.Errorf("last event = %s", last.Type)
	}
}

func TestBroadcasterSubscribeReplay(t *testing.T) {
	b := NewBroadcaster(nil, nil, 64)
	ctx := context.Background()

	b.StartMessage(ctx, "s1", "c1", "m1")
	index, _ := b.StartBlock(ctx, "s1", models.BlockText, BlockInit{})
	b.Delta(ctx, "s1", index, models.BlockText, "early")

	// Late subscriber resuming from seq 1 must see everything after it.
	ch, cancel := b.Subscribe("s1", 1)
	defer cancel()
	replayed := drain(ch)
	if len(replayed) == 0 {
		t.Fatal("no replayed events")
	}
	if replayed[0].Seq != 2 {
		t.Errorf("first replayed seq = %d, want 2", replayed[0].Seq)
	}
}

func TestBroadcasterPersistsMessageWithoutThinking(t *testing.T) {
	store := sessions.NewMemoryStore()
	ctx := context.Background()
	session := &models.Session{ID: "s1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	b := NewBroadcaster(store, nil, 64)
	b.StartMessage(ctx, "s1", "c1", "m1")

	thinkingIdx, _ := b.StartBlock(ctx, "s1", models.BlockThinking, BlockInit{})
	b.Delta(ctx, "s1", thinkingIdx, models.BlockThinking, "reasoning")
	b.StopBlock(ctx, "s1", thinkingIdx, "sig")

	textIdx, _ := b.StartBlock(ctx, "s1", models.BlockText, BlockInit{})
	b.Delta(ctx, "s1", textIdx, models.BlockText, "visible")

	message, err := b.EmitMessageStop(ctx, "s1", "end_turn")
	if err != nil {
		t.Fatal(err)
	}
	if len(message.Content) != 1 || message.Content[0].Text != "visible" {
		t.Errorf("persisted content = %+v", message.Content)
	}

	history, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d messages", len(history))
	}
	for _, block := range history[0].Content {
		if block.Type == models.BlockThinking {
			t.Error("thinking block persisted")
		}
	}
}

func TestBroadcasterStreamErrorDiscardsPartial(t *testing.T) {
	b := NewBroadcaster(nil, nil, 64)
	ctx := context.Background()

	ch, cancel := b.Subscribe("s1", 0)
	defer cancel()

	b.StartMessage(ctx, "s1", "c1", "m1")
	doneIdx, _ := b.StartBlock(ctx, "s1", models.BlockText, BlockInit{})
	b.Delta(ctx, "s1", doneIdx, models.BlockText, "kept")
	b.StopBlock(ctx, "s1", doneIdx, "")

	partialIdx, _ := b.StartBlock(ctx, "s1", models.BlockToolUse, BlockInit{ToolID: "tu_1", ToolName: "shell"})
	b.Delta(ctx, "s1", partialIdx, models.BlockToolUse, `{"comm`)

	message, err := b.EmitMessageStop(ctx, "s1", StopReasonStreamError)
	if err != nil {
		t.Fatal(err)
	}
	if message.Status != models.StatusFailed {
		t.Errorf("status = %s", message.Status)
	}
	if len(message.Content) != 1 || message.Content[0].Text != "kept" {
		t.Errorf("content = %+v", message.Content)
	}

	var sawError bool
	for _, event := range drain(ch) {
		if event.Type == models.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no error event emitted for interrupted stream")
	}
}

func TestBroadcasterAutoClosesOpenBlockOnNewStart(t *testing.T) {
	b := NewBroadcaster(nil, nil, 64)
	ctx := context.Background()

	b.StartMessage(ctx, "s1", "c1", "m1")
	first, _ := b.StartBlock(ctx, "s1", models.BlockText, BlockInit{})
	b.Delta(ctx, "s1", first, models.BlockText, "one")
	second, err := b.StartBlock(ctx, "s1", models.BlockText, BlockInit{})
	if err != nil {
		t.Fatal(err)
	}
	if second != first+1 {
		t.Errorf("indices not strictly increasing: %d then %d", first, second)
	}
	b.Delta(ctx, "s1", second, models.BlockText, "two")

	message, err := b.EmitMessageStop(ctx, "s1", "end_turn")
	if err != nil {
		t.Fatal(err)
	}
	if len(message.Content) != 2 {
		t.Fatalf("content = %+v", message.Content)
	}
}

func TestBroadcasterEmitBlockToolResult(t *testing.T) {
	b := NewBroadcaster(nil, nil, 64)
	ctx := context.Background()
	ch, cancel := b.Subscribe("s1", 0)
	defer cancel()

	b.StartMessage(ctx, "s1", "c1", "m1")
	if err := b.EmitBlock(ctx, "s1", models.ToolResultBlock("tu_1", "done", false)); err != nil {
		t.Fatal(err)
	}

	var sawResult bool
	for _, event := range drain(ch) {
		if event.Type == models.EventToolResult {
			sawResult = true
			if event.Data["tool_use_id"] != "tu_1" || event.Data["content"] != "done" {
				t.Errorf("tool_result data = %v", event.Data)
			}
		}
	}
	if !sawResult {
		t.Error("no tool_result event emitted")
	}
}

func TestBroadcasterDropsMalformedToolInput(t *testing.T) {
	b := NewBroadcaster(nil, nil, 64)
	ctx := context.Background()
	ch, cancel := b.Subscribe("s1", 0)
	defer cancel()

	b.StartMessage(ctx, "s1", "c1", "m1")
	index, err := b.StartBlock(ctx, "s1", models.BlockToolUse, BlockInit{ToolID: "t1", ToolName: "write_file"})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Delta(ctx, "s1", index, models.BlockToolUse, `{"path": "/tmp/a.txt`); err != nil {
		t.Fatal(err)
	}

	err = b.StopBlock(ctx, "s1", index, "")
	var malformed *MalformedToolInputError
	if !errors.As(err, &malformed) {
		t.Fatalf("StopBlock = %v, want MalformedToolInputError", err)
	}

	msg, err := b.EmitMessageStop(ctx, "s1", "tool_use")
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Content) != 0 {
		t.Fatalf("malformed tool_use persisted: %+v", msg.Content)
	}

	starts, stops := 0, 0
	for _, event := range drain(ch) {
		switch event.Type {
		case models.EventContentStart:
			starts++
		case models.EventContentStop:
			stops++
		}
	}
	if starts != 1 || stops != 1 {
		t.Errorf("content_start = %d, content_stop = %d, want 1/1", starts, stops)
	}
}
