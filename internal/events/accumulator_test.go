package events

import (
	"errors"
	"testing"

	"github.com/haasonsaas/arc/pkg/models"
)

func TestAccumulatorTextAndThinking(t *testing.T) {
	acc := NewContentAccumulator()

	if err := acc.Open(0, models.BlockThinking, "", ""); err != nil {
		t.Fatal(err)
	}
	acc.AppendText(0, "let me ")
	acc.AppendText(0, "think")
	if err := acc.Close(0, "sig-1"); err != nil {
		t.Fatal(err)
	}

	if err := acc.Open(1, models.BlockText, "", ""); err != nil {
		t.Fatal(err)
	}
	acc.AppendText(1, "answer")
	if err := acc.Close(1, ""); err != nil {
		t.Fatal(err)
	}

	blocks := acc.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d", len(blocks))
	}
	if blocks[0].Type != models.BlockThinking || blocks[0].Text != "let me think" || blocks[0].Signature != "sig-1" {
		t.Errorf("thinking block = %+v", blocks[0])
	}
	if acc.Text() != "answer" {
		t.Errorf("text = %q", acc.Text())
	}
}

func TestAccumulatorIncrementalToolInput(t *testing.T) {
	acc := NewContentAccumulator()
	if err := acc.Open(0, models.BlockToolUse, "tu_1", "read_file"); err != nil {
		t.Fatal(err)
	}
	for _, fragment := range []string{`{"pa`, `th": "a`, `.txt"}`} {
		if err := acc.AppendInput(0, fragment); err != nil {
			t.Fatal(err)
		}
	}
	if err := acc.Close(0, ""); err != nil {
		t.Fatal(err)
	}

	calls := acc.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].ID != "tu_1" || calls[0].Name != "read_file" || calls[0].Input["path"] != "a.txt" {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestAccumulatorEmptyToolInput(t *testing.T) {
	acc := NewContentAccumulator()
	acc.Open(0, models.BlockToolUse, "tu_1", "list")
	if err := acc.Close(0, ""); err != nil {
		t.Fatalf("empty input should close cleanly: %v", err)
	}
	if input := acc.ToolCalls()[0].Input; len(input) != 0 {
		t.Errorf("input = %v", input)
	}
}

func TestAccumulatorMalformedToolInput(t *testing.T) {
	acc := NewContentAccumulator()
	acc.Open(0, models.BlockText, "", "")
	acc.AppendText(0, "Writing the file.")
	acc.Close(0, "")
	acc.Open(1, models.BlockToolUse, "tu_1", "read_file")
	acc.AppendInput(1, `{"path": broken`)

	err := acc.Close(1, "")
	var malformed *MalformedToolInputError
	if !errors.As(err, &malformed) {
		t.Fatalf("Close = %v, want MalformedToolInputError", err)
	}
	if malformed.ToolID != "tu_1" || malformed.ToolName != "read_file" {
		t.Errorf("error identifies %s/%s", malformed.ToolName, malformed.ToolID)
	}

	// The broken block is gone; the healthy one survives.
	blocks := acc.Blocks()
	if len(blocks) != 1 || blocks[0].Type != models.BlockText {
		t.Fatalf("blocks after drop = %+v", blocks)
	}
	if calls := acc.ToolCalls(); len(calls) != 0 {
		t.Errorf("dropped tool_use still yields calls: %+v", calls)
	}
}

func TestAccumulatorInterleavedBlocks(t *testing.T) {
	acc := NewContentAccumulator()
	acc.Open(0, models.BlockToolUse, "tu_a", "shell")
	acc.Open(1, models.BlockToolUse, "tu_b", "shell")
	acc.AppendInput(1, `{"command": "ls"}`)
	acc.AppendInput(0, `{"command": "pwd"}`)
	acc.Close(1, "")
	acc.Close(0, "")

	calls := acc.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].ID != "tu_a" || calls[0].Input["command"] != "pwd" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].ID != "tu_b" || calls[1].Input["command"] != "ls" {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestAccumulatorDiscardOpen(t *testing.T) {
	acc := NewContentAccumulator()
	acc.Open(0, models.BlockText, "", "")
	acc.AppendText(0, "complete")
	acc.Close(0, "")
	acc.Open(1, models.BlockToolUse, "tu_1", "shell")
	acc.AppendInput(1, `{"comm`)

	if discarded := acc.DiscardOpen(); discarded != 1 {
		t.Errorf("discarded = %d", discarded)
	}
	blocks := acc.Blocks()
	if len(blocks) != 1 || blocks[0].Text != "complete" {
		t.Errorf("blocks after discard = %+v", blocks)
	}
	if acc.HasOpen() {
		t.Error("no block should remain open")
	}
}

func TestAccumulatorRejectsProtocolViolations(t *testing.T) {
	acc := NewContentAccumulator()
	if err := acc.AppendText(0, "x"); err == nil {
		t.Error("append to unopened block should fail")
	}
	acc.Open(0, models.BlockText, "", "")
	if err := acc.Open(0, models.BlockText, "", ""); err == nil {
		t.Error("double open should fail")
	}
	acc.Close(0, "")
	if err := acc.AppendText(0, "x"); err == nil {
		t.Error("append to closed block should fail")
	}
	if err := acc.AppendInput(0, "{}"); err == nil {
		t.Error("input append to closed block should fail")
	}
}
