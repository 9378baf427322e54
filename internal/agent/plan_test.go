package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/arc/pkg/models"
)

func planCall(input map[string]any) models.ToolCall {
	return models.ToolCall{ID: "p1", Name: "plan", Input: input}
}

func resultMap(t *testing.T, res models.ToolExecutionResult) map[string]any {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ErrorMsg)
	}
	out, ok := res.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want map", res.Result)
	}
	return out
}

func TestPlanCreateMarksFirstStepInProgress(t *testing.T) {
	cache := &PlanCache{}
	h := NewPlanHandler(cache)

	res := h.Handle(context.Background(), &FlowContext{}, planCall(map[string]any{
		"action": "create",
		"name":   "release",
		"todos": []any{
			map[string]any{"title": "tag version"},
			map[string]any{"title": "push artifacts"},
		},
	}))
	resultMap(t, res)

	plan, ok := cache.Get()
	if !ok {
		t.Fatal("plan not cached")
	}
	if plan.Todos[0].Status != TodoInProgress {
		t.Fatalf("first todo = %s, want in_progress", plan.Todos[0].Status)
	}
	if plan.Todos[1].Status != TodoPending {
		t.Fatalf("second todo = %s, want pending", plan.Todos[1].Status)
	}
}

func TestPlanCompleteStepAdvances(t *testing.T) {
	cache := &PlanCache{}
	h := NewPlanHandler(cache)

	h.Handle(context.Background(), &FlowContext{}, planCall(map[string]any{
		"action": "create", "name": "x",
		"todos": []any{
			map[string]any{"title": "one"},
			map[string]any{"title": "two"},
		},
	}))
	res := h.Handle(context.Background(), &FlowContext{}, planCall(map[string]any{
		"action": "complete_step", "step": 1,
	}))
	resultMap(t, res)

	plan, _ := cache.Get()
	if plan.Todos[0].Status != TodoCompleted {
		t.Fatalf("step 1 = %s, want completed", plan.Todos[0].Status)
	}
	if plan.Todos[1].Status != TodoInProgress {
		t.Fatalf("step 2 = %s, want in_progress", plan.Todos[1].Status)
	}
}

func TestPlanCompleteStepOutOfRange(t *testing.T) {
	cache := &PlanCache{}
	h := NewPlanHandler(cache)

	h.Handle(context.Background(), &FlowContext{}, planCall(map[string]any{
		"action": "create", "name": "x",
		"todos": []any{map[string]any{"title": "one"}},
	}))
	res := h.Handle(context.Background(), &FlowContext{}, planCall(map[string]any{
		"action": "complete_step", "step": 5,
	}))
	if !res.IsError {
		t.Fatal("expected out of range error")
	}
}

func TestPlanRehashTriggersExecuteHint(t *testing.T) {
	cache := &PlanCache{}
	h := NewPlanHandler(cache)

	todos := []any{
		map[string]any{"title": "Fetch data"},
		map[string]any{"title": "Transform data"},
		map[string]any{"title": "Write report"},
	}
	h.Handle(context.Background(), &FlowContext{}, planCall(map[string]any{
		"action": "create", "name": "v1", "todos": todos,
	}))

	// Same titles again, one cosmetic change, stays above the cutoff.
	rehash := []any{
		map[string]any{"title": "fetch data"},
		map[string]any{"title": "transform data"},
		map[string]any{"title": "write report"},
	}
	res := h.Handle(context.Background(), &FlowContext{}, planCall(map[string]any{
		"action": "create", "name": "v2", "todos": rehash,
	}))
	out := resultMap(t, res)

	if _, ok := out["force_execute_hint"]; !ok {
		t.Fatal("rehashed plan did not get the execute hint")
	}
	if _, ok := out["_old_plan_summary"]; !ok {
		t.Fatal("replacement did not surface the old plan summary")
	}
}

func TestPlanConsecutiveCallsForceExecution(t *testing.T) {
	cache := &PlanCache{}
	h := NewPlanHandler(cache)

	mk := func(title string) map[string]any {
		return map[string]any{
			"action": "create", "name": "p",
			"todos": []any{map[string]any{"title": title}},
		}
	}

	h.Handle(context.Background(), &FlowContext{}, planCall(mk("alpha")))
	h.Handle(context.Background(), &FlowContext{}, planCall(mk("beta")))
	res := h.Handle(context.Background(), &FlowContext{}, planCall(mk("gamma")))
	out := resultMap(t, res)
	if _, ok := out["force_execute_hint"]; !ok {
		t.Fatal("third consecutive plan call did not force execution")
	}

	// A real tool in between resets the counter.
	h.NoteOtherTool()
	res = h.Handle(context.Background(), &FlowContext{}, planCall(mk("delta")))
	out = resultMap(t, res)
	if _, ok := out["force_execute_hint"]; ok {
		t.Fatal("counter not reset after other tool use")
	}
}

func TestPlanSummaryAndRender(t *testing.T) {
	p := &Plan{Name: "deploy", Todos: []Todo{
		{Title: "build", Status: TodoCompleted},
		{Title: "test", Status: TodoInProgress},
		{Title: "ship", Status: TodoPending},
	}}

	sum := p.Summary()
	if !strings.Contains(sum, "deploy") || !strings.Contains(sum, "1/3") {
		t.Fatalf("summary = %q", sum)
	}

	render := p.Render()
	if !strings.Contains(render, "1. [x] build") {
		t.Fatalf("render missing completed marker:\n%s", render)
	}
	if !strings.Contains(render, "2. [>] test") {
		t.Fatalf("render missing in-progress marker:\n%s", render)
	}
	if !strings.Contains(render, "Focus on the current step: test") {
		t.Fatalf("render missing focus line:\n%s", render)
	}
}

func TestPlanUnknownAction(t *testing.T) {
	h := NewPlanHandler(&PlanCache{})
	res := h.Handle(context.Background(), &FlowContext{}, planCall(map[string]any{
		"action": "destroy",
	}))
	if !res.IsError {
		t.Fatal("expected unknown action error")
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{[]string{"a", "b"}, []string{"a", "b"}, 1},
		{[]string{"a", "b"}, []string{"c", "d"}, 0},
		{[]string{"a", "b", "c", "d"}, []string{"a", "b", "c"}, 0.75},
		{nil, []string{"a"}, 0},
	}
	for _, tc := range cases {
		if got := jaccard(tc.a, tc.b); got != tc.want {
			t.Errorf("jaccard(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
