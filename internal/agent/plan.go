package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/arc/internal/tools"
	"github.com/haasonsaas/arc/pkg/models"
)

// TodoStatus tracks one plan item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one step of the agent's user-visible plan.
type Todo struct {
	Title  string     `json:"title"`
	Status TodoStatus `json:"status"`
}

// Plan is the current todo list for a session.
type Plan struct {
	Name  string `json:"name"`
	Todos []Todo `json:"todos"`
}

// Progress returns completed and total counts.
func (p *Plan) Progress() (done, total int) {
	for _, t := range p.Todos {
		if t.Status == TodoCompleted {
			done++
		}
	}
	return done, len(p.Todos)
}

// Summary renders the plan as one line: name, a status glyph per todo, and
// the completion fraction.
func (p *Plan) Summary() string {
	var glyphs strings.Builder
	for _, t := range p.Todos {
		switch t.Status {
		case TodoCompleted:
			glyphs.WriteString("✓")
		case TodoInProgress:
			glyphs.WriteString("▸")
		default:
			glyphs.WriteString("·")
		}
	}
	done, total := p.Progress()
	return fmt.Sprintf("%s [%s] %d/%d", p.Name, glyphs.String(), done, total)
}

// Render produces the per-turn injection text: current step plus progress.
func (p *Plan) Render() string {
	var b strings.Builder
	done, total := p.Progress()
	fmt.Fprintf(&b, "Current plan %q (%d/%d done):\n", p.Name, done, total)
	for i, t := range p.Todos {
		marker := " "
		switch t.Status {
		case TodoCompleted:
			marker = "x"
		case TodoInProgress:
			marker = ">"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, marker, t.Title)
	}
	for _, t := range p.Todos {
		if t.Status == TodoInProgress {
			fmt.Fprintf(&b, "Focus on the current step: %s", t.Title)
			break
		}
	}
	return b.String()
}

// PlanCache holds the session's plan. Single writer: the executor task.
type PlanCache struct {
	plan *Plan
}

// Get returns the cached plan, if any.
func (c *PlanCache) Get() (*Plan, bool) {
	return c.plan, c.plan != nil
}

// Set replaces the cached plan.
func (c *PlanCache) Set(p *Plan) { c.plan = p }

// planInput is the plan tool's parsed input.
type planInput struct {
	Action string `json:"action" jsonschema:"enum=create,enum=update,enum=complete_step,enum=list,description=Plan operation to perform"`
	Name   string `json:"name,omitempty" jsonschema:"description=Plan name (create)"`
	Todos  []Todo `json:"todos,omitempty" jsonschema:"description=Full todo list (create and update)"`
	Step   int    `json:"step,omitempty" jsonschema:"description=1-based index of the step to complete"`
}

// PlanTool is the registry entry; actual dispatch goes through PlanHandler,
// so Execute only serves direct callers (tests, CLI).
type PlanTool struct{}

func (PlanTool) Name() string { return "plan" }

func (PlanTool) Description() string {
	return "Create and maintain a todo list for the current task. Use sparingly: plan once, then execute."
}

func (PlanTool) Schema() json.RawMessage { return tools.MustSchema[planInput]() }

func (PlanTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	return nil, fmt.Errorf("plan tool requires a session handler")
}

// forceExecuteHint is injected when the model keeps re-planning.
const forceExecuteHint = "You have planned enough. Stop revising the plan and execute the next step now."

// similarityThreshold is the Jaccard cutoff above which a new plan counts as
// a rehash of the previous one.
const similarityThreshold = 0.8

// PlanHandler owns plan state for one session and detects planning loops.
type PlanHandler struct {
	cache                *PlanCache
	consecutivePlanCalls int
	lastPlanTitles       []string
}

// NewPlanHandler binds a handler to a session's plan cache.
func NewPlanHandler(cache *PlanCache) *PlanHandler {
	return &PlanHandler{cache: cache}
}

// NoteOtherTool resets the consecutive-planning counter; any non-plan tool
// in a turn means the model is executing again.
func (h *PlanHandler) NoteOtherTool() {
	h.consecutivePlanCalls = 0
}

// Handle processes one plan call.
func (h *PlanHandler) Handle(ctx context.Context, fc *FlowContext, call models.ToolCall) models.ToolExecutionResult {
	var in planInput
	raw, _ := json.Marshal(call.Input)
	if err := json.Unmarshal(raw, &in); err != nil {
		return ErrorResult(call, fmt.Errorf("invalid plan input: %w", err))
	}

	out := map[string]any{"status": "ok"}

	switch in.Action {
	case "create":
		h.consecutivePlanCalls++

		titles := todoTitles(in.Todos)
		if jaccard(titles, h.lastPlanTitles) > similarityThreshold {
			out["force_execute_hint"] = forceExecuteHint
		}

		if old, ok := h.cache.Get(); ok {
			out["_old_plan_summary"] = old.Summary()
		}

		plan := &Plan{Name: in.Name, Todos: normalizeTodos(in.Todos)}
		h.cache.Set(plan)
		h.lastPlanTitles = titles
		out["plan"] = plan

	case "update":
		h.consecutivePlanCalls++
		plan := &Plan{Name: in.Name, Todos: normalizeTodos(in.Todos)}
		if old, ok := h.cache.Get(); ok && in.Name == "" {
			plan.Name = old.Name
		}
		h.cache.Set(plan)
		h.lastPlanTitles = todoTitles(in.Todos)
		out["plan"] = plan

	case "complete_step":
		plan, ok := h.cache.Get()
		if !ok {
			return ErrorResult(call, fmt.Errorf("no plan exists"))
		}
		if in.Step < 1 || in.Step > len(plan.Todos) {
			return ErrorResult(call, fmt.Errorf("step %d out of range", in.Step))
		}
		plan.Todos[in.Step-1].Status = TodoCompleted
		for i := range plan.Todos {
			if plan.Todos[i].Status == TodoPending {
				plan.Todos[i].Status = TodoInProgress
				break
			}
		}
		out["plan"] = plan

	case "list":
		if plan, ok := h.cache.Get(); ok {
			out["plan"] = plan
		} else {
			out["plan"] = nil
		}

	default:
		return ErrorResult(call, fmt.Errorf("unknown plan action %q", in.Action))
	}

	if h.consecutivePlanCalls > 2 {
		out["force_execute_hint"] = forceExecuteHint
	}

	return models.ToolExecutionResult{
		ToolID:    call.ID,
		ToolName:  call.Name,
		ToolInput: call.Input,
		Result:    out,
	}
}

func normalizeTodos(todos []Todo) []Todo {
	out := make([]Todo, len(todos))
	for i, t := range todos {
		if t.Status == "" {
			t.Status = TodoPending
		}
		out[i] = t
	}
	if len(out) > 0 && out[0].Status == TodoPending {
		out[0].Status = TodoInProgress
	}
	return out
}

func todoTitles(todos []Todo) []string {
	titles := make([]string, len(todos))
	for i, t := range todos {
		titles[i] = strings.ToLower(strings.TrimSpace(t.Title))
	}
	return titles
}

// jaccard computes set similarity of two title lists.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}
	inter := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
