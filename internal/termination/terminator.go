// Package termination decides when the agent loop should stop. The
// terminator evaluates a fixed, ordered list of dimensions each turn
// boundary; the first match wins, so the decision is deterministic for a
// given context and flag state.
package termination

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/internal/llm"
	"github.com/haasonsaas/arc/internal/observability"
	"github.com/haasonsaas/arc/pkg/models"
)

// CostLevel identifies one tier of the cost ladder.
type CostLevel string

const (
	CostWarn    CostLevel = "warn"
	CostConfirm CostLevel = "confirm"
	CostUrgent  CostLevel = "urgent"
)

// Input is everything the terminator sees at one turn boundary.
type Input struct {
	Runtime          *models.RuntimeContext
	LastStopReason   llm.StopReason
	StopRequested    bool
	PendingToolNames []string

	// CostUSD is the session spend so far; negative means unknown (pricing
	// unavailable), which disables the cost tiers.
	CostUSD float64
}

// Terminator evaluates stop dimensions with one-shot confirmation flags.
// Single goroutine use, like the RuntimeContext it inspects.
type Terminator struct {
	cfg    config.TerminationConfig
	exec   config.ExecutorConfig
	hitl   config.HITLConfig
	logger *observability.Logger

	costWarned           bool
	costConfirmed        bool
	costUrgentConfirmed  bool
	longRunningConfirmed bool

	pendingWarning string
}

// New creates a terminator for one session.
func New(cfg config.TerminationConfig, exec config.ExecutorConfig, hitl config.HITLConfig, logger *observability.Logger) *Terminator {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Terminator{cfg: cfg, exec: exec, hitl: hitl, logger: logger}
}

// Check runs the dimensions in order and returns the first match.
func (t *Terminator) Check(ctx context.Context, in Input) models.TerminationDecision {
	rc := in.Runtime

	// 1. Explicit user stop.
	if in.StopRequested {
		return models.Stop("stop requested by user", models.FinishUserStop)
	}

	// 2. Dangerous pending tools need human confirmation.
	if t.hitl.Enabled {
		if name, keyword, ok := t.dangerousTool(in.PendingToolNames); ok {
			return models.AskUser(
				fmt.Sprintf("tool %q matches confirmation keyword %q", name, keyword),
				models.FinishHITLConfirm)
		}
	}

	// 3. Model finished on its own.
	if in.LastStopReason == llm.StopEndTurn {
		return models.Stop("model ended its turn", models.FinishCompleted)
	}

	// 4. Turn cap. Zero allows no turns at all.
	if rc.CurrentTurn >= t.exec.MaxTurns {
		return models.Stop(
			fmt.Sprintf("reached %d turns", rc.CurrentTurn), models.FinishMaxTurns)
	}

	// 5. Cost ladder, only when spend is known.
	if in.CostUSD >= 0 {
		if dec, stop := t.checkCost(ctx, in.CostUSD); stop {
			return dec
		}
	}

	// 6. Wall-clock budget.
	if t.exec.MaxDuration > 0 && rc.Duration() >= t.exec.MaxDuration {
		return models.Stop("maximum duration exceeded", models.FinishMaxDuration)
	}

	// 7. Idle timeout.
	if t.exec.IdleTimeout > 0 && rc.Idle() >= t.exec.IdleTimeout {
		return models.Stop("session idle too long", models.FinishIdleTimeout)
	}

	// 8. Backtracking gave up.
	if rc.BacktracksExhausted {
		if rc.BacktrackEscalation == models.EscalationIntentClarify {
			return models.AskUser("the request is ambiguous; clarification needed", models.FinishIntentClarify)
		}
		return models.AskUser("all recovery attempts failed", models.FinishBacktrackExhausted)
	}

	// 9. Tool failure streak. A zero limit means the first failure already
	// offers rollback; a negative limit disables the dimension.
	if t.cfg.ConsecutiveFailureLimit >= 0 && rc.ConsecutiveFailures > 0 &&
		rc.ConsecutiveFailures >= t.cfg.ConsecutiveFailureLimit {
		return models.RollbackOptions(
			fmt.Sprintf("%d consecutive tool failures", rc.ConsecutiveFailures),
			models.FinishConsecutiveFailures)
	}

	// 10. Long-running session check-in.
	if t.cfg.LongRunningConfirmAfterTurns > 0 &&
		rc.CurrentTurn >= t.cfg.LongRunningConfirmAfterTurns &&
		!t.longRunningConfirmed {
		return models.AskUser(
			fmt.Sprintf("still working after %d turns; continue?", rc.CurrentTurn),
			models.FinishLongRunningConfirm)
	}

	// 11. Keep going.
	return models.Continue()
}

// checkCost applies the three cost tiers. The warn tier records a one-shot
// warning without stopping.
func (t *Terminator) checkCost(ctx context.Context, cost float64) (models.TerminationDecision, bool) {
	switch {
	case t.cfg.CostUrgentUSD > 0 && cost >= t.cfg.CostUrgentUSD && !t.costUrgentConfirmed:
		return models.AskUser(
			fmt.Sprintf("session cost $%.2f exceeds urgent threshold $%.2f", cost, t.cfg.CostUrgentUSD),
			models.FinishCostLimit), true
	case t.cfg.CostConfirmUSD > 0 && cost >= t.cfg.CostConfirmUSD && !t.costConfirmed:
		return models.AskUser(
			fmt.Sprintf("session cost $%.2f exceeds confirmation threshold $%.2f", cost, t.cfg.CostConfirmUSD),
			models.FinishCostLimit), true
	case t.cfg.CostWarnUSD > 0 && cost >= t.cfg.CostWarnUSD && !t.costWarned:
		t.costWarned = true
		t.pendingWarning = fmt.Sprintf("session cost has reached $%.2f", cost)
		t.logger.Warn(ctx, "cost warning", "cost_usd", cost)
	}
	return models.TerminationDecision{}, false
}

// dangerousTool matches pending tool names against the confirmation keyword
// list: exact match or the keyword appearing inside the tool name.
func (t *Terminator) dangerousTool(names []string) (name, keyword string, ok bool) {
	for _, n := range names {
		lower := strings.ToLower(n)
		for _, kw := range t.hitl.RequireConfirmation {
			if lower == kw || strings.Contains(lower, kw) {
				return n, kw, true
			}
		}
	}
	return "", "", false
}

// PendingWarning takes the one-shot cost warning, if any.
func (t *Terminator) PendingWarning() (string, bool) {
	if t.pendingWarning == "" {
		return "", false
	}
	w := t.pendingWarning
	t.pendingWarning = ""
	return w, true
}

// ConfirmLongRunning marks the user's go-ahead after a long-running check-in.
func (t *Terminator) ConfirmLongRunning() {
	t.longRunningConfirmed = true
}

// ConfirmCost marks the user's go-ahead for one tier of the cost ladder.
// Confirming a higher tier implies the lower ones.
func (t *Terminator) ConfirmCost(level CostLevel) {
	switch level {
	case CostUrgent:
		t.costUrgentConfirmed = true
		t.costConfirmed = true
		t.costWarned = true
	case CostConfirm:
		t.costConfirmed = true
		t.costWarned = true
	case CostWarn:
		t.costWarned = true
	}
}
