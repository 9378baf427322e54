// Package compaction keeps conversation history under the provider token
// budget across turns. The compactor runs in stages of increasing cost:
// a fast per-message length prefilter, image stripping, a deterministic
// token estimate, and only then structural trimming that preserves the
// tool_use / tool_result pairing invariant.
package compaction

import (
	"context"

	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/internal/observability"
	"github.com/haasonsaas/arc/pkg/models"
)

const (
	// maxMessageChars is the prefilter cap. Messages whose flattened
	// content exceeds this are truncated mid-content without any
	// structural inspection.
	maxMessageChars = 400000

	truncationMarker = "\n...[content truncated]...\n"

	// imagePlaceholder replaces stripped image blocks in old tool results.
	imagePlaceholder = "[image removed to conserve context]"

	// aggressiveRatio shrinks the budget for the second trim pass.
	aggressiveRatio = 0.6

	aggressivePreserveFirst = 2
	aggressivePreserveLast  = 6
)

// Estimator counts tokens deterministically. *llm.TokenCounter satisfies it.
type Estimator interface {
	Count(text string) int
	CountMessage(msg models.Message) int
}

// Compactor trims message history to fit a token budget.
type Compactor struct {
	cfg    config.ContextConfig
	est    Estimator
	logger *observability.Logger
}

// New creates a compactor. A nil logger is replaced with a no-op one.
func New(cfg config.ContextConfig, est Estimator, logger *observability.Logger) *Compactor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Compactor{cfg: cfg, est: est, logger: logger}
}

// Compact returns a message list whose estimated token count fits under the
// configured safe threshold. The input slice is never mutated; untouched
// messages are shared between input and output.
//
// The result is always a legal message sequence: tool_use blocks keep their
// matching tool_result in the next message, or both are dropped.
func (c *Compactor) Compact(ctx context.Context, messages []models.Message, systemPrompt string, tools []string) []models.Message {
	if len(messages) == 0 {
		return messages
	}

	out := c.prefilter(messages)
	out = c.stripOldImages(out)

	estimated := c.estimate(out, systemPrompt, tools)
	if estimated <= c.cfg.SafeThreshold() {
		return out
	}

	c.logger.Info(ctx, "compacting context",
		"estimated_tokens", estimated,
		"safe_threshold", c.cfg.SafeThreshold(),
		"messages", len(out))

	trimmed := c.trimByTokenBudget(out, c.cfg.TokenBudget,
		c.cfg.PreserveFirst, c.cfg.PreserveLast, c.cfg.PreserveToolResults)

	estimated = c.estimate(trimmed, systemPrompt, tools)
	if estimated > c.cfg.TokenBudget {
		c.logger.Warn(ctx, "aggressive compaction",
			"estimated_tokens", estimated, "budget", c.cfg.TokenBudget)
		trimmed = c.trimByTokenBudget(trimmed,
			int(float64(c.cfg.TokenBudget)*aggressiveRatio),
			aggressivePreserveFirst, aggressivePreserveLast, false)
	}

	return repairPairing(trimmed)
}

// prefilter truncates any message whose flattened content vastly exceeds the
// per-message cap. It does not inspect block structure beyond flattening.
func (c *Compactor) prefilter(messages []models.Message) []models.Message {
	var out []models.Message
	for i, m := range messages {
		total := 0
		for _, b := range m.Content {
			total += blockChars(b)
		}
		if total <= maxMessageChars {
			continue
		}
		if out == nil {
			out = append([]models.Message(nil), messages...)
		}
		out[i] = truncateMessage(m, maxMessageChars)
	}
	if out == nil {
		return messages
	}
	return out
}

func blockChars(b models.ContentBlock) int {
	n := len(b.Text)
	if b.Content != nil {
		n += len(b.Content.String())
		for _, inner := range b.Content.Blocks {
			if inner.Type == models.BlockImage && inner.Source != nil {
				n += len(inner.Source.Data)
			}
		}
	}
	if b.Source != nil {
		n += len(b.Source.Data)
	}
	return n
}

// truncateMessage cuts oversized text and tool_result blocks mid-content,
// keeping head and tail. Image and tool_use blocks pass through.
func truncateMessage(m models.Message, limit int) models.Message {
	half := limit / 2
	out := m
	out.Content = make([]models.ContentBlock, len(m.Content))
	for i, b := range m.Content {
		switch {
		case b.Type == models.BlockText && len(b.Text) > limit:
			b.Text = b.Text[:half] + truncationMarker + b.Text[len(b.Text)-half:]
		case b.Type == models.BlockToolResult && b.Content != nil && b.Content.Blocks == nil && len(b.Content.Text) > limit:
			text := b.Content.Text
			b.Content = &models.ResultContent{
				Text: text[:half] + truncationMarker + text[len(text)-half:],
			}
		}
		out.Content[i] = b
	}
	return out
}

// stripOldImages replaces image blocks with a text placeholder in every
// message except the newest PreserveLastImages ones. Inline base64 payloads
// in old tool results are the single biggest threat to the token window.
func (c *Compactor) stripOldImages(messages []models.Message) []models.Message {
	keep := c.cfg.PreserveLastImages
	if keep < 0 {
		keep = 0
	}
	cutoff := len(messages) - keep

	var out []models.Message
	for i := 0; i < cutoff; i++ {
		stripped, changed := stripImages(messages[i])
		if !changed {
			continue
		}
		if out == nil {
			out = append([]models.Message(nil), messages...)
		}
		out[i] = stripped
	}
	if out == nil {
		return messages
	}
	return out
}

func stripImages(m models.Message) (models.Message, bool) {
	changed := false
	blocks := make([]models.ContentBlock, len(m.Content))
	for i, b := range m.Content {
		switch {
		case b.Type == models.BlockImage:
			blocks[i] = models.TextBlock(imagePlaceholder)
			changed = true
		case b.Type == models.BlockToolResult && b.Content != nil && b.Content.Blocks != nil:
			inner := make([]models.ContentBlock, len(b.Content.Blocks))
			innerChanged := false
			for j, ib := range b.Content.Blocks {
				if ib.Type == models.BlockImage {
					inner[j] = models.TextBlock(imagePlaceholder)
					innerChanged = true
				} else {
					inner[j] = ib
				}
			}
			if innerChanged {
				b.Content = &models.ResultContent{Blocks: inner}
				changed = true
			}
			blocks[i] = b
		default:
			blocks[i] = b
		}
	}
	if !changed {
		return m, false
	}
	out := m
	out.Content = blocks
	return out, true
}

// estimate sums system prompt, tool definition, and per-message token counts.
func (c *Compactor) estimate(messages []models.Message, systemPrompt string, tools []string) int {
	total := c.est.Count(systemPrompt)
	for _, t := range tools {
		total += c.est.Count(t)
	}
	for i := range messages {
		total += c.est.CountMessage(messages[i])
	}
	return total
}

// trimByTokenBudget drops messages from the middle of the history until the
// remainder fits the budget. The first preserveFirst messages (task framing)
// and the last preserveLast (current context) always survive. Middle
// messages are dropped oldest first; a tool_use message and its tool_result
// message are dropped together as a unit.
func (c *Compactor) trimByTokenBudget(messages []models.Message, budget, preserveFirst, preserveLast int, preserveToolResults bool) []models.Message {
	if len(messages) <= preserveFirst+preserveLast {
		return messages
	}

	costs := make([]int, len(messages))
	total := 0
	for i := range messages {
		costs[i] = c.est.CountMessage(messages[i])
		total += costs[i]
	}
	if total <= budget {
		return messages
	}

	drop := make([]bool, len(messages))
	for i := preserveFirst; i < len(messages)-preserveLast && total > budget; i++ {
		if drop[i] {
			continue
		}
		m := messages[i]

		if preserveToolResults && (m.HasToolUse() || isToolResultMessage(m)) {
			continue
		}

		drop[i] = true
		total -= costs[i]

		// A tool exchange is dropped as a unit.
		if m.HasToolUse() && i+1 < len(messages) && isToolResultMessage(messages[i+1]) {
			if i+1 < len(messages)-preserveLast && !drop[i+1] {
				drop[i+1] = true
				total -= costs[i+1]
			}
		}
		if isToolResultMessage(m) && i-1 >= preserveFirst && !drop[i-1] && messages[i-1].HasToolUse() {
			drop[i-1] = true
			total -= costs[i-1]
		}
	}

	out := make([]models.Message, 0, len(messages))
	for i, m := range messages {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out
}

func isToolResultMessage(m models.Message) bool {
	if m.Role != models.RoleUser || len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.Type != models.BlockToolResult {
			return false
		}
	}
	return true
}

// repairPairing drops orphaned halves of tool exchanges left by trimming:
// an assistant tool_use with no following tool_result message, or a
// tool_result message whose tool_use was dropped. It also drops leading
// non-user messages so the sequence starts with a user turn.
func repairPairing(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		m := messages[i]

		if isToolResultMessage(m) {
			if len(out) == 0 || !out[len(out)-1].HasToolUse() {
				continue
			}
			prev := out[len(out)-1]
			if !resultsMatch(prev.ToolUses(), m.ToolResults()) {
				out = out[:len(out)-1]
				continue
			}
			out = append(out, m)
			continue
		}

		if m.HasToolUse() {
			if i+1 >= len(messages) || !isToolResultMessage(messages[i+1]) {
				continue
			}
		}
		out = append(out, m)
	}

	for len(out) > 0 && out[0].Role != models.RoleUser {
		out = out[1:]
	}
	return out
}

func resultsMatch(uses, results []models.ContentBlock) bool {
	if len(uses) != len(results) {
		return false
	}
	for i := range uses {
		if uses[i].ID != results[i].ToolUseID {
			return false
		}
	}
	return true
}
