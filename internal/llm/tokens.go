package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/arc/pkg/models"
)

var (
	encodingCache   = map[string]*tiktoken.Tiktoken{}
	encodingCacheMu sync.Mutex
)

// TokenCounter counts tokens with the model's tiktoken encoding when one is
// available, falling back to a chars/4 estimate otherwise. The fallback keeps
// counting deterministic offline; budget margins absorb the error.
type TokenCounter struct {
	model    string
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter for a model. It never fails; models with
// no known encoding (Anthropic models included) use the estimator.
func NewTokenCounter(model string) *TokenCounter {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{model: model, encoding: cached}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &TokenCounter{model: model}
		}
	}
	encodingCache[model] = encoding
	return &TokenCounter{model: model, encoding: encoding}
}

// Count returns the token count for a text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return estimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessage counts a block-structured message including per-message
// framing overhead.
func (tc *TokenCounter) CountMessage(msg models.Message) int {
	total := 4
	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText, models.BlockThinking:
			total += tc.Count(block.Text)
		case models.BlockToolUse:
			total += tc.Count(block.Name)
			total += tc.Count(models.ToolCall{Name: block.Name, Input: block.Input}.InputJSON())
		case models.BlockToolResult:
			total += tc.Count(block.Content.String())
		case models.BlockImage:
			// Provider-side image token cost is roughly fixed per tile.
			total += 1600
		}
	}
	return total
}

// CountMessages counts a conversation.
func (tc *TokenCounter) CountMessages(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += tc.CountMessage(msg)
	}
	return total
}

// Model returns the model this counter was built for.
func (tc *TokenCounter) Model() string { return tc.model }

func estimateTokens(text string) int {
	return len(text) / 4
}
