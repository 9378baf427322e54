package llm

import (
	"strings"
	"sync"

	"github.com/haasonsaas/arc/pkg/models"
)

// ModelPricing is the USD price per million tokens.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Prices for the models the runtime routes to. Unknown models fall back to
// the most expensive known tier so cost limits fail safe.
var modelPricing = map[string]ModelPricing{
	"claude-opus-4":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4-turbo":       {InputPerMTok: 10.00, OutputPerMTok: 30.00},
	"o3":                {InputPerMTok: 2.00, OutputPerMTok: 8.00},
}

var fallbackPricing = ModelPricing{InputPerMTok: 15.00, OutputPerMTok: 75.00}

// PricingFor resolves pricing by longest model name prefix.
func PricingFor(model string) ModelPricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	best := ""
	for prefix := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return modelPricing[best]
	}
	return fallbackPricing
}

// CostTracker accumulates token usage per session and converts it to USD.
// Safe for concurrent use.
type CostTracker struct {
	mu    sync.Mutex
	usage models.Usage
	cost  float64
}

// NewCostTracker creates an empty tracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{}
}

// Record adds one response's usage at the given model's pricing.
func (t *CostTracker) Record(model string, usage models.Usage) {
	pricing := PricingFor(model)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Add(usage)
	t.cost += float64(usage.InputTokens) / 1e6 * pricing.InputPerMTok
	t.cost += float64(usage.OutputTokens) / 1e6 * pricing.OutputPerMTok
}

// Cost returns the accumulated USD cost.
func (t *CostTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cost
}

// Usage returns the accumulated token usage.
func (t *CostTracker) Usage() models.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}
