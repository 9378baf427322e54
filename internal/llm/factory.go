package llm

import (
	"fmt"

	"github.com/haasonsaas/arc/internal/config"
)

// New builds the Service named by the config.
func New(cfg config.LLMConfig) (Service, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicService(AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case "openai":
		return NewOpenAIService(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
