package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Provider names accepted by NewProvider.
const (
	ProviderOpenAI  = "openai"
	ProviderGemini  = "gemini"
	ProviderCopilot = "copilot"
)

// ProviderConfig selects and configures a completion backend.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewProvider builds the provider named by cfg.Name.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch cfg.Name {
	case ProviderOpenAI, "":
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
			Logger:  cfg.Logger,
		}), nil
	case ProviderGemini:
		return NewGeminiProvider(ctx, cfg.APIKey)
	case ProviderCopilot:
		return NewCopilotProvider(nil), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Name)
	}
}
