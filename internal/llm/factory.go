package llm

import (
	"fmt"
	"log/slog"
	"strings"
)

// ProviderType represents the type of generation provider.
type ProviderType string

const (
	ProviderGroq      ProviderType = "groq"
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOllama    ProviderType = "ollama"
	ProviderLMStudio  ProviderType = "lmstudio"
)

// NewProvider creates a provider based on the configuration. Hosted providers
// without an API key return an error wrapping ErrNotConfigured.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	providerType := ProviderType(strings.ToLower(strings.TrimSpace(cfg.Provider)))
	cfg.Provider = string(providerType)
	if err := ValidateProviderConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = GetDefaultModel(cfg.Provider)
	}

	logger.Info("creating generation provider",
		"provider", providerType,
		"model", cfg.Model,
	)

	switch providerType {
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg, logger)

	case ProviderGroq, ProviderOpenAI, ProviderOllama, ProviderLMStudio:
		if cfg.BaseURL == "" {
			cfg.BaseURL = GetDefaultBaseURL(cfg.Provider)
		}
		return NewOpenAICompatProvider(cfg, logger)

	default:
		return nil, fmt.Errorf("unsupported generation provider: %s", cfg.Provider)
	}
}

// ValidateProviderConfig validates the provider configuration.
func ValidateProviderConfig(cfg ProviderConfig) error {
	providerType := ProviderType(strings.ToLower(cfg.Provider))

	switch providerType {
	case ProviderGroq, ProviderOpenAI, ProviderAnthropic:
		if cfg.APIKey == "" {
			return fmt.Errorf("%w: API key is required for %s provider", ErrNotConfigured, providerType)
		}

	case ProviderOllama, ProviderLMStudio:
		// Local servers need no key; base URL has a default.

	default:
		return fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	return nil
}

// GetDefaultModel returns the default model for a given provider.
func GetDefaultModel(provider string) string {
	switch ProviderType(strings.ToLower(provider)) {
	case ProviderGroq:
		return "deepseek-r1-distill-llama-70b"
	case ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderOllama:
		return "llama3.2"
	case ProviderLMStudio:
		return "local-model"
	default:
		return ""
	}
}

// GetDefaultBaseURL returns the default base URL for a given provider.
func GetDefaultBaseURL(provider string) string {
	switch ProviderType(strings.ToLower(provider)) {
	case ProviderGroq:
		return "https://api.groq.com/openai/v1"
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderOllama:
		return "http://localhost:11434/v1"
	case ProviderLMStudio:
		return "http://localhost:1234/v1"
	default:
		return ""
	}
}
