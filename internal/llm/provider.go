// Package llm provides a unified interface for answer-generation backends.
package llm

import (
	"context"
	"errors"
	"net/http"
)

// Provider defines the interface that all generation backends must implement.
type Provider interface {
	// Complete sends a system and user prompt and returns the generated text.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// Name returns the provider name (e.g., "groq", "anthropic", "ollama").
	Name() string

	// Model returns the model name being used.
	Model() string
}

// Typed failures every provider maps its errors onto.
var (
	ErrNotConfigured      = errors.New("generation backend is not configured")
	ErrServiceUnavailable = errors.New("generation service unavailable")
	ErrUnauthorized       = errors.New("generation service rejected credentials")
)

// CompletionRequest represents a single-turn request to the model.
type CompletionRequest struct {
	SystemPrompt string  `json:"system_prompt,omitempty"`
	UserPrompt   string  `json:"user_prompt"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonStop      StopReason = "stop"
)

// Completion is the model's answer.
type Completion struct {
	Text       string     `json:"text"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	Model      string     `json:"model"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TotalTokens returns the total number of tokens used.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ProviderConfig holds common configuration for generation providers.
type ProviderConfig struct {
	// Provider is the provider name (groq, openai, anthropic, ollama, lmstudio).
	Provider string `json:"provider"`

	// Model is the model to use.
	Model string `json:"model"`

	// APIKey is the API key for hosted providers.
	APIKey string `json:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// MaxTokens is the default maximum tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the default temperature.
	Temperature float64 `json:"temperature,omitempty"`
}

// DefaultProviderConfig returns the default provider configuration.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:    string(ProviderGroq),
		Model:       GetDefaultModel(string(ProviderGroq)),
		MaxTokens:   1000,
		Temperature: 0.3,
	}
}

// classifyStatus maps an HTTP status from a provider onto the typed failures.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return ErrServiceUnavailable
	}
	return nil
}
