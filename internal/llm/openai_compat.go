package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompatProvider implements the Provider interface for OpenAI-compatible APIs.
// This works with Groq, OpenAI, Ollama, LM Studio and other compatible servers.
type OpenAICompatProvider struct {
	client       *openai.Client
	model        string
	providerName string
	logger       *slog.Logger
	config       ProviderConfig
}

// NewOpenAICompatProvider creates a new OpenAI-compatible provider.
func NewOpenAICompatProvider(cfg ProviderConfig, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for OpenAI-compatible provider")
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Local servers like Ollama/LM Studio don't require API keys
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = cfg.BaseURL

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel(cfg.Provider)
	}

	providerName := cfg.Provider
	if providerName == "" {
		providerName = "openai_compat"
	}

	return &OpenAICompatProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        model,
		providerName: providerName,
		logger:       logger.With("component", "openai_compat_provider", "provider", providerName),
		config:       cfg,
	}, nil
}

// Complete sends the prompts to the chat completions endpoint.
func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	start := time.Now()

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens > 0 {
		chatReq.MaxTokens = maxTokens
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.config.Temperature
	}
	if temperature > 0 {
		chatReq.Temperature = float32(temperature)
	}

	p.logger.Debug("sending completion request",
		"model", p.model,
		"base_url", p.config.BaseURL,
		"prompt_chars", len(req.UserPrompt),
	)

	response, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		p.logger.Error("completion request failed", "error", err)
		return nil, p.classify(err)
	}
	if len(response.Choices) == 0 {
		return &Completion{Model: response.Model, StopReason: StopReasonEndTurn}, nil
	}

	choice := response.Choices[0]
	p.logger.Debug("completion received",
		"input_tokens", response.Usage.PromptTokens,
		"output_tokens", response.Usage.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Completion{
		Text:       choice.Message.Content,
		StopReason: convertFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		},
		Model: response.Model,
	}, nil
}

// Name returns the provider name.
func (p *OpenAICompatProvider) Name() string {
	return p.providerName
}

// Model returns the model name.
func (p *OpenAICompatProvider) Model() string {
	return p.model
}

func (p *OpenAICompatProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if typed := classifyStatus(apiErr.HTTPStatusCode); typed != nil {
			return fmt.Errorf("%w: %s: %v", typed, p.providerName, err)
		}
		return fmt.Errorf("%s completion failed: %w", p.providerName, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if typed := classifyStatus(reqErr.HTTPStatusCode); typed != nil {
			return fmt.Errorf("%w: %s: %v", typed, p.providerName, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Transport failures: connection refused, DNS, TLS.
	return fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, p.providerName, err)
}

// convertFinishReason converts OpenAI's finish reason to our StopReason type.
func convertFinishReason(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonLength:
		return StopReasonMaxTokens
	case openai.FinishReasonStop:
		return StopReasonEndTurn
	default:
		return StopReasonEndTurn
	}
}
