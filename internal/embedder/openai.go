package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig holds configuration for the OpenAI-compatible embedding backend.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string // empty uses the OpenAI endpoint
	Model          string
	Dimension      int
	MaxRetries     int           // transport retries on 429 and 5xx
	RetryDelay     time.Duration // initial retry delay, doubled per attempt
	RateLimitRPS   int
	RequestTimeout time.Duration
}

// DefaultOpenAIConfig returns default configuration.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:         apiKey,
		Model:          "text-embedding-3-small",
		Dimension:      384,
		MaxRetries:     2,
		RetryDelay:     time.Second,
		RateLimitRPS:   10,
		RequestTimeout: 30 * time.Second,
	}
}

// OpenAIBackend embeds text through an OpenAI-compatible embeddings API.
type OpenAIBackend struct {
	client      *openai.Client
	config      OpenAIConfig
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewOpenAIBackend creates a new OpenAI embedding backend.
func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: embedding API key is required", ErrBackendUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientCfg),
		config:      cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS),
		logger:      logger.With("component", "embedder.openai"),
	}, nil
}

// Embed generates an embedding for a single text.
func (o *OpenAIBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := o.config.RetryDelay

	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		if attempt > 0 {
			o.logger.Debug("retrying embedding request", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := o.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		v, err := o.doEmbed(ctx, text)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		o.logger.Warn("embedding request failed", "attempt", attempt, "error", err)
	}

	return nil, lastErr
}

func (o *OpenAIBackend) doEmbed(ctx context.Context, text string) ([]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	defer cancel()

	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.config.Model),
	}
	if strings.HasPrefix(o.config.Model, "text-embedding-3") && o.config.Dimension > 0 {
		req.Dimensions = o.config.Dimension
	}

	resp, err := o.client.CreateEmbeddings(reqCtx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, fmt.Errorf("embedding API error: %w", err)
	}
	if len(resp.Data) != 1 {
		return nil, fmt.Errorf("unexpected response: got %d embeddings for 1 text", len(resp.Data))
	}

	return resp.Data[0].Embedding, nil
}

// Dimension returns the configured dimension.
func (o *OpenAIBackend) Dimension() int {
	return o.config.Dimension
}

// Name returns the backend name.
func (o *OpenAIBackend) Name() string {
	return "openai/" + o.config.Model
}

func retryable(err error) bool {
	if errors.Is(err, ErrBackendUnavailable) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	return errors.As(err, &reqErr)
}
