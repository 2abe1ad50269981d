package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// FallbackProvider tries a list of providers in order, moving to the next one only
// when the current one reports ErrServiceUnavailable. Any other error is returned
// as is.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider wraps providers. Nil entries are skipped; with a single
// provider the wrapper is not needed and that provider is returned directly.
func NewFallbackProvider(logger *slog.Logger, providers ...Provider) Provider {
	if logger == nil {
		logger = slog.Default()
	}

	var live []Provider
	for _, p := range providers {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return &FallbackProvider{
		providers: live,
		logger:    logger.With("component", "fallback_provider"),
	}
}

// Complete implements the Provider interface.
func (p *FallbackProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	var errs []error
	for i, provider := range p.providers {
		completion, err := provider.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				p.logger.Info("completion served by fallback provider", "provider", provider.Name())
			}
			return completion, nil
		}
		if !errors.Is(err, ErrServiceUnavailable) {
			return nil, err
		}
		p.logger.Warn("provider unavailable, trying next",
			"provider", provider.Name(),
			"error", err,
		)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Name returns the provider names joined by "+".
func (p *FallbackProvider) Name() string {
	names := make([]string, len(p.providers))
	for i, provider := range p.providers {
		names[i] = provider.Name()
	}
	return strings.Join(names, "+")
}

// Model returns the primary provider's model.
func (p *FallbackProvider) Model() string {
	return p.providers[0].Model()
}
