package embedder

import (
	"context"
	"fmt"
	"log/slog"
)

// FactoryConfig selects a backend and carries the settings of every kind.
type FactoryConfig struct {
	Provider string // openai, onnx or hash
	OpenAI   OpenAIConfig
	ONNX     ONNXConfig
	HashDim  int
}

// NewFactory returns a Factory for the configured provider. Construction itself is
// deferred until the Embedder first needs the backend.
func NewFactory(cfg FactoryConfig, logger *slog.Logger) (Factory, error) {
	switch cfg.Provider {
	case "openai":
		return func(context.Context) (Backend, error) {
			return NewOpenAIBackend(cfg.OpenAI, logger)
		}, nil
	case "onnx":
		return func(context.Context) (Backend, error) {
			return NewONNXBackend(cfg.ONNX, logger)
		}, nil
	case "hash", "":
		return func(context.Context) (Backend, error) {
			return NewHashBackend(cfg.HashDim), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
