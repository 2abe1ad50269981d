// Package app assembles the document QA core from configuration. The HTTP server
// and the CLI share these constructors so both run the same pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/chunker"
	"github.com/alqutdigital/docqa-agent/internal/config"
	"github.com/alqutdigital/docqa-agent/internal/embedder"
	"github.com/alqutdigital/docqa-agent/internal/ingest"
	"github.com/alqutdigital/docqa-agent/internal/llm"
	"github.com/alqutdigital/docqa-agent/internal/processor"
	"github.com/alqutdigital/docqa-agent/internal/rag"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/alqutdigital/docqa-agent/pkg/logger"
)

// OpenStore opens the store selected by cfg.Driver. The searcher is non-nil only
// when the store can rank chunks itself (Postgres with pgvector).
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (storage.Store, storage.VectorSearcher, error) {
	if log == nil {
		log = slog.Default()
	}

	switch cfg.Driver {
	case "postgres":
		db, err := storage.NewPostgres(storage.PostgresConfig{
			Host:         cfg.Host,
			Port:         cfg.Port,
			User:         cfg.User,
			Password:     cfg.Password,
			Database:     cfg.Database,
			SSLMode:      cfg.SSLMode,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
			Dimension:    cfg.Dimension,
		})
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewPostgresStore(db, log)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		log.Info("connected to PostgreSQL", "host", cfg.Host, "database", cfg.Database)
		return store, store, nil

	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("opened SQLite store", "path", cfg.SQLitePath)
		return store, nil, nil

	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		return storage.NewMemoryStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

// NewEmbedder builds the shared lazy embedder. No backend is created until the
// first embedding is requested.
func NewEmbedder(cfg config.EmbeddingConfig, batchSize int, log *slog.Logger) (*embedder.Embedder, error) {
	openai := embedder.DefaultOpenAIConfig(cfg.APIKey)
	openai.BaseURL = cfg.BaseURL
	openai.Dimension = cfg.Dimension
	if cfg.RateLimit > 0 {
		openai.RateLimitRPS = cfg.RateLimit
	}
	if cfg.Provider == "openai" && cfg.Model != "" {
		openai.Model = cfg.Model
	}

	factory, err := embedder.NewFactory(embedder.FactoryConfig{
		Provider: cfg.Provider,
		OpenAI:   openai,
		ONNX: embedder.ONNXConfig{
			ModelPath:   cfg.ONNXModelPath,
			VocabPath:   cfg.ONNXVocabPath,
			LibraryPath: cfg.ONNXLibraryPath,
			Dimension:   cfg.Dimension,
		},
		HashDim: cfg.Dimension,
	}, log)
	if err != nil {
		return nil, err
	}

	embCfg := embedder.DefaultConfig()
	if batchSize > 0 {
		embCfg.BatchSize = batchSize
	}
	return embedder.New(factory, embCfg, log), nil
}

// CacheModel keys cached query embeddings so vectors from different backends
// never mix.
func CacheModel(cfg config.EmbeddingConfig) string {
	return cfg.Provider + ":" + cfg.Model
}

// NewGenerator builds the primary generation backend and, when configured, a
// fallback behind it. A backend without credentials is skipped with a warning;
// when none is left the result is nil and chat answers without generation.
func NewGenerator(cfg config.GenerationConfig, log *slog.Logger) (llm.Provider, error) {
	if log == nil {
		log = slog.Default()
	}

	build := func(provider, apiKey, model, baseURL string) (llm.Provider, error) {
		p, err := llm.NewProvider(llm.ProviderConfig{
			Provider:    provider,
			Model:       model,
			APIKey:      apiKey,
			BaseURL:     baseURL,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}, log)
		if errors.Is(err, llm.ErrNotConfigured) {
			log.Warn("generation provider not configured, skipping", "provider", provider, "error", err)
			return nil, nil
		}
		return p, err
	}

	primary, err := build(cfg.Provider, cfg.APIKey, cfg.Model, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation provider: %w", err)
	}

	var fallback llm.Provider
	if cfg.FallbackProvider != "" {
		// The base URL belongs to the primary.
		fallback, err = build(cfg.FallbackProvider, cfg.FallbackAPIKey, cfg.FallbackModel, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback provider: %w", err)
		}
	}

	return llm.NewFallbackProvider(log, primary, fallback), nil
}

// Limits converts the ingestion settings into upload limits.
func Limits(cfg config.IngestionConfig) ingest.Limits {
	limits := ingest.DefaultLimits()
	if cfg.MaxFileSize > 0 {
		limits.MaxFileSize = cfg.MaxFileSize
	}
	return limits
}

// NewPipeline wires extraction, chunking and embedding into an ingestion
// pipeline. objects may be nil; pass a literal nil rather than a typed one.
func NewPipeline(cfg *config.Config, store ingest.DocumentStore, emb ingest.BatchEmbedder, objects storage.ObjectStorage, log *slog.Logger) *ingest.Pipeline {
	if log == nil {
		log = slog.Default()
	}

	chunkCfg := chunker.DefaultChunkerConfig()
	if cfg.Ingestion.ChunkSize > 0 {
		chunkCfg.MaxChunkSize = cfg.Ingestion.ChunkSize
	}

	pipelineCfg := ingest.DefaultConfig()
	pipelineCfg.Limits = Limits(cfg.Ingestion)

	return ingest.NewPipeline(ingest.Dependencies{
		Store:     store,
		Extractor: processor.NewExtractor(processor.DefaultExtractorConfig(), &logger.Logger{Logger: log}),
		Chunker:   chunker.NewChunker(chunkCfg, log),
		Embedder:  emb,
		Objects:   objects,
	}, pipelineCfg, log)
}

// ChatDeps are the collaborators of the chat service. Searcher, Cache and
// Provider may be nil.
type ChatDeps struct {
	Store    storage.Store
	Searcher storage.VectorSearcher
	Embedder rag.Embedder
	Cache    storage.EmbeddingCache
	Provider llm.Provider
}

// NewScorer builds the similarity scorer from the retrieval settings.
func NewScorer(cfg *config.Config, deps ChatDeps, log *slog.Logger) *rag.Scorer {
	scorerCfg := rag.DefaultScorerConfig()
	scorerCfg.Threshold = cfg.Retrieval.Threshold
	if cfg.Retrieval.Limit > 0 {
		scorerCfg.Limit = cfg.Retrieval.Limit
	}
	scorerCfg.CacheModel = CacheModel(cfg.Embedding)
	scorerCfg.CacheEnabled = deps.Cache != nil

	return rag.NewScorer(deps.Store, deps.Searcher, deps.Embedder, deps.Cache, log, scorerCfg)
}

// NewChatService wires the scorer and context builder into a chat service.
func NewChatService(cfg *config.Config, deps ChatDeps, log *slog.Logger) *rag.Service {
	if log == nil {
		log = slog.Default()
	}

	scorer := NewScorer(cfg, deps, log)

	chatCfg := rag.DefaultChatConfig()
	chatCfg.SearchLimit = scorer.Limit()
	if cfg.Generation.MaxTokens > 0 {
		chatCfg.MaxTokens = cfg.Generation.MaxTokens
	}
	chatCfg.Temperature = cfg.Generation.Temperature

	builder := rag.NewContextBuilder(log, rag.DefaultContextBuilderConfig())
	return rag.NewService(deps.Store, scorer, builder, deps.Provider, log, chatCfg)
}

// SessionPruner is the part of the store session expiry needs.
type SessionPruner interface {
	ListSessions(ctx context.Context) ([]storage.Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// PruneSessions deletes sessions expired at now along with everything they own,
// including archived originals when objects is non-nil.
func PruneSessions(ctx context.Context, store SessionPruner, objects storage.ObjectStorage, now time.Time, log *slog.Logger) (int64, error) {
	if log == nil {
		log = slog.Default()
	}

	var expired []storage.Session
	if objects != nil {
		sessions, err := store.ListSessions(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, s := range sessions {
			if s.Expired(now) {
				expired = append(expired, s)
			}
		}
	}

	n, err := store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	for _, s := range expired {
		if err := objects.DeletePrefix(ctx, storage.SessionPrefix(s.ID)); err != nil {
			log.Warn("failed to delete archived originals", "session_id", s.ID, "error", err)
		}
	}
	return n, nil
}
