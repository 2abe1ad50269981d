// Package rag provides Retrieval-Augmented Generation components.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/embedder"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/google/uuid"
)

// Embedder defines the interface for generating query embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkReader is the part of the store the scorer reads from.
type ChunkReader interface {
	ListChunks(ctx context.Context, sessionID uuid.UUID, limit int) ([]storage.Chunk, error)
	CountChunks(ctx context.Context, sessionID uuid.UUID) (storage.ChunkCounts, error)
}

// SimilarityResult is a chunk scored against a query.
type SimilarityResult = storage.ScoredChunk

// SearchMode represents the scoring strategy used for a search.
type SearchMode string

const (
	SearchModeNone    SearchMode = "none"
	SearchModeVector  SearchMode = "vector"
	SearchModeLexical SearchMode = "lexical"
)

// lexicalFloor is the score given to a chunk that shares no word with the query.
const lexicalFloor = 0.5

// ScorerConfig holds configuration for the scorer.
type ScorerConfig struct {
	Threshold    float64 // minimum cosine similarity in vector mode
	Limit        int     // default result count
	CacheModel   string  // embedding model name used to key the query cache
	CacheEnabled bool
}

// DefaultScorerConfig returns a default configuration.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Threshold:    0.7,
		Limit:        5,
		CacheEnabled: true,
	}
}

// RetrievalTiming contains per-step durations in milliseconds.
type RetrievalTiming struct {
	CountMs     int64 `json:"count_ms"`
	EmbeddingMs int64 `json:"embedding_ms"`
	ScoringMs   int64 `json:"scoring_ms"`
	TotalMs     int64 `json:"total_ms"`
}

// RetrievalResult is a search outcome together with how it was produced.
type RetrievalResult struct {
	Results  []SimilarityResult `json:"results"`
	Mode     SearchMode         `json:"mode"`
	CacheHit bool               `json:"cache_hit"`
	Timing   RetrievalTiming    `json:"timing"`
}

// ScorerStats holds counters for searches by mode.
type ScorerStats struct {
	Searches        int64 `json:"searches"`
	VectorSearches  int64 `json:"vector_searches"`
	LexicalSearches int64 `json:"lexical_searches"`
	EmptySearches   int64 `json:"empty_searches"`
	EmbedFailures   int64 `json:"embed_failures"`
}

// Scorer ranks a session's chunks against a query. It uses vector similarity when
// the session has embeddings and the query can be embedded, and word overlap
// otherwise.
type Scorer struct {
	chunks   ChunkReader
	searcher storage.VectorSearcher
	embedder Embedder
	cache    storage.EmbeddingCache
	logger   *slog.Logger
	config   ScorerConfig

	searches        atomic.Int64
	vectorSearches  atomic.Int64
	lexicalSearches atomic.Int64
	emptySearches   atomic.Int64
	embedFailures   atomic.Int64
}

// NewScorer creates a new Scorer. searcher may be nil, in which case vector
// scoring runs in process over the session's chunks. cache may be nil.
func NewScorer(chunks ChunkReader, searcher storage.VectorSearcher, emb Embedder, cache storage.EmbeddingCache, logger *slog.Logger, config ScorerConfig) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = storage.NullEmbeddingCache{}
	}

	defaults := DefaultScorerConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}

	return &Scorer{
		chunks:   chunks,
		searcher: searcher,
		embedder: emb,
		cache:    cache,
		logger:   logger.With("component", "scorer"),
		config:   config,
	}
}

// Limit is the number of chunks returned when a caller passes no limit.
func (s *Scorer) Limit() int { return s.config.Limit }

// Search returns the session's chunks most similar to query, highest first. A
// session without chunks yields an empty slice and no error.
func (s *Scorer) Search(ctx context.Context, query string, sessionID uuid.UUID, limit int) ([]SimilarityResult, error) {
	result, err := s.Retrieve(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return result.Results, nil
}

// Retrieve is Search with the chosen mode, cache use and timings attached.
func (s *Scorer) Retrieve(ctx context.Context, query string, sessionID uuid.UUID, limit int) (*RetrievalResult, error) {
	startTotal := time.Now()
	s.searches.Add(1)
	if limit <= 0 {
		limit = s.config.Limit
	}

	result := &RetrievalResult{Results: []SimilarityResult{}, Mode: SearchModeNone}

	startCount := time.Now()
	counts, err := s.chunks.CountChunks(ctx, sessionID)
	result.Timing.CountMs = time.Since(startCount).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	if counts.Total == 0 {
		s.emptySearches.Add(1)
		result.Timing.TotalMs = time.Since(startTotal).Milliseconds()
		s.logger.Debug("session has no chunks", "session_id", sessionID)
		return result, nil
	}

	var queryVec []float32
	if counts.Embedded > 0 {
		var embeddingMs int64
		queryVec, result.CacheHit, embeddingMs, err = s.queryEmbedding(ctx, query)
		result.Timing.EmbeddingMs = embeddingMs
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.embedFailures.Add(1)
			s.logger.Warn("query embedding failed, using lexical scoring",
				"session_id", sessionID,
				"error", err,
			)
			queryVec = nil
		}
	}

	startScoring := time.Now()
	if queryVec != nil {
		result.Mode = SearchModeVector
		s.vectorSearches.Add(1)
		result.Results, err = s.vectorSearch(ctx, sessionID, queryVec, limit)
	} else {
		result.Mode = SearchModeLexical
		s.lexicalSearches.Add(1)
		result.Results, err = s.lexicalSearch(ctx, sessionID, query, limit)
	}
	result.Timing.ScoringMs = time.Since(startScoring).Milliseconds()
	if err != nil {
		return nil, err
	}
	result.Timing.TotalMs = time.Since(startTotal).Milliseconds()

	s.logger.Debug("search completed",
		"session_id", sessionID,
		"mode", result.Mode,
		"results", len(result.Results),
		"cache_hit", result.CacheHit,
		"duration_ms", result.Timing.TotalMs,
	)

	return result, nil
}

// vectorSearch keeps chunks at or above the threshold, best first, ties in chunk order.
func (s *Scorer) vectorSearch(ctx context.Context, sessionID uuid.UUID, queryVec []float32, limit int) ([]SimilarityResult, error) {
	if s.searcher != nil {
		results, err := s.searcher.SearchChunks(ctx, sessionID, queryVec, s.config.Threshold, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to search chunks: %w", err)
		}
		if results == nil {
			results = []SimilarityResult{}
		}
		return results, nil
	}

	chunks, err := s.chunks.ListChunks(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	results := make([]SimilarityResult, 0, limit)
	skipped := 0
	for _, c := range chunks {
		if c.Embedding == nil {
			continue
		}
		if len(c.Embedding) != len(queryVec) {
			skipped++
			continue
		}
		sim := embedder.Dot(queryVec, c.Embedding)
		if sim >= s.config.Threshold {
			results = append(results, SimilarityResult{Chunk: c, Similarity: sim})
		}
	}
	if skipped > 0 {
		s.logger.Warn("skipped chunks with mismatched embedding dimension",
			"session_id", sessionID,
			"skipped", skipped,
			"query_dimension", len(queryVec),
		)
	}

	return topK(results, limit), nil
}

func (s *Scorer) lexicalSearch(ctx context.Context, sessionID uuid.UUID, query string, limit int) ([]SimilarityResult, error) {
	chunks, err := s.chunks.ListChunks(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	results := make([]SimilarityResult, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, SimilarityResult{Chunk: c, Similarity: LexicalScore(query, c.Content)})
	}
	return topK(results, limit), nil
}

// LexicalScore returns the fraction of the query's whitespace-separated words that occur
// in content, ignoring case. When no word occurs, or the query has none, the
// score is 0.5.
func LexicalScore(query, content string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return lexicalFloor
	}
	lower := strings.ToLower(content)

	matches := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			matches++
		}
	}
	if matches == 0 {
		return lexicalFloor
	}
	return float64(matches) / float64(len(words))
}

func topK(results []SimilarityResult, limit int) []SimilarityResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// queryEmbedding retrieves or generates an embedding for the query.
func (s *Scorer) queryEmbedding(ctx context.Context, query string) ([]float32, bool, int64, error) {
	start := time.Now()

	if s.config.CacheEnabled {
		cached, hit, err := s.cache.GetEmbedding(ctx, s.config.CacheModel, query)
		if err == nil && hit {
			s.logger.Debug("query embedding cache hit")
			return cached, true, time.Since(start).Milliseconds(), nil
		}
	}

	if s.embedder == nil {
		return nil, false, time.Since(start).Milliseconds(), embedder.ErrBackendUnavailable
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, false, time.Since(start).Milliseconds(), err
	}

	if s.config.CacheEnabled {
		if err := s.cache.SetEmbedding(ctx, s.config.CacheModel, query, vec); err != nil {
			s.logger.Warn("failed to cache query embedding", "error", err)
		}
	}

	return vec, false, time.Since(start).Milliseconds(), nil
}

// Stats returns a snapshot of search counters.
func (s *Scorer) Stats() ScorerStats {
	return ScorerStats{
		Searches:        s.searches.Load(),
		VectorSearches:  s.vectorSearches.Load(),
		LexicalSearches: s.lexicalSearches.Load(),
		EmptySearches:   s.emptySearches.Load(),
		EmbedFailures:   s.embedFailures.Load(),
	}
}
