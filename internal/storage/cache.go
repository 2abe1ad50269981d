package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// RedisClient defines the Redis operations the embedding cache needs.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// EmbeddingCache stores query embeddings keyed by model and query text.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, model, query string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, query string, embedding []float32) error
}

// CacheConfig holds configuration for the Redis embedding cache.
type CacheConfig struct {
	Prefix              string
	EmbeddingTTL        time.Duration
	GracefulDegradation bool // continue without cache if Redis errors
}

// DefaultCacheConfig returns a default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Prefix:              "docqa",
		EmbeddingTTL:        24 * time.Hour,
		GracefulDegradation: true,
	}
}

// CacheMetrics tracks cache hit/miss statistics.
type CacheMetrics struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// RedisEmbeddingCache caches query embeddings in Redis as packed float32 values.
type RedisEmbeddingCache struct {
	client  RedisClient
	config  CacheConfig
	logger  *slog.Logger
	healthy atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64
	errs   atomic.Uint64
}

// NewRedisEmbeddingCache creates a cache. An unreachable Redis disables the cache
// instead of failing.
func NewRedisEmbeddingCache(client RedisClient, logger *slog.Logger, config CacheConfig) *RedisEmbeddingCache {
	if logger == nil {
		logger = slog.Default()
	}

	c := &RedisEmbeddingCache{
		client: client,
		config: config,
		logger: logger.With("component", "embedding_cache"),
	}

	if client == nil {
		return c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		c.logger.Warn("Redis connection failed, cache will be disabled", "error", err)
		return c
	}
	c.healthy.Store(true)
	return c
}

// IsHealthy returns whether the cache is operational.
func (c *RedisEmbeddingCache) IsHealthy() bool {
	return c.client != nil && c.healthy.Load()
}

// Metrics returns current cache metrics.
func (c *RedisEmbeddingCache) Metrics() CacheMetrics {
	return CacheMetrics{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errs.Load(),
	}
}

// GetEmbedding retrieves a cached embedding for a query.
func (c *RedisEmbeddingCache) GetEmbedding(ctx context.Context, model, query string) ([]float32, bool, error) {
	if !c.IsHealthy() {
		return nil, false, nil
	}

	start := time.Now()
	data, err := c.client.Get(ctx, c.key(model, query))
	if err != nil {
		c.misses.Add(1)
		if !errors.Is(err, ErrCacheMiss) {
			c.errs.Add(1)
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		return nil, false, nil
	}

	embedding, err := decodeEmbedding([]byte(data))
	if err != nil {
		c.errs.Add(1)
		c.logger.Error("failed to decode cached embedding", "error", err)
		return nil, false, err
	}

	c.hits.Add(1)
	c.logger.Debug("embedding cache hit",
		"query_hash", hashQuery(query),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return embedding, true, nil
}

// SetEmbedding caches an embedding for a query.
func (c *RedisEmbeddingCache) SetEmbedding(ctx context.Context, model, query string, embedding []float32) error {
	if !c.IsHealthy() {
		return nil
	}

	if err := c.client.Set(ctx, c.key(model, query), encodeEmbedding(embedding), c.config.EmbeddingTTL); err != nil {
		c.errs.Add(1)
		c.logger.Error("failed to cache embedding", "error", err)
		if c.config.GracefulDegradation {
			return nil
		}
		return err
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisEmbeddingCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisEmbeddingCache) key(model, query string) string {
	return fmt.Sprintf("%s:emb:%s:%s", c.config.Prefix, model, hashQuery(query))
}

// hashQuery creates a hash of the query for use as a cache key.
func hashQuery(query string) string {
	h := sha256.Sum256([]byte(query))
	return hex.EncodeToString(h[:16])
}

// encodeEmbedding converts a float32 slice to little-endian bytes.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts bytes back to a float32 slice.
func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding data length: %d", len(data))
	}

	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding, nil
}

// NullEmbeddingCache is a no-op cache used when Redis is disabled.
type NullEmbeddingCache struct{}

// GetEmbedding always returns a cache miss.
func (NullEmbeddingCache) GetEmbedding(ctx context.Context, model, query string) ([]float32, bool, error) {
	return nil, false, nil
}

// SetEmbedding does nothing.
func (NullEmbeddingCache) SetEmbedding(ctx context.Context, model, query string, embedding []float32) error {
	return nil
}
