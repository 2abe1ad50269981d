// Package embedder converts text into unit-length vectors through a pluggable backend.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBackendUnavailable is returned when the embedding backend cannot be created or reached.
var ErrBackendUnavailable = errors.New("embedding backend unavailable")

// Backend produces raw embeddings for a single text.
type Backend interface {
	// Embed returns the backend's raw vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed vector length of this backend.
	Dimension() int

	// Name identifies the backend and model.
	Name() string
}

// Factory builds a Backend. It is called at most once per Embedder after a success.
type Factory func(ctx context.Context) (Backend, error)

// Config holds configuration for the Embedder.
type Config struct {
	BatchSize int // concurrent embeddings per batch (default: 5)
	CacheSize int // in-process query embedding cache entries, 0 disables
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize: 5,
		CacheSize: 1000,
	}
}

// Stats tracks embedding usage.
type Stats struct {
	TotalTexts   int64   `json:"total_texts"`
	TotalBatches int64   `json:"total_batches"`
	CacheHits    int64   `json:"cache_hits"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Embedder owns the shared backend and normalizes every vector it returns.
// It is safe for concurrent use by multiple pipelines.
type Embedder struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	factory Factory
	backend Backend

	cache *lruCache

	totalTexts   atomic.Int64
	totalBatches atomic.Int64
	cacheHits    atomic.Int64
	errorCount   atomic.Int64
	latencyNanos atomic.Int64
}

// New creates an Embedder whose backend is built lazily by factory on first use.
func New(factory Factory, cfg Config, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}

	return &Embedder{
		config:  cfg,
		logger:  logger.With("component", "embedder"),
		factory: factory,
		cache:   newLRUCache(cfg.CacheSize),
	}
}

// NewWithBackend creates an Embedder around an already constructed backend.
func NewWithBackend(b Backend, cfg Config, logger *slog.Logger) *Embedder {
	return New(func(context.Context) (Backend, error) { return b, nil }, cfg, logger)
}

// Backend returns the shared backend, creating it on the first call. A failed
// construction is not cached, so a later call may succeed.
func (e *Embedder) Backend(ctx context.Context) (Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend != nil {
		return e.backend, nil
	}
	if e.factory == nil {
		return nil, fmt.Errorf("%w: no backend configured", ErrBackendUnavailable)
	}

	start := time.Now()
	b, err := e.factory(ctx)
	if err != nil {
		e.logger.Error("failed to initialize embedding backend", "error", err)
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.backend = b
	e.logger.Info("embedding backend initialized",
		"backend", b.Name(),
		"dimension", b.Dimension(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return b, nil
}

// Ready reports whether the backend has been initialized.
func (e *Embedder) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend != nil
}

// Dimension returns the backend dimension, initializing the backend if needed.
func (e *Embedder) Dimension(ctx context.Context) (int, error) {
	b, err := e.Backend(ctx)
	if err != nil {
		return 0, err
	}
	return b.Dimension(), nil
}

// Embed returns the L2-normalized embedding of text. Results are cached in process
// by content hash.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)
	if v, ok := e.cache.get(key); ok {
		e.cacheHits.Add(1)
		return v, nil
	}

	v, err := e.embedOne(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.set(key, v)
	return v, nil
}

func (e *Embedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	b, err := e.Backend(ctx)
	if err != nil {
		e.errorCount.Add(1)
		return nil, err
	}

	start := time.Now()
	raw, err := b.Embed(ctx, text)
	e.latencyNanos.Add(int64(time.Since(start)))
	e.totalTexts.Add(1)
	if err != nil {
		e.errorCount.Add(1)
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(raw) != b.Dimension() {
		e.errorCount.Add(1)
		return nil, fmt.Errorf("backend %s returned %d dimensions, expected %d", b.Name(), len(raw), b.Dimension())
	}

	return Normalize(raw), nil
}

// Stats returns a snapshot of usage statistics.
func (e *Embedder) Stats() Stats {
	s := Stats{
		TotalTexts:   e.totalTexts.Load(),
		TotalBatches: e.totalBatches.Load(),
		CacheHits:    e.cacheHits.Load(),
		Errors:       e.errorCount.Load(),
	}
	if s.TotalTexts > 0 {
		s.AvgLatencyMs = float64(e.latencyNanos.Load()) / float64(s.TotalTexts) / float64(time.Millisecond)
	}
	return s
}

// Close releases the backend if it holds native resources.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// hashText generates a hash key for caching.
func hashText(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:16])
}

// lruCache is a small bounded cache evicting the least recently used entry.
// Vectors are copied in and out so callers may modify what they receive.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string][]float32
	order   []string
}

func newLRUCache(size int) *lruCache {
	if size <= 0 {
		return nil
	}
	return &lruCache{
		maxSize: size,
		entries: make(map[string][]float32, size),
		order:   make([]string, 0, size),
	}
}

func (c *lruCache) get(key string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.touch(key)
	return append([]float32(nil), v...), true
}

func (c *lruCache) set(key string, v []float32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.touch(key)
		return
	}
	if len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = append([]float32(nil), v...)
	c.order = append(c.order, key)
}

func (c *lruCache) touch(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}
