package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limit names used by the router.
const (
	LimitChat   = "chat"
	LimitUpload = "upload"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	Chat                Limit
	Upload              Limit
	Default             Limit
	GracefulDegradation bool // serve requests unlimited while the store is down
}

// Limit defines rate limit parameters.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultRateLimitConfig returns default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Chat:                Limit{Requests: 20, Window: time.Minute},
		Upload:              Limit{Requests: 10, Window: time.Minute},
		Default:             Limit{Requests: 120, Window: time.Minute},
		GracefulDegradation: true,
	}
}

// RateLimitStore counts requests per key and window.
type RateLimitStore interface {
	// Increment increments the counter for a key and returns the new count.
	// A new key expires after window.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	IsHealthy() bool
}

// MemoryRateLimitStore implements RateLimitStore in process. Counts are not
// shared between server instances.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

type rateLimitEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryRateLimitStore creates a new in-memory rate limit store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

// Increment increments the counter for a key.
func (s *MemoryRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		s.entries[key] = &rateLimitEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	entry.count++
	return entry.count, nil
}

// IsHealthy always reports true.
func (s *MemoryRateLimitStore) IsHealthy() bool {
	return true
}

// Sweep drops expired entries. It returns the number removed.
func (s *MemoryRateLimitStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryRateLimitStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// RedisClient is the subset of Redis used for rate limiting.
type RedisClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Ping(ctx context.Context) error
}

// RedisRateLimitStore implements RateLimitStore on Redis so that limits hold
// across server instances.
type RedisRateLimitStore struct {
	client  RedisClient
	prefix  string
	healthy bool
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a new Redis-based rate limit store.
func NewRedisRateLimitStore(client RedisClient, prefix string, logger *slog.Logger) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	store := &RedisRateLimitStore{
		client:  client,
		prefix:  prefix,
		healthy: client != nil,
		logger:  logger.With("component", "rate_limit_store"),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			store.logger.Warn("Redis connection failed for rate limiting", "error", err)
			store.healthy = false
		}
	}

	return store
}

// Increment increments the counter for a key.
func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !s.IsHealthy() {
		return 0, errors.New("redis not available")
	}

	fullKey := s.prefix + ":" + key
	count, err := s.client.Incr(ctx, fullKey)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, fullKey, window); err != nil {
			s.logger.Warn("failed to set rate limit expiration", "key", fullKey, "error", err)
		}
	}

	return count, nil
}

// IsHealthy returns whether the store is operational.
func (s *RedisRateLimitStore) IsHealthy() bool {
	return s.healthy && s.client != nil
}

// RateLimiter provides fixed-window rate limiting middleware.
type RateLimiter struct {
	store  RateLimitStore
	config RateLimitConfig
	logger *slog.Logger

	mu       sync.Mutex
	allowed  map[string]uint64
	rejected map[string]uint64
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(store RateLimitStore, config RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:    store,
		config:   config,
		logger:   logger.With("component", "rate_limiter"),
		allowed:  make(map[string]uint64),
		rejected: make(map[string]uint64),
	}
}

// Middleware returns a rate limiting middleware for a named limit.
func (rl *RateLimiter) Middleware(limitType string) func(next http.Handler) http.Handler {
	limit := rl.limit(limitType)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit.Requests <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			clientID := rl.clientID(r)
			key := limitType + ":" + clientID

			if !rl.store.IsHealthy() {
				rl.degrade(w, r, next)
				return
			}

			count, err := rl.store.Increment(r.Context(), key, limit.Window)
			if err != nil {
				rl.logger.Error("rate limit check failed", "error", err, "key", key)
				rl.degrade(w, r, next)
				return
			}

			remaining := max(limit.Requests-int(count), 0)
			reset := strconv.Itoa(int(limit.Window.Seconds()))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", reset)

			if count > int64(limit.Requests) {
				rl.record(limitType, false)
				rl.logger.Warn("rate limit exceeded",
					"client_id", clientID,
					"limit_type", limitType,
					"count", count,
					"limit", limit.Requests,
				)
				w.Header().Set("Retry-After", reset)
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded. Please try again later.")
				return
			}

			rl.record(limitType, true)
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) degrade(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if rl.config.GracefulDegradation {
		next.ServeHTTP(w, r)
		return
	}
	writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
}

func (rl *RateLimiter) limit(limitType string) Limit {
	switch limitType {
	case LimitChat:
		return rl.config.Chat
	case LimitUpload:
		return rl.config.Upload
	default:
		return rl.config.Default
	}
}

// clientID keys limits by session when one was resolved, else by client IP.
func (rl *RateLimiter) clientID(r *http.Request) string {
	if sid, ok := SessionID(r.Context()); ok {
		return "session:" + sid.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return "ip:" + strings.TrimSpace(xff[:idx])
		}
		return "ip:" + strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return "ip:" + strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + ip
}

func (rl *RateLimiter) record(limitType string, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if allowed {
		rl.allowed[limitType]++
	} else {
		rl.rejected[limitType]++
	}
}

// GetMetrics returns allowed and rejected counts per limit.
func (rl *RateLimiter) GetMetrics() map[string]uint64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	metrics := make(map[string]uint64, len(rl.allowed)+len(rl.rejected))
	for k, v := range rl.allowed {
		metrics[k+"_allowed"] = v
	}
	for k, v := range rl.rejected {
		metrics[k+"_rejected"] = v
	}
	return metrics
}
