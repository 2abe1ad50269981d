package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/docqa-agent/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingToucher always fails to touch sessions.
type failingToucher struct{}

func (failingToucher) TouchSession(ctx context.Context, id uuid.UUID, ttl time.Duration) (*storage.Session, error) {
	return nil, errors.New("store down")
}

// MockRedisClient implements RedisClient for testing.
type MockRedisClient struct {
	counts  map[string]int64
	expires map[string]time.Duration
	pingErr error
	incrErr error
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (m *MockRedisClient) Incr(ctx context.Context, key string) (int64, error) {
	if m.incrErr != nil {
		return 0, m.incrErr
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MockRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	m.expires[key] = expiration
	return nil
}

func (m *MockRedisClient) Ping(ctx context.Context) error { return m.pingErr }

func sessionEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, ok := SessionID(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = io.WriteString(w, sid.String())
	})
}

func TestSession(t *testing.T) {
	store := storage.NewMemoryStore()
	handler := Session(store, DefaultSessionConfig(), testLogger())(sessionEcho())

	t.Run("missing header mints a session", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		id, err := uuid.Parse(rec.Header().Get(SessionHeader))
		require.NoError(t, err)
		assert.Equal(t, id.String(), rec.Body.String())

		s, err := store.GetSession(context.Background(), id)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(24*time.Hour), s.ExpiresAt, time.Minute)
	})

	t.Run("well-formed id is adopted", func(t *testing.T) {
		want := uuid.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(SessionHeader, want.String())
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, want.String(), rec.Header().Get(SessionHeader))
		assert.Equal(t, want.String(), rec.Body.String())
		_, err := store.GetSession(context.Background(), want)
		assert.NoError(t, err)
	})

	t.Run("malformed id is replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(SessionHeader, "not-a-uuid")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		got := rec.Header().Get(SessionHeader)
		assert.NotEqual(t, "not-a-uuid", got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err)
	})
}

func TestSession_StoreFailure(t *testing.T) {
	handler := Session(failingToucher{}, DefaultSessionConfig(), testLogger())(sessionEcho())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get(SessionHeader))
}

func TestRateLimiter_Memory(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.Chat = Limit{Requests: 2, Window: time.Minute}
	rl := NewRateLimiter(NewMemoryRateLimitStore(), cfg, testLogger())
	handler := rl.Middleware(LimitChat)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	sid := uuid.New()
	do := func(session uuid.UUID) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req = req.WithContext(WithSessionID(req.Context(), session))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do(sid).Code)
	second := do(sid)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := do(sid)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "60", third.Header().Get("Retry-After"))

	var body map[string]map[string]string
	require.NoError(t, json.NewDecoder(third.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body["error"]["code"])

	assert.Equal(t, http.StatusOK, do(uuid.New()).Code, "limits are per session")

	metrics := rl.GetMetrics()
	assert.Equal(t, uint64(3), metrics["chat_allowed"])
	assert.Equal(t, uint64(1), metrics["chat_rejected"])
}

func TestMemoryRateLimitStore_Window(t *testing.T) {
	store := NewMemoryRateLimitStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	n, _ := store.Increment(context.Background(), "k", time.Minute)
	assert.Equal(t, int64(1), n)
	n, _ = store.Increment(context.Background(), "k", time.Minute)
	assert.Equal(t, int64(2), n)

	now = now.Add(time.Minute)
	n, _ = store.Increment(context.Background(), "k", time.Minute)
	assert.Equal(t, int64(1), n, "window expired")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, store.Sweep())
}

func TestRedisRateLimitStore(t *testing.T) {
	client := NewMockRedisClient()
	store := NewRedisRateLimitStore(client, "ratelimit", testLogger())
	require.True(t, store.IsHealthy())

	n, err := store.Increment(context.Background(), "chat:ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, client.expires["ratelimit:chat:ip:1.2.3.4"])

	down := NewMockRedisClient()
	down.pingErr = errors.New("refused")
	assert.False(t, NewRedisRateLimitStore(down, "ratelimit", testLogger()).IsHealthy())
	assert.False(t, NewRedisRateLimitStore(nil, "ratelimit", testLogger()).IsHealthy())
}

func TestRateLimiter_GracefulDegradation(t *testing.T) {
	client := NewMockRedisClient()
	client.pingErr = errors.New("refused")
	store := NewRedisRateLimitStore(client, "rl", testLogger())

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	cfg := DefaultRateLimitConfig()
	rec := httptest.NewRecorder()
	NewRateLimiter(store, cfg, testLogger()).Middleware(LimitUpload)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	cfg.GracefulDegradation = false
	rec = httptest.NewRecorder()
	NewRateLimiter(store, cfg, testLogger()).Middleware(LimitUpload)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverer(t *testing.T) {
	handler := Logger(testLogger())(Recoverer(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}
