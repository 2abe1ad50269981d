package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/google/uuid"
)

// SessionHeader carries the session ID in both directions.
const SessionHeader = "X-Session-ID"

type sessionKey struct{}

// SessionToucher creates or refreshes sessions.
type SessionToucher interface {
	TouchSession(ctx context.Context, id uuid.UUID, ttl time.Duration) (*storage.Session, error)
}

// SessionConfig configures the session middleware.
type SessionConfig struct {
	Header string
	TTL    time.Duration
}

// DefaultSessionConfig returns the X-Session-ID header with a 24h TTL.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Header: SessionHeader,
		TTL:    24 * time.Hour,
	}
}

// Session resolves the caller's session. A missing or malformed ID is replaced
// by a fresh UUID; a well-formed ID is adopted as is, so clients may mint their
// own. Every request pushes the session's expiry to now+TTL and the resolved ID
// is echoed in the response header.
func Session(store SessionToucher, cfg SessionConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	if cfg.Header == "" {
		cfg.Header = SessionHeader
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionConfig().TTL
	}
	logger = logger.With("component", "session")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(cfg.Header))
			id, err := uuid.Parse(raw)
			if err != nil || id == uuid.Nil {
				id = uuid.New()
				if raw != "" {
					logger.Debug("replacing malformed session id", "header", raw)
				}
			}

			if _, err := store.TouchSession(r.Context(), id, cfg.TTL); err != nil {
				logger.Error("failed to touch session", "session_id", id, "error", err)
				writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Session store not available")
				return
			}

			w.Header().Set(cfg.Header, id.String())
			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), id)))
		})
	}
}

// WithSessionID returns a copy of ctx carrying the session ID.
func WithSessionID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session resolved for the request.
func SessionID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(sessionKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// writeError writes the API error envelope. Handlers use their own helpers; this
// one only serves middleware that cannot import them.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
