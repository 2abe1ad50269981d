package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Service identity reported by the health endpoint.
const (
	ServiceName    = "docqa-agent"
	ServiceVersion = "0.1.0"
)

// Component states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDisabled  = "disabled"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status     string                     `json:"status"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Components map[string]ComponentStatus `json:"components,omitempty"`
	Timestamp  string                     `json:"timestamp"`
}

// ComponentStatus is the state of one backend.
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadyStatus represents the readiness check response.
type ReadyStatus struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Timestamp string `json:"timestamp"`
}

// HealthChecker defines an interface for components that can report health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// Health calls f.
func (f CheckFunc) Health(ctx context.Context) error {
	return f(ctx)
}

// HealthCheck reports liveness together with the state of each backend. A nil
// checker marks a backend that was not configured. The endpoint answers 200 as
// long as the process is serving; degraded backends show up as "degraded".
// GET /health
func HealthCheck(components map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := HealthStatus{
			Status:    StatusHealthy,
			Service:   ServiceName,
			Version:   ServiceVersion,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		if len(components) > 0 {
			status.Components = make(map[string]ComponentStatus, len(components))
			names := make([]string, 0, len(components))
			for name := range components {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				checker := components[name]
				if checker == nil {
					status.Components[name] = ComponentStatus{Status: StatusDisabled}
					continue
				}
				if err := checker.Health(ctx); err != nil {
					status.Components[name] = ComponentStatus{Status: StatusUnhealthy, Error: err.Error()}
					status.Status = "degraded"
					continue
				}
				status.Components[name] = ComponentStatus{Status: StatusHealthy}
			}
		}

		RespondJSON(w, http.StatusOK, status)
	}
}

// ReadyCheck reports whether the store answers, which every endpoint needs.
// GET /ready
func ReadyCheck(db Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := ReadyStatus{
			Status:    "ready",
			Database:  StatusHealthy,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		if db == nil {
			status.Status = "not ready"
			status.Database = "not configured"
			RespondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		if err := db.Ping(ctx); err != nil {
			status.Status = "not ready"
			status.Database = StatusUnhealthy + ": " + err.Error()
			RespondJSON(w, http.StatusServiceUnavailable, status)
			return
		}

		RespondJSON(w, http.StatusOK, status)
	}
}
