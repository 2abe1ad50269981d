// Package shutdown provides graceful shutdown handling.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// CleanupFunc is a function called during shutdown.
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name string
	fn   CleanupFunc
}

// Handler runs registered cleanups when the process is asked to stop.
type Handler struct {
	logger   *slog.Logger
	timeout  time.Duration
	mu       sync.Mutex
	cleanups []cleanup
	once     sync.Once
	err      error
}

// New creates a new shutdown handler.
func New(logger *slog.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		logger:  logger.With("component", "shutdown"),
		timeout: timeout,
	}
}

// Register adds an anonymous cleanup function.
func (h *Handler) Register(fn CleanupFunc) {
	h.RegisterNamed("", fn)
}

// RegisterNamed adds a named cleanup function. Cleanups run last registered, first called,
// so a component registered after its dependencies is stopped before them.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, cleanup{name: name, fn: fn})
}

// Wait blocks until a shutdown signal arrives or ctx is cancelled, then performs cleanup.
func (h *Handler) Wait(ctx context.Context) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		h.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		h.logger.Info("context cancelled, shutting down")
	}

	return h.Shutdown()
}

// Shutdown runs every cleanup once, in reverse registration order, bounded by the
// handler timeout. Later calls return the first result.
func (h *Handler) Shutdown() error {
	h.once.Do(func() {
		h.err = h.run()
	})
	return h.err
}

func (h *Handler) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	cleanups := make([]cleanup, len(h.cleanups))
	copy(cleanups, h.cleanups)
	h.mu.Unlock()

	start := time.Now()
	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if ctx.Err() != nil {
			h.logger.Warn("shutdown timed out, skipping remaining components", "remaining", i+1)
			errs = append(errs, ctx.Err())
			break
		}

		if c.name != "" {
			h.logger.Info("shutting down component", "name", c.name)
		}
		if err := c.fn(ctx); err != nil {
			h.logger.Error("error shutting down component", "name", c.name, "error", err)
			errs = append(errs, err)
			continue
		}
		if c.name != "" {
			h.logger.Info("component shut down successfully", "name", c.name)
		}
	}

	h.logger.Info("graceful shutdown completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"errors", len(errs),
	)
	return errors.Join(errs...)
}
