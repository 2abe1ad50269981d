package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownRunsInReverseOrder(t *testing.T) {
	h := New(testLogger(), time.Second)

	var order []string
	for _, name := range []string{"db", "cache", "server"} {
		n := name
		h.RegisterNamed(n, func(ctx context.Context) error {
			order = append(order, n)
			return nil
		})
	}

	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{"server", "cache", "db"}
	if len(order) != len(want) {
		t.Fatalf("ran %d cleanups, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestShutdownCollectsErrorsAndRunsOnce(t *testing.T) {
	h := New(testLogger(), time.Second)
	boom := errors.New("boom")

	calls := 0
	h.Register(func(ctx context.Context) error {
		calls++
		return boom
	})
	h.Register(func(ctx context.Context) error {
		calls++
		return nil
	})

	err := h.Shutdown()
	if !errors.Is(err, boom) {
		t.Fatalf("Shutdown() error = %v, want %v", err, boom)
	}
	if err2 := h.Shutdown(); !errors.Is(err2, boom) {
		t.Errorf("second Shutdown() error = %v", err2)
	}
	if calls != 2 {
		t.Errorf("cleanups called %d times, want 2", calls)
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	h := New(testLogger(), time.Second)
	ran := false
	h.Register(func(ctx context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !ran {
		t.Error("cleanup did not run")
	}
}
