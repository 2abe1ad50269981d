package embedder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockBackend returns a fixed-direction vector and can fail on chosen texts.
type MockBackend struct {
	dimension int
	delay     time.Duration
	failOn    map[string]bool

	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func NewMockBackend(dimension int) *MockBackend {
	return &MockBackend{dimension: dimension, failOn: map[string]bool{}}
}

func (m *MockBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.failOn[text] {
		return nil, ErrBackendUnavailable
	}

	v := make([]float32, m.dimension)
	for i := range v {
		v[i] = float32(len(text)%7 + i + 1)
	}
	return v, nil
}

func (m *MockBackend) Dimension() int { return m.dimension }
func (m *MockBackend) Name() string   { return "mock" }

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestBackendInitializedOnce(t *testing.T) {
	var builds atomic.Int64
	factory := func(ctx context.Context) (Backend, error) {
		builds.Add(1)
		time.Sleep(5 * time.Millisecond)
		return NewMockBackend(4), nil
	}
	e := New(factory, DefaultConfig(), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Embed(context.Background(), "hello"); err != nil {
				t.Errorf("Embed() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if !e.Ready() {
		t.Error("Ready() = false after successful embed")
	}
}

func TestBackendFailureIsNotCached(t *testing.T) {
	attempts := 0
	factory := func(ctx context.Context) (Backend, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("model file missing")
		}
		return NewMockBackend(4), nil
	}
	e := New(factory, DefaultConfig(), testLogger())

	_, err := e.Embed(context.Background(), "first")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("first Embed() error = %v, want ErrBackendUnavailable", err)
	}

	if _, err := e.Embed(context.Background(), "second"); err != nil {
		t.Fatalf("second Embed() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("factory attempts = %d, want 2", attempts)
	}
}

func TestEmbedNormalizes(t *testing.T) {
	e := NewWithBackend(NewMockBackend(8), DefaultConfig(), testLogger())

	v, err := e.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if n := norm(v); math.Abs(n-1) > 1e-6 {
		t.Errorf("norm = %v, want 1", n)
	}
	if s := Dot(v, v); math.Abs(s-1) > 1e-6 {
		t.Errorf("self similarity = %v, want 1", s)
	}
}

func TestEmbedCache(t *testing.T) {
	backend := NewMockBackend(4)
	e := NewWithBackend(backend, Config{BatchSize: 5, CacheSize: 10}, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.Embed(ctx, "repeat"); err != nil {
			t.Fatal(err)
		}
	}
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
	if got := e.Stats().CacheHits; got != 2 {
		t.Errorf("cache hits = %d, want 2", got)
	}
}

func TestEmbedCacheIsolatesCallers(t *testing.T) {
	e := NewWithBackend(NewMockBackend(4), Config{BatchSize: 5, CacheSize: 10}, testLogger())
	ctx := context.Background()

	first, err := e.Embed(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	want := append([]float32(nil), first...)
	for i := range first {
		first[i] = 0
	}

	second, err := e.Embed(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	for i := range second {
		second[i] *= 2
	}

	third, err := e.Embed(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if third[i] != want[i] {
			t.Fatalf("cached vector changed by a caller: got %v, want %v", third, want)
		}
	}
}

type wrongDimBackend struct{ MockBackend }

func (w *wrongDimBackend) Dimension() int { return w.dimension + 1 }

func TestEmbedDimensionMismatch(t *testing.T) {
	e := NewWithBackend(&wrongDimBackend{MockBackend: MockBackend{dimension: 3, failOn: map[string]bool{}}}, DefaultConfig(), testLogger())
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEmbedBatchGroupsOfFive(t *testing.T) {
	backend := NewMockBackend(4)
	backend.delay = 5 * time.Millisecond
	e := NewWithBackend(backend, Config{BatchSize: 5}, testLogger())

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = strings.Repeat("t", i+1)
	}

	var batches []Batch
	err := e.EmbedBatch(context.Background(), texts, func(ctx context.Context, b Batch) error {
		batches = append(batches, b)
		return nil
	})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	wantDone := []int{5, 10, 12}
	wantProgress := []int{76, 93, 99}
	for i, b := range batches {
		if b.Done != wantDone[i] {
			t.Errorf("batch %d Done = %d, want %d", i, b.Done, wantDone[i])
		}
		if b.Progress() != wantProgress[i] {
			t.Errorf("batch %d Progress = %d, want %d", i, b.Progress(), wantProgress[i])
		}
		if len(b.Vectors) != len(b.Texts) {
			t.Errorf("batch %d has %d vectors for %d texts", i, len(b.Vectors), len(b.Texts))
		}
		for j, v := range b.Vectors {
			if v == nil {
				t.Errorf("batch %d vector %d is nil", i, j)
			}
		}
	}
	if !batches[2].Final() || batches[1].Final() {
		t.Error("only the last batch should be final")
	}
	if got := backend.maxSeen.Load(); got > 5 {
		t.Errorf("max concurrent backend calls = %d, want <= 5", got)
	}
}

func TestEmbedBatchAbortsOnFailure(t *testing.T) {
	backend := NewMockBackend(4)
	e := NewWithBackend(backend, Config{BatchSize: 5}, testLogger())

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = "chunk-" + string(rune('a'+i))
	}
	backend.failOn[texts[5]] = true

	var delivered []int
	err := e.EmbedBatch(context.Background(), texts, func(ctx context.Context, b Batch) error {
		for i := range b.Texts {
			delivered = append(delivered, b.Start+i)
		}
		return nil
	})

	var ce *ChunkError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ChunkError", err)
	}
	if ce.Index != 5 {
		t.Errorf("ChunkError.Index = %d, want 5", ce.Index)
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("error should wrap ErrBackendUnavailable: %v", err)
	}
	if len(delivered) != 5 {
		t.Fatalf("delivered %v, want chunks 0-4", delivered)
	}
	for i, idx := range delivered {
		if idx != i {
			t.Errorf("delivered[%d] = %d", i, idx)
		}
	}
}

func TestEmbedBatchCallbackErrorStops(t *testing.T) {
	e := NewWithBackend(NewMockBackend(2), Config{BatchSize: 2}, testLogger())
	stop := errors.New("store down")

	calls := 0
	err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"}, func(ctx context.Context, b Batch) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("error = %v, want %v", err, stop)
	}
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := New(nil, DefaultConfig(), testLogger())
	if err := e.EmbedBatch(context.Background(), nil, nil); err != nil {
		t.Errorf("EmbedBatch(nil) error = %v", err)
	}
}

func TestBatchProgress(t *testing.T) {
	tests := []struct {
		done, total int
		want        int
	}{
		{0, 10, 60},
		{5, 10, 80},
		{9, 10, 95},
		{10, 10, 99},
		{1, 100, 60},
		{99, 100, 95},
		{0, 0, 99},
	}
	for _, tt := range tests {
		if got := BatchProgress(tt.done, tt.total); got != tt.want {
			t.Errorf("BatchProgress(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}

func TestNormalizeAndSimilarity(t *testing.T) {
	v := Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("Normalize = %v", v)
	}

	zero := Normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("Normalize(zero) = %v", zero)
	}

	if s := CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}); math.Abs(s-1) > 1e-9 {
		t.Errorf("parallel cosine = %v", s)
	}
	if s := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); s != 0 {
		t.Errorf("orthogonal cosine = %v", s)
	}
	if s := Dot([]float32{1}, []float32{1, 2}); s != 0 {
		t.Errorf("mismatched Dot = %v", s)
	}
}

func TestHashBackend(t *testing.T) {
	e := NewWithBackend(NewHashBackend(64), DefaultConfig(), testLogger())
	ctx := context.Background()

	cats, _ := e.Embed(ctx, "cats are great pets")
	cats2, _ := e.Embed(ctx, "Cats are GREAT!")
	stocks, _ := e.Embed(ctx, "quarterly revenue forecast")

	if Dot(cats, cats2) <= Dot(cats, stocks) {
		t.Errorf("overlapping texts should score higher: %v <= %v", Dot(cats, cats2), Dot(cats, stocks))
	}
}

func TestMeanPool(t *testing.T) {
	states := []float32{
		1, 2,
		3, 4,
		100, 100,
	}
	got := meanPool(states, []int64{1, 1, 0}, 2)
	if got[0] != 2 || got[1] != 3 {
		t.Errorf("meanPool = %v, want [2 3]", got)
	}
}

func TestWordPiece(t *testing.T) {
	vocab := strings.Join([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "un", "##aff", "##able", "cafe", ",", "hello"}, "\n")
	wp, err := ReadWordPiece(strings.NewReader(vocab))
	if err != nil {
		t.Fatalf("ReadWordPiece() error = %v", err)
	}

	got := wp.Tokenize("Unaffable, Café xyz")
	want := []int64{4, 5, 6, 8, 7, 1}
	if len(got) != len(want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %d, want %d", i, got[i], want[i])
		}
	}

	ids, mask := wp.Encode("hello hello hello", 4)
	if ids[0] != 2 || ids[1] != 9 || ids[2] != 9 || ids[3] != 3 {
		t.Errorf("Encode ids = %v", ids)
	}
	for i, m := range mask {
		if m != 1 {
			t.Errorf("mask[%d] = %d", i, m)
		}
	}

	ids, mask = wp.Encode("hello", 5)
	if ids[3] != 0 || mask[3] != 0 || ids[2] != 3 {
		t.Errorf("padded Encode = %v %v", ids, mask)
	}
}

func TestReadWordPieceMissingSpecialTokens(t *testing.T) {
	if _, err := ReadWordPiece(strings.NewReader("hello\nworld")); err == nil {
		t.Error("expected error for vocab without special tokens")
	}
}

func TestNewFactory(t *testing.T) {
	if _, err := NewFactory(FactoryConfig{Provider: "word2vec"}, testLogger()); err == nil {
		t.Error("expected error for unknown provider")
	}

	f, err := NewFactory(FactoryConfig{Provider: "hash", HashDim: 16}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	b, err := f(context.Background())
	if err != nil || b.Dimension() != 16 {
		t.Errorf("hash factory = %v, %v", b, err)
	}

	f, _ = NewFactory(FactoryConfig{Provider: "openai"}, testLogger())
	if _, err := f(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("openai without key error = %v", err)
	}
}
