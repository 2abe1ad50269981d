package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/alqutdigital/docqa-agent/internal/chunker"
	"github.com/alqutdigital/docqa-agent/internal/embedder"
	"github.com/alqutdigital/docqa-agent/internal/processor"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/alqutdigital/docqa-agent/pkg/logger"
	"github.com/google/uuid"
)

var numberWords = []string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingBackend delegates to a hash backend but fails on chosen texts.
type failingBackend struct {
	*embedder.HashBackend
	failOn map[string]bool
}

func (f *failingBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failOn[text] {
		return nil, fmt.Errorf("%w: model crashed", embedder.ErrBackendUnavailable)
	}
	return f.HashBackend.Embed(ctx, text)
}

// failingStore fails InsertChunks after a number of successful calls.
type failingStore struct {
	*storage.MemoryStore
	okInserts int
	calls     int
}

func (f *failingStore) InsertChunks(ctx context.Context, chunks []storage.Chunk) error {
	f.calls++
	if f.calls > f.okInserts {
		return errors.New("disk full")
	}
	return f.MemoryStore.InsertChunks(ctx, chunks)
}

type recordingObjects struct {
	storage.ObjectStorage
	puts map[string][]byte
	err  error
}

func (r *recordingObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if r.err != nil {
		return r.err
	}
	r.puts[key] = data
	return nil
}

func tenSentences() string {
	var parts []string
	for _, w := range numberWords {
		parts = append(parts, "Sentence "+w+".")
	}
	return strings.Join(parts, " ")
}

func newTestPipeline(store DocumentStore, backend embedder.Backend, objects storage.ObjectStorage) *Pipeline {
	chunkCfg := chunker.DefaultChunkerConfig()
	chunkCfg.MaxChunkSize = 10
	return NewPipeline(Dependencies{
		Store:     store,
		Extractor: processor.NewExtractor(processor.DefaultExtractorConfig(), &logger.Logger{Logger: testLogger()}),
		Chunker:   chunker.NewChunker(chunkCfg, testLogger()),
		Embedder:  embedder.NewWithBackend(backend, embedder.DefaultConfig(), testLogger()),
		Objects:   objects,
	}, DefaultConfig(), testLogger())
}

func TestRun_Success(t *testing.T) {
	store := storage.NewMemoryStore()
	objects := &recordingObjects{puts: map[string][]byte{}}
	p := newTestPipeline(store, embedder.NewHashBackend(16), objects)
	sess := uuid.New()
	rec := &Recorder{}

	res, err := p.Run(context.Background(), sess, Upload{
		Filename: "notes.txt",
		MimeType: "text/plain",
		Data:     []byte(tenSentences()),
	}, rec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Chunks != 10 {
		t.Errorf("Chunks = %d, want 10", res.Chunks)
	}
	if res.Document.Content == nil || !strings.HasPrefix(*res.Document.Content, "Sentence zero.") {
		t.Errorf("document content not set: %v", res.Document.Content)
	}
	if res.Document.StoragePath == "" || objects.puts[res.Document.StoragePath] == nil {
		t.Errorf("original not archived, path = %q", res.Document.StoragePath)
	}

	chunks, err := store.ListChunks(context.Background(), sess, 0)
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(chunks) != 10 {
		t.Fatalf("stored %d chunks, want 10", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i || c.Metadata.ChunkIndex != i || c.Metadata.TotalChunks != 10 {
			t.Errorf("chunk %d: index=%d meta=%+v", i, c.ChunkIndex, c.Metadata)
		}
		if c.Metadata.Filename != "notes.txt" || c.Metadata.TokenCount <= 0 {
			t.Errorf("chunk %d metadata = %+v", i, c.Metadata)
		}
		if len(c.Embedding) != 16 {
			t.Errorf("chunk %d embedding dimension = %d", i, len(c.Embedding))
		}
	}

	want := []struct {
		stage    Stage
		progress int
		message  string
	}{
		{StageUploading, 10, MsgUploading},
		{StageParsing, 30, MsgParsing},
		{StageChunking, 50, MsgChunking},
		{StageEmbedding, 60, MsgEmbedding},
		{StageEmbedding, 80, "Processing chunk 5 of 10..."},
		{StageEmbedding, 99, "Processing chunk 10 of 10..."},
		{StageComplete, 100, MsgComplete},
	}
	updates := rec.Updates()
	if len(updates) != len(want) {
		t.Fatalf("got %d updates, want %d: %+v", len(updates), len(want), updates)
	}
	for i, w := range want {
		u := updates[i]
		if u.Stage != w.stage || u.Progress != w.progress || u.Message != w.message {
			t.Errorf("update %d = %+v, want %+v", i, u, w)
		}
		if u.SessionID != sess.String() {
			t.Errorf("update %d session = %q", i, u.SessionID)
		}
	}
	if updates[6].DocumentID != res.Document.ID.String() {
		t.Errorf("complete update document = %q", updates[6].DocumentID)
	}

	if s := p.Stats(); s.Completed != 1 || s.Chunks != 10 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRun_OversizeRejectedBeforePersistence(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newTestPipeline(store, embedder.NewHashBackend(16), nil)
	sess := uuid.New()
	rec := &Recorder{}

	_, err := p.Run(context.Background(), sess, Upload{
		Filename: "big.txt",
		MimeType: "text/plain",
		Data:     bytes.Repeat([]byte("a"), 10*1024*1024+1),
	}, rec)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.Message != "File size must be less than 10MB" {
		t.Errorf("message = %q", ve.Message)
	}

	docs, _ := store.ListDocuments(context.Background(), sess)
	if len(docs) != 0 {
		t.Errorf("store has %d documents, want 0", len(docs))
	}
	last, _ := rec.Last()
	if last.Stage != StageError || last.Progress != 0 || last.Message != ve.Message {
		t.Errorf("last update = %+v", last)
	}
}

func TestRun_EmbeddingFailureKeepsEarlierBatches(t *testing.T) {
	store := storage.NewMemoryStore()
	backend := &failingBackend{
		HashBackend: embedder.NewHashBackend(16),
		failOn:      map[string]bool{"Sentence five.": true},
	}
	p := newTestPipeline(store, backend, nil)
	sess := uuid.New()
	rec := &Recorder{}

	_, err := p.Run(context.Background(), sess, Upload{
		Filename: "notes.txt",
		MimeType: "text/plain",
		Data:     []byte(tenSentences()),
	}, rec)

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if se.Stage != StageEmbedding || se.Kind != KindEmbedding {
		t.Errorf("StageError = %+v", se)
	}
	if !errors.Is(err, embedder.ErrBackendUnavailable) {
		t.Errorf("error does not wrap ErrBackendUnavailable: %v", err)
	}

	chunks, _ := store.ListChunks(context.Background(), sess, 0)
	if len(chunks) != 5 {
		t.Fatalf("stored %d chunks, want 5", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i || c.Embedding == nil {
			t.Errorf("chunk %d: index=%d embedded=%v", i, c.ChunkIndex, c.Embedding != nil)
		}
	}

	docs, _ := store.ListDocuments(context.Background(), sess)
	if len(docs) != 1 || docs[0].Content == nil {
		t.Errorf("document row should persist with content, got %+v", docs)
	}

	last, _ := rec.Last()
	if last.Stage != StageError || last.Progress != 0 {
		t.Errorf("last update = %+v", last)
	}
}

func TestRun_ExtractionFailureLeavesNullContent(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newTestPipeline(store, embedder.NewHashBackend(16), nil)
	sess := uuid.New()

	_, err := p.Run(context.Background(), sess, Upload{
		Filename: "broken.pdf",
		MimeType: "application/pdf",
		Data:     []byte("definitely not a pdf"),
	}, nil)

	var se *StageError
	if !errors.As(err, &se) || se.Kind != KindExtraction || se.Stage != StageParsing {
		t.Fatalf("error = %v, want extraction StageError", err)
	}
	if !processor.IsKind(err, processor.KindCorruptInput) {
		t.Errorf("error kind lost: %v", err)
	}

	docs, _ := store.ListDocuments(context.Background(), sess)
	if len(docs) != 1 || docs[0].Content != nil {
		t.Errorf("want one document with null content, got %+v", docs)
	}
}

func TestRun_StoreFailureDuringEmbedding(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), okInserts: 1}
	p := newTestPipeline(store, embedder.NewHashBackend(16), nil)

	_, err := p.Run(context.Background(), uuid.New(), Upload{
		Filename: "notes.txt",
		Data:     []byte(tenSentences()),
	}, nil)

	var se *StageError
	if !errors.As(err, &se) || se.Kind != KindStore {
		t.Fatalf("error = %v, want store StageError", err)
	}
}

func TestRun_ArchiveFailureIsNotFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	objects := &recordingObjects{puts: map[string][]byte{}, err: errors.New("bucket missing")}
	p := newTestPipeline(store, embedder.NewHashBackend(16), objects)

	res, err := p.Run(context.Background(), uuid.New(), Upload{Filename: "a.txt", Data: []byte("Hello there.")}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Document.StoragePath != "" {
		t.Errorf("StoragePath = %q, want empty", res.Document.StoragePath)
	}
}
