package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/chunker"
	"github.com/alqutdigital/docqa-agent/internal/embedder"
	"github.com/alqutdigital/docqa-agent/internal/processor"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/google/uuid"
)

// Progress messages.
const (
	MsgUploading = "Uploading document..."
	MsgParsing   = "Extracting text..."
	MsgChunking  = "Splitting into chunks..."
	MsgEmbedding = "Generating embeddings..."
	MsgComplete  = "Document processed successfully!"
)

// DocumentStore is the persistence the pipeline writes through.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *storage.Document) error
	UpdateDocumentContent(ctx context.Context, sessionID, documentID uuid.UUID, content string) error
	SetDocumentStoragePath(ctx context.Context, sessionID, documentID uuid.UUID, path string) error
	InsertChunks(ctx context.Context, chunks []storage.Chunk) error
}

// TextExtractor pulls plain text out of an upload.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, filename, mimeType string) (*processor.Extraction, error)
}

// Splitter splits text into chunks.
type Splitter interface {
	Split(text string) []chunker.Piece
}

// BatchEmbedder embeds texts in groups, handing each finished group to fn.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string, fn embedder.BatchFunc) error
}

// Upload is a file received for ingestion.
type Upload struct {
	Filename string
	MimeType string
	Data     []byte
}

// Result is a successfully ingested document.
type Result struct {
	Document *storage.Document `json:"document"`
	Chunks   int               `json:"chunks"`
}

// Config holds pipeline configuration.
type Config struct {
	Limits         Limits
	ArchiveTimeout time.Duration
}

// DefaultConfig returns default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Limits:         DefaultLimits(),
		ArchiveTimeout: 30 * time.Second,
	}
}

// Dependencies are the collaborators a Pipeline drives. Objects may be nil.
type Dependencies struct {
	Store     DocumentStore
	Extractor TextExtractor
	Chunker   Splitter
	Embedder  BatchEmbedder
	Objects   storage.ObjectStorage
}

// Stats holds pipeline counters.
type Stats struct {
	Runs      int64 `json:"runs"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
	Chunks    int64 `json:"chunks"`
}

// Pipeline runs uploads through uploading, parsing, chunking and embedding.
type Pipeline struct {
	deps   Dependencies
	config Config
	logger *slog.Logger

	runs      atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	chunks    atomic.Int64
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(deps Dependencies, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 30 * time.Second
	}
	return &Pipeline{
		deps:   deps,
		config: cfg,
		logger: logger.With("component", "ingest"),
	}
}

// Limits returns the upload limits the pipeline validates against.
func (p *Pipeline) Limits() Limits {
	return p.config.Limits
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Runs:      p.runs.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Failed:    p.failed.Load(),
		Chunks:    p.chunks.Load(),
	}
}

// Run ingests one upload for a session. Invalid uploads fail with *ValidationError
// before anything is written. Later failures return *StageError; whatever was
// persisted before the failure is kept. Every run ends with a complete or error update
// on sink.
func (p *Pipeline) Run(ctx context.Context, sessionID uuid.UUID, up Upload, sink ProgressSink) (*Result, error) {
	start := time.Now()
	p.runs.Add(1)
	log := p.logger.With("session_id", sessionID, "filename", up.Filename)
	t := newTracker(sink, Progress{SessionID: sessionID.String(), Filename: up.Filename})

	info := FileInfo{Filename: up.Filename, Size: int64(len(up.Data)), MimeType: up.MimeType}
	if err := ValidateFile(info, p.config.Limits); err != nil {
		p.rejected.Add(1)
		log.Info("upload rejected", "size", info.Size, "mime_type", up.MimeType, "reason", err)
		t.fail(ctx, err.Error())
		return nil, err
	}

	// Uploading
	t.advance(ctx, StageUploading, ProgressUploading, MsgUploading)
	doc := &storage.Document{
		SessionID: sessionID,
		Filename:  up.Filename,
		FileSize:  info.Size,
		MimeType:  up.MimeType,
	}
	if err := p.deps.Store.CreateDocument(ctx, doc); err != nil {
		return nil, p.abort(ctx, t, log, StageUploading, KindStore, err)
	}
	t.base.DocumentID = doc.ID.String()
	log = log.With("document_id", doc.ID)
	p.archive(ctx, doc, up, log)

	// Parsing
	t.advance(ctx, StageParsing, ProgressParsing, MsgParsing)
	extraction, err := p.deps.Extractor.Extract(ctx, up.Data, up.Filename, up.MimeType)
	if err != nil {
		return nil, p.abort(ctx, t, log, StageParsing, KindExtraction, err)
	}
	if err := p.deps.Store.UpdateDocumentContent(ctx, sessionID, doc.ID, extraction.Text); err != nil {
		return nil, p.abort(ctx, t, log, StageParsing, KindStore, err)
	}
	content := extraction.Text
	doc.Content = &content

	// Chunking
	t.advance(ctx, StageChunking, ProgressChunking, MsgChunking)
	pieces := p.deps.Chunker.Split(extraction.Text)
	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Content
	}

	// Embedding
	t.advance(ctx, StageEmbedding, ProgressEmbedding, MsgEmbedding)
	var storeErr error
	err = p.deps.Embedder.EmbedBatch(ctx, texts, func(ctx context.Context, b embedder.Batch) error {
		batch := make([]storage.Chunk, len(b.Texts))
		for i := range b.Texts {
			idx := b.Start + i
			batch[i] = storage.Chunk{
				DocumentID: doc.ID,
				SessionID:  sessionID,
				ChunkIndex: idx,
				Content:    pieces[idx].Content,
				Embedding:  b.Vectors[i],
				Metadata: storage.ChunkMetadata{
					Filename:    up.Filename,
					ChunkIndex:  idx,
					TotalChunks: len(pieces),
					TokenCount:  pieces[idx].TokenCount,
				},
			}
		}
		if err := p.deps.Store.InsertChunks(ctx, batch); err != nil {
			storeErr = err
			return err
		}
		p.chunks.Add(int64(len(batch)))
		t.advance(ctx, StageEmbedding, b.Progress(), fmt.Sprintf("Processing chunk %d of %d...", b.Done, b.Total))
		return nil
	})
	if err != nil {
		kind := KindEmbedding
		if storeErr != nil && errors.Is(err, storeErr) {
			kind = KindStore
		}
		return nil, p.abort(ctx, t, log, StageEmbedding, kind, err)
	}

	t.advance(ctx, StageComplete, ProgressComplete, MsgComplete)
	p.completed.Add(1)
	log.Info("document ingested",
		"chunks", len(pieces),
		"pages", extraction.PageCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Result{Document: doc, Chunks: len(pieces)}, nil
}

func (p *Pipeline) abort(ctx context.Context, t *tracker, log *slog.Logger, stage Stage, kind ErrorKind, err error) error {
	p.failed.Add(1)
	se := &StageError{Stage: stage, Kind: kind, Err: err}
	log.Error("ingestion failed", "stage", stage, "kind", kind, "error", err)
	t.fail(ctx, se.UserMessage())
	return se
}

// archive stores the original upload in object storage. Failures are logged only.
func (p *Pipeline) archive(ctx context.Context, doc *storage.Document, up Upload, log *slog.Logger) {
	if p.deps.Objects == nil {
		return
	}

	actx, cancel := context.WithTimeout(ctx, p.config.ArchiveTimeout)
	defer cancel()

	key := storage.OriginalPath(doc.SessionID, doc.ID, doc.Filename)
	contentType := up.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := p.deps.Objects.Put(actx, key, up.Data, contentType); err != nil {
		log.Warn("failed to archive original upload", "key", key, "error", err)
		return
	}
	if err := p.deps.Store.SetDocumentStoragePath(actx, doc.SessionID, doc.ID, key); err != nil {
		log.Warn("failed to record storage path", "key", key, "error", err)
		return
	}
	doc.StoragePath = key
}
