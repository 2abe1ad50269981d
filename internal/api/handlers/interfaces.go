package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/api/middleware"
	"github.com/alqutdigital/docqa-agent/internal/ingest"
	"github.com/alqutdigital/docqa-agent/internal/rag"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/google/uuid"
)

// Database is the session-scoped persistence the handlers read and delete through.
type Database interface {
	GetSession(ctx context.Context, id uuid.UUID) (*storage.Session, error)
	GetDocument(ctx context.Context, sessionID, documentID uuid.UUID) (*storage.Document, error)
	ListDocuments(ctx context.Context, sessionID uuid.UUID) ([]storage.Document, error)
	DeleteDocument(ctx context.Context, sessionID, documentID uuid.UUID) error
	ListChunks(ctx context.Context, sessionID uuid.UUID, limit int) ([]storage.Chunk, error)
	CountChunks(ctx context.Context, sessionID uuid.UUID) (storage.ChunkCounts, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID, q storage.MessageQuery) ([]storage.Message, error)
	Ping(ctx context.Context) error
}

// ObjectStorage is the original-file archive.
type ObjectStorage interface {
	Delete(ctx context.Context, key string) error
	GenerateSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Health(ctx context.Context) error
}

// Ingester runs uploads through the ingestion pipeline.
type Ingester interface {
	Run(ctx context.Context, sessionID uuid.UUID, up ingest.Upload, sink ingest.ProgressSink) (*ingest.Result, error)
	Limits() ingest.Limits
}

// ChatService answers questions about a session's documents.
type ChatService interface {
	Chat(ctx context.Context, sessionID uuid.UUID, message string) (*rag.ChatResult, error)
	History(ctx context.Context, sessionID uuid.UUID) ([]storage.Message, error)
}

// sessionID returns the session resolved by the session middleware.
func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.SessionID(r.Context())
	if !ok {
		RespondBadRequest(w, "Session ID required")
		return uuid.Nil, false
	}
	return id, true
}
