package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a scoped lookup matches nothing.
var ErrNotFound = errors.New("not found")

// MessageQuery selects part of a session's chat log.
type MessageQuery struct {
	Limit       int // 0 returns every message
	NewestFirst bool
}

// Store persists sessions, documents, chunks and messages. Every read and write on
// documents, chunks and messages is filtered by session ID. Writes are committed
// independently; callers must not assume atomicity across calls.
type Store interface {
	// TouchSession creates the session if needed and extends its expiry to now+ttl.
	TouchSession(ctx context.Context, id uuid.UUID, ttl time.Duration) (*Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	// DeleteExpiredSessions removes sessions expired at now along with everything they own.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	CreateDocument(ctx context.Context, doc *Document) error
	UpdateDocumentContent(ctx context.Context, sessionID, documentID uuid.UUID, content string) error
	SetDocumentStoragePath(ctx context.Context, sessionID, documentID uuid.UUID, path string) error
	GetDocument(ctx context.Context, sessionID, documentID uuid.UUID) (*Document, error)
	// ListDocuments returns the session's documents, newest first.
	ListDocuments(ctx context.Context, sessionID uuid.UUID) ([]Document, error)
	// DeleteDocument removes the document and all of its chunks.
	DeleteDocument(ctx context.Context, sessionID, documentID uuid.UUID) error

	InsertChunks(ctx context.Context, chunks []Chunk) error
	// ListChunks returns the session's chunks in document upload order, then chunk index.
	ListChunks(ctx context.Context, sessionID uuid.UUID, limit int) ([]Chunk, error)
	CountChunks(ctx context.Context, sessionID uuid.UUID) (ChunkCounts, error)

	AddMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, q MessageQuery) ([]Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// VectorSearcher is implemented by stores that can rank chunks server-side.
// Results are ordered by similarity descending, then by chunk order.
type VectorSearcher interface {
	SearchChunks(ctx context.Context, sessionID uuid.UUID, query []float32, threshold float64, limit int) ([]ScoredChunk, error)
}

func newID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
