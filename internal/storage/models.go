// Package storage provides session-scoped persistence for documents, chunks and messages.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// Session scopes every other entity. Sessions expire after a period of inactivity.
type Session struct {
	ID           uuid.UUID `json:"id" db:"id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Document is an uploaded file. Content stays nil until text extraction completes.
type Document struct {
	ID          uuid.UUID `json:"id" db:"id"`
	SessionID   uuid.UUID `json:"session_id" db:"session_id"`
	Filename    string    `json:"filename" db:"filename"`
	Content     *string   `json:"content,omitempty" db:"content"`
	FileSize    int64     `json:"file_size" db:"file_size"`
	MimeType    string    `json:"mime_type" db:"mime_type"`
	StoragePath string    `json:"storage_path,omitempty" db:"storage_path"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ChunkMetadata is stored with every chunk so each one describes its own position.
type ChunkMetadata struct {
	Filename    string `json:"filename"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	TokenCount  int    `json:"token_count,omitempty"`
}

// Chunk is a retrievable slice of a document. Embedding is nil until generated.
type Chunk struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	DocumentID uuid.UUID     `json:"document_id" db:"document_id"`
	SessionID  uuid.UUID     `json:"session_id" db:"session_id"`
	ChunkIndex int           `json:"chunk_index" db:"chunk_index"`
	Content    string        `json:"content" db:"content"`
	Embedding  []float32     `json:"-" db:"embedding"`
	Metadata   ChunkMetadata `json:"metadata" db:"metadata"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// ScoredChunk is a chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk
	Similarity float64 `json:"similarity"`
}

// ChunkCounts summarizes a session's chunks.
type ChunkCounts struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
}

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Source is a cited excerpt attached to an assistant message.
type Source struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// MessageMetadata holds optional message annotations.
type MessageMetadata struct {
	Sources []Source `json:"sources,omitempty"`
}

// Message is one entry of a session's append-only chat log.
type Message struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	SessionID uuid.UUID       `json:"session_id" db:"session_id"`
	Role      Role            `json:"role" db:"role"`
	Content   string          `json:"content" db:"content"`
	Metadata  MessageMetadata `json:"metadata" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
