package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It backs tests and DB_DRIVER=memory.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*Session
	documents map[uuid.UUID]*Document
	chunks    map[uuid.UUID][]Chunk // by document ID, in chunk_index order
	messages  map[uuid.UUID][]Message
	docSeq    map[uuid.UUID]int64 // insertion order breaks created_at ties
	seq       int64
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[uuid.UUID]*Session),
		documents: make(map[uuid.UUID]*Document),
		chunks:    make(map[uuid.UUID][]Chunk),
		messages:  make(map[uuid.UUID][]Message),
		docSeq:    make(map[uuid.UUID]int64),
		now:       time.Now,
	}
}

func (m *MemoryStore) TouchSession(ctx context.Context, id uuid.UUID, ttl time.Duration) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{ID: id, CreatedAt: now}
		m.sessions[id] = s
	}
	s.LastActivity = now
	s.ExpiresAt = now.Add(ttl)

	out := *s
	return &out, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	out := *s
	return &out, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *MemoryStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if !s.Expired(now) {
			continue
		}
		for docID, d := range m.documents {
			if d.SessionID == id {
				m.deleteDocumentLocked(docID)
			}
		}
		delete(m.messages, id)
		delete(m.sessions, id)
		n++
	}
	return n, nil
}

func (m *MemoryStore) CreateDocument(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc.ID = newID(doc.ID)
	now := m.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = doc.CreatedAt

	stored := *doc
	m.documents[doc.ID] = &stored
	m.seq++
	m.docSeq[doc.ID] = m.seq
	return nil
}

func (m *MemoryStore) UpdateDocumentContent(ctx context.Context, sessionID, documentID uuid.UUID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.scopedDocLocked(sessionID, documentID)
	if err != nil {
		return err
	}
	c := content
	d.Content = &c
	d.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) SetDocumentStoragePath(ctx context.Context, sessionID, documentID uuid.UUID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.scopedDocLocked(sessionID, documentID)
	if err != nil {
		return err
	}
	d.StoragePath = path
	return nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, sessionID, documentID uuid.UUID) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, err := m.scopedDocLocked(sessionID, documentID)
	if err != nil {
		return nil, err
	}
	out := *d
	return &out, nil
}

func (m *MemoryStore) ListDocuments(ctx context.Context, sessionID uuid.UUID) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := m.sessionDocsLocked(sessionID)
	out := make([]Document, len(docs))
	for i := range docs {
		out[len(docs)-1-i] = *docs[i]
	}
	return out, nil
}

func (m *MemoryStore) DeleteDocument(ctx context.Context, sessionID, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.scopedDocLocked(sessionID, documentID); err != nil {
		return err
	}
	m.deleteDocumentLocked(documentID)
	return nil
}

func (m *MemoryStore) InsertChunks(ctx context.Context, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		d, err := m.scopedDocLocked(c.SessionID, c.DocumentID)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
		for _, existing := range m.chunks[d.ID] {
			if existing.ChunkIndex == c.ChunkIndex {
				return fmt.Errorf("chunk %d of document %s already exists", c.ChunkIndex, d.ID)
			}
		}
	}

	now := m.now().UTC()
	for _, c := range chunks {
		c.ID = newID(c.ID)
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.Embedding != nil {
			c.Embedding = append([]float32(nil), c.Embedding...)
		}
		list := append(m.chunks[c.DocumentID], c)
		sort.SliceStable(list, func(i, j int) bool { return list[i].ChunkIndex < list[j].ChunkIndex })
		m.chunks[c.DocumentID] = list
	}
	return nil
}

func (m *MemoryStore) ListChunks(ctx context.Context, sessionID uuid.UUID, limit int) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Chunk
	for _, d := range m.sessionDocsLocked(sessionID) {
		for _, c := range m.chunks[d.ID] {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountChunks(ctx context.Context, sessionID uuid.UUID) (ChunkCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var counts ChunkCounts
	for _, d := range m.sessionDocsLocked(sessionID) {
		for _, c := range m.chunks[d.ID] {
			counts.Total++
			if c.Embedding != nil {
				counts.Embedded++
			}
		}
	}
	return counts, nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.ID = newID(msg.ID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now().UTC()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID uuid.UUID, q MessageQuery) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.messages[sessionID]
	out := make([]Message, 0, len(src))
	if q.NewestFirst {
		for i := len(src) - 1; i >= 0; i-- {
			out = append(out, src[i])
		}
	} else {
		out = append(out, src...)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) scopedDocLocked(sessionID, documentID uuid.UUID) (*Document, error) {
	d, ok := m.documents[documentID]
	if !ok || d.SessionID != sessionID {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return d, nil
}

// sessionDocsLocked returns the session's documents oldest first.
func (m *MemoryStore) sessionDocsLocked(sessionID uuid.UUID) []*Document {
	var docs []*Document
	for _, d := range m.documents {
		if d.SessionID == sessionID {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return m.docSeq[docs[i].ID] < m.docSeq[docs[j].ID]
	})
	return docs
}

func (m *MemoryStore) deleteDocumentLocked(documentID uuid.UUID) {
	delete(m.chunks, documentID)
	delete(m.documents, documentID)
	delete(m.docSeq, documentID)
}
