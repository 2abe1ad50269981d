package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	created_at    INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	filename     TEXT NOT NULL,
	content      TEXT,
	file_size    INTEGER NOT NULL,
	mime_type    TEXT NOT NULL DEFAULT '',
	storage_path TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_session ON documents(session_id, created_at);

CREATE TABLE IF NOT EXISTS document_chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	session_id  TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   BLOB,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	UNIQUE (document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON document_chunks(session_id);

CREATE TABLE IF NOT EXISTS chat_messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, seq);
`

// SQLiteStore implements Store on a local SQLite file. Embeddings are stored as
// packed little-endian float32 blobs and ranked in process.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// One connection keeps PRAGMA state and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger.With("component", "sqlite_store"),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return err
	}
	_, err := s.db.Exec(sqliteSchema)
	return err
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id uuid.UUID, ttl time.Duration) (*Session, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity = excluded.last_activity, expires_at = excluded.expires_at`,
		id.String(), now.UnixNano(), now.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_activity, expires_at FROM sessions WHERE id = ?`, id.String())
	sess, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, last_activity, expires_at FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.UnixNano()
	expired := `SELECT id FROM sessions WHERE expires_at <= ?`
	for _, q := range []string{
		`DELETE FROM document_chunks WHERE session_id IN (` + expired + `)`,
		`DELETE FROM documents WHERE session_id IN (` + expired + `)`,
		`DELETE FROM chat_messages WHERE session_id IN (` + expired + `)`,
	} {
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("failed to purge expired session data: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document) error {
	doc.ID = newID(doc.ID)
	now := s.now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, session_id, filename, content, file_size, mime_type, storage_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID.String(), doc.SessionID.String(), doc.Filename, doc.Content, doc.FileSize,
		doc.MimeType, doc.StoragePath, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateDocumentContent(ctx context.Context, sessionID, documentID uuid.UUID, content string) error {
	return s.execScoped(ctx, "update document content", documentID,
		`UPDATE documents SET content = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		content, s.now().UTC().UnixNano(), sessionID.String(), documentID.String())
}

func (s *SQLiteStore) SetDocumentStoragePath(ctx context.Context, sessionID, documentID uuid.UUID, path string) error {
	return s.execScoped(ctx, "set storage path", documentID,
		`UPDATE documents SET storage_path = ? WHERE session_id = ? AND id = ?`,
		path, sessionID.String(), documentID.String())
}

func (s *SQLiteStore) GetDocument(ctx context.Context, sessionID, documentID uuid.UUID) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, filename, content, file_size, mime_type, storage_path, created_at, updated_at
		FROM documents WHERE session_id = ? AND id = ?`, sessionID.String(), documentID.String())

	doc, err := scanSQLiteDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, sessionID uuid.UUID) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, filename, content, file_size, mime_type, storage_path, created_at, updated_at
		FROM documents WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, sessionID, documentID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE session_id = ? AND id = ?`,
		sessionID.String(), documentID.String())
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	// Cascade explicitly in case the connection was opened without foreign keys.
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID.String()); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks (id, document_id, session_id, chunk_index, content, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	for i := range chunks {
		c := &chunks[i]
		c.ID = newID(c.ID)
		c.CreatedAt = now
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		var emb any
		if c.Embedding != nil {
			emb = encodeEmbedding(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, c.ID.String(), c.DocumentID.String(), c.SessionID.String(),
			c.ChunkIndex, c.Content, emb, string(meta), now.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChunks(ctx context.Context, sessionID uuid.UUID, limit int) ([]Chunk, error) {
	query := `
		SELECT c.id, c.document_id, c.session_id, c.chunk_index, c.content, c.embedding, c.metadata, c.created_at
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.session_id = ?
		ORDER BY d.created_at, d.rowid, c.chunk_index`
	args := []any{sessionID.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var (
			c                       Chunk
			id, docID, sessID, meta string
			emb                     []byte
			created                 int64
		)
		if err := rows.Scan(&id, &docID, &sessID, &c.ChunkIndex, &c.Content, &emb, &meta, &created); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if c.DocumentID, err = uuid.Parse(docID); err != nil {
			return nil, err
		}
		if c.SessionID, err = uuid.Parse(sessID); err != nil {
			return nil, err
		}
		if emb != nil {
			if c.Embedding, err = decodeEmbedding(emb); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
		}
		c.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountChunks(ctx context.Context, sessionID uuid.UUID) (ChunkCounts, error) {
	var counts ChunkCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(embedding) FROM document_chunks WHERE session_id = ?`, sessionID.String(),
	).Scan(&counts.Total, &counts.Embedded)
	if err != nil {
		return ChunkCounts{}, fmt.Errorf("failed to count chunks: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	msg.ID = newID(msg.ID)
	msg.CreatedAt = s.now().UTC()
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal message metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.SessionID.String(), string(msg.Role), msg.Content, string(meta), msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID uuid.UUID, q MessageQuery) ([]Message, error) {
	query := `SELECT id, session_id, role, content, metadata, created_at FROM chat_messages WHERE session_id = ? ORDER BY seq`
	if q.NewestFirst {
		query += ` DESC`
	}
	args := []any{sessionID.String()}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                      Message
			id, sessID, role, meta string
			created                int64
		)
		if err := rows.Scan(&id, &sessID, &role, &m.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if m.SessionID, err = uuid.Parse(sessID); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) execScoped(ctx context.Context, op string, documentID uuid.UUID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}

func scanSQLiteSession(row rowScanner) (*Session, error) {
	var (
		id                     string
		created, last, expires int64
	)
	if err := row.Scan(&id, &created, &last, &expires); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:           parsed,
		CreatedAt:    time.Unix(0, created).UTC(),
		LastActivity: time.Unix(0, last).UTC(),
		ExpiresAt:    time.Unix(0, expires).UTC(),
	}, nil
}

func scanSQLiteDocument(row rowScanner) (*Document, error) {
	var (
		doc              Document
		id, sessID       string
		content          sql.NullString
		created, updated int64
	)
	if err := row.Scan(&id, &sessID, &doc.Filename, &content, &doc.FileSize, &doc.MimeType,
		&doc.StoragePath, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if doc.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if doc.SessionID, err = uuid.Parse(sessID); err != nil {
		return nil, err
	}
	if content.Valid {
		doc.Content = &content.String
	}
	doc.CreatedAt = time.Unix(0, created).UTC()
	doc.UpdatedAt = time.Unix(0, updated).UTC()
	return &doc, nil
}
