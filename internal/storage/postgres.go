package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	Dimension    int // embedding column width
}

// DSN returns the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// PostgresDB wraps the database connection pool.
type PostgresDB struct {
	*sql.DB
	config PostgresConfig
}

// NewPostgres creates a new PostgreSQL connection pool.
func NewPostgres(cfg PostgresConfig) (*PostgresDB, error) {
	return OpenPostgres(cfg.DSN(), cfg)
}

// OpenPostgres opens a pool from an explicit DSN, applying pool settings from cfg.
func OpenPostgres(dsn string, cfg PostgresConfig) (*PostgresDB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{DB: db, config: cfg}, nil
}

// Health checks database connectivity.
func (db *PostgresDB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// WithTx executes a function within a transaction.
func (db *PostgresDB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS sessions (
	id            UUID PRIMARY KEY,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS documents (
	id           UUID PRIMARY KEY,
	session_id   UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	content      TEXT,
	file_size    BIGINT NOT NULL,
	mime_type    TEXT NOT NULL DEFAULT '',
	storage_path TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS idx_documents_session ON documents(session_id, created_at DESC);

CREATE TABLE IF NOT EXISTS document_chunks (
	id          UUID PRIMARY KEY,
	document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	session_id  UUID NOT NULL,
	chunk_index INT NOT NULL,
	content     TEXT NOT NULL,
	embedding   vector(%d),
	metadata    JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	UNIQUE (document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON document_chunks(session_id);

CREATE TABLE IF NOT EXISTS chat_messages (
	seq        BIGSERIAL,
	id         UUID PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
	content    TEXT NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at, seq);
`

// PostgresStore implements Store and VectorSearcher on PostgreSQL with pgvector.
type PostgresStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewPostgresStore creates a store over an open pool.
func NewPostgresStore(db *PostgresDB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger.With("component", "postgres_store"),
	}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	dim := s.db.config.Dimension
	if dim <= 0 {
		dim = 384
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(postgresSchema, dim)); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	s.logger.Info("schema ready", "embedding_dimension", dim)
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, id uuid.UUID, ttl time.Duration) (*Session, error) {
	now := time.Now().UTC()
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity, expires_at)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_activity = EXCLUDED.last_activity, expires_at = EXCLUDED.expires_at
		RETURNING id, created_at, last_activity, expires_at`,
		id, now, now.Add(ttl),
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_activity, expires_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, last_activity, expires_at FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		// document_chunks.session_id has no FK, so chunks go through their documents.
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *Document) error {
	doc.ID = newID(doc.ID)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, session_id, filename, content, file_size, mime_type, storage_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		doc.ID, doc.SessionID, doc.Filename, doc.Content, doc.FileSize, doc.MimeType, doc.StoragePath,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, sessionID, documentID uuid.UUID, content string) error {
	return s.execScoped(ctx, "update document content",
		`UPDATE documents SET content = $3, updated_at = clock_timestamp() WHERE session_id = $1 AND id = $2`,
		sessionID, documentID, content)
}

func (s *PostgresStore) SetDocumentStoragePath(ctx context.Context, sessionID, documentID uuid.UUID, path string) error {
	return s.execScoped(ctx, "set storage path",
		`UPDATE documents SET storage_path = $3 WHERE session_id = $1 AND id = $2`,
		sessionID, documentID, path)
}

func (s *PostgresStore) GetDocument(ctx context.Context, sessionID, documentID uuid.UUID) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, filename, content, file_size, mime_type, storage_path, created_at, updated_at
		FROM documents WHERE session_id = $1 AND id = $2`, sessionID, documentID)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, sessionID uuid.UUID) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, filename, content, file_size, mime_type, storage_path, created_at, updated_at
		FROM documents WHERE session_id = $1
		ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, sessionID, documentID uuid.UUID) error {
	return s.execScoped(ctx, "delete document",
		`DELETE FROM documents WHERE session_id = $1 AND id = $2`, sessionID, documentID)
}

func (s *PostgresStore) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	start := time.Now()
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO document_chunks (id, document_id, session_id, chunk_index, content, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range chunks {
			c := &chunks[i]
			c.ID = newID(c.ID)
			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal chunk metadata: %w", err)
			}
			var emb any
			if c.Embedding != nil {
				emb = pgvector.NewVector(c.Embedding)
			}
			if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.SessionID, c.ChunkIndex, c.Content, emb, meta); err != nil {
				return fmt.Errorf("chunk %d: %w", c.ChunkIndex, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	s.logger.Debug("chunks inserted",
		"count", len(chunks),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, sessionID uuid.UUID, limit int) ([]Chunk, error) {
	query := `
		SELECT c.id, c.document_id, c.session_id, c.chunk_index, c.content, c.embedding, c.metadata, c.created_at
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.session_id = $1
		ORDER BY d.created_at, d.id, c.chunk_index`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
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
			c    Chunk
			emb  *pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SessionID, &c.ChunkIndex, &c.Content, &emb, &meta, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if emb != nil {
			c.Embedding = emb.Slice()
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountChunks(ctx context.Context, sessionID uuid.UUID) (ChunkCounts, error) {
	var counts ChunkCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(embedding) FROM document_chunks WHERE session_id = $1`, sessionID,
	).Scan(&counts.Total, &counts.Embedded)
	if err != nil {
		return ChunkCounts{}, fmt.Errorf("failed to count chunks: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, msg *Message) error {
	msg.ID = newID(msg.ID)
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, meta,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID uuid.UUID, q MessageQuery) ([]Message, error) {
	order := "ASC"
	if q.NewestFirst {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT id, session_id, role, content, metadata, created_at
		FROM chat_messages WHERE session_id = $1
		ORDER BY created_at %[1]s, seq %[1]s`, order)
	args := []any{sessionID}
	if q.Limit > 0 {
		query += ` LIMIT $2`
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
			m    Message
			role string
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = Role(role)
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) execScoped(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("document %v: %w", args[1], ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc     Document
		content sql.NullString
	)
	if err := row.Scan(&doc.ID, &doc.SessionID, &doc.Filename, &content, &doc.FileSize,
		&doc.MimeType, &doc.StoragePath, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if content.Valid {
		doc.Content = &content.String
	}
	return &doc, nil
}
