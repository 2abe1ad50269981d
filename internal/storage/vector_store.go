package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SearchChunks ranks the session's embedded chunks by cosine similarity to query
// using the pgvector <=> operator. Chunks below threshold are excluded.
func (s *PostgresStore) SearchChunks(ctx context.Context, sessionID uuid.UUID, query []float32, threshold float64, limit int) ([]ScoredChunk, error) {
	start := time.Now()
	defer func() {
		s.logger.Debug("vector search completed",
			"session_id", sessionID,
			"limit", limit,
			"threshold", threshold,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.session_id, c.chunk_index, c.content, c.metadata, c.created_at,
		       1 - (c.embedding <=> $2) AS similarity
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.session_id = $1
		  AND c.embedding IS NOT NULL
		  AND 1 - (c.embedding <=> $2) >= $3
		ORDER BY similarity DESC, d.created_at, d.id, c.chunk_index
		LIMIT $4`,
		sessionID, pgvector.NewVector(query), threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var (
			sc   ScoredChunk
			meta []byte
		)
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.SessionID, &sc.ChunkIndex, &sc.Content,
			&meta, &sc.CreatedAt, &sc.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if err := json.Unmarshal(meta, &sc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
