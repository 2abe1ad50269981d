package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/storage"
)

// debugSampleSize bounds the chunks and messages the debug endpoint reads.
const debugSampleSize = 5

// SessionResponse describes the caller's session and what it holds.
type SessionResponse struct {
	Session   *storage.Session    `json:"session"`
	Documents int                 `json:"documents"`
	Chunks    storage.ChunkCounts `json:"chunks"`
	Messages  int                 `json:"messages"`
}

// DebugResponse is a quick look into a session's data.
type DebugResponse struct {
	SessionID string            `json:"sessionId"`
	Documents int               `json:"documents"`
	Chunks    int               `json:"chunks"`
	Messages  []storage.Message `json:"messages"`
	Timestamp string            `json:"timestamp"`
}

// GetSession returns the caller's session with document, chunk and message counts.
// GET /api/v1/session
func GetSession(db Database, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := sessionID(w, r)
		if !ok {
			return
		}
		ctx := r.Context()

		session, err := db.GetSession(ctx, sid)
		if err != nil {
			RespondStoreError(w, logger, err, "Session not found", "Failed to fetch session", "session_id", sid)
			return
		}

		docs, err := db.ListDocuments(ctx, sid)
		if err != nil {
			logger.Error("failed to fetch documents", "session_id", sid, "error", err)
			RespondInternalError(w, "Failed to fetch documents", err.Error())
			return
		}
		counts, err := db.CountChunks(ctx, sid)
		if err != nil {
			logger.Error("failed to count chunks", "session_id", sid, "error", err)
			RespondInternalError(w, "Failed to fetch session", err.Error())
			return
		}
		messages, err := db.ListMessages(ctx, sid, storage.MessageQuery{})
		if err != nil {
			logger.Error("failed to fetch chat history", "session_id", sid, "error", err)
			RespondInternalError(w, "Failed to fetch chat history", err.Error())
			return
		}

		RespondJSON(w, http.StatusOK, SessionResponse{
			Session:   session,
			Documents: len(docs),
			Chunks:    counts,
			Messages:  len(messages),
		})
	}
}

// HandleDebug reports document and chunk counts and the latest messages.
// Lookup failures are logged and reported as zero, so the endpoint always answers.
// GET /api/v1/debug
func HandleDebug(db Database, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := sessionID(w, r)
		if !ok {
			return
		}
		ctx := r.Context()

		resp := DebugResponse{
			SessionID: sid.String(),
			Messages:  []storage.Message{},
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}

		if docs, err := db.ListDocuments(ctx, sid); err != nil {
			logger.Warn("debug: failed to list documents", "session_id", sid, "error", err)
		} else {
			resp.Documents = len(docs)
		}
		if chunks, err := db.ListChunks(ctx, sid, debugSampleSize); err != nil {
			logger.Warn("debug: failed to list chunks", "session_id", sid, "error", err)
		} else {
			resp.Chunks = len(chunks)
		}
		messages, err := db.ListMessages(ctx, sid, storage.MessageQuery{Limit: debugSampleSize, NewestFirst: true})
		if err != nil {
			logger.Warn("debug: failed to list messages", "session_id", sid, "error", err)
		} else if messages != nil {
			resp.Messages = messages
		}

		RespondJSON(w, http.StatusOK, resp)
	}
}
