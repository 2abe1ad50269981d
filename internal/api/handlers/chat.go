package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alqutdigital/docqa-agent/internal/rag"
	"github.com/alqutdigital/docqa-agent/internal/storage"
)

// MaxMessageLength bounds a chat message in characters.
const MaxMessageLength = 4000

// ChatRequestBody represents the incoming chat request body.
type ChatRequestBody struct {
	Message string `json:"message"`
}

// HistoryResponse lists a session's chat log, oldest first.
type HistoryResponse struct {
	Messages []storage.Message `json:"messages"`
}

// HandleChat answers a question about the session's documents.
// POST /api/v1/chat
//
// Request body:
//
//	{"message": "What does section 2 say about refunds?"}
//
// Response:
//
//	{"response": "Refunds are issued within 14 days [1].", "sources": [...]}
func HandleChat(chat ChatService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := sessionID(w, r)
		if !ok {
			return
		}
		start := time.Now()

		var req ChatRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("failed to decode chat request", "error", err)
			RespondBadRequest(w, "Invalid request body")
			return
		}

		message := strings.TrimSpace(req.Message)
		if message == "" {
			RespondBadRequest(w, "Message is required")
			return
		}
		if utf8.RuneCountInString(message) > MaxMessageLength {
			RespondValidationError(w, "Message is too long", map[string]any{
				"field":      "message",
				"max_length": MaxMessageLength,
			})
			return
		}

		result, err := chat.Chat(r.Context(), sid, message)
		if err != nil {
			if errors.Is(err, rag.ErrEmptyMessage) {
				RespondBadRequest(w, "Message is required")
				return
			}
			logger.Error("failed to process chat message", "session_id", sid, "error", err)
			RespondInternalError(w, "Failed to process chat message", err.Error())
			return
		}

		logger.Info("chat request completed",
			"session_id", sid,
			"sources", len(result.Sources),
			"mode", result.Mode,
			"degraded", result.Degraded,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		RespondJSON(w, http.StatusOK, result)
	}
}

// HandleChatHistory returns the session's chat log.
// GET /api/v1/chat
func HandleChatHistory(chat ChatService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := sessionID(w, r)
		if !ok {
			return
		}

		messages, err := chat.History(r.Context(), sid)
		if err != nil {
			logger.Error("failed to fetch chat history", "session_id", sid, "error", err)
			RespondInternalError(w, "Failed to fetch chat history", err.Error())
			return
		}
		if messages == nil {
			messages = []storage.Message{}
		}

		RespondJSON(w, http.StatusOK, HistoryResponse{Messages: messages})
	}
}
