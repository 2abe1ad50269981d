package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/llm"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/google/uuid"
)

// Canned assistant replies.
const (
	MsgNoDocuments   = "I don't have any documents to search through yet. Please upload a document first, and then I'll be happy to answer questions about it!"
	MsgNotConfigured = "The AI chat service is not configured. Please add your GROQ_API_KEY to use the chat feature. For now, here are the relevant sections from your document that might help answer your question."
	MsgEmptyAnswer   = "Sorry, I could not generate a response."
)

// ErrEmptyMessage is returned by Chat for a blank message.
var ErrEmptyMessage = errors.New("message is required")

// Retriever ranks a session's chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, sessionID uuid.UUID, limit int) (*RetrievalResult, error)
}

// MessageStore persists the chat log.
type MessageStore interface {
	AddMessage(ctx context.Context, msg *storage.Message) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, q storage.MessageQuery) ([]storage.Message, error)
}

// ChatConfig holds configuration for the chat service.
type ChatConfig struct {
	SearchLimit int
	MaxTokens   int
	Temperature float64
}

// DefaultChatConfig returns a default configuration.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		SearchLimit: 5,
		MaxTokens:   1000,
		Temperature: 0.3,
	}
}

// ChatResult is the reply to one chat message. Sources carries the full ranked
// chunks; only their previews are kept in the chat log.
type ChatResult struct {
	Response string             `json:"response"`
	Sources  []SimilarityResult `json:"sources"`
	Mode     SearchMode         `json:"-"`
	Degraded bool               `json:"-"` // true when the reply was not generated
}

// ChatStats holds counters for chat outcomes.
type ChatStats struct {
	Messages          int64 `json:"messages"`
	Generated         int64 `json:"generated"`
	NoDocuments       int64 `json:"no_documents"`
	NotConfigured     int64 `json:"not_configured"`
	GenerationFailure int64 `json:"generation_failures"`
}

// Service answers questions about a session's documents and keeps the chat log.
type Service struct {
	messages  MessageStore
	retriever Retriever
	builder   *ContextBuilder
	provider  llm.Provider
	logger    *slog.Logger
	config    ChatConfig

	messageCount  atomic.Int64
	generated     atomic.Int64
	noDocuments   atomic.Int64
	notConfigured atomic.Int64
	genFailures   atomic.Int64
}

// NewService creates a chat service. A nil provider means generation is not
// configured; answers then fall back to canned replies.
func NewService(messages MessageStore, retriever Retriever, builder *ContextBuilder, provider llm.Provider, logger *slog.Logger, config ChatConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		builder = NewContextBuilder(logger, DefaultContextBuilderConfig())
	}

	defaults := DefaultChatConfig()
	if config.SearchLimit <= 0 {
		config.SearchLimit = defaults.SearchLimit
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}

	return &Service{
		messages:  messages,
		retriever: retriever,
		builder:   builder,
		provider:  provider,
		logger:    logger.With("component", "chat"),
		config:    config,
	}
}

// Configured reports whether a generation provider is available.
func (s *Service) Configured() bool {
	return s.provider != nil
}

// Chat records message, answers it from the session's documents and records the
// answer. Generation problems never fail the call; they degrade the answer.
func (s *Service) Chat(ctx context.Context, sessionID uuid.UUID, message string) (*ChatResult, error) {
	start := time.Now()
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	s.messageCount.Add(1)

	if err := s.messages.AddMessage(ctx, &storage.Message{
		SessionID: sessionID,
		Role:      storage.RoleUser,
		Content:   message,
	}); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	retrieval, err := s.retriever.Retrieve(ctx, message, sessionID, s.config.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}

	result := s.answer(ctx, message, retrieval)
	if result.Sources == nil {
		result.Sources = []SimilarityResult{}
	}

	if err := s.messages.AddMessage(ctx, &storage.Message{
		SessionID: sessionID,
		Role:      storage.RoleAssistant,
		Content:   result.Response,
		Metadata:  storage.MessageMetadata{Sources: Sources(result.Sources)},
	}); err != nil {
		return nil, fmt.Errorf("failed to save assistant message: %w", err)
	}

	s.logger.Info("chat answered",
		"session_id", sessionID,
		"mode", result.Mode,
		"sources", len(result.Sources),
		"degraded", result.Degraded,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

func (s *Service) answer(ctx context.Context, message string, retrieval *RetrievalResult) *ChatResult {
	result := &ChatResult{Sources: []SimilarityResult{}, Mode: retrieval.Mode}

	// Only a session with no chunks at all gets the "no documents" reply.
	if retrieval.Mode == SearchModeNone {
		s.noDocuments.Add(1)
		result.Response = MsgNoDocuments
		result.Degraded = true
		return result
	}

	// Without a generator the ranked matches are still returned.
	if s.provider == nil {
		s.notConfigured.Add(1)
		result.Response = MsgNotConfigured
		result.Sources = retrieval.Results
		result.Degraded = true
		return result
	}

	built := s.builder.Build(retrieval.Results)
	prompt := s.builder.Prompt(message, built)

	completion, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt.System,
		UserPrompt:   prompt.User,
		MaxTokens:    s.config.MaxTokens,
		Temperature:  s.config.Temperature,
	})
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			s.notConfigured.Add(1)
			result.Response = MsgNotConfigured
			result.Sources = retrieval.Results
			result.Degraded = true
			return result
		}
		s.genFailures.Add(1)
		s.logger.Error("generation failed, returning excerpts",
			"provider", s.provider.Name(),
			"error", err,
		)
		result.Response = FallbackAnswer(built.IncludedChunks)
		result.Sources = built.IncludedChunks
		result.Degraded = true
		return result
	}

	s.generated.Add(1)
	answer := CleanAnswer(completion.Text)
	if answer == "" {
		answer = MsgEmptyAnswer
	}
	result.Response = answer
	result.Sources = built.IncludedChunks
	return result
}

// History returns the session's chat log, oldest first.
func (s *Service) History(ctx context.Context, sessionID uuid.UUID) ([]storage.Message, error) {
	messages, err := s.messages.ListMessages(ctx, sessionID, storage.MessageQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// Stats returns a snapshot of chat counters.
func (s *Service) Stats() ChatStats {
	return ChatStats{
		Messages:          s.messageCount.Load(),
		Generated:         s.generated.Load(),
		NoDocuments:       s.noDocuments.Load(),
		NotConfigured:     s.notConfigured.Load(),
		GenerationFailure: s.genFailures.Load(),
	}
}
