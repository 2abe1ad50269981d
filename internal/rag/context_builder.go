package rag

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/alqutdigital/docqa-agent/internal/chunker"
	"github.com/alqutdigital/docqa-agent/internal/storage"
)

const systemPrompt = "You are a helpful AI assistant that answers questions based on the provided document context. \n" +
	"Always cite the specific sections [1], [2], etc. when referencing information from the context.\n" +
	"If the context doesn't contain relevant information to answer the question, say so clearly.\n" +
	"Do not use any thinking tags or internal monologue - provide direct answers only."

const userPromptTemplate = "Context from the document:\n%s\n\nQuestion: %s\n\nPlease provide a comprehensive answer based on the context above."

const (
	sourcePreviewChars   = 100
	fallbackPreviewChars = 200
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Prompt is the pair of messages sent to the generation backend.
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// ContextBuilderConfig holds configuration for the context builder.
type ContextBuilderConfig struct {
	MaxTokens      int    // budget for the numbered context block, 0 for no limit
	ChunkSeparator string
}

// DefaultContextBuilderConfig returns a default configuration.
func DefaultContextBuilderConfig() ContextBuilderConfig {
	return ContextBuilderConfig{
		MaxTokens:      6000,
		ChunkSeparator: "\n\n",
	}
}

// BuiltContext represents the result of context building.
type BuiltContext struct {
	Text           string             `json:"text"`
	TokenCount     int                `json:"token_count"`
	IncludedChunks []SimilarityResult `json:"included_chunks"`
	TruncatedCount int                `json:"truncated_count"`
}

// ContextBuilder renders ranked chunks as a numbered context block.
type ContextBuilder struct {
	logger *slog.Logger
	config ContextBuilderConfig
}

// NewContextBuilder creates a new ContextBuilder instance.
func NewContextBuilder(logger *slog.Logger, config ContextBuilderConfig) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ChunkSeparator == "" {
		config.ChunkSeparator = "\n\n"
	}
	return &ContextBuilder{
		logger: logger.With("component", "context_builder"),
		config: config,
	}
}

// Build renders chunks as "[i] content" in the order given, so index order is
// citation order. Chunks past the token budget are dropped from the tail; the
// first chunk is always kept.
func (cb *ContextBuilder) Build(chunks []SimilarityResult) *BuiltContext {
	built := &BuiltContext{}
	if len(chunks) == 0 {
		return built
	}

	var sb strings.Builder
	for i, c := range chunks {
		entry := fmt.Sprintf("[%d] %s", i+1, c.Content)
		tokens := chunker.EstimateTokens(entry)

		if cb.config.MaxTokens > 0 && i > 0 && built.TokenCount+tokens > cb.config.MaxTokens {
			built.TruncatedCount = len(chunks) - i
			cb.logger.Debug("token budget reached",
				"included", i,
				"truncated", built.TruncatedCount,
				"token_count", built.TokenCount,
			)
			break
		}

		if sb.Len() > 0 {
			sb.WriteString(cb.config.ChunkSeparator)
		}
		sb.WriteString(entry)
		built.TokenCount += tokens
		built.IncludedChunks = append(built.IncludedChunks, c)
	}

	built.Text = sb.String()
	return built
}

// Prompt builds the system and user prompts for query over the built context.
func (cb *ContextBuilder) Prompt(query string, built *BuiltContext) Prompt {
	text := ""
	if built != nil {
		text = built.Text
	}
	return Prompt{
		System: systemPrompt,
		User:   fmt.Sprintf(userPromptTemplate, text, query),
	}
}

// BuildPrompt numbers every chunk with no token budget and returns the prompts.
func BuildPrompt(query string, chunks []SimilarityResult) Prompt {
	cb := &ContextBuilder{logger: slog.Default(), config: ContextBuilderConfig{ChunkSeparator: "\n\n"}}
	return cb.Prompt(query, cb.Build(chunks))
}

// CleanAnswer removes <think>...</think> blocks and surrounding whitespace.
func CleanAnswer(raw string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(raw, ""))
}

// Sources converts ranked chunks into the citations stored with an answer.
func Sources(chunks []SimilarityResult) []storage.Source {
	sources := make([]storage.Source, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, storage.Source{
			Content:    preview(c.Content, sourcePreviewChars) + "...",
			Similarity: c.Similarity,
		})
	}
	return sources
}

// FallbackAnswer lists the top excerpts when generation fails.
func FallbackAnswer(chunks []SimilarityResult) string {
	var sb strings.Builder
	sb.WriteString("I found relevant information in your document but encountered an error generating a response. \n    \nHere are the most relevant sections:\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "\n[%d] %s...", i+1, preview(c.Content, fallbackPreviewChars))
	}
	return sb.String()
}

// preview returns at most n runes of s.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
