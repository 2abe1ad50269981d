// Package chunker splits extracted document text into sentence-respecting chunks.
package chunker

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultMaxChunkSize is the soft per-chunk limit in characters.
const DefaultMaxChunkSize = 800

// sentencePattern matches a run of non-terminal characters closed by terminal punctuation.
var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+`)

// ChunkerConfig holds configuration for the chunker.
type ChunkerConfig struct {
	MaxChunkSize int    // soft limit in characters (default: 800)
	Encoding     string // tiktoken encoding used for token counts (default: cl100k_base)
}

// DefaultChunkerConfig returns default chunker configuration.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MaxChunkSize: DefaultMaxChunkSize,
		Encoding:     "cl100k_base",
	}
}

// Piece is a chunk of text with its position and token count.
type Piece struct {
	Index      int    `json:"chunk_index"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
}

// Chunker splits text and annotates each chunk with a token count.
type Chunker struct {
	config ChunkerConfig
	logger *slog.Logger

	once      sync.Once
	tokenizer *tiktoken.Tiktoken
}

// NewChunker creates a new chunker. The tokenizer is loaded on first use; if it cannot
// be loaded, token counts fall back to a character-based estimate.
func NewChunker(cfg ChunkerConfig, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "cl100k_base"
	}
	return &Chunker{
		config: cfg,
		logger: logger.With("component", "chunker"),
	}
}

// Split chunks text using the configured size and counts tokens per chunk.
func (c *Chunker) Split(text string) []Piece {
	contents := Chunk(text, c.config.MaxChunkSize)
	pieces := make([]Piece, len(contents))
	for i, content := range contents {
		pieces[i] = Piece{
			Index:      i,
			Content:    content,
			TokenCount: c.CountTokens(content),
		}
	}
	return pieces
}

// MaxChunkSize returns the configured soft limit.
func (c *Chunker) MaxChunkSize() int {
	return c.config.MaxChunkSize
}

// CountTokens returns the number of tokens in text.
func (c *Chunker) CountTokens(text string) int {
	c.once.Do(func() {
		tk, err := tiktoken.GetEncoding(c.config.Encoding)
		if err != nil {
			c.logger.Warn("tokenizer unavailable, estimating token counts",
				"encoding", c.config.Encoding,
				"error", err,
			)
			return
		}
		c.tokenizer = tk
	})

	if c.tokenizer == nil {
		return EstimateTokens(text)
	}
	return len(c.tokenizer.Encode(text, nil, nil))
}

// EstimateTokens approximates a token count at roughly four characters per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// Chunk splits text into sentence-like units and greedily packs them into chunks of at
// most maxChunkSize characters. A unit is only flushed into a new chunk when the buffer
// is non-empty, so a single sentence longer than the limit becomes its own oversized chunk.
// Chunks are trimmed and never empty. Text following the last terminal punctuation mark
// is kept as a final unit.
func Chunk(text string, maxChunkSize int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}

	units := splitSentences(text)
	chunks := make([]string, 0, len(units))

	current := ""
	for _, unit := range units {
		candidate := current + " " + unit
		if strings.TrimSpace(current) != "" && utf8.RuneCountInString(strings.TrimSpace(candidate)) > maxChunkSize {
			chunks = append(chunks, strings.TrimSpace(current))
			current = unit
			continue
		}
		current = candidate
	}

	if last := strings.TrimSpace(current); last != "" {
		chunks = append(chunks, last)
	}

	return chunks
}

// splitSentences returns the sentence units of text. Text with no terminal punctuation
// is a single unit.
func splitSentences(text string) []string {
	locs := sentencePattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}

	units := make([]string, 0, len(locs)+1)
	for _, loc := range locs {
		units = append(units, text[loc[0]:loc[1]])
	}
	if tail := text[locs[len(locs)-1][1]:]; strings.TrimSpace(tail) != "" {
		units = append(units, tail)
	}
	return units
}

// NormalizeText collapses whitespace runs and strips invalid UTF-8.
func NormalizeText(text string) string {
	text = strings.ToValidUTF8(text, "")
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}
