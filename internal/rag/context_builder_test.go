package rag

import (
	"strings"
	"testing"

	"github.com/alqutdigital/docqa-agent/internal/storage"
)

func scored(content string, sim float64) SimilarityResult {
	return SimilarityResult{Chunk: storage.Chunk{Content: content}, Similarity: sim}
}

func TestBuildPrompt(t *testing.T) {
	chunks := []SimilarityResult{scored("Cats sleep a lot.", 0.9), scored("Dogs bark.", 0.8)}

	prompt := BuildPrompt("Do cats sleep?", chunks)

	wantUser := "Context from the document:\n[1] Cats sleep a lot.\n\n[2] Dogs bark.\n\nQuestion: Do cats sleep?\n\nPlease provide a comprehensive answer based on the context above."
	if prompt.User != wantUser {
		t.Errorf("User =\n%q\nwant\n%q", prompt.User, wantUser)
	}
	if !strings.Contains(prompt.System, "[1], [2]") {
		t.Error("system prompt should ask for [i] citations")
	}
	if !strings.Contains(prompt.System, "say so clearly") {
		t.Error("system prompt should require admitting missing information")
	}
}

func TestBuildPrompt_NoChunks(t *testing.T) {
	prompt := BuildPrompt("q", nil)
	if !strings.HasPrefix(prompt.User, "Context from the document:\n\n\nQuestion: q") {
		t.Errorf("User = %q", prompt.User)
	}
}

func TestContextBuilder_TokenBudget(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := []SimilarityResult{scored(long, 0.9), scored(long, 0.8), scored(long, 0.7)}

	cb := NewContextBuilder(testLogger(), ContextBuilderConfig{MaxTokens: 200})
	built := cb.Build(chunks)

	if len(built.IncludedChunks) != 1 {
		t.Fatalf("included %d chunks, want 1", len(built.IncludedChunks))
	}
	if built.TruncatedCount != 2 {
		t.Errorf("TruncatedCount = %d, want 2", built.TruncatedCount)
	}
	if strings.Contains(built.Text, "[2]") {
		t.Error("truncated chunk leaked into context")
	}

	tiny := NewContextBuilder(testLogger(), ContextBuilderConfig{MaxTokens: 1})
	if got := tiny.Build(chunks); len(got.IncludedChunks) != 1 {
		t.Errorf("first chunk should always be kept, got %d", len(got.IncludedChunks))
	}
}

func TestCleanAnswer(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "The answer [1].", "The answer [1]."},
		{"leading think", "<think>\nlet me reason\nabout it\n</think>\n\nThe answer [1].", "The answer [1]."},
		{"two blocks non-greedy", "<think>a</think>Keep this<think>b</think> and this", "Keep this and this"},
		{"unclosed tag kept", "<think>never closed", "<think>never closed"},
		{"only thinking", "<think>x</think>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanAnswer(tt.raw); got != tt.want {
				t.Errorf("CleanAnswer() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSources(t *testing.T) {
	long := strings.Repeat("a", 150)
	sources := Sources([]SimilarityResult{scored(long, 0.91), scored("short", 0.75)})

	if len(sources) != 2 {
		t.Fatalf("got %d sources", len(sources))
	}
	if sources[0].Content != strings.Repeat("a", 100)+"..." {
		t.Errorf("long source = %q", sources[0].Content)
	}
	if sources[1].Content != "short..." || sources[1].Similarity != 0.75 {
		t.Errorf("short source = %+v", sources[1])
	}
}

func TestFallbackAnswer(t *testing.T) {
	got := FallbackAnswer([]SimilarityResult{scored("first excerpt", 0.9), scored(strings.Repeat("é", 250), 0.8)})

	if !strings.HasPrefix(got, "I found relevant information in your document but encountered an error generating a response.") {
		t.Errorf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "\n[1] first excerpt...") {
		t.Error("missing first excerpt")
	}
	if !strings.Contains(got, "\n[2] "+strings.Repeat("é", 200)+"...") {
		t.Error("second excerpt should be cut at 200 characters")
	}
}
