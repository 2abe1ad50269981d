package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		maxSize int
		want    []string
	}{
		{
			name:    "each sentence flushes at tiny limit",
			text:    "A. B. C.",
			maxSize: 3,
			want:    []string{"A.", "B.", "C."},
		},
		{
			name:    "sentences packed under limit",
			text:    "One. Two. Three.",
			maxSize: 100,
			want:    []string{"One.  Two.  Three."},
		},
		{
			name:    "empty text",
			text:    "",
			maxSize: 800,
			want:    []string{},
		},
		{
			name:    "whitespace only",
			text:    "  \n\t ",
			maxSize: 800,
			want:    []string{},
		},
		{
			name:    "no terminal punctuation is one unit",
			text:    "  just some words without an ending  ",
			maxSize: 800,
			want:    []string{"just some words without an ending"},
		},
		{
			name:    "oversized sentence kept whole",
			text:    "This sentence is much longer than the limit. Short.",
			maxSize: 10,
			want:    []string{"This sentence is much longer than the limit.", "Short."},
		},
		{
			name:    "trailing fragment kept",
			text:    "First sentence! Then a fragment",
			maxSize: 16,
			want:    []string{"First sentence!", "Then a fragment"},
		},
		{
			name:    "mixed terminators",
			text:    "Really?! Yes. Wow!",
			maxSize: 8,
			want:    []string{"Really?!", "Yes.", "Wow!"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.text, tt.maxSize)
			if len(got) != len(tt.want) {
				t.Fatalf("Chunk() = %q, want %q", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkProperties(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20) +
		"Is this a question? It is! Numbers like three split too. " +
		strings.Repeat("Another sentence with several words in it. ", 15)

	for _, maxSize := range []int{1, 20, 50, 120, 800, 5000} {
		chunks := Chunk(text, maxSize)

		if len(chunks) == 0 {
			t.Fatalf("maxSize=%d: no chunks", maxSize)
		}

		for i, c := range chunks {
			if c == "" {
				t.Errorf("maxSize=%d: chunk %d is empty", maxSize, i)
			}
			if c != strings.TrimSpace(c) {
				t.Errorf("maxSize=%d: chunk %d not trimmed", maxSize, i)
			}
			// Only a chunk made of a single sentence may exceed the limit.
			if utf8.RuneCountInString(c) > maxSize && len(splitSentences(c)) > 1 {
				t.Errorf("maxSize=%d: multi-sentence chunk %d has %d chars", maxSize, i, utf8.RuneCountInString(c))
			}
		}

		// Rejoining reconstructs the word sequence.
		rejoined := strings.Fields(strings.Join(chunks, " "))
		original := strings.Fields(text)
		if strings.Join(rejoined, " ") != strings.Join(original, " ") {
			t.Errorf("maxSize=%d: rejoined chunks differ from original text", maxSize)
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	text := "Alpha beta. Gamma delta! Epsilon? Zeta eta theta. Iota."
	first := Chunk(text, 15)
	for i := 0; i < 10; i++ {
		again := Chunk(text, 15)
		if strings.Join(again, "|") != strings.Join(first, "|") {
			t.Fatalf("run %d: %q != %q", i, again, first)
		}
	}
}

func TestChunkDefaultSize(t *testing.T) {
	text := strings.Repeat("Sentence number here. ", 100)
	if a, b := Chunk(text, 0), Chunk(text, DefaultMaxChunkSize); len(a) != len(b) {
		t.Errorf("non-positive size should use default: %d vs %d chunks", len(a), len(b))
	}
}

func TestChunkerSplit(t *testing.T) {
	c := NewChunker(ChunkerConfig{MaxChunkSize: 3}, nil)

	pieces := c.Split("A. B. C.")
	if len(pieces) != 3 {
		t.Fatalf("Split() returned %d pieces, want 3", len(pieces))
	}
	for i, p := range pieces {
		if p.Index != i {
			t.Errorf("piece %d has index %d", i, p.Index)
		}
		if p.TokenCount <= 0 {
			t.Errorf("piece %d has token count %d", i, p.TokenCount)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	got := NormalizeText("  hello\n\n\tworld  again ")
	if got != "hello world again" {
		t.Errorf("NormalizeText() = %q", got)
	}
}
