package embedder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxWordChars = 100

// WordPiece is an uncased BERT tokenizer over a vocab.txt file.
type WordPiece struct {
	vocab map[string]int64
	unk   int64
	cls   int64
	sep   int64
	pad   int64
}

// LoadWordPiece reads a one-token-per-line vocabulary file.
func LoadWordPiece(path string) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer f.Close()
	return ReadWordPiece(f)
}

// ReadWordPiece builds a tokenizer from a vocabulary stream. Token IDs are line numbers.
func ReadWordPiece(r io.Reader) (*WordPiece, error) {
	vocab := make(map[string]int64)
	sc := bufio.NewScanner(r)
	var id int64
	for sc.Scan() {
		vocab[strings.TrimRight(sc.Text(), "\r")] = id
		id++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}

	wp := &WordPiece{vocab: vocab}
	for token, dst := range map[string]*int64{"[UNK]": &wp.unk, "[CLS]": &wp.cls, "[SEP]": &wp.sep, "[PAD]": &wp.pad} {
		v, ok := vocab[token]
		if !ok {
			return nil, fmt.Errorf("vocab is missing %s", token)
		}
		*dst = v
	}
	return wp, nil
}

// Encode returns input IDs and attention mask of exactly maxLen entries:
// [CLS] tokens... [SEP] followed by padding. Long inputs are truncated.
func (w *WordPiece) Encode(text string, maxLen int) (ids, mask []int64) {
	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)
	for i := range ids {
		ids[i] = w.pad
	}

	tokens := w.Tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	ids[0], mask[0] = w.cls, 1
	for i, t := range tokens {
		ids[i+1], mask[i+1] = t, 1
	}
	ids[len(tokens)+1], mask[len(tokens)+1] = w.sep, 1
	return ids, mask
}

// Tokenize splits text into vocabulary IDs without special tokens.
func (w *WordPiece) Tokenize(text string) []int64 {
	var out []int64
	for _, word := range basicTokens(text) {
		out = append(out, w.wordPieces(word)...)
	}
	return out
}

// wordPieces applies greedy longest-match-first segmentation to one word.
func (w *WordPiece) wordPieces(word string) []int64 {
	chars := []rune(word)
	if len(chars) > maxWordChars {
		return []int64{w.unk}
	}

	var pieces []int64
	for start := 0; start < len(chars); {
		end := len(chars)
		found := int64(-1)
		for end > start {
			sub := string(chars[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := w.vocab[sub]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			return []int64{w.unk}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

// basicTokens lower-cases, strips accents, and splits on whitespace and punctuation.
func basicTokens(text string) []string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	clean, _, err := transform.String(t, strings.ToLower(text))
	if err != nil {
		clean = strings.ToLower(text)
	}

	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range clean {
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}
