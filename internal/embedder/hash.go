package embedder

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashBackend is a dependency-free backend that hashes lower-cased words into a
// fixed number of signed buckets. Texts sharing words get similar vectors, which
// is enough for local development and tests.
type HashBackend struct {
	dimension int
}

// NewHashBackend creates a hashing backend with the given dimension.
func NewHashBackend(dimension int) *HashBackend {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashBackend{dimension: dimension}
}

// Embed hashes each word of text into the vector.
func (h *HashBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := make([]float32, h.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum32()
		idx := int(sum % uint32(h.dimension))
		if sum&(1<<31) != 0 {
			v[idx] -= 1
		} else {
			v[idx] += 1
		}
	}
	return v, nil
}

// Dimension returns the vector length.
func (h *HashBackend) Dimension() int { return h.dimension }

// Name returns the backend name.
func (h *HashBackend) Name() string { return "hash" }
