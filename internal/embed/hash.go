package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const hashDimension = 256

// HashProvider is the zero-dependency default embedder: a hashed
// bag-of-words vector. It has no semantic understanding but it is
// deterministic, needs no network, and identical or overlapping texts score
// close, which is all local retrieval and merge-by-similarity need when no
// embedding model is configured.
type HashProvider struct {
	dim int
}

var _ Provider = (*HashProvider)(nil)

// NewHashProvider returns the default local embedder.
func NewHashProvider() *HashProvider {
	return &HashProvider{dim: hashDimension}
}

func (p *HashProvider) Name() string   { return "hash" }
func (p *HashProvider) Dimension() int { return p.dim }

// Embed hashes lowercase word tokens into buckets and L2-normalizes.
func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%p.dim]++
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(float64(norm)))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
