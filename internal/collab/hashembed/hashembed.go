// Package hashembed embeds text by feature hashing: each token (and each
// adjacent token pair) is hashed with xxhash into one of Dim buckets with a
// sign taken from the hash, and the result is L2-normalised.
package hashembed

import (
	"context"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/collab/statsanalyzer"
)

// DefaultDim is the vector width used when New is given a non-positive size.
const DefaultDim = 256

// Embedder implements collab.Embedder.
type Embedder struct {
	dim int
}

var _ collab.Embedder = (*Embedder)(nil)

// New returns an Embedder producing dim-wide vectors.
func New(dim int) *Embedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &Embedder{dim: dim}
}

// Dim returns the vector width.
func (e *Embedder) Dim() int {
	return e.dim
}

// Embed returns the zero vector for text without tokens.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dim)
	tokens := statsanalyzer.Tokenize(text)
	for i, tok := range tokens {
		e.add(vec, tok, 1)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	Normalize(vec)
	return vec, nil
}

func (e *Embedder) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(e.dim)
	if h>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// Normalize scales vec to unit length in place. The zero vector is left as is.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
