// Package memindex is an in-memory collab.VectorIndex with exact cosine search.
package memindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
)

// ErrDimension is returned when a vector's width differs from the index's.
var ErrDimension = errors.New("memindex: dimension mismatch")

// Index implements collab.VectorIndex. The first Upsert fixes the dimension.
type Index struct {
	mu   sync.RWMutex
	dim  int
	vecs map[string][]float32
}

var _ collab.VectorIndex = (*Index)(nil)

// New returns an empty Index.
func New() *Index {
	return &Index{vecs: make(map[string][]float32)}
}

// Len returns the number of stored vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vecs)
}

// Upsert stores a copy of vec under id, replacing any previous vector.
func (ix *Index) Upsert(ctx context.Context, id string, vec []float32) error {
	if id == "" {
		return errors.New("memindex: empty id")
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimension)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dim == 0 {
		ix.dim = len(vec)
	}
	if len(vec) != ix.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), ix.dim)
	}
	ix.vecs[id] = append([]float32(nil), vec...)
	return nil
}

// Search returns up to topK ids ordered by descending cosine similarity,
// ties broken by id.
func (ix *Index) Search(ctx context.Context, vec []float32, topK int) ([]string, error) {
	if topK <= 0 {
		return []string{}, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.vecs) == 0 {
		return []string{}, nil
	}
	if len(vec) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), ix.dim)
	}

	type scored struct {
		id    string
		score float64
	}
	results := make([]scored, 0, len(ix.vecs))
	for id, v := range ix.vecs {
		results = append(results, scored{id: id, score: cosine(vec, v)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})

	if len(results) > topK {
		results = results[:topK]
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.id
	}
	return ids, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
