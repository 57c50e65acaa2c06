package hashembed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestEmbedDeterministicAndNormalised(t *testing.T) {
	e := New(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "cats and dogs playing")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "cats and dogs playing")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
}

func TestEmbedSimilarity(t *testing.T) {
	e := New(0)
	ctx := context.Background()
	assert.Equal(t, DefaultDim, e.Dim())

	base, _ := e.Embed(ctx, "guitar music concert live")
	near, _ := e.Embed(ctx, "live guitar music")
	far, _ := e.Embed(ctx, "cooking pasta recipe")

	assert.Greater(t, dot(base, near), dot(base, far))
}

func TestEmbedEmptyText(t *testing.T) {
	v, err := New(8).Embed(context.Background(), "!!")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)
}
