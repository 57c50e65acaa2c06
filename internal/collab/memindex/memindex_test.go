package memindex

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchOrdersByCosine(t *testing.T) {
	ix := New()
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "east", []float32{1, 0}))
	require.NoError(t, ix.Upsert(ctx, "north", []float32{0, 1}))
	require.NoError(t, ix.Upsert(ctx, "northeast", []float32{1, 1}))

	ids, err := ix.Search(ctx, []float32{2, 0.5}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"east", "northeast"}, ids)

	ids, err = ix.Search(ctx, []float32{0, 1}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"north", "northeast", "east"}, ids)
}

func TestUpsertReplaces(t *testing.T) {
	ix := New()
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "a", []float32{1, 0}))
	require.NoError(t, ix.Upsert(ctx, "b", []float32{0, 1}))
	require.NoError(t, ix.Upsert(ctx, "a", []float32{0, 1}))
	assert.Equal(t, 2, ix.Len())

	ids, err := ix.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids, "tie between a and b broken by id")
}

func TestDimensionChecks(t *testing.T) {
	ix := New()
	ctx := context.Background()

	assert.ErrorIs(t, ix.Upsert(ctx, "a", nil), ErrDimension)
	require.NoError(t, ix.Upsert(ctx, "a", []float32{1, 2, 3}))
	assert.ErrorIs(t, ix.Upsert(ctx, "b", []float32{1, 2}), ErrDimension)

	_, err := ix.Search(ctx, []float32{1}, 1)
	assert.ErrorIs(t, err, ErrDimension)
}

func TestSearchEmpty(t *testing.T) {
	ids, err := New().Search(context.Background(), []float32{1}, 5)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConcurrentUpsert(t *testing.T) {
	ix := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, ix.Upsert(ctx, fmt.Sprintf("v%d", i), []float32{float32(i), 1}))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, ix.Len())
}
