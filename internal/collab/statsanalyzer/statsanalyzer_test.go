package statsanalyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
)

func TestAnalyze(t *testing.T) {
	comments := []collab.Comment{
		{Author: "alice", Text: "Great video, great music", Likes: 2},
		{Author: "bob", Text: "the music is great", Likes: 9},
		{Author: "alice", Text: "again!", Likes: 0},
	}

	got, err := New(2, 1).Analyze(context.Background(), "BV1", comments)
	require.NoError(t, err)

	assert.Equal(t, "BV1", got.ResourceID)
	assert.Equal(t, 3, got.CommentCount)
	assert.InDelta(t, float64(24+18+6)/3, got.AverageLength, 1e-9)
	assert.Equal(t, []collab.Count{{Term: "great", Count: 3}, {Term: "music", Count: 2}}, got.TopKeywords)
	assert.Equal(t, []collab.Count{{Term: "alice", Count: 2}}, got.TopAuthors)
	require.NotNil(t, got.MostLiked)
	assert.Equal(t, "bob", got.MostLiked.Author)
	assert.Contains(t, got.Summary, "3 comments")
	assert.Contains(t, got.Summary, "great, music")
}

func TestAnalyzeEmpty(t *testing.T) {
	_, err := New(0, 0).Analyze(context.Background(), "BV1", nil)
	assert.ErrorIs(t, err, collab.ErrUpstream)
}

func TestAnalyzeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(0, 0).Analyze(ctx, "BV1", []collab.Comment{{Text: "hi"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello, World!", []string{"hello", "world"}},
		{"the cat and a dog", []string{"cat", "dog"}},
		{"x y z", []string{}},
		{"up主 太强了", []string{"up主", "太强了"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Tokenize(tt.in)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
