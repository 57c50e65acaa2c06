// Package collab defines the narrow interfaces the coordination layer consumes
// from external collaborators: comment fetching, analysis, embedding and
// vector search. Default implementations live in the sub-packages.
package collab

import (
	"context"
	"errors"
)

// ErrUpstream marks a collaborator failure (unavailable upstream or empty result).
var ErrUpstream = errors.New("upstream failure")

// Comment is one user comment on a resource.
type Comment struct {
	ID        string `json:"id,omitempty"`
	Author    string `json:"author,omitempty"`
	Text      string `json:"text"`
	Likes     int    `json:"likes,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Count pairs a term with its frequency.
type Count struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// Analysis is the derived result cached per resource.
type Analysis struct {
	ResourceID    string   `json:"resource_id"`
	CommentCount  int      `json:"comment_count"`
	AverageLength float64  `json:"average_length"`
	TopKeywords   []Count  `json:"top_keywords,omitempty"`
	TopAuthors    []Count  `json:"top_authors,omitempty"`
	MostLiked     *Comment `json:"most_liked,omitempty"`
	Summary       string   `json:"summary"`
}

// Fetcher returns the comments of a resource. Implementations return an
// error wrapping ErrUpstream when the upstream is unreachable.
type Fetcher interface {
	FetchComments(ctx context.Context, resourceID string) ([]Comment, error)
}

// Analyzer derives an Analysis from comments.
type Analyzer interface {
	Analyze(ctx context.Context, resourceID string, comments []Comment) (Analysis, error)
}

// Embedder maps text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex stores vectors by id and answers nearest-neighbour queries.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vec []float32) error
	Search(ctx context.Context, vec []float32, topK int) ([]string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, resourceID string) ([]Comment, error)

// FetchComments calls f.
func (f FetcherFunc) FetchComments(ctx context.Context, resourceID string) ([]Comment, error) {
	return f(ctx, resourceID)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, resourceID string, comments []Comment) (Analysis, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, resourceID string, comments []Comment) (Analysis, error) {
	return f(ctx, resourceID, comments)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
