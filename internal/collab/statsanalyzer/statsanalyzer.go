// Package statsanalyzer is the in-process collab.Analyzer: word and author
// frequencies over the comments, plus the most liked comment.
package statsanalyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
)

// Defaults for New.
const (
	DefaultTopKeywords = 5
	DefaultTopAuthors  = 3
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "you": {}, "this": {}, "that": {},
	"with": {}, "are": {}, "was": {}, "is": {}, "it": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "a": {}, "an": {}, "so": {},
}

// Analyzer implements collab.Analyzer.
type Analyzer struct {
	topKeywords int
	topAuthors  int
}

var _ collab.Analyzer = (*Analyzer)(nil)

// New returns an Analyzer. Non-positive limits use the defaults.
func New(topKeywords, topAuthors int) *Analyzer {
	if topKeywords <= 0 {
		topKeywords = DefaultTopKeywords
	}
	if topAuthors <= 0 {
		topAuthors = DefaultTopAuthors
	}
	return &Analyzer{topKeywords: topKeywords, topAuthors: topAuthors}
}

// Analyze never fails on input; an empty comment list is rejected so callers
// can distinguish "nothing to analyze" from a real result.
func (a *Analyzer) Analyze(ctx context.Context, resourceID string, comments []collab.Comment) (collab.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return collab.Analysis{}, err
	}
	if len(comments) == 0 {
		return collab.Analysis{}, fmt.Errorf("%w: no comments for %s", collab.ErrUpstream, resourceID)
	}

	words := make(map[string]int)
	authors := make(map[string]int)
	totalLen := 0
	var mostLiked *collab.Comment

	for i := range comments {
		c := &comments[i]
		totalLen += utf8.RuneCountInString(c.Text)
		for _, w := range Tokenize(c.Text) {
			words[w]++
		}
		if c.Author != "" {
			authors[c.Author]++
		}
		if mostLiked == nil || c.Likes > mostLiked.Likes {
			mostLiked = c
		}
	}

	liked := *mostLiked
	out := collab.Analysis{
		ResourceID:    resourceID,
		CommentCount:  len(comments),
		AverageLength: float64(totalLen) / float64(len(comments)),
		TopKeywords:   top(words, a.topKeywords),
		TopAuthors:    top(authors, a.topAuthors),
		MostLiked:     &liked,
	}
	out.Summary = summarize(out)
	return out, nil
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit. Single-rune tokens and stopwords are dropped.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// top returns the n most frequent terms, ties broken alphabetically.
func top(counts map[string]int, n int) []collab.Count {
	out := make([]collab.Count, 0, len(counts))
	for term, c := range counts {
		out = append(out, collab.Count{Term: term, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func summarize(a collab.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d comments, average length %.1f", a.CommentCount, a.AverageLength)
	if len(a.TopKeywords) > 0 {
		terms := make([]string, len(a.TopKeywords))
		for i, k := range a.TopKeywords {
			terms[i] = k.Term
		}
		fmt.Fprintf(&b, "; top keywords: %s", strings.Join(terms, ", "))
	}
	if a.MostLiked != nil && a.MostLiked.Likes > 0 {
		fmt.Fprintf(&b, "; most liked (%d): %q", a.MostLiked.Likes, a.MostLiked.Text)
	}
	return b.String()
}
