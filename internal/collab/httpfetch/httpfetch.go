// Package httpfetch fetches comments over HTTP and extracts them with JSONPath.
package httpfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
)

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// Config describes where comments come from and how to read them.
//
// URLTemplate contains "{id}", replaced by the escaped resource id.
// ItemsPath selects the array of comment objects from the response body;
// the other paths are evaluated against each item.
type Config struct {
	URLTemplate string            `yaml:"url_template"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
	ItemsPath   string            `yaml:"items_path"`
	TextPath    string            `yaml:"text_path"`
	AuthorPath  string            `yaml:"author_path"`
	LikesPath   string            `yaml:"likes_path"`
	IDPath      string            `yaml:"id_path"`
}

// DefaultConfig matches the reply layout of the video comment API.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		ItemsPath:  "$.data.replies",
		TextPath:   "$.content.message",
		AuthorPath: "$.member.uname",
		LikesPath:  "$.like",
		IDPath:     "$.rpid_str",
	}
}

// Fetcher implements collab.Fetcher.
type Fetcher struct {
	cfg    Config
	client *http.Client

	items  *jsonpath.Compiled
	text   *jsonpath.Compiled
	author *jsonpath.Compiled
	likes  *jsonpath.Compiled
	id     *jsonpath.Compiled
}

var _ collab.Fetcher = (*Fetcher)(nil)

// New compiles the configured JSONPath expressions.
func New(cfg Config, client *http.Client) (*Fetcher, error) {
	if !strings.Contains(cfg.URLTemplate, "{id}") {
		return nil, fmt.Errorf("url_template %q must contain {id}", cfg.URLTemplate)
	}
	if cfg.ItemsPath == "" || cfg.TextPath == "" {
		return nil, errors.New("items_path and text_path are required")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	f := &Fetcher{cfg: cfg, client: client}

	var err error
	if f.items, err = compile(cfg.ItemsPath); err != nil {
		return nil, err
	}
	if f.text, err = compile(cfg.TextPath); err != nil {
		return nil, err
	}
	if f.author, err = compile(cfg.AuthorPath); err != nil {
		return nil, err
	}
	if f.likes, err = compile(cfg.LikesPath); err != nil {
		return nil, err
	}
	if f.id, err = compile(cfg.IDPath); err != nil {
		return nil, err
	}
	return f, nil
}

func compile(expr string) (*jsonpath.Compiled, error) {
	if expr == "" {
		return nil, nil
	}
	c, err := jsonpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", expr, err)
	}
	return c, nil
}

// FetchComments GETs the resource's comments. Transport errors and non-2xx
// responses return an empty list and an error wrapping collab.ErrUpstream.
func (f *Fetcher) FetchComments(ctx context.Context, resourceID string) ([]collab.Comment, error) {
	target := strings.ReplaceAll(f.cfg.URLTemplate, "{id}", url.QueryEscape(resourceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", collab.ErrUpstream, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s: status %d", collab.ErrUpstream, target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", collab.ErrUpstream, err)
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", collab.ErrUpstream, err)
	}

	return f.extract(doc)
}

func (f *Fetcher) extract(doc interface{}) ([]collab.Comment, error) {
	found, err := f.items.Lookup(doc)
	if err != nil {
		// An absent list means no comments
		return nil, nil
	}
	items, ok := found.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an array", collab.ErrUpstream, f.cfg.ItemsPath)
	}

	comments := make([]collab.Comment, 0, len(items))
	for _, item := range items {
		text := lookupString(f.text, item)
		if text == "" {
			slog.Debug("Skipping comment without text")
			continue
		}
		comments = append(comments, collab.Comment{
			ID:     lookupString(f.id, item),
			Author: lookupString(f.author, item),
			Text:   text,
			Likes:  lookupInt(f.likes, item),
		})
	}
	return comments, nil
}

func lookup(c *jsonpath.Compiled, item interface{}) interface{} {
	if c == nil {
		return nil
	}
	v, err := c.Lookup(item)
	if err != nil {
		return nil
	}
	return v
}

func lookupString(c *jsonpath.Compiled, item interface{}) string {
	switch v := lookup(c, item).(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func lookupInt(c *jsonpath.Compiled, item interface{}) int {
	if v, ok := lookup(c, item).(float64); ok {
		return int(v)
	}
	return 0
}
