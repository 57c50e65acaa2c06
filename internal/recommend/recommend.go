// ============================================================================
// Beaver-Relay 推薦橋接 - 請求端
// ============================================================================
//
// Package: internal/recommend
// 文件: recommend.go
// 功能: 透過 StreamChannel 把向量索引、推薦與遠端分析交給 worker 行程
//
// 串流與欄位:
//   streams_insert_bv              {BV, text}            fire-and-forget
//   streams_vector_tuijian         {user_id}             Call → {user_id, data: JSON ids}
//   streams_analyze_video_comments {BV, comments}        Call → {BV, data: JSON analysis}
//
// 快取:
//   cache:v1:recommend:{user_id}   推薦結果（JSON 陣列）
//   cache:v1:comments:{user_id}    使用者評論，由 IngestUserComments 寫入，worker 讀取
//
// ============================================================================

package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/cache"
	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/stream"
)

// 預設串流名稱
const (
	DefaultIndexStream     = "streams_insert_bv"
	DefaultRecommendStream = "streams_vector_tuijian"
	DefaultAnalyzeStream   = "streams_analyze_video_comments"
)

// 訊息欄位
const (
	FieldResource = "BV"
	FieldText     = "text"
	FieldUser     = "user_id"
	FieldComments = "comments"
	FieldData     = "data"
)

// 快取命名空間
const (
	NamespaceRecommend = "recommend"
	NamespaceComments  = "comments"
)

var (
	// ErrEmptyID 資源或使用者 ID 為空
	ErrEmptyID = errors.New("recommend: empty id")
	// ErrNoUserFetcher 沒有設定使用者評論來源
	ErrNoUserFetcher = errors.New("recommend: no user comment fetcher configured")
)

// Streams 串流名稱
type Streams struct {
	Index     string `yaml:"index"`
	Recommend string `yaml:"recommend"`
	Analyze   string `yaml:"analyze"`
}

// DefaultStreams 預設串流名稱
func DefaultStreams() Streams {
	return Streams{
		Index:     DefaultIndexStream,
		Recommend: DefaultRecommendStream,
		Analyze:   DefaultAnalyzeStream,
	}
}

func (s Streams) withDefaults() Streams {
	d := DefaultStreams()
	if s.Index == "" {
		s.Index = d.Index
	}
	if s.Recommend == "" {
		s.Recommend = d.Recommend
	}
	if s.Analyze == "" {
		s.Analyze = d.Analyze
	}
	return s
}

// UserComment 使用者評論的快取格式
type UserComment struct {
	CommentText string `json:"comment_text"`
}

// Client 請求端
type Client struct {
	ch       *stream.Channel
	streams  Streams
	recs     *cache.Cache[[]string]
	comments *cache.Cache[[]UserComment]
	users    collab.Fetcher
}

// ClientOption 調整 Client
type ClientOption func(*Client)

// WithUserFetcher 設定使用者評論來源；FetchComments 收到的是使用者 ID
func WithUserFetcher(f collab.Fetcher) ClientOption {
	return func(c *Client) {
		c.users = f
	}
}

// NewClient 建立請求端
//
// 參數：
//   - ch: 串流通道
//   - kv: 推薦結果快取所在的儲存
//   - streams: 串流名稱，空欄位使用預設值
//   - recommendTTL: 推薦結果快取時間，0 表示不過期
func NewClient(ch *stream.Channel, kv store.KeyValueStore, streams Streams, recommendTTL time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		ch:       ch,
		streams:  streams.withDefaults(),
		recs:     cache.New[[]string](kv, NamespaceRecommend, recommendTTL),
		comments: cache.New[[]UserComment](kv, NamespaceComments, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Streams 使用中的串流名稱
func (c *Client) Streams() Streams {
	return c.streams
}

// IndexResource 投遞索引請求，不等待結果
//
// text 為空時由 worker 自行抓取資源評論作為索引文字。
func (c *Client) IndexResource(ctx context.Context, resourceID, text string) (string, error) {
	if resourceID == "" {
		return "", ErrEmptyID
	}
	fields := map[string]string{FieldResource: resourceID}
	if text != "" {
		fields[FieldText] = text
	}
	return c.ch.Dispatch(ctx, c.streams.Index, fields)
}

// Recommend 取得使用者的推薦資源 ID
//
// 先查快取；未命中時以 Call 請 worker 計算，結果寫回快取。
func (c *Client) Recommend(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, ErrEmptyID
	}

	ids, ok, err := c.recs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		return ids, nil
	}

	return c.Refresh(ctx, userID)
}

// Refresh 略過快取重新計算推薦
func (c *Client) Refresh(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, ErrEmptyID
	}

	reply, err := c.ch.Call(ctx, c.streams.Recommend, map[string]string{FieldUser: userID})
	if err != nil {
		return nil, err
	}

	ids, err := decodeIDs(reply[FieldData])
	if err != nil {
		return nil, fmt.Errorf("recommendations for %s: %w", userID, err)
	}
	if len(ids) == 0 {
		// 評論可能稍後才寫入，空結果不快取
		return ids, nil
	}
	if err := c.recs.Put(ctx, userID, ids); err != nil {
		slog.Warn("Failed to cache recommendations", "user_id", userID, "error", err)
	}
	return ids, nil
}

// IngestUserComments 抓取使用者的評論並寫入評論快取
//
// 舊的推薦結果同時失效，下一次 Recommend 會以新評論重新計算。
//
// 返回值：
//   - int: 寫入的評論數
//   - error: 沒有評論時回傳包裝 collab.ErrUpstream 的錯誤，快取不變
func (c *Client) IngestUserComments(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrEmptyID
	}
	if c.users == nil {
		return 0, ErrNoUserFetcher
	}

	fetched, err := c.users.FetchComments(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("fetch comments of user %s: %w", userID, err)
	}
	comments := make([]UserComment, 0, len(fetched))
	for _, cm := range fetched {
		if cm.Text != "" {
			comments = append(comments, UserComment{CommentText: cm.Text})
		}
	}
	if len(comments) == 0 {
		return 0, fmt.Errorf("%w: no comments found for user %s", collab.ErrUpstream, userID)
	}

	if err := c.comments.Put(ctx, userID, comments); err != nil {
		return 0, err
	}
	if _, err := c.recs.Delete(ctx, userID); err != nil {
		slog.Warn("Failed to drop cached recommendations", "user_id", userID, "error", err)
	}
	slog.Info("Ingested user comments", "user_id", userID, "count", len(comments))
	return len(comments), nil
}

func decodeIDs(raw string) ([]string, error) {
	if raw == "" || raw == "null" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	return ids, nil
}

// ============================================================================
// 遠端分析
// ============================================================================

// RemoteAnalyzer 以 Call 把分析交給 worker 行程
type RemoteAnalyzer struct {
	ch     *stream.Channel
	stream string
}

var _ collab.Analyzer = (*RemoteAnalyzer)(nil)

// NewRemoteAnalyzer 建立遠端分析器；streamName 為空時使用預設串流
func NewRemoteAnalyzer(ch *stream.Channel, streamName string) *RemoteAnalyzer {
	if streamName == "" {
		streamName = DefaultAnalyzeStream
	}
	return &RemoteAnalyzer{ch: ch, stream: streamName}
}

// Analyze 實作 collab.Analyzer
func (a *RemoteAnalyzer) Analyze(ctx context.Context, resourceID string, comments []collab.Comment) (collab.Analysis, error) {
	payload, err := json.Marshal(comments)
	if err != nil {
		return collab.Analysis{}, fmt.Errorf("encode comments: %w", err)
	}

	reply, err := a.ch.Call(ctx, a.stream, map[string]string{
		FieldResource: resourceID,
		FieldComments: string(payload),
	})
	if err != nil {
		return collab.Analysis{}, fmt.Errorf("remote analysis of %s: %w", resourceID, err)
	}

	var out collab.Analysis
	if err := json.Unmarshal([]byte(reply[FieldData]), &out); err != nil {
		return collab.Analysis{}, fmt.Errorf("decode remote analysis of %s: %w", resourceID, err)
	}
	return out, nil
}
