package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/beaver-relay/internal/cache"
	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/stream"
	"github.com/ChuLiYu/beaver-relay/internal/worker"
)

// DefaultTopK 推薦數量
const DefaultTopK = 10

// Deps worker 端依賴
type Deps struct {
	Channel  *stream.Channel
	Store    store.KeyValueStore
	Embedder collab.Embedder
	Index    collab.VectorIndex
	Analyzer collab.Analyzer // 必須是本地分析器
	Fetcher  collab.Fetcher  // 可選：訊息沒有文字或評論時用來抓取
}

// WorkerConfig worker 端設定
type WorkerConfig struct {
	TopK            int
	ResultNamespace string // 分析結果寫入的快取命名空間
	Streams         Streams
}

// Worker 處理三條串流的訊息
type Worker struct {
	deps     Deps
	topK     int
	streams  Streams
	comments *cache.Cache[[]UserComment]
	results  *cache.Cache[json.RawMessage]
}

// NewWorker 建立 worker 端處理器
func NewWorker(deps Deps, cfg WorkerConfig) (*Worker, error) {
	if deps.Channel == nil || deps.Store == nil {
		return nil, errors.New("recommend: channel and store are required")
	}
	if deps.Embedder == nil || deps.Index == nil || deps.Analyzer == nil {
		return nil, errors.New("recommend: embedder, index and analyzer are required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.ResultNamespace == "" {
		cfg.ResultNamespace = "analysis"
	}

	return &Worker{
		deps:     deps,
		topK:     cfg.TopK,
		streams:  cfg.Streams.withDefaults(),
		comments: cache.New[[]UserComment](deps.Store, NamespaceComments, 0),
		results:  cache.New[json.RawMessage](deps.Store, cfg.ResultNamespace, 0),
	}, nil
}

// HandleIndex 嵌入資源文字並寫入向量索引
func (w *Worker) HandleIndex(ctx context.Context, msg store.Message) error {
	id := msg.Fields[FieldResource]
	if id == "" {
		// 格式錯誤的訊息重送也不會成功，直接確認丟棄
		slog.Warn("Dropping index message without resource id", "message_id", msg.ID)
		return nil
	}

	text := msg.Fields[FieldText]
	if text == "" {
		comments, err := w.fetch(ctx, id)
		if err != nil {
			return err
		}
		text = joinComments(comments)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: nothing to index for %s", collab.ErrUpstream, id)
	}

	vec, err := w.deps.Embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", id, err)
	}
	if err := w.deps.Index.Upsert(ctx, id, vec); err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	slog.Debug("Indexed resource", "resource_key", id)
	return nil
}

// HandleRecommend 依使用者評論搜尋相似資源並回覆
//
// 使用者沒有評論時回覆空陣列。
func (w *Worker) HandleRecommend(ctx context.Context, msg store.Message) error {
	userID := msg.Fields[FieldUser]
	if userID == "" {
		return w.replyError(ctx, msg, ErrEmptyID)
	}

	comments, _, err := w.comments.Get(ctx, userID)
	if err != nil {
		return w.replyError(ctx, msg, err)
	}

	ids := []string{}
	if text := joinUserComments(comments); text != "" {
		vec, err := w.deps.Embedder.Embed(ctx, text)
		if err != nil {
			return w.replyError(ctx, msg, fmt.Errorf("embed comments of %s: %w", userID, err))
		}
		ids, err = w.deps.Index.Search(ctx, vec, w.topK)
		if err != nil {
			return w.replyError(ctx, msg, fmt.Errorf("search for %s: %w", userID, err))
		}
	}

	data, err := json.Marshal(ids)
	if err != nil {
		return w.replyError(ctx, msg, err)
	}
	return w.deps.Channel.Reply(ctx, msg, map[string]string{
		FieldUser: userID,
		FieldData: string(data),
	})
}

// HandleAnalyze 執行本地分析
//
// 結果寫入分析快取；訊息由 Call 送出時同時回覆。
func (w *Worker) HandleAnalyze(ctx context.Context, msg store.Message) error {
	id := msg.Fields[FieldResource]
	if id == "" {
		return w.replyError(ctx, msg, ErrEmptyID)
	}

	var comments []collab.Comment
	if raw := msg.Fields[FieldComments]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &comments); err != nil {
			return w.replyError(ctx, msg, fmt.Errorf("decode comments for %s: %w", id, err))
		}
	} else {
		fetched, err := w.fetch(ctx, id)
		if err != nil {
			return w.replyError(ctx, msg, err)
		}
		comments = fetched
	}

	analysis, err := w.deps.Analyzer.Analyze(ctx, id, comments)
	if err != nil {
		return w.replyError(ctx, msg, fmt.Errorf("analyze %s: %w", id, err))
	}
	data, err := json.Marshal(analysis)
	if err != nil {
		return w.replyError(ctx, msg, err)
	}

	if err := w.results.Put(ctx, id, data); err != nil {
		slog.Warn("Failed to cache analysis", "resource_key", id, "error", err)
	}
	if !stream.IsCall(msg) {
		return nil
	}
	return w.deps.Channel.Reply(ctx, msg, map[string]string{
		FieldResource: id,
		FieldData:     string(data),
	})
}

// replyError 把錯誤回覆給等待中的請求端
//
// 回覆送達後訊息視為已處理（回傳 nil），重送只會產生沒有人讀的第二個回覆。
// 不是 Call 的訊息回傳原錯誤，留在 pending。
func (w *Worker) replyError(ctx context.Context, msg store.Message, cause error) error {
	if !stream.IsCall(msg) {
		return cause
	}
	slog.Warn("Replying with error",
		"message_id", msg.ID,
		"error", cause)
	return w.deps.Channel.ReplyError(ctx, msg, cause)
}

func (w *Worker) fetch(ctx context.Context, id string) ([]collab.Comment, error) {
	if w.deps.Fetcher == nil {
		return nil, fmt.Errorf("%w: no text for %s and no fetcher configured", collab.ErrUpstream, id)
	}
	comments, err := w.deps.Fetcher.FetchComments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch comments for %s: %w", id, err)
	}
	return comments, nil
}

func joinComments(comments []collab.Comment) string {
	parts := make([]string, 0, len(comments))
	for _, c := range comments {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, " ")
}

func joinUserComments(comments []UserComment) string {
	parts := make([]string, 0, len(comments))
	for _, c := range comments {
		if c.CommentText != "" {
			parts = append(parts, c.CommentText)
		}
	}
	return strings.Join(parts, " ")
}

// ============================================================================
// 啟動消費者
// ============================================================================

// Start 為三條串流各啟動一個消費者群組
//
// 參數：
//   - group / consumer: 消費者群組與本行程的消費者名稱
//   - cfg: 每個消費者的 worker pool 設定
//
// 返回值：
//   - func(): 停止所有消費者
func (w *Worker) Start(ctx context.Context, group, consumer string, cfg worker.Config, m *metrics.Collector, opts ...stream.GroupOption) (func(), error) {
	handlers := []struct {
		stream  string
		handler worker.HandlerFunc
	}{
		{w.streams.Index, w.HandleIndex},
		{w.streams.Recommend, w.HandleRecommend},
		{w.streams.Analyze, w.HandleAnalyze},
	}

	opts = append([]stream.GroupOption{stream.WithDeleteOnAck(true)}, opts...)

	var started []*worker.Consumer
	stopAll := func() {
		for _, c := range started {
			c.Stop()
		}
	}

	for _, h := range handlers {
		src, err := stream.NewGroupSource(ctx, w.deps.Channel.Log(), h.stream, group, consumer, opts...)
		if err != nil {
			stopAll()
			return nil, err
		}
		c := worker.NewConsumer(src, h.handler, cfg, m)
		if err := c.Start(ctx); err != nil {
			stopAll()
			return nil, fmt.Errorf("start consumer for %s: %w", h.stream, err)
		}
		started = append(started, c)
	}

	slog.Info("Recommendation workers started",
		"group", group,
		"consumer", consumer,
		"streams", []string{w.streams.Index, w.streams.Recommend, w.streams.Analyze})
	return stopAll, nil
}
