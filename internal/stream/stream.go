// ============================================================================
// Beaver-Relay StreamChannel - 串流請求/回應橋接
// ============================================================================
//
// Package: internal/stream
// 文件: stream.go
// 功能: 在請求端與 worker 行程之間傳遞訊息，只透過共享儲存溝通
//
// 兩種用法:
//
//   1. Fire-and-forget（Dispatch）
//      請求端 Append 一則訊息，worker 以消費者群組（GroupSource）讀取；
//      成功處理後 Ack（可選擇同時刪除），未確認的訊息重啟後重新投遞。
//
//   2. 請求/回應（Call / Reply）
//      請求端在訊息中附上 correlation_id（uuid）與 reply_to = reply:{id}，
//      然後在自己專屬的回覆串列上阻塞等待（BLPOP），最多 call_timeout。
//      worker 以 Reply 將 JSON 回覆推入 reply_to 並設定 TTL。
//      每個請求都有自己的回覆鍵，並行的請求端互不干擾。
//
// ============================================================================

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// 保留欄位
const (
	FieldCorrelationID = "correlation_id"
	FieldReplyTo       = "reply_to"
	FieldError         = "error"
)

// 預設時間
const (
	DefaultCallTimeout = 30 * time.Second
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNoMessage 非阻塞讀取時沒有新訊息
	ErrNoMessage = errors.New("stream: no message")
	// ErrCallTimeout 在時限內沒有收到回覆
	ErrCallTimeout = errors.New("stream: call timed out")
	// ErrNoReplyTo 請求訊息沒有 reply_to（不是 Call 送出的訊息）
	ErrNoReplyTo = errors.New("stream: message has no reply_to")
)

// RemoteError worker 回覆了錯誤
type RemoteError struct {
	Stream  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("stream %s: remote error: %s", e.Stream, e.Message)
}

// Channel 串流通道
type Channel struct {
	log         store.StreamLog
	kv          store.KeyValueStore
	callTimeout time.Duration
	replyTTL    time.Duration
	metrics     *metrics.Collector
}

// Option 設定選項
type Option func(*Channel)

// WithCallTimeout Call 的預設等待時間
func WithCallTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithReplyTTL 回覆串列的保留時間
func WithReplyTTL(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.replyTTL = d
		}
	}
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// New 建立串流通道
//
// 參數：
//   - log: 串流日誌（請求訊息）
//   - kv: 鍵值儲存（回覆串列）
func New(log store.StreamLog, kv store.KeyValueStore, opts ...Option) *Channel {
	c := &Channel{
		log:         log,
		kv:          kv,
		callTimeout: DefaultCallTimeout,
		replyTTL:    store.DefaultReplyTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Log 底層串流日誌
func (c *Channel) Log() store.StreamLog {
	return c.log
}

// Append 追加訊息
func (c *Channel) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	id, err := c.log.Append(ctx, stream, fields)
	if err != nil {
		return "", fmt.Errorf("append %s: %w", stream, err)
	}
	return id, nil
}

// ReadFrom 讀取 afterID 之後的第一則訊息
//
// 參數：
//   - afterID: "0" 代表從頭讀取
//   - blocking: true 時等待直到有訊息或 ctx 結束；false 時沒有訊息回傳 ErrNoMessage
func (c *Channel) ReadFrom(ctx context.Context, stream, afterID string, blocking bool) (store.Message, error) {
	block := time.Duration(-1)
	if blocking {
		block = 0
	}

	msgs, err := c.log.ReadFrom(ctx, stream, afterID, 1, block)
	if err != nil {
		return store.Message{}, err
	}
	if len(msgs) == 0 {
		return store.Message{}, ErrNoMessage
	}
	return msgs[0], nil
}

// Dispatch fire-and-forget 投遞
func (c *Channel) Dispatch(ctx context.Context, stream string, fields map[string]string) (string, error) {
	id, err := c.Append(ctx, stream, fields)
	if err != nil {
		return "", err
	}
	slog.Debug("Dispatched message", "stream", stream, "message_id", id)
	return id, nil
}

// Call 送出請求並等待專屬回覆
//
// 參數：
//   - fields: 請求欄位，不可使用保留欄位 correlation_id / reply_to
//
// 返回值：
//   - map[string]string: 回覆欄位
//   - error: 逾時回傳 ErrCallTimeout；worker 回覆錯誤回傳 *RemoteError；ctx 取消回傳 ctx.Err()
func (c *Channel) Call(ctx context.Context, stream string, fields map[string]string) (map[string]string, error) {
	corrID := uuid.NewString()
	replyKey := store.ReplyKey(corrID)

	req := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		req[k] = v
	}
	req[FieldCorrelationID] = corrID
	req[FieldReplyTo] = replyKey

	if _, err := c.Append(ctx, stream, req); err != nil {
		c.metrics.RecordCall(stream, "error")
		return nil, err
	}

	raw, err := c.kv.ListPopBlocking(ctx, replyKey, c.callTimeout)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.metrics.RecordCall(stream, "timeout")
			slog.Warn("Stream call timed out",
				"stream", stream,
				"correlation_id", corrID,
				"timeout", c.callTimeout)
			return nil, fmt.Errorf("%s after %s: %w", stream, c.callTimeout, ErrCallTimeout)
		}
		c.metrics.RecordCall(stream, "error")
		return nil, err
	}

	var reply map[string]string
	if err := json.Unmarshal(raw, &reply); err != nil {
		c.metrics.RecordCall(stream, "error")
		return nil, fmt.Errorf("decode reply on %s: %w", stream, err)
	}
	if msg, ok := reply[FieldError]; ok && msg != "" {
		c.metrics.RecordCall(stream, "error")
		return nil, &RemoteError{Stream: stream, Message: msg}
	}

	c.metrics.RecordCall(stream, "ok")
	return reply, nil
}

// Reply worker 回覆請求
func (c *Channel) Reply(ctx context.Context, request store.Message, fields map[string]string) error {
	replyTo := request.Fields[FieldReplyTo]
	if !store.IsReplyKey(replyTo) {
		return fmt.Errorf("reply to %s: %w", request.ID, ErrNoReplyTo)
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := c.kv.ListPush(ctx, replyTo, raw); err != nil {
		return fmt.Errorf("push reply %s: %w", replyTo, err)
	}
	// 請求端已逾時離開時，回覆由 TTL 回收
	if _, err := c.kv.Expire(ctx, replyTo, c.replyTTL); err != nil {
		return fmt.Errorf("expire reply %s: %w", replyTo, err)
	}
	return nil
}

// ReplyError 以錯誤回覆請求
func (c *Channel) ReplyError(ctx context.Context, request store.Message, cause error) error {
	return c.Reply(ctx, request, map[string]string{FieldError: cause.Error()})
}

// IsCall 訊息是否由 Call 送出（需要回覆）
func IsCall(msg store.Message) bool {
	return store.IsReplyKey(msg.Fields[FieldReplyTo])
}
