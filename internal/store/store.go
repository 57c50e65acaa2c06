// ============================================================================
// Beaver-Relay 共享儲存抽象 - KeyValueStore / StreamLog
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 定義系統唯一的同步媒介：鍵值儲存與追加式串流日誌
//
// 設計理念:
//   所有元件（快取、分散式鎖、任務狀態、串流通道）都只透過這兩個介面
//   存取共享狀態，實際後端在啟動時建立一次並以依賴注入傳入：
//   - memory:     單行程 / 測試用，可搭配 snapshot 持久化
//   - redisstore: 正式環境（go-redis），支援完整 KV + Stream
//   - mongostore: 只實作 KeyValueStore
//
// 原子性保證:
//   - 每個操作都是單一鍵的操作，跨鍵沒有交易
//   - SetIfAbsent / CompareAndDelete / CompareAndExpire 必須是後端側的
//     單一原子操作，這是分散式鎖正確性的唯一依據
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotFound 鍵不存在或已過期；阻塞式讀取逾時也回傳此錯誤
	ErrNotFound = errors.New("store: key not found")
	// ErrClosed 儲存已關閉
	ErrClosed = errors.New("store: closed")
	// ErrGroupNotFound 消費者群組不存在
	ErrGroupNotFound = errors.New("store: consumer group not found")
)

// KeyValueStore 鍵值儲存介面
//
// TTL 為 0 代表永久保存，直到明確刪除或覆寫。
type KeyValueStore interface {
	// Get 取得值；不存在或已過期回傳 ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 寫入值（完整覆寫），ttl > 0 時自動過期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete 刪除鍵，回傳是否真的刪除了東西
	Delete(ctx context.Context, key string) (bool, error)
	// SetIfAbsent 原子性「不存在才寫入」
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete 只有目前值等於 expected 時才刪除（原子）
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// CompareAndExpire 只有目前值等於 expected 時才重設 TTL（原子）
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
	// Expire 重設既有鍵的 TTL，鍵不存在回傳 false
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Incr 計數器加一並回傳新值
	Incr(ctx context.Context, key string) (int64, error)

	// ListPush 追加到串列尾端
	ListPush(ctx context.Context, key string, value []byte) error
	// ListPop 從串列頭端取出（FIFO）；空串列回傳 ErrNotFound
	ListPop(ctx context.Context, key string) ([]byte, error)
	// ListPopBlocking 阻塞等待最多 timeout；逾時回傳 ErrNotFound，ctx 取消回傳 ctx.Err()
	ListPopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error)

	// Close 釋放連線
	Close() error
}

// Message 串流訊息
type Message struct {
	ID     string            `json:"id"`     // 格式 <毫秒>-<序號>，單一串流內單調遞增
	Fields map[string]string `json:"fields"` // 訊息欄位
}

// StreamLog 追加式串流日誌介面
//
// block 參數語意：
//   - block < 0: 不阻塞，沒有訊息立即回傳空切片
//   - block = 0: 無限期阻塞（只受 ctx 控制）
//   - block > 0: 最多等待 block
type StreamLog interface {
	// Append 追加訊息，回傳訊息 ID
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	// ReadFrom 讀取 afterID 之後的訊息；afterID 為 "0" 代表從頭讀取
	ReadFrom(ctx context.Context, stream, afterID string, count int, block time.Duration) ([]Message, error)
	// Remove 刪除指定訊息
	Remove(ctx context.Context, stream string, ids ...string) (int64, error)
	// Len 訊息數量
	Len(ctx context.Context, stream string) (int64, error)

	// EnsureGroup 建立消費者群組（已存在則忽略），群組從串流開頭開始消費
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup 以群組身份讀取；start 為 ">" 讀取新訊息，其他值（例如 "0"）讀取此消費者
	// ID 大於 start 且尚未確認的訊息，不阻塞
	ReadGroup(ctx context.Context, stream, group, consumer, start string, count int, block time.Duration) ([]Message, error)
	// Ack 確認訊息已處理
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
}

// Backend 同時提供 KV 與串流的後端（memory、redisstore）
type Backend interface {
	KeyValueStore
	StreamLog
}
