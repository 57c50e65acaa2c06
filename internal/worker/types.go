package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// Task 代表要執行的任務：一則串流訊息
type Task struct {
	Message store.Message // 要處理的訊息
	Timeout time.Duration // 執行超時時間，<= 0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	Message  store.Message // 原始訊息，確認時需要訊息 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Handler 處理單一訊息；回傳 nil 才會被確認
type Handler interface {
	Handle(ctx context.Context, msg store.Message) error
}

// HandlerFunc 讓一般函式滿足 Handler
type HandlerFunc func(ctx context.Context, msg store.Message) error

// Handle 呼叫 f(ctx, msg)
func (f HandlerFunc) Handle(ctx context.Context, msg store.Message) error {
	return f(ctx, msg)
}
