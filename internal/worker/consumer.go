// ============================================================================
// Beaver-Relay Consumer - 輪詢 + 執行 + 確認
// ============================================================================
//
// Package: internal/worker
// 文件: consumer.go
// 功能: 把 Source、Pool 與 Handler 串起來，成為一個長駐的訊息消費者
//
// 循環:
//   pollLoop:   Source.Poll -> Pool.Submit（Pool 滿時阻塞，形成背壓）
//   resultLoop: Pool.ReceiveResult -> 成功時 Source.Acknowledge；
//               失敗時只記錄，訊息留在 pending，重啟後重新投遞
//
// 停止順序:
//   1. 取消輪詢 context，pollLoop 退出
//   2. Pool.Stop()：已排入的任務執行完畢
//   3. resultLoop 讀完剩餘結果、確認後退出
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/metrics"
)

// Config 消費者設定
type Config struct {
	WorkerCount  int           `yaml:"worker_count"`  // Worker 數量
	BatchSize    int           `yaml:"batch_size"`    // 每次 Poll 的最大訊息數
	TaskTimeout  time.Duration `yaml:"task_timeout"`  // 單則訊息的處理時限，<= 0 表示不限制
	ErrorBackoff time.Duration `yaml:"error_backoff"` // Poll 失敗後的等待時間
}

func (c Config) withDefaults() Config {
	if c.WorkerCount < 1 {
		c.WorkerCount = 1
	}
	if c.BatchSize < 1 {
		c.BatchSize = c.WorkerCount
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 500 * time.Millisecond
	}
	return c
}

// Consumer 訊息消費者
type Consumer struct {
	source  Source
	handler Handler
	config  Config
	metrics *metrics.Collector

	pool   *Pool
	cancel context.CancelFunc
	loopWg sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewConsumer 建立消費者；collector 可為 nil
func NewConsumer(source Source, handler Handler, config Config, collector *metrics.Collector) *Consumer {
	config = config.withDefaults()
	return &Consumer{
		source:  source,
		handler: handler,
		config:  config,
		metrics: collector,
		pool:    NewPool(config.WorkerCount),
	}
}

// Start 啟動 Worker 與兩個循環；ctx 結束等同呼叫 Stop
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrPoolStarted
	}

	// 處理中的訊息不因輪詢停止而被中斷
	workCtx := context.WithoutCancel(ctx)
	if err := c.pool.Start(workCtx, c.config.WorkerCount, c.handler); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.loopWg.Add(2)
	go c.pollLoop(pollCtx)
	go c.resultLoop(workCtx)

	slog.Info("Consumer started",
		"source", c.source.Name(),
		"workers", c.config.WorkerCount)
	return nil
}

// Stop 停止輪詢，等待處理中的訊息完成並確認
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.loopWg.Wait()
	slog.Info("Consumer stopped", "source", c.source.Name())
}

// pollLoop 持續從 Source 取訊息並提交給 Pool
func (c *Consumer) pollLoop(ctx context.Context) {
	// pollLoop 結束後才停止 Pool，resultLoop 會在結果讀完後退出
	defer c.loopWg.Done()
	defer c.pool.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := c.source.Poll(ctx, c.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Failed to poll source", "source", c.source.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			task := Task{Message: msg, Timeout: c.config.TaskTimeout}
			if err := c.pool.Submit(ctx, task); err != nil {
				if !errors.Is(err, ErrPoolClosed) && ctx.Err() == nil {
					slog.Error("Failed to submit task", "source", c.source.Name(), "error", err)
				}
				// 未提交的訊息保持 pending，下次啟動重新投遞
				return
			}
		}
	}
}

// resultLoop 收集結果並確認成功的訊息
func (c *Consumer) resultLoop(ctx context.Context) {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, ErrPoolClosed) {
				return
			}
			slog.Error("Failed to receive result", "error", err)
			continue
		}

		c.handleResult(ctx, result)
	}
}

func (c *Consumer) handleResult(ctx context.Context, result Result) {
	name := c.source.Name()
	c.metrics.RecordStreamMessage(name, result.Error)

	if !result.Success {
		slog.Warn("Message handling failed, left pending",
			"source", name,
			"message_id", result.Message.ID,
			"duration", result.Duration,
			"error", result.Error)
		return
	}

	if err := c.source.Acknowledge(ctx, result.Message); err != nil {
		slog.Error("Failed to acknowledge message",
			"source", name,
			"message_id", result.Message.ID,
			"error", err)
		return
	}

	slog.Debug("Message handled",
		"source", name,
		"message_id", result.Message.ID,
		"duration", result.Duration)
}
