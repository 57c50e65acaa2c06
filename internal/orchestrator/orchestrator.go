// ============================================================================
// Beaver-Relay 任務協調器 - 快取、鎖與狀態機的組合
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 受理分析任務、在背景執行並驅動狀態機，保證釋放資源鎖
//
// 提交流程（資源鍵 R）:
//   1. 查快取 cache:v1:analysis:R，命中直接回傳（不取鎖、不建任務）
//   2. 以任務 ID 為權杖取得 lock:analyze:R，失敗回傳 conflict
//   3. 寫入 queued 狀態，啟動背景執行單元，回傳 accepted{job_id}
//
// 任務狀態轉換 (State Machine):
//   Queued
//      ↓ 執行單元開始
//   Processing(20) 抓取評論
//      ↓ 有評論
//   Processing(60) 分析
//      ↓ 成功
//   Completed(100, result) + 寫入快取
//
//   任何一步失敗（含 panic）→ Failed(失敗當下的進度, 錯誤描述)
//   所有路徑的最後一步：以同一權杖釋放鎖
//
// 並發模型:
//   - 每個受理的任務一個 goroutine，只透過共享儲存溝通
//   - 執行單元的 context 與呼叫端脫鉤，只受 job_timeout 限制
//   - 執行期間每 lock_ttl/3 延長一次鎖；鎖被他人取得時取消任務
//   - Wait() 等待所有執行單元結束（優雅關閉）
//
// ============================================================================

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-relay/internal/cache"
	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/jobstatus"
	"github.com/ChuLiYu/beaver-relay/internal/lock"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotFound 任務不存在或已過期；資源沒有快取結果
	ErrNotFound = errors.New("not found")
	// ErrEmptyResource 資源鍵為空
	ErrEmptyResource = errors.New("orchestrator: empty resource key")
)

// 進度節點
const (
	ProgressFetching  = 20
	ProgressAnalyzing = 60
)

// 計數器名稱（stats:v1:{name}）
const (
	CounterSubmitted = "submitted"
	CounterCacheHits = "cache_hits"
	CounterConflicts = "conflicts"
	CounterCompleted = "completed"
	CounterFailed    = "failed"
)

// Counters 依固定順序列出所有計數器
var Counters = []string{CounterSubmitted, CounterCacheHits, CounterConflicts, CounterCompleted, CounterFailed}

// 預設值
const (
	DefaultNamespace  = "analysis"
	DefaultJobTimeout = 5 * time.Minute
	lockPrefix        = "analyze:"
	cleanupTimeout    = 5 * time.Second
)

// Config 協調器設定
type Config struct {
	LockTTL    time.Duration `yaml:"lock_ttl"`
	StatusTTL  time.Duration `yaml:"status_ttl"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	Namespace  string        `yaml:"cache_namespace"`
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	return Config{
		LockTTL:    store.DefaultLockTTL,
		StatusTTL:  store.DefaultJobStatusTTL,
		JobTimeout: DefaultJobTimeout,
		Namespace:  DefaultNamespace,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = d.StatusTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	return c
}

// Orchestrator 任務協調器
type Orchestrator struct {
	kv       store.KeyValueStore
	results  *cache.Cache[json.RawMessage]
	locks    *lock.Locker
	status   *jobstatus.Store
	fetcher  collab.Fetcher
	analyzer collab.Analyzer
	metrics  *metrics.Collector
	cfg      Config

	wg sync.WaitGroup
}

// Option 設定選項
type Option func(*Orchestrator)

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New 建立協調器
//
// 參數：
//   - kv: 共享儲存，鎖、狀態、快取與計數器都寫在這裡
//   - fetcher: 評論來源
//   - analyzer: 分析器
//   - cfg: 設定，零值欄位使用預設值
func New(kv store.KeyValueStore, fetcher collab.Fetcher, analyzer collab.Analyzer, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		kv:       kv,
		results:  cache.New[json.RawMessage](kv, cfg.Namespace, cfg.CacheTTL),
		locks:    lock.New(kv, cfg.LockTTL),
		status:   jobstatus.New(kv, cfg.StatusTTL),
		fetcher:  fetcher,
		analyzer: analyzer,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LockResource 資源 R 對應的鎖資源鍵（儲存鍵為 lock:analyze:R）
func LockResource(resourceKey string) string {
	return lockPrefix + resourceKey
}

func newJobID(resourceKey string) types.JobID {
	return types.JobID(fmt.Sprintf("analyze_%s_%s", resourceKey, uuid.NewString()[:8]))
}

// ============================================================================
// 對外操作
// ============================================================================

// Submit 提交資源分析任務
//
// 返回值：
//   - types.Submission: cached（含結果）、conflict 或 accepted（含 job id）
//   - error: 只有儲存錯誤才回傳；鎖競爭是正常結果，不是錯誤
func (o *Orchestrator) Submit(ctx context.Context, resourceKey string) (types.Submission, error) {
	if resourceKey == "" {
		return types.Submission{}, ErrEmptyResource
	}
	o.incr(ctx, CounterSubmitted)

	// 1. 快取
	result, ok, err := o.results.Get(ctx, resourceKey)
	if err != nil {
		return types.Submission{}, fmt.Errorf("check cache for %s: %w", resourceKey, err)
	}
	if ok {
		o.incr(ctx, CounterCacheHits)
		o.metrics.RecordSubmission(string(types.OutcomeCached))
		slog.Debug("Cache hit", "resource_key", resourceKey)
		return types.Submission{Outcome: types.OutcomeCached, Result: result}, nil
	}

	// 2. 取鎖，任務 ID 就是權杖
	jobID := newJobID(resourceKey)
	acquired, err := o.locks.Acquire(ctx, LockResource(resourceKey), string(jobID), o.cfg.LockTTL)
	if err != nil {
		return types.Submission{}, fmt.Errorf("acquire lock for %s: %w", resourceKey, err)
	}
	o.metrics.RecordLock(acquired)
	if !acquired {
		o.incr(ctx, CounterConflicts)
		o.metrics.RecordSubmission(string(types.OutcomeConflict))
		holder, _ := o.locks.Holder(ctx, LockResource(resourceKey))
		slog.Info("Job already in flight", "resource_key", resourceKey, "holder", holder)
		return types.Submission{Outcome: types.OutcomeConflict}, nil
	}

	// 3. queued 讓受理後立即輪詢也找得到任務
	if err := o.status.Set(ctx, types.NewQueued(jobID, resourceKey)); err != nil {
		o.release(ctx, jobID, resourceKey)
		return types.Submission{}, fmt.Errorf("record job %s: %w", jobID, err)
	}

	o.wg.Add(1)
	go o.execute(context.WithoutCancel(ctx), jobID, resourceKey)

	o.metrics.RecordSubmission(string(types.OutcomeAccepted))
	slog.Info("Job accepted", "job_id", jobID, "resource_key", resourceKey)
	return types.Submission{Outcome: types.OutcomeAccepted, JobID: jobID}, nil
}

// GetJobStatus 查詢任務狀態；不存在或已過期回傳 ErrNotFound
func (o *Orchestrator) GetJobStatus(ctx context.Context, id types.JobID) (types.Job, error) {
	job, err := o.status.Get(ctx, id)
	if errors.Is(err, jobstatus.ErrNotFound) {
		return types.Job{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return job, err
}

// GetCachedResult 查詢資源的快取結果；沒有則回傳 ErrNotFound
func (o *Orchestrator) GetCachedResult(ctx context.Context, resourceKey string) (json.RawMessage, error) {
	result, ok, err := o.results.Get(ctx, resourceKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no cached result for %s", ErrNotFound, resourceKey)
	}
	return result, nil
}

// PutCachedResult 手動寫入快取結果（唯一的更新途徑）
func (o *Orchestrator) PutCachedResult(ctx context.Context, resourceKey string, result json.RawMessage) error {
	if !json.Valid(result) {
		return fmt.Errorf("cached result for %s is not valid JSON", resourceKey)
	}
	return o.results.Put(ctx, resourceKey, result)
}

// Stats 讀取請求計數器
func (o *Orchestrator) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(Counters))
	for _, name := range Counters {
		raw, err := o.kv.Get(ctx, store.StatsKey(name))
		if errors.Is(err, store.ErrNotFound) {
			out[name] = 0
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read counter %s: %w", name, err)
		}
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

// Wait 等待所有執行單元結束
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ============================================================================
// 執行單元
// ============================================================================

func (o *Orchestrator) execute(parent context.Context, id types.JobID, resourceKey string) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(parent, o.cfg.JobTimeout)
	defer cancel()
	stopRenew := o.renewLock(ctx, cancel, id, resourceKey)

	start := time.Now()
	progress := 0
	succeeded := false
	o.metrics.JobStarted()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job panicked",
				"job_id", id,
				"resource_key", resourceKey,
				"panic", r)
			o.fail(parent, id, resourceKey, progress, fmt.Sprintf("internal error analyzing %s: %v", resourceKey, r))
		}
		o.metrics.JobFinished(succeeded, time.Since(start))
		stopRenew()
		// 最後一步：釋放鎖
		o.release(parent, id, resourceKey)
	}()

	if err := o.run(ctx, id, resourceKey, &progress); err != nil {
		slog.Warn("Job failed",
			"job_id", id,
			"resource_key", resourceKey,
			"progress", progress,
			"error", err)
		o.fail(parent, id, resourceKey, progress, err.Error())
		return
	}
	succeeded = true
	o.incr(parent, CounterCompleted)
	slog.Info("Job completed",
		"job_id", id,
		"resource_key", resourceKey,
		"duration", time.Since(start))
}

func (o *Orchestrator) run(ctx context.Context, id types.JobID, resourceKey string, progress *int) error {
	advance := func(p int, details string) error {
		*progress = p
		return o.status.Set(ctx, types.NewProcessing(id, resourceKey, p, details))
	}

	if err := advance(ProgressFetching, "fetching comments for "+resourceKey); err != nil {
		return fmt.Errorf("record progress for %s: %w", resourceKey, err)
	}
	comments, err := o.fetcher.FetchComments(ctx, resourceKey)
	if err != nil {
		return fmt.Errorf("fetch comments for %s: %w", resourceKey, err)
	}
	if len(comments) == 0 {
		return fmt.Errorf("%w: no comments found for %s", collab.ErrUpstream, resourceKey)
	}

	if err := advance(ProgressAnalyzing, fmt.Sprintf("analyzing %d comments for %s", len(comments), resourceKey)); err != nil {
		return fmt.Errorf("record progress for %s: %w", resourceKey, err)
	}
	analysis, err := o.analyzer.Analyze(ctx, resourceKey, comments)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", resourceKey, err)
	}

	result, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis for %s: %w", resourceKey, err)
	}
	done := types.NewCompleted(id, resourceKey, result, fmt.Sprintf("analyzed %d comments", len(comments)))
	if err := o.status.Set(ctx, done); err != nil {
		return fmt.Errorf("record result for %s: %w", resourceKey, err)
	}
	*progress = 100

	if err := o.results.Put(ctx, resourceKey, result); err != nil {
		// 狀態已是 completed，快取寫入失敗只影響下次提交
		slog.Error("Failed to cache result",
			"job_id", id,
			"resource_key", resourceKey,
			"error", err)
	}
	return nil
}

// fail 寫入 failed 狀態；使用獨立的 context，job_timeout 到期後仍能寫入
func (o *Orchestrator) fail(parent context.Context, id types.JobID, resourceKey string, progress int, msg string) {
	o.incr(parent, CounterFailed)

	ctx, cancel := context.WithTimeout(parent, cleanupTimeout)
	defer cancel()
	if err := o.status.Set(ctx, types.NewFailed(id, resourceKey, progress, msg)); err != nil {
		slog.Error("Failed to record job failure",
			"job_id", id,
			"resource_key", resourceKey,
			"error", err)
	}
}

// renewLock 在背景延長鎖，直到回傳的 stop 被呼叫或 ctx 結束
//
// 鎖已不屬於此任務時呼叫 cancel，讓執行單元以失敗收場。
func (o *Orchestrator) renewLock(ctx context.Context, cancel context.CancelFunc, id types.JobID, resourceKey string) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	interval := max(o.locks.DefaultTTL()/3, time.Millisecond)

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := o.locks.Extend(ctx, LockResource(resourceKey), string(id), o.locks.DefaultTTL())
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrNotHeld):
				slog.Error("Lost lock while running",
					"job_id", id,
					"resource_key", resourceKey)
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				slog.Warn("Failed to extend lock",
					"job_id", id,
					"resource_key", resourceKey,
					"error", err)
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

func (o *Orchestrator) release(parent context.Context, id types.JobID, resourceKey string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()

	released, err := o.locks.Release(ctx, LockResource(resourceKey), string(id))
	switch {
	case err != nil:
		slog.Error("Failed to release lock",
			"job_id", id,
			"resource_key", resourceKey,
			"error", err)
	case !released:
		slog.Warn("Lock expired before release",
			"job_id", id,
			"resource_key", resourceKey)
	}
}

func (o *Orchestrator) incr(ctx context.Context, counter string) {
	if _, err := o.kv.Incr(ctx, store.StatsKey(counter)); err != nil {
		slog.Warn("Failed to bump counter", "counter", counter, "error", err)
	}
}
