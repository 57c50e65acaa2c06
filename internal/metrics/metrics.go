// ============================================================================
// Beaver-Relay Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露協調層運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 提交計數器 (CounterVec):
//      - relay_submissions_total{outcome}: accepted / conflict / cached
//
//   2. 任務執行:
//      - relay_jobs_completed_total / relay_jobs_failed_total
//      - relay_job_duration_seconds: 單一任務從 accept 到終態的時間
//      - relay_jobs_in_flight: 目前執行中的任務數
//
//   3. 串流通道:
//      - relay_stream_messages_total{stream,result}: worker 處理結果 ok / error
//      - relay_stream_calls_total{stream,result}: 請求/回應 ok / timeout / error
//
//   4. 鎖與維護:
//      - relay_lock_acquire_total{result}: acquired / contended
//      - relay_janitor_purged_total: 清除的過期資料數
//
// Prometheus 查詢示例:
//
//   # 衝突率
//   rate(relay_submissions_total{outcome="conflict"}[5m])
//     / rate(relay_submissions_total[5m])
//
//   # 95 分位任務時間
//   histogram_quantile(0.95, relay_job_duration_seconds_bucket)
//
// 註冊方式:
//   NewCollector 接收 prometheus.Registerer，測試傳入新的 Registry，
//   正式環境傳入 prometheus.DefaultRegisterer。
//   所有方法對 nil *Collector 安全，元件可以不帶指標運行。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 提交與任務
	submissions  *prometheus.CounterVec
	completed    prometheus.Counter
	failed       prometheus.Counter
	jobDuration  prometheus.Histogram
	jobsInFlight prometheus.Gauge

	// 串流通道
	streamMessages *prometheus.CounterVec
	streamCalls    *prometheus.CounterVec

	// 鎖與維護
	lockAcquire *prometheus.CounterVec
	purged      prometheus.Counter
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_submissions_total",
			Help: "Total number of submissions by outcome",
		}, []string{"outcome"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_failed_total",
			Help: "Total number of jobs that ended failed",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_job_duration_seconds",
			Help:    "Time from acceptance to terminal status in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_jobs_in_flight",
			Help: "Current number of running jobs",
		}),
		streamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_messages_total",
			Help: "Stream messages handled by workers",
		}, []string{"stream", "result"}),
		streamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_calls_total",
			Help: "Correlated stream calls by result",
		}, []string{"stream", "result"}),
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_lock_acquire_total",
			Help: "Lock acquisition attempts by result",
		}, []string{"result"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_janitor_purged_total",
			Help: "Expired keys removed by the janitor",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.submissions,
			c.completed,
			c.failed,
			c.jobDuration,
			c.jobsInFlight,
			c.streamMessages,
			c.streamCalls,
			c.lockAcquire,
			c.purged,
		)
	}

	return c
}

// RecordSubmission 記錄一次提交結果
func (c *Collector) RecordSubmission(outcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(outcome).Inc()
}

// JobStarted 任務開始執行
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// JobFinished 任務到達終態
func (c *Collector) JobFinished(ok bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobDuration.Observe(elapsed.Seconds())
	if ok {
		c.completed.Inc()
	} else {
		c.failed.Inc()
	}
}

// RecordStreamMessage 記錄 worker 處理一則串流訊息
func (c *Collector) RecordStreamMessage(stream string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.streamMessages.WithLabelValues(stream, result).Inc()
}

// RecordCall 記錄一次請求/回應；result 為 ok / timeout / error
func (c *Collector) RecordCall(stream, result string) {
	if c == nil {
		return
	}
	c.streamCalls.WithLabelValues(stream, result).Inc()
}

// RecordLock 記錄一次鎖競爭
func (c *Collector) RecordLock(acquired bool) {
	if c == nil {
		return
	}
	result := "acquired"
	if !acquired {
		result = "contended"
	}
	c.lockAcquire.WithLabelValues(result).Inc()
}

// RecordPurged 記錄清除數量
func (c *Collector) RecordPurged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.purged.Add(float64(n))
}

// Handler 回傳 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 生命週期
//   - addr: 監聽位址，例如 ":9090"
//   - g: 指標來源
//
// 返回值：
//   - error: 啟動失敗的錯誤（正常關閉回傳 nil）
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
