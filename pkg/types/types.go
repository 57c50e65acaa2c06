// Package types 定義了 beaver-relay 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	StateQueued     JobState = "queued"     // 已受理：任務已建立但執行單元尚未開始
	StateProcessing JobState = "processing" // 執行中：正在抓取或分析
	StateCompleted  JobState = "completed"  // 完成狀態：結果已寫入 result
	StateFailed     JobState = "failed"     // 失敗狀態：error 描述失敗原因
)

// ErrInvalidJob 任務內容不符合狀態變體的約束
var ErrInvalidJob = errors.New("invalid job status")

// Job 任務狀態記錄，每次寫入都完整取代前一筆（last-write-wins）
//
// 以標籤變體（tagged variant）建模：
//   - queued:     只有 ID 與 ResourceKey
//   - processing: Progress 0..100 + Details
//   - completed:  Result 必填，Error 必須為空
//   - failed:     Error 必填，Result 必須為空
//
// 請使用 NewQueued / NewProcessing / NewCompleted / NewFailed 建立，避免出現
// 「failed 卻帶 result」這類非法組合。
type Job struct {
	ID          JobID           `json:"job_id"`
	ResourceKey string          `json:"resource_key"`
	State       JobState        `json:"status"`
	Progress    int             `json:"progress"`
	Details     string          `json:"details,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   int64           `json:"updated_at"` // Unix 毫秒
}

// NewQueued 建立已受理狀態
func NewQueued(id JobID, resourceKey string) Job {
	return Job{
		ID:          id,
		ResourceKey: resourceKey,
		State:       StateQueued,
		UpdatedAt:   time.Now().UnixMilli(),
	}
}

// NewProcessing 建立執行中狀態
func NewProcessing(id JobID, resourceKey string, progress int, details string) Job {
	return Job{
		ID:          id,
		ResourceKey: resourceKey,
		State:       StateProcessing,
		Progress:    progress,
		Details:     details,
		UpdatedAt:   time.Now().UnixMilli(),
	}
}

// NewCompleted 建立完成狀態，progress 固定為 100
func NewCompleted(id JobID, resourceKey string, result json.RawMessage, details string) Job {
	return Job{
		ID:          id,
		ResourceKey: resourceKey,
		State:       StateCompleted,
		Progress:    100,
		Details:     details,
		Result:      result,
		UpdatedAt:   time.Now().UnixMilli(),
	}
}

// NewFailed 建立失敗狀態
//
// progress 保留失敗當下的進度，不強制設為 100。
func NewFailed(id JobID, resourceKey string, progress int, errMsg string) Job {
	return Job{
		ID:          id,
		ResourceKey: resourceKey,
		State:       StateFailed,
		Progress:    progress,
		Details:     errMsg,
		Error:       errMsg,
		UpdatedAt:   time.Now().UnixMilli(),
	}
}

// IsTerminal 是否為終止狀態（completed / failed）
func (j Job) IsTerminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Validate 檢查狀態變體的欄位組合
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidJob)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidJob, j.Progress)
	}

	switch j.State {
	case StateQueued:
		if len(j.Result) > 0 || j.Error != "" {
			return fmt.Errorf("%w: queued job carries result or error", ErrInvalidJob)
		}
	case StateProcessing:
		if len(j.Result) > 0 || j.Error != "" {
			return fmt.Errorf("%w: processing job carries result or error", ErrInvalidJob)
		}
	case StateCompleted:
		if len(j.Result) == 0 {
			return fmt.Errorf("%w: completed job without result", ErrInvalidJob)
		}
		if j.Error != "" {
			return fmt.Errorf("%w: completed job carries error", ErrInvalidJob)
		}
	case StateFailed:
		if j.Error == "" {
			return fmt.Errorf("%w: failed job without error", ErrInvalidJob)
		}
		if len(j.Result) > 0 {
			return fmt.Errorf("%w: failed job carries result", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidJob, j.State)
	}
	return nil
}

// SubmitOutcome 提交結果類型
type SubmitOutcome string

const (
	OutcomeAccepted SubmitOutcome = "accepted" // 已受理，回傳 job id 供輪詢
	OutcomeConflict SubmitOutcome = "conflict" // 同一資源已有任務執行中
	OutcomeCached   SubmitOutcome = "cached"   // 命中快取，直接回傳結果
)

// Submission 提交結果
type Submission struct {
	Outcome SubmitOutcome   `json:"outcome"`
	JobID   JobID           `json:"job_id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}
